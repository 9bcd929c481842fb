package packet

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrNotClassified is returned when the linear part of a frame does not hold
// a complete Ethernet/IP header chain.
var ErrNotClassified = errors.New("frame headers could not be classified")

// Classifier fills in header offsets of outgoing frames. It reuses its
// decoding state and must not be shared between goroutines.
type Classifier struct {
	eth    layers.Ethernet
	dot1q  layers.Dot1Q
	ip4    layers.IPv4
	ip6    layers.IPv6
	tcp    layers.TCP
	udp    layers.UDP
	parser *gopacket.DecodingLayerParser

	decoded []gopacket.LayerType
}

// NewClassifier returns a classifier for Ethernet frames.
func NewClassifier() *Classifier {
	c := &Classifier{decoded: make([]gopacket.LayerType, 0, 6)}
	c.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&c.eth, &c.dot1q, &c.ip4, &c.ip6, &c.tcp, &c.udp)
	c.parser.IgnoreUnsupported = true
	return c
}

// Classify parses the headers in p.Head and records the network and
// transport offsets, the protocols, the TCP header length and a flow hash.
// Offload requests (CsumPartial, GSOSize) are left to the caller.
func (c *Classifier) Classify(p *Packet) error {
	c.decoded = c.decoded[:0]
	if err := c.parser.DecodeLayers(p.Head, &c.decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrNotClassified, err)
	}

	p.L3, p.L4 = L3None, L4None
	off := 0
	var flow uint64
	for _, t := range c.decoded {
		switch t {
		case layers.LayerTypeEthernet:
			off += len(c.eth.Contents)
		case layers.LayerTypeDot1Q:
			off += len(c.dot1q.Contents)
		case layers.LayerTypeIPv4:
			p.L3 = L3IPv4
			p.NetworkOffset = off
			off += len(c.ip4.Contents)
			flow = c.ip4.NetworkFlow().FastHash()
		case layers.LayerTypeIPv6:
			p.L3 = L3IPv6
			p.NetworkOffset = off
			off += len(c.ip6.Contents)
			flow = c.ip6.NetworkFlow().FastHash()
		case layers.LayerTypeTCP:
			p.L4 = L4TCP
			p.TransportOffset = off
			p.TCPHeaderLen = len(c.tcp.Contents)
			flow ^= c.tcp.TransportFlow().FastHash()
		case layers.LayerTypeUDP:
			p.L4 = L4UDP
			p.TransportOffset = off
			flow ^= c.udp.TransportFlow().FastHash()
		}
	}

	if p.L3 == L3None {
		return fmt.Errorf("%w: no IP header", ErrNotClassified)
	}

	if !p.HasHash {
		p.Hash = uint32(flow) ^ uint32(flow>>32)
		p.HasHash = true
	}
	return nil
}

// CsumFieldOffset returns the offset of the checksum field inside the
// transport header for the given protocol.
func CsumFieldOffset(l4 L4) int {
	switch l4 {
	case L4TCP:
		return 16
	case L4UDP:
		return 6
	}
	return 0
}
