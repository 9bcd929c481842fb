package packet

import (
	"fmt"

	"github.com/slackhq/nicplane/dma"
)

// L3 is the network protocol of a frame.
type L3 uint8

const (
	L3None L3 = iota
	L3IPv4
	L3IPv6
)

// L4 is the transport protocol of a frame.
type L4 uint8

const (
	L4None L4 = iota
	L4TCP
	L4UDP
)

// GSOType selects the segmentation offload the device applies on transmit,
// or describes the aggregation the device performed on receive.
type GSOType uint8

const (
	GSONone GSOType = iota
	GSOTCPv4
	GSOTCPv6
)

func (g GSOType) String() string {
	switch g {
	case GSONone:
		return "none"
	case GSOTCPv4:
		return "tcpv4"
	case GSOTCPv6:
		return "tcpv6"
	}
	return fmt.Sprintf("gso(%d)", uint8(g))
}

// Packet is one Ethernet frame moving between the network stack and the
// engine. Head holds the linear part, starting with the Ethernet header;
// Frags holds any additional memory fragments in order.
type Packet struct {
	Head  []byte
	Frags [][]byte

	// Queue is the queue the packet was received on, or the queue it should
	// be sent on. A negative value on transmit lets the engine pick one from
	// Hash.
	Queue int

	// Header layout, filled by [Classify] or by the caller.
	NetworkOffset   int
	TransportOffset int
	TCPHeaderLen    int
	L3              L3
	L4              L4

	// CsumPartial asks the device to complete the transport checksum. The
	// checksum field at CsumOffset from the transport header holds the
	// partial sum the stack computed.
	CsumPartial bool
	CsumOffset  int

	// GSOSize is the segment size for segmentation offload on transmit and
	// the estimated segment size of an aggregated frame on receive.
	GSOSize uint16
	GSOType GSOType

	VLAN    uint16
	HasVLAN bool

	Hash    uint32
	HasHash bool

	// CsumVerified is set on receive when the device validated the checksums.
	CsumVerified bool

	bufs []*dma.Buffer
}

// Len returns the total frame length.
func (p *Packet) Len() int {
	n := len(p.Head)
	for _, f := range p.Frags {
		n += len(f)
	}
	return n
}

// HeadLen returns the length of the linear part.
func (p *Packet) HeadLen() int {
	return len(p.Head)
}

// Bytes returns the frame as one contiguous slice. It copies when the packet
// has fragments.
func (p *Packet) Bytes() []byte {
	if len(p.Frags) == 0 {
		return p.Head
	}

	b := make([]byte, 0, p.Len())
	b = append(b, p.Head...)
	for _, f := range p.Frags {
		b = append(b, f...)
	}
	return b
}

// Linearize copies every fragment into a single linear region.
func (p *Packet) Linearize() {
	if len(p.Frags) == 0 {
		return
	}
	p.Head = p.Bytes()
	p.Frags = nil
}

// Attach records a receive buffer backing part of the packet so [Release]
// can hand it back.
func (p *Packet) Attach(b *dma.Buffer) {
	p.bufs = append(p.bufs, b)
}

// Buffers returns the receive buffers backing the packet.
func (p *Packet) Buffers() []*dma.Buffer {
	return p.bufs
}

// HandOff passes every backing receive buffer to the stack. Buffers must be
// unmapped and host owned.
func (p *Packet) HandOff() {
	for _, b := range p.bufs {
		b.Pool().ReleaseToStack(b)
	}
}

// Discard returns the host owned backing buffers of a packet that never
// reached the stack.
func (p *Packet) Discard() {
	for _, b := range p.bufs {
		b.Pool().ReleaseToPool(b)
	}
	p.bufs = nil
	p.Head = nil
	p.Frags = nil
}

// Release returns every backing receive buffer to its pool. The packet must
// not be used afterwards.
func (p *Packet) Release() {
	for _, b := range p.bufs {
		b.Free()
	}
	p.bufs = nil
	p.Head = nil
	p.Frags = nil
}
