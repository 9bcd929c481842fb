package tx

import (
	"encoding/binary"
	"fmt"

	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/packet"
	"github.com/slackhq/nicplane/util/virtio"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

const (
	udpHeaderLen  = header.UDPMinimumSize
	etherTypeVLAN = 0x8100
)

// parseFormat fills the parse descriptor of a chain for one device family.
type parseFormat interface {
	// csum records checksum offload metadata and returns the length of the
	// headers in bytes, up to the end of the transport header.
	csum(p *packet.Packet, t xmitType, pd *hw.ParseData) int
	// gso records segmentation offload metadata. It runs after csum.
	gso(p *packet.Packet, t xmitType, pd *hw.ParseData)
}

func newParseFormat(f hw.ParseFormat) (parseFormat, error) {
	switch f {
	case hw.ParseV1:
		return parseV1{}, nil
	case hw.ParseV2:
		return parseV2{}, nil
	case hw.ParseVirtio:
		return parseVirtio{}, nil
	}
	return nil, fmt.Errorf("unsupported parse format %v", f)
}

func csumOffset(p *packet.Packet) int {
	if p.CsumOffset != 0 {
		return p.CsumOffset
	}
	return packet.CsumFieldOffset(p.L4)
}

func transportHeaderLen(p *packet.Packet, t xmitType) int {
	if t&xmitCsumTCP != 0 {
		return p.TCPHeaderLen
	}
	return udpHeaderLen
}

// parseV1 counts header lengths in 16-bit words and hands the device the
// full segmentation context.
type parseV1 struct{}

func (parseV1) csum(p *packet.Packet, t xmitType, pd *hw.ParseData) int {
	hlenW := p.NetworkOffset / 2
	pd.GlobalData = uint8(hlenW) & hw.ParseV1HlenMask
	if len(p.Head) >= 14 && binary.BigEndian.Uint16(p.Head[12:]) == etherTypeVLAN {
		pd.GlobalData |= hw.ParseV1LLCSnap
	}

	pd.IPHlenW = uint8((p.TransportOffset - p.NetworkOffset) / 2)
	hlenW += int(pd.IPHlenW) + transportHeaderLen(p, t)/2
	pd.TotalHlenW = uint16(hlenW)

	if t&xmitCsumTCP != 0 {
		pd.TCPPseudoCsum = partialCsum(p.Head, p.TransportOffset+tcpCsumOffset)
	} else {
		off := csumOffset(p)
		pd.TCPPseudoCsum = csumFix(p.Head, p.TransportOffset, partialCsum(p.Head, p.TransportOffset+off), tcpCsumOffset-off)
	}
	return hlenW * 2
}

func (parseV1) gso(p *packet.Packet, t xmitType, pd *hw.ParseData) {
	tcp := header.TCP(p.Head[p.TransportOffset:])
	pd.LSOMss = p.GSOSize
	pd.TCPSendSeq = tcp.SequenceNumber()
	pd.TCPFlags = uint8(tcp.Flags())

	if t&xmitGSOV4 != 0 {
		ip := header.IPv4(p.Head[p.NetworkOffset:])
		pd.IPID = ip.ID()
		pd.TCPPseudoCsum = header.PseudoHeaderChecksum(header.TCPProtocolNumber, ip.SourceAddress(), ip.DestinationAddress(), 0)
	} else {
		ip := header.IPv6(p.Head[p.NetworkOffset:])
		pd.TCPPseudoCsum = header.PseudoHeaderChecksum(header.TCPProtocolNumber, ip.SourceAddress(), ip.DestinationAddress(), 0)
	}
	pd.GlobalData |= hw.ParseV1PseudoCsumNoLen
}

// parseV2 packs the transport header position into one word; the device
// derives everything else.
type parseV2 struct{}

func (parseV2) csum(p *packet.Packet, t xmitType, pd *hw.ParseData) int {
	pd.ParsingData |= uint32(p.TransportOffset/2) << hw.ParseV2TCPStartShift & hw.ParseV2TCPStartMask
	if t&xmitCsumTCP != 0 {
		pd.ParsingData |= uint32(p.TCPHeaderLen/4) << hw.ParseV2TCPLenShift & hw.ParseV2TCPLenMask
		return p.TransportOffset + p.TCPHeaderLen
	}
	return p.TransportOffset + udpHeaderLen
}

func (parseV2) gso(p *packet.Packet, t xmitType, pd *hw.ParseData) {
	pd.ParsingData |= uint32(p.GSOSize) << hw.ParseV2MSSShift & hw.ParseV2MSSMask
	if t&xmitGSOV6 != 0 && p.TransportOffset-p.NetworkOffset > header.IPv6MinimumSize {
		pd.ParsingData |= hw.ParseV2IPv6ExtHdr
	}
}

// parseVirtio exports the offload metadata as a virtio_net_hdr.
type parseVirtio struct{}

func (parseVirtio) csum(p *packet.Packet, t xmitType, pd *hw.ParseData) int {
	hlen := p.TransportOffset + transportHeaderLen(p, t)
	h := virtio.NetHdr{
		Flags:      unix.VIRTIO_NET_HDR_F_NEEDS_CSUM,
		GSOType:    unix.VIRTIO_NET_HDR_GSO_NONE,
		HdrLen:     uint16(hlen),
		CsumStart:  uint16(p.TransportOffset),
		CsumOffset: uint16(csumOffset(p)),
	}
	_ = h.Encode(pd.NetHdr[:])
	return hlen
}

func (parseVirtio) gso(p *packet.Packet, t xmitType, pd *hw.ParseData) {
	var h virtio.NetHdr
	_ = h.Decode(pd.NetHdr[:])
	h.GSOSize = p.GSOSize
	if t&xmitGSOV6 != 0 {
		h.GSOType = unix.VIRTIO_NET_HDR_GSO_TCPV6
	} else {
		h.GSOType = unix.VIRTIO_NET_HDR_GSO_TCPV4
	}
	_ = h.Encode(pd.NetHdr[:])
}
