package tx

import (
	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/packet"
)

// xmitType is the offload a packet asks for.
type xmitType uint8

const (
	xmitPlain   xmitType = 0
	xmitCsumV4  xmitType = 1 << 0
	xmitCsumV6  xmitType = 1 << 1
	xmitCsumTCP xmitType = 1 << 2
	xmitGSOV4   xmitType = 1 << 3
	xmitGSOV6   xmitType = 1 << 4

	xmitCsum = xmitCsumV4 | xmitCsumV6
	xmitGSO  = xmitGSOV4 | xmitGSOV6
)

func classify(p *packet.Packet) xmitType {
	var t xmitType
	if p.CsumPartial {
		if p.L3 == packet.L3IPv6 {
			t = xmitCsumV6
		} else {
			t = xmitCsumV4
		}
		if p.L4 == packet.L4TCP {
			t |= xmitCsumTCP
		}
	}

	switch p.GSOType {
	case packet.GSOTCPv6:
		t |= xmitGSOV6 | xmitCsumV6 | xmitCsumTCP
	case packet.GSOTCPv4:
		t |= xmitGSOV4 | xmitCsumV4 | xmitCsumTCP
	}
	return t
}

func macType(frame []byte) hw.MACType {
	if len(frame) < 6 || frame[0]&1 == 0 {
		return hw.Unicast
	}
	for _, b := range frame[:6] {
		if b != 0xff {
			return hw.Multicast
		}
	}
	return hw.Broadcast
}

func setStartCsum(bd *hw.TxBD, t xmitType) {
	bd.Flags |= hw.TxFlagL4Csum
	if t&xmitCsumV4 != 0 {
		bd.Flags |= hw.TxFlagIPCsum
	} else {
		bd.Flags |= hw.TxFlagIPv6
	}
	if t&xmitCsumTCP == 0 {
		bd.Flags |= hw.TxFlagUDP
	}
}
