package loopback

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/packet"
	"github.com/slackhq/nicplane/ring"
	"github.com/slackhq/nicplane/util/virtio"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

const (
	tcpFlagFIN = 0x01
	tcpFlagPSH = 0x08
)

// frame is one frame on its way back to the receive side.
type frame struct {
	data    []byte
	vlan    uint16
	hasVLAN bool
	// mss is set for a segmentation offload frame the receive side may
	// aggregate.
	mss int
}

// transmit fetches the chain starting at first and queues the resulting
// frames. It returns the number of descriptors the chain used, 0 when the
// start descriptor is unusable.
func (d *Device) transmit(q int, qs *queueState, bds []hw.TxBD, first ring.Index) int {
	size := len(bds)
	start := &bds[first.Slot(size)]
	if start.Kind != hw.TxBDStart || start.Nbd < 2 {
		d.violation(q, "Chain does not begin with a start descriptor")
		return 0
	}
	parse := &bds[first.Next().Slot(size)]

	data, ok := d.table.Resolve(start.Addr, int(start.Nbytes))
	if !ok {
		d.violation(q, "Start descriptor points at unmapped memory")
		return int(start.Nbd)
	}
	buf := append([]byte(nil), data...)
	for i := 2; i < int(start.Nbd); i++ {
		bd := &bds[first.Add(i).Slot(size)]
		data, ok := d.table.Resolve(bd.Addr, int(bd.Nbytes))
		if !ok {
			d.violation(q, "Data descriptor points at unmapped memory")
			return int(start.Nbd)
		}
		buf = append(buf, data...)
	}
	d.txFrames.Inc(1)

	f := frame{data: buf}
	if start.Flags&hw.TxFlagVLAN != 0 {
		f.vlan = start.VlanOrProd
		f.hasVLAN = true
	}

	if start.Flags&(hw.TxFlagSWLSO|hw.TxFlagL4Csum|hw.TxFlagIPCsum) == 0 {
		d.enqueue(q, qs, f)
		return int(start.Nbd)
	}

	p := &packet.Packet{Head: buf}
	if err := d.classifier.Classify(p); err != nil {
		d.violation(q, "Offload requested on a frame the device cannot parse")
		d.enqueue(q, qs, f)
		return int(start.Nbd)
	}

	if start.Flags&hw.TxFlagSWLSO != 0 && p.L4 == packet.L4TCP {
		mss := d.mss(&parse.Parse)
		if mss <= 0 {
			d.violation(q, "Segmentation offload without a segment size")
			return int(start.Nbd)
		}
		if qs.rings.TPA {
			fixLengths(buf, p)
			fillChecksums(buf, p)
			f.mss = mss
			d.enqueue(q, qs, f)
			return int(start.Nbd)
		}
		for _, seg := range segment(buf, p, mss) {
			d.enqueue(q, qs, frame{data: seg, vlan: f.vlan, hasVLAN: f.hasVLAN})
		}
		return int(start.Nbd)
	}

	fillChecksums(buf, p)
	d.enqueue(q, qs, f)
	return int(start.Nbd)
}

// mss reads the segment size from a parse descriptor in the device's format.
func (d *Device) mss(pd *hw.ParseData) int {
	switch d.caps.ParseFormat {
	case hw.ParseV1:
		return int(pd.LSOMss)
	case hw.ParseV2:
		return int((pd.ParsingData & hw.ParseV2MSSMask) >> hw.ParseV2MSSShift)
	case hw.ParseVirtio:
		var h virtio.NetHdr
		if err := h.Decode(pd.NetHdr[:]); err != nil {
			return 0
		}
		return int(h.GSOSize)
	}
	return 0
}

func (d *Device) enqueue(q int, qs *queueState, f frame) {
	if qs.backlog.Length() >= d.opts.Backlog {
		d.noBuffer.Inc(1)
		if d.l.Level >= logrus.DebugLevel {
			d.l.WithField("queue", q).Debug("Backlog full, dropping frame")
		}
		return
	}
	qs.backlog.Add(f)
}

// fixLengths sets the IP length fields from the frame length.
func fixLengths(b []byte, p *packet.Packet) {
	n := len(b) - p.NetworkOffset
	if p.L3 == packet.L3IPv4 {
		header.IPv4(b[p.NetworkOffset:]).SetTotalLength(uint16(n))
	} else {
		header.IPv6(b[p.NetworkOffset:]).SetPayloadLength(uint16(n - header.IPv6MinimumSize))
	}
}

// fillChecksums computes the IPv4 header checksum and the transport checksum
// over the whole frame.
func fillChecksums(b []byte, p *packet.Packet) {
	var src, dst []byte
	if p.L3 == packet.L3IPv4 {
		ip := header.IPv4(b[p.NetworkOffset:])
		ip.SetChecksum(0)
		ip.SetChecksum(^ip.CalculateChecksum())
		src, dst = b[p.NetworkOffset+12:p.NetworkOffset+16], b[p.NetworkOffset+16:p.NetworkOffset+20]
	} else {
		src, dst = b[p.NetworkOffset+8:p.NetworkOffset+24], b[p.NetworkOffset+24:p.NetworkOffset+40]
	}

	off := packet.CsumFieldOffset(p.L4)
	if off == 0 {
		return
	}
	l4 := b[p.TransportOffset:]
	binary.BigEndian.PutUint16(l4[off:], 0)
	sum := ^checksum.Checksum(l4, pseudoSum(p.L4, src, dst, len(l4)))
	if p.L4 == packet.L4UDP && sum == 0 {
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(l4[off:], sum)
}

// pseudoSum is the unfolded pseudo header sum of a transport segment.
func pseudoSum(l4 packet.L4, src, dst []byte, n int) uint16 {
	proto := header.TCPProtocolNumber
	if l4 == packet.L4UDP {
		proto = header.UDPProtocolNumber
	}
	sum := checksum.Checksum(src, 0)
	sum = checksum.Checksum(dst, sum)
	return checksum.Combine(sum, checksum.Combine(uint16(proto), uint16(n)))
}

// segment cuts a TCP frame into frames carrying at most mss payload bytes
// each, the way the device segments on the wire.
func segment(b []byte, p *packet.Packet, mss int) [][]byte {
	hlen := p.TransportOffset + p.TCPHeaderLen
	payload := b[hlen:]
	tcp := header.TCP(b[p.TransportOffset:])
	seq := tcp.SequenceNumber()
	flags := b[p.TransportOffset+13]

	var id uint16
	if p.L3 == packet.L3IPv4 {
		id = header.IPv4(b[p.NetworkOffset:]).ID()
	}

	segs := make([][]byte, 0, (len(payload)+mss-1)/mss)
	for off, i := 0, 0; off < len(payload) || i == 0; off, i = off+mss, i+1 {
		n := min(mss, len(payload)-off)
		seg := make([]byte, hlen+n)
		copy(seg, b[:hlen])
		copy(seg[hlen:], payload[off:off+n])

		header.TCP(seg[p.TransportOffset:]).SetSequenceNumber(seq + uint32(off))
		if off+n < len(payload) {
			seg[p.TransportOffset+13] = flags &^ (tcpFlagFIN | tcpFlagPSH)
		}
		if p.L3 == packet.L3IPv4 {
			header.IPv4(seg[p.NetworkOffset:]).SetID(id + uint16(i))
		}

		fixLengths(seg, p)
		fillChecksums(seg, p)
		segs = append(segs, seg)
	}
	return segs
}
