package loopback

import (
	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/packet"
	"github.com/slackhq/nicplane/ring"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
)

// drain places waiting frames into posted buffers until the backlog is empty
// or the queue runs out of buffers or completion entries. It reports whether
// any completion was written.
func (d *Device) drain(q int, qs *queueState) bool {
	wrote := false
	for qs.backlog.Length() > 0 {
		f := qs.backlog.Peek().(frame)
		ok, placed := d.place(q, qs, f)
		if !ok {
			break
		}
		qs.backlog.Remove()
		wrote = wrote || placed
	}
	if wrote {
		qs.rings.Status.RxCompCons.Publish(qs.cqProd)
	}
	return wrote
}

// place writes the completions for f. ok is false when the queue lacks the
// resources right now and f should wait; placed is false when f was dropped.
func (d *Device) place(q int, qs *queueState, f frame) (ok, placed bool) {
	r := qs.rings
	space := r.BufSize - PlacementOffset

	p := &packet.Packet{Head: f.data}
	classified := d.classifier.Classify(p) == nil

	cqe := hw.CQE{
		PlacementOffset: PlacementOffset,
		RSSHash:         p.Hash,
	}
	if classified {
		cqe.Status |= hw.StatusRSSHash
		if p.L3 == packet.L3IPv6 {
			cqe.Parse |= hw.ParsingIPv6
		}
		if p.L4 == packet.L4TCP && p.TCPHeaderLen == 32 {
			cqe.Parse |= hw.ParsingTimestamp
		}
	}
	if f.hasVLAN {
		cqe.Parse |= hw.ParsingVLAN
		cqe.VlanTag = f.vlan
	}

	if len(f.data) <= space {
		if !d.hasBD(qs) || !d.hasCQE(qs, 1) {
			return false, false
		}
		cqe.Type = hw.CQEFast
		cqe.PktLen = uint16(len(f.data))
		if classified {
			cqe.Err, cqe.Status = validate(f.data, p, cqe.Err, cqe.Status)
		} else {
			cqe.Status |= hw.StatusL4CsumNotValidated
		}
		if !d.fill(q, qs, f.data) {
			return true, false
		}
		d.complete(qs, cqe)
		d.rxFrames.Inc(1)
		return true, true
	}

	if !r.TPA || r.Bins <= 0 || !classified || p.L4 != packet.L4TCP {
		d.oversize.Inc(1)
		if d.l.Level >= logrus.DebugLevel {
			d.l.WithFields(logrus.Fields{"queue": q, "len": len(f.data)}).Debug("Dropping frame larger than the receive buffers")
		}
		return true, false
	}

	// The first segment goes to a ring buffer, the rest to pages.
	lenOnBD := space
	if f.mss > 0 {
		lenOnBD = min(space, p.TransportOffset+p.TCPHeaderLen+f.mss)
	}
	sgeBytes := d.caps.SGEBytes()
	rest := len(f.data) - lenOnBD
	entries := (rest + sgeBytes - 1) / sgeBytes
	if !d.hasBD(qs) || !d.hasCQE(qs, 2) || ring.Occupied(qs.prods.SGE, qs.sgeCons) < entries {
		return false, false
	}

	bin := uint16(p.Hash % uint32(r.Bins))
	start := cqe
	start.Type = hw.CQETPAStart
	start.Bin = bin
	start.LenOnBD = uint16(lenOnBD)
	if !d.fill(q, qs, f.data[:lenOnBD]) {
		return true, false
	}
	d.complete(qs, start)

	sgl := make([]uint16, 0, entries)
	for off := lenOnBD; off < len(f.data); off += sgeBytes {
		chunk := f.data[off:min(off+sgeBytes, len(f.data))]
		slot := qs.sgeCons.Slot(len(r.SGE))
		if mem, ok := d.table.Resolve(r.SGE[slot].Addr, len(chunk)); ok {
			copy(mem, chunk)
		} else {
			d.violation(q, "Scatter-gather entry points at unmapped memory")
		}
		sgl = append(sgl, uint16(qs.sgeCons))
		qs.sgeCons = qs.sgeCons.Next()
	}

	d.complete(qs, hw.CQE{
		Type:   hw.CQETPAStop,
		Bin:    bin,
		PktLen: uint16(len(f.data)),
		Parse:  cqe.Parse,
		SGL:    sgl,
	})
	d.aggregations.Inc(1)
	d.rxFrames.Inc(1)
	return true, true
}

func (d *Device) hasBD(qs *queueState) bool {
	return qs.bdCons != qs.prods.BD
}

func (d *Device) hasCQE(qs *queueState, n int) bool {
	return ring.Occupied(qs.prods.CQE, qs.cqProd) >= n
}

// fill copies data into the buffer posted at the receive consumer.
func (d *Device) fill(q int, qs *queueState, data []byte) bool {
	r := qs.rings
	slot := qs.bdCons.Slot(len(r.RxBD))
	mem, ok := d.table.Resolve(r.RxBD[slot].Addr, PlacementOffset+len(data))
	if !ok {
		d.violation(q, "Receive descriptor points at unmapped memory")
		return false
	}
	copy(mem[PlacementOffset:], data)
	qs.bdCons = qs.bdCons.Next()
	return true
}

func (d *Device) complete(qs *queueState, cqe hw.CQE) {
	qs.rings.CQE[qs.cqProd.Slot(len(qs.rings.CQE))] = cqe
	qs.cqProd = qs.cqProd.Next()
}

// validate checks the IPv4 header and transport checksums the way the
// device reports them in a completion.
func validate(b []byte, p *packet.Packet, e hw.CQEErr, s hw.CQEStatus) (hw.CQEErr, hw.CQEStatus) {
	var src, dst []byte
	if p.L3 == packet.L3IPv4 {
		ihl := int(b[p.NetworkOffset]&0xf) * 4
		if checksum.Checksum(b[p.NetworkOffset:p.NetworkOffset+ihl], 0) != 0xffff {
			e |= hw.ErrIPBadCsum
		}
		src, dst = b[p.NetworkOffset+12:p.NetworkOffset+16], b[p.NetworkOffset+16:p.NetworkOffset+20]
	} else {
		src, dst = b[p.NetworkOffset+8:p.NetworkOffset+24], b[p.NetworkOffset+24:p.NetworkOffset+40]
	}

	off := packet.CsumFieldOffset(p.L4)
	if off == 0 {
		return e, s | hw.StatusL4CsumNotValidated
	}
	l4 := b[p.TransportOffset:]
	if p.L4 == packet.L4UDP && l4[off] == 0 && l4[off+1] == 0 {
		return e, s | hw.StatusL4CsumNotValidated
	}
	if checksum.Checksum(l4, pseudoSum(p.L4, src, dst, len(l4))) != 0xffff {
		e |= hw.ErrL4BadCsum
	}
	return e, s
}
