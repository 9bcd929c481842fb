package tx

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicplane/dma"
	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/packet"
	"github.com/slackhq/nicplane/ring"
)

// Xmit writes the descriptor chain for p and rings the doorbell. On Accepted
// the ring owns p until the device completes it; on Dropped p was released;
// on Busy nothing changed and the caller keeps p.
func (r *Ring) Xmit(p *packet.Packet) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped.Load() {
		return Busy, ErrStopped
	}

	t := classify(p)
	if err := checkHeaders(p, t); err != nil {
		r.dropped.Inc(1)
		p.Release()
		return Dropped, err
	}

	if len(p.Frags) > MaxSkbFrags {
		p.Linearize()
		r.linearized.Inc(1)
	}

	if r.Available() < len(p.Frags)+bdOverhead {
		r.stop()
		r.xoff.Inc(1)
		r.log().Error("Tx ring full while the queue was awake")
		return Busy, ErrRingFull
	}

	if r.needsLinearize(p, t) {
		p.Linearize()
		r.linearized.Inc(1)
	}

	headAddr, err := r.mapper.Map(p.Head, dma.ToDevice)
	if err != nil {
		r.dropped.Inc(1)
		if r.l.Level >= logrus.DebugLevel {
			r.log().WithError(err).Debug("Dropping packet, linear part could not be mapped")
		}
		p.Release()
		return Dropped, err
	}

	prod := r.bdProd.Load()
	pktProd := r.pktProd
	rec := &r.pkts[pktProd.Slot(r.size)]
	*rec = txPacket{pkt: p, first: prod, headLen: len(p.Head)}

	idx := prod
	start := r.bd(idx)
	*start = hw.TxBD{
		Kind:    hw.TxBDStart,
		Flags:   hw.TxFlagStart,
		MACType: macType(p.Head),
		HdrNbds: 1,
	}
	if p.HasVLAN {
		start.VlanOrProd = p.VLAN
		start.Flags |= hw.TxFlagVLAN
	} else {
		start.VlanOrProd = uint16(pktProd)
	}

	idx = idx.Next()
	pbd := r.bd(idx)
	*pbd = hw.TxBD{Kind: hw.TxBDParse}

	hlen := 0
	if t&xmitCsum != 0 {
		setStartCsum(start, t)
		hlen = r.parse.csum(p, t, &pbd.Parse)
	}

	start.Addr = headAddr
	start.Nbytes = uint16(len(p.Head))
	nbd := 2
	pktSize := len(p.Head)
	var first *hw.TxBD

	if t&xmitGSO != 0 {
		start.Flags |= hw.TxFlagSWLSO
		if len(p.Head) > hlen {
			// Headers alone in the start descriptor, the rest of the linear
			// part behind them in a data descriptor on the same mapping.
			nbd++
			idx = idx.Next()
			split := r.bd(idx)
			*split = hw.TxBD{
				Kind:   hw.TxBDData,
				Addr:   headAddr + dma.Addr(hlen),
				Nbytes: uint16(len(p.Head) - hlen),
			}
			start.Nbytes = uint16(hlen)
			rec.split = true
			first = split
		}
		r.parse.gso(p, t, &pbd.Parse)
	}

	for i, f := range p.Frags {
		addr, err := r.mapper.Map(f, dma.ToDevice)
		if err != nil {
			// Release what was mapped so far; the producers never moved.
			start.Nbd = uint16(nbd)
			r.freePacket(pktProd)
			r.dropped.Inc(1)
			if r.l.Level >= logrus.DebugLevel {
				r.log().WithError(err).WithField("frag", i).Debug("Dropping packet, fragment could not be mapped")
			}
			return Dropped, fmt.Errorf("fragment %d: %w", i, err)
		}

		idx = idx.Next()
		d := r.bd(idx)
		*d = hw.TxBD{Kind: hw.TxBDData, Addr: addr, Nbytes: uint16(len(f))}
		if first == nil {
			first = d
		}
		pktSize += len(f)
		nbd++
	}

	start.Nbd = uint16(nbd)
	if first != nil {
		first.TotalPktBytes = uint16(pktSize)
	}

	r.pktProd = pktProd.Next()
	next := prod.Add(nbd)
	r.bdProd.Publish(next)
	r.doorbell.Doorbell(r.queue, r.cos, next)

	r.packets.Inc(1)
	r.bytes.Inc(int64(pktSize))

	if r.Available() < wakeThreshold {
		r.stop()
		// Pairs with the barrier in Complete: either it sees the queue
		// stopped, or this re-check sees the room it made.
		r.barrier.Sync()
		r.xoff.Inc(1)
		if r.enabled.Load() && r.Available() >= wakeThreshold {
			r.wake()
		}
	}
	return Accepted, nil
}

func (r *Ring) bd(idx ring.Index) *hw.TxBD {
	return &r.bds[idx.Slot(r.size)]
}

func (r *Ring) needsLinearize(p *packet.Packet, t xmitType) bool {
	window := r.caps.LinearizeWindow()
	if len(p.Frags) < window {
		return false
	}
	if t&xmitGSO == 0 {
		return true
	}

	hlen := p.TransportOffset + p.TCPHeaderLen
	sizes := make([]int, len(p.Frags))
	for i, f := range p.Frags {
		sizes[i] = len(f)
	}
	return NeedsLinearize(len(p.Head)-hlen, sizes, int(p.GSOSize), window)
}

// checkHeaders makes sure the headers an offload request refers to are in the
// linear part.
func checkHeaders(p *packet.Packet, t xmitType) error {
	if t == xmitPlain {
		return nil
	}

	need := p.TransportOffset
	if t&xmitCsumTCP != 0 {
		need += max(p.TCPHeaderLen, 20)
	} else {
		need += udpHeaderLen
	}

	switch {
	case p.NetworkOffset < 14 || p.TransportOffset <= p.NetworkOffset:
		return fmt.Errorf("%w: network offset %d, transport offset %d", ErrMalformed, p.NetworkOffset, p.TransportOffset)
	case len(p.Head) < need:
		return fmt.Errorf("%w: linear part of %d bytes, headers need %d", ErrMalformed, len(p.Head), need)
	case t&xmitGSO != 0 && (p.GSOSize == 0 || p.TCPHeaderLen < 20):
		return fmt.Errorf("%w: segmentation without a segment size or TCP header", ErrMalformed)
	}
	return nil
}
