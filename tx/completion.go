package tx

import (
	"github.com/slackhq/nicplane/dma"
	"github.com/slackhq/nicplane/ring"
)

// HasWork reports whether the device completed packets not reclaimed yet.
func (r *Ring) HasWork() bool {
	return r.hwCons.Load() != r.pktCons.Load()
}

// Complete reclaims every packet the device reported consumed and wakes the
// queue when it was stopped and enough room came free. It returns the number
// of packets reclaimed. Only the queue's poll task calls it.
func (r *Ring) Complete() int {
	hwCons := r.hwCons.Load()
	cons := r.pktCons.Load()
	bdCons := r.bdCons.Load()

	n := 0
	for cons != hwCons {
		bdCons = r.freePacket(cons)
		cons = cons.Next()
		n++
	}
	if n == 0 {
		return 0
	}

	r.pktCons.Publish(cons)
	r.bdCons.Publish(bdCons)
	r.completed.Add(uint64(n))

	// Make the new consumer visible before looking at the stopped flag, see
	// the re-check in Xmit.
	r.barrier.Sync()

	if r.stopped.Load() {
		r.mu.Lock()
		if r.stopped.Load() && r.enabled.Load() && r.Available() >= wakeThreshold {
			r.wake()
		}
		r.mu.Unlock()
	}
	return n
}

// freePacket unmaps every descriptor of the packet recorded at pktIdx and
// releases it. It returns the descriptor index following the chain.
func (r *Ring) freePacket(pktIdx ring.Index) ring.Index {
	rec := &r.pkts[pktIdx.Slot(r.size)]
	start := r.bd(rec.first)

	r.mapper.Unmap(start.Addr, rec.headLen, dma.ToDevice)
	nbd := int(start.Nbd)
	next := rec.first.Add(nbd)

	// Neither the parse nor the split descriptor has a mapping of its own.
	idx := rec.first.Add(2)
	left := nbd - 2
	if rec.split {
		idx = idx.Next()
		left--
	}
	for ; left > 0; left-- {
		d := r.bd(idx)
		r.mapper.Unmap(d.Addr, int(d.Nbytes), dma.ToDevice)
		idx = idx.Next()
	}

	rec.pkt.Release()
	*rec = txPacket{}
	return next
}

// Free releases every packet still on the ring and resets it. The device
// must have stopped fetching from it.
func (r *Ring) Free() {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for cons := r.pktCons.Load(); cons != r.pktProd; cons = cons.Next() {
		r.freePacket(cons)
		n++
	}
	if n > 0 {
		r.log().WithField("packets", n).Info("Released packets left on the tx ring")
	}

	r.pktProd = 0
	r.pktCons.Publish(0)
	r.bdProd.Publish(0)
	r.bdCons.Publish(0)
	r.hwCons.Publish(0)
	clear(r.bds)
}
