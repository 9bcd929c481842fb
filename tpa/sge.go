package tpa

import (
	"fmt"

	"github.com/slackhq/nicplane/dma"
	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/ring"
)

// MinSGERingSize is the smallest scatter-gather ring the producer update can
// work with: the walk always keeps one mask element between the producer and
// the last consumed slot.
const MinSGERingSize = 128

// SGERing holds the pages posted for aggregated payload. Every slot is always
// filled; the device consumes slots in order and the producer is moved over
// whole 64-slot elements once all of their pages were consumed and replaced.
type SGERing struct {
	pool  *dma.Pool
	pages []*dma.Buffer
	sge   []hw.SGE
	mask  *ring.Bitset

	prod    ring.Index
	lastMax ring.Index
}

// NewSGERing returns an empty ring over sge. Call Fill before posting it.
func NewSGERing(pool *dma.Pool, sge []hw.SGE) (*SGERing, error) {
	if len(sge) < MinSGERingSize {
		return nil, fmt.Errorf("sge ring size %d is below %d", len(sge), MinSGERingSize)
	}
	if err := ring.CheckSize(len(sge)); err != nil {
		return nil, err
	}
	return &SGERing{
		pool:  pool,
		pages: make([]*dma.Buffer, len(sge)),
		sge:   sge,
		mask:  ring.NewBitset(len(sge)),
	}, nil
}

// Size returns the number of slots.
func (r *SGERing) Size() int {
	return len(r.sge)
}

// Prod returns the producer to publish to the device.
func (r *SGERing) Prod() ring.Index {
	return r.prod
}

// Fill posts a page to every slot. On failure the pages posted so far are
// released again.
func (r *SGERing) Fill() error {
	for i := range r.sge {
		if err := r.alloc(i); err != nil {
			r.Free()
			return err
		}
	}
	r.mask.Reset()
	r.prod = ring.Index(0).Add(len(r.sge))
	r.lastMax = 0
	return nil
}

func (r *SGERing) alloc(slot int) error {
	b, err := r.pool.Acquire()
	if err != nil {
		return err
	}
	if err = r.pool.MapForDevice(b, dma.FromDevice); err != nil {
		r.pool.ReleaseToPool(b)
		return err
	}
	r.pages[slot] = b
	r.sge[slot].Addr = b.Addr()
	return nil
}

// Replace posts a fresh page in the slot idx refers to and returns the page
// the device filled, still mapped. On failure the slot keeps its old page.
func (r *SGERing) Replace(idx ring.Index) (*dma.Buffer, error) {
	slot := idx.Slot(len(r.sge))
	old := r.pages[slot]
	if err := r.alloc(slot); err != nil {
		return nil, err
	}
	return old, nil
}

// Update marks the slots listed by an aggregation end as used and advances the
// producer over every fully used element that directly follows it. A slot the
// device has not reported yet stops the walk.
func (r *SGERing) Update(sgl []uint16) {
	if len(sgl) == 0 {
		return
	}

	for _, s := range sgl {
		idx := ring.Index(s)
		r.mask.MarkUsed(idx)
		if idx.After(r.lastMax) {
			r.lastMax = idx
		}
	}

	n := r.mask.Elements()
	first := r.mask.ElementOf(r.prod)
	last := r.mask.ElementOf(r.lastMax)
	if (last+1)%n != first {
		last = (last + 1) % n
	}

	r.prod = r.prod.Add(r.mask.FirstContiguousUnusedRun(first, last))
}

// Free unmaps and releases every posted page.
func (r *SGERing) Free() {
	for i, b := range r.pages {
		if b == nil {
			continue
		}
		r.pool.Unmap(b)
		r.pool.ReleaseToPool(b)
		r.pages[i] = nil
		r.sge[i].Addr = 0
	}
}
