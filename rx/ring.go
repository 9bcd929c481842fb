package rx

import (
	"fmt"

	"github.com/slackhq/nicplane/dma"
	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/ring"
)

// Ring is the receive buffer ring. Slot i of bufs shadows descriptor i: a
// posted buffer is device owned and its bus address is in the descriptor.
type Ring struct {
	pool *dma.Pool
	bufs []*dma.Buffer
	bds  []hw.RxBD
	size int

	prod ring.Index
	cons ring.Index
}

// NewRing returns an empty ring over bds.
func NewRing(pool *dma.Pool, bds []hw.RxBD) (*Ring, error) {
	if err := ring.CheckSize(len(bds)); err != nil {
		return nil, err
	}
	return &Ring{
		pool: pool,
		bufs: make([]*dma.Buffer, len(bds)),
		bds:  bds,
		size: len(bds),
	}, nil
}

// Size returns the number of descriptor slots.
func (r *Ring) Size() int {
	return r.size
}

// Pool returns the pool posted buffers come from.
func (r *Ring) Pool() *dma.Pool {
	return r.pool
}

// Prod returns the producer index.
func (r *Ring) Prod() ring.Index {
	return r.prod
}

// Cons returns the consumer index.
func (r *Ring) Cons() ring.Index {
	return r.cons
}

// Posted returns the number of buffers currently posted.
func (r *Ring) Posted() int {
	return ring.Occupied(r.prod, r.cons)
}

// Fill posts up to target buffers starting at slot 0. Running out of memory
// stops the fill early; it only fails when fewer than minimum buffers were
// posted, in which case nothing stays posted.
func (r *Ring) Fill(target, minimum int) (int, error) {
	target = min(target, r.size-1)
	r.prod, r.cons = 0, 0

	var err error
	n := 0
	for ; n < target; n++ {
		if err = r.Alloc(ring.Index(n)); err != nil {
			break
		}
	}
	r.prod = ring.Index(n)

	if n < minimum {
		r.Free()
		return n, fmt.Errorf("posted %d of the %d buffers needed: %w", n, minimum, err)
	}
	return n, nil
}

// Alloc acquires and maps a buffer and posts it at idx.
func (r *Ring) Alloc(idx ring.Index) error {
	b, err := r.pool.Acquire()
	if err != nil {
		return err
	}
	if err = r.pool.MapForDevice(b, dma.FromDevice); err != nil {
		r.pool.ReleaseToPool(b)
		return err
	}
	r.Post(idx, b)
	return nil
}

// Take removes the buffer posted at idx. It stays mapped.
func (r *Ring) Take(idx ring.Index) *dma.Buffer {
	s := idx.Slot(r.size)
	b := r.bufs[s]
	r.bufs[s] = nil
	r.bds[s].Addr = 0
	return b
}

// Post places a mapped buffer at idx.
func (r *Ring) Post(idx ring.Index, b *dma.Buffer) {
	s := idx.Slot(r.size)
	r.bufs[s] = b
	r.bds[s].Addr = b.Addr()
}

// Reuse moves the buffer at cons to prod without touching its mapping.
func (r *Ring) Reuse(cons, prod ring.Index) {
	if cons.Slot(r.size) == prod.Slot(r.size) {
		return
	}
	r.Post(prod, r.Take(cons))
}

// Replace posts a fresh buffer at prod and returns the one the device filled
// at cons, still mapped. When no buffer can be posted the filled one is
// reused at prod and the error returned.
func (r *Ring) Replace(cons, prod ring.Index) (*dma.Buffer, error) {
	if err := r.Alloc(prod); err != nil {
		r.Reuse(cons, prod)
		return nil, err
	}
	return r.Take(cons), nil
}

// Free unmaps and releases every posted buffer.
func (r *Ring) Free() {
	for i, b := range r.bufs {
		if b == nil {
			continue
		}
		r.pool.Unmap(b)
		r.pool.ReleaseToPool(b)
		r.bufs[i] = nil
		r.bds[i].Addr = 0
	}
	r.prod, r.cons = 0, 0
}
