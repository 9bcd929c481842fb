// Package tpa reassembles flows the device aggregated on receive. Each
// aggregation context (bin) follows START and STOP events from the
// completion queue; the first segment lands in a regular receive buffer and
// the rest in scatter-gather pages.
package tpa

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicplane/dma"
	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/packet"
	"github.com/slackhq/nicplane/ring"
)

// State of an aggregation context.
type State uint8

const (
	StateStop State = iota
	StateStart
	StateError
)

func (s State) String() string {
	switch s {
	case StateStop:
		return "stop"
	case StateStart:
		return "start"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// BufferRing is the receive buffer ring an aggregation starts on.
type BufferRing interface {
	// Take removes the buffer posted at idx. It stays mapped.
	Take(idx ring.Index) *dma.Buffer
	// Post places a mapped buffer at idx and writes its descriptor.
	Post(idx ring.Index, b *dma.Buffer)
	// Reuse moves the buffer at cons to prod unchanged.
	Reuse(cons, prod ring.Index)
}

type bin struct {
	state State

	// reserve is a host owned spare swapped into the ring on START.
	reserve *dma.Buffer
	// first holds the first segment between START and STOP.
	first *dma.Buffer

	parse     hw.ParsingFlags
	vlan      uint16
	lenOnBD   uint16
	placement uint8
	hash      uint32
	hasHash   bool
}

// Engine is the set of aggregation contexts of one queue. It is driven by the
// queue's poll task only.
type Engine struct {
	l     *logrus.Logger
	queue int
	pool  *dma.Pool
	sge   *SGERing
	caps  hw.Capabilities
	bins  []bin

	aggregations metrics.Counter
	errors       metrics.Counter
	allocFailed  metrics.Counter
	violations   metrics.Counter
}

// NewEngine creates count contexts and acquires a reserve buffer for each.
// Reserve acquisition failure is returned so the caller can run the queue
// without aggregation.
func NewEngine(l *logrus.Logger, queue, count int, pool *dma.Pool, sge *SGERing, caps hw.Capabilities) (*Engine, error) {
	prefix := fmt.Sprintf("queue.%d.tpa.", queue)
	e := &Engine{
		l:            l,
		queue:        queue,
		pool:         pool,
		sge:          sge,
		caps:         caps,
		bins:         make([]bin, count),
		aggregations: metrics.GetOrRegisterCounter(prefix+"aggregations", nil),
		errors:       metrics.GetOrRegisterCounter(prefix+"errors", nil),
		allocFailed:  metrics.GetOrRegisterCounter(prefix+"alloc_failed", nil),
		violations:   metrics.GetOrRegisterCounter(prefix+"violations", nil),
	}

	for i := range e.bins {
		b, err := pool.Acquire()
		if err != nil {
			e.Free()
			return nil, fmt.Errorf("queue %d: reserve for bin %d: %w", queue, i, err)
		}
		e.bins[i].reserve = b
	}
	return e, nil
}

// State returns the state of a context.
func (e *Engine) State(b uint16) State {
	return e.bins[b].state
}

// Bins returns the number of contexts.
func (e *Engine) Bins() int {
	return len(e.bins)
}

// SGE returns the scatter-gather ring the engine fills aggregations from.
func (e *Engine) SGE() *SGERing {
	return e.sge
}

func (e *Engine) log(b uint16) *logrus.Entry {
	return e.l.WithFields(logrus.Fields{"queue": e.queue, "bin": b, "state": e.bins[b].state})
}

// Start opens an aggregation on the buffer the device filled at cons. The
// context reserve is mapped and posted at prod in its place. When no reserve
// can be mapped the ring buffer is reused in place and the aggregation is
// doomed.
func (e *Engine) Start(r BufferRing, cons, prod ring.Index, cqe *hw.CQE) {
	if int(cqe.Bin) >= len(e.bins) {
		e.violations.Inc(1)
		e.l.WithFields(logrus.Fields{"queue": e.queue, "bin": cqe.Bin}).Error("Aggregation start on an unknown bin")
		r.Reuse(cons, prod)
		return
	}

	b := &e.bins[cqe.Bin]
	if b.state != StateStop {
		// The device already moved on, follow it.
		e.violations.Inc(1)
		e.log(cqe.Bin).Error("Aggregation start on a bin that is not stopped")
		if b.first != nil {
			e.pool.Unmap(b.first)
			e.pool.ReleaseToPool(b.first)
			b.first = nil
		}
	}

	if b.reserve == nil {
		nb, err := e.pool.Acquire()
		if err != nil {
			e.allocFailed.Inc(1)
		} else {
			b.reserve = nb
		}
	}

	if b.reserve == nil || e.pool.MapForDevice(b.reserve, dma.FromDevice) != nil {
		r.Reuse(cons, prod)
		b.state = StateError
		e.errors.Inc(1)
		return
	}

	b.first = r.Take(cons)
	r.Post(prod, b.reserve)
	b.reserve = nil

	b.parse = cqe.Parse
	b.vlan = cqe.VlanTag
	b.lenOnBD = cqe.LenOnBD
	b.placement = cqe.PlacementOffset
	b.hash = cqe.RSSHash
	b.hasHash = cqe.Status&hw.StatusRSSHash != 0
	b.state = StateStart

	if e.l.Level >= logrus.DebugLevel {
		e.log(cqe.Bin).WithField("lenOnBD", cqe.LenOnBD).Debug("Aggregation started")
	}
}

// Stop closes an aggregation and returns the reassembled frame, or nil when
// it was dropped. The frame buffers are host owned; the caller hands them to
// the stack or discards them. The scatter-gather slots the aggregation used
// are always reclaimed.
func (e *Engine) Stop(cqe *hw.CQE) *packet.Packet {
	defer e.sge.Update(cqe.SGL)

	if int(cqe.Bin) >= len(e.bins) {
		e.violations.Inc(1)
		e.l.WithFields(logrus.Fields{"queue": e.queue, "bin": cqe.Bin}).Error("Aggregation stop on an unknown bin")
		return nil
	}

	b := &e.bins[cqe.Bin]
	state := b.state
	b.state = StateStop

	switch {
	case state == StateError:
		return nil
	case state == StateStop || b.first == nil:
		e.violations.Inc(1)
		e.l.WithFields(logrus.Fields{"queue": e.queue, "bin": cqe.Bin}).Error("Aggregation stop on a bin that was not started")
		return nil
	}

	first := b.first
	b.first = nil

	// A missing replacement does not hold up delivery. The next start on
	// this bin tries again.
	nb, err := e.pool.Acquire()
	if err != nil {
		e.allocFailed.Inc(1)
	} else {
		b.reserve = nb
	}

	e.pool.Unmap(first)

	pad := int(b.placement)
	if pad+int(b.lenOnBD) > first.Cap() {
		e.violations.Inc(1)
		e.log(cqe.Bin).WithFields(logrus.Fields{"pad": pad, "lenOnBD": b.lenOnBD}).
			Error("Aggregation first segment overflows its buffer")
		e.pool.ReleaseToPool(first)
		return nil
	}
	first.Reserve(pad)
	first.Put(int(b.lenOnBD))

	p := &packet.Packet{Head: first.Bytes(), Queue: e.queue}
	p.Attach(first)

	if !e.fillFrags(p, b, cqe) {
		p.Discard()
		return nil
	}

	p.CsumVerified = true
	if b.parse&hw.ParsingVLAN != 0 {
		p.VLAN = b.vlan
		p.HasVLAN = true
	}
	p.Hash = b.hash
	p.HasHash = b.hasHash

	e.aggregations.Inc(1)
	return p
}

func (e *Engine) fillFrags(p *packet.Packet, b *bin, cqe *hw.CQE) bool {
	fragSize := int(cqe.PktLen) - int(b.lenOnBD)
	if fragSize <= 0 {
		return true
	}

	sgeBytes := e.caps.SGEBytes()
	entries := (fragSize + sgeBytes - 1) / sgeBytes
	if entries > len(cqe.SGL) {
		e.violations.Inc(1)
		e.log(cqe.Bin).WithFields(logrus.Fields{"pktLen": cqe.PktLen, "sgl": len(cqe.SGL)}).
			Error("Aggregation payload is longer than its scatter-gather list")
		return false
	}

	p.GSOSize = lroMSS(b.parse, b.lenOnBD)
	if b.parse&hw.ParsingIPv6 != 0 {
		p.GSOType = packet.GSOTCPv6
	} else {
		p.GSOType = packet.GSOTCPv4
	}

	for j := 0; j < entries; j++ {
		page, err := e.sge.Replace(ring.Index(cqe.SGL[j]))
		if err != nil {
			e.allocFailed.Inc(1)
			if e.l.Level >= logrus.DebugLevel {
				e.log(cqe.Bin).WithError(err).Debug("Dropping aggregation, no page to replace a fragment")
			}
			return false
		}
		page.Pool().Unmap(page)

		n := min(fragSize, sgeBytes)
		p.Frags = append(p.Frags, page.Put(n))
		p.Attach(page)
		fragSize -= n
	}
	return true
}

// Free releases every context buffer. Contexts in START hold a mapped ring
// buffer which is unmapped first.
func (e *Engine) Free() {
	for i := range e.bins {
		b := &e.bins[i]
		if b.first != nil {
			e.pool.Unmap(b.first)
			e.pool.ReleaseToPool(b.first)
			b.first = nil
		}
		if b.reserve != nil {
			e.pool.ReleaseToPool(b.reserve)
			b.reserve = nil
		}
		b.state = StateStop
	}
}
