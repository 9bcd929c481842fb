// Package rx consumes the receive completion queue of a queue: it recycles or
// replaces posted buffers, feeds aggregation events to the TPA engine, and
// hands finished frames to the stack.
package rx

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicplane/dma"
	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/packet"
	"github.com/slackhq/nicplane/ring"
	"github.com/slackhq/nicplane/tpa"
)

// Stack receives finished frames. The frame buffers are stack owned and go
// back to their pool with [packet.Packet.Release].
type Stack interface {
	Deliver(p *packet.Packet)
}

// Hook may claim a frame before it reaches the stack. A claimed frame belongs
// to the hook, which must release it.
type Hook interface {
	TryClaim(p *packet.Packet, queue, queues int) bool
}

// SlowPath handles control events the device posts on the completion queue.
type SlowPath interface {
	HandleSlowPath(queue int, cqe *hw.CQE)
}

// Producers publishes the receive producers to the device.
type Producers interface {
	UpdateRxProducers(queue int, p hw.RxProducers)
}

// Config describes the receive side of one queue.
type Config struct {
	Queue  int
	Queues int

	Ring   *Ring
	CQE    []hw.CQE
	Status *hw.StatusBlock
	// TPA is nil when aggregation is disabled on the queue.
	TPA *tpa.Engine

	// Frames of at most CopyThreshold bytes are copied into a buffer from
	// CopyPool when the MTU is above CopyBaselineMTU, and the posted buffer
	// is reused.
	CopyPool        *dma.Pool
	CopyThreshold   int
	CopyBaselineMTU int
	MTU             int

	// Csum trusts the device checksum validation.
	Csum bool

	Producers Producers
	Stack     Stack
	Hook      Hook
	SlowPath  SlowPath
}

// Processor is the receive completion loop of one queue. It is only used from
// the queue's poll task.
type Processor struct {
	l      *logrus.Logger
	c      Config
	cqSize int

	compCons ring.Index
	compProd ring.Index

	packets     metrics.Counter
	errDiscard  metrics.Counter
	allocFailed metrics.Counter
	csumErr     metrics.Counter
	claimed     metrics.Counter
	copied      metrics.Counter
	violations  metrics.Counter
}

// NewProcessor returns a processor for a filled ring.
func NewProcessor(l *logrus.Logger, c Config) (*Processor, error) {
	if err := ring.CheckSize(len(c.CQE)); err != nil {
		return nil, fmt.Errorf("completion queue: %w", err)
	}

	prefix := fmt.Sprintf("queue.%d.rx.", c.Queue)
	p := &Processor{
		l:           l,
		c:           c,
		cqSize:      len(c.CQE),
		compProd:    ring.Index(0).Add(len(c.CQE) - 1),
		packets:     metrics.GetOrRegisterCounter(prefix+"packets", nil),
		errDiscard:  metrics.GetOrRegisterCounter(prefix+"err_discard", nil),
		allocFailed: metrics.GetOrRegisterCounter(prefix+"alloc_failed", nil),
		csumErr:     metrics.GetOrRegisterCounter(prefix+"csum_err", nil),
		claimed:     metrics.GetOrRegisterCounter(prefix+"claimed", nil),
		copied:      metrics.GetOrRegisterCounter(prefix+"copied", nil),
		violations:  metrics.GetOrRegisterCounter(prefix+"violations", nil),
	}
	return p, nil
}

// Producers returns the current producer values.
func (p *Processor) Producers() hw.RxProducers {
	rp := hw.RxProducers{BD: p.c.Ring.Prod(), CQE: p.compProd}
	if p.c.TPA != nil {
		rp.SGE = p.c.TPA.SGE().Prod()
	}
	return rp
}

// Publish hands the current producers to the device.
func (p *Processor) Publish() {
	p.c.Producers.UpdateRxProducers(p.c.Queue, p.Producers())
}

// HasWork reports whether the device posted completions not consumed yet.
func (p *Processor) HasWork() bool {
	return p.c.Status.RxCompCons.Load() != p.compCons
}

// TPA returns the aggregation engine, nil when aggregation is off.
func (p *Processor) TPA() *tpa.Engine {
	return p.c.TPA
}

// Poll consumes completions until the queue is empty or budget frames were
// handled, then publishes the producers once. Aggregation starts and plain
// frames count against the budget; aggregation ends and control events do
// not. It returns the number of frames counted.
func (p *Processor) Poll(budget int) int {
	if budget <= 0 {
		return 0
	}

	r := p.c.Ring
	hwCons := p.c.Status.RxCompCons.Load()
	bdCons, bdProd := r.cons, r.prod
	cons, prod := p.compCons, p.compProd

	done := 0
	for cons != hwCons {
		cqe := &p.c.CQE[cons.Slot(p.cqSize)]

		counted := true
		switch cqe.Type {
		case hw.CQESlow:
			counted = false
			if p.c.SlowPath != nil {
				p.c.SlowPath.HandleSlowPath(p.c.Queue, cqe)
			}

		case hw.CQETPAStart:
			if p.c.TPA == nil {
				p.violation(cqe, "Aggregation start on a queue without aggregation")
				r.Reuse(bdCons, bdProd)
			} else {
				p.c.TPA.Start(r, bdCons, bdProd, cqe)
			}

		case hw.CQETPAStop:
			counted = false
			if p.c.TPA == nil {
				p.violation(cqe, "Aggregation stop on a queue without aggregation")
				break
			}
			if pkt := p.c.TPA.Stop(cqe); pkt != nil {
				p.deliver(pkt)
			}

		case hw.CQEFast:
			p.receive(cqe, bdCons, bdProd)

		default:
			counted = false
			p.violation(cqe, "Unknown completion type")
		}

		if counted {
			bdCons = bdCons.Next()
			bdProd = bdProd.Next()
			done++
		}
		cons = cons.Next()
		prod = prod.Next()

		if done == budget {
			break
		}
	}

	r.cons, r.prod = bdCons, bdProd
	p.compCons, p.compProd = cons, prod
	p.Publish()
	return done
}

func (p *Processor) receive(cqe *hw.CQE, cons, prod ring.Index) {
	r := p.c.Ring

	if cqe.Err&hw.DropErrors != 0 {
		p.errDiscard.Inc(1)
		if p.l.Level >= logrus.DebugLevel {
			p.l.WithFields(logrus.Fields{"queue": p.c.Queue, "flags": cqe.Err}).Debug("Dropping frame with error flags")
		}
		r.Reuse(cons, prod)
		return
	}

	length, pad := int(cqe.PktLen), int(cqe.PlacementOffset)
	if pad+length > r.Pool().BufferSize() {
		p.violation(cqe, "Frame overflows its buffer")
		r.Reuse(cons, prod)
		return
	}

	var pkt *packet.Packet
	if p.c.CopyPool != nil && p.c.MTU > p.c.CopyBaselineMTU && length <= p.c.CopyThreshold {
		nb, err := p.c.CopyPool.Acquire()
		if err != nil {
			p.allocFailed.Inc(1)
			r.Reuse(cons, prod)
			return
		}
		// The posted buffer stays mapped and goes back to the device.
		posted := r.bufs[cons.Slot(r.size)]
		r.Pool().SyncForCPU(posted, pad+length)
		copy(nb.Put(length), posted.Mem()[pad:pad+length])
		r.Reuse(cons, prod)
		p.copied.Inc(1)

		pkt = &packet.Packet{Head: nb.Bytes()}
		pkt.Attach(nb)
	} else {
		b, err := r.Replace(cons, prod)
		if err != nil {
			p.allocFailed.Inc(1)
			if p.l.Level >= logrus.DebugLevel {
				p.l.WithError(err).WithField("queue", p.c.Queue).Debug("Dropping frame, no replacement buffer")
			}
			return
		}
		r.pool.Unmap(b)
		b.Reserve(pad)
		b.Put(length)

		pkt = &packet.Packet{Head: b.Bytes()}
		pkt.Attach(b)
	}

	if cqe.Status&hw.StatusRSSHash != 0 {
		pkt.Hash = cqe.RSSHash
		pkt.HasHash = true
	}

	if p.c.Csum {
		if cqe.CsumOK() {
			pkt.CsumVerified = true
		} else {
			p.csumErr.Inc(1)
		}
	}

	if cqe.Parse&hw.ParsingVLAN != 0 {
		pkt.VLAN = cqe.VlanTag
		pkt.HasVLAN = true
	}

	p.deliver(pkt)
}

func (p *Processor) deliver(pkt *packet.Packet) {
	pkt.Queue = p.c.Queue
	pkt.HandOff()
	p.packets.Inc(1)

	if p.c.Hook != nil && p.c.Hook.TryClaim(pkt, p.c.Queue, p.c.Queues) {
		p.claimed.Inc(1)
		return
	}
	p.c.Stack.Deliver(pkt)
}

func (p *Processor) violation(cqe *hw.CQE, msg string) {
	p.violations.Inc(1)
	p.l.WithFields(logrus.Fields{"queue": p.c.Queue, "type": cqe.Type, "bin": cqe.Bin}).Error(msg)
}

// Reset clears the completion indices for a fresh activation.
func (p *Processor) Reset() {
	p.compCons = 0
	p.compProd = ring.Index(0).Add(p.cqSize - 1)
}
