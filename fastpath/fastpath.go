// Package fastpath holds the per-queue object: the registration made once
// when the device is probed, and the ring state of one activation which is
// built on load and dropped on unload.
package fastpath

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicplane/dma"
	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/packet"
	"github.com/slackhq/nicplane/poll"
	"github.com/slackhq/nicplane/ring"
	"github.com/slackhq/nicplane/rx"
	"github.com/slackhq/nicplane/tpa"
	"github.com/slackhq/nicplane/tx"
)

const (
	// MinRxSizeTPA is the fewest receive buffers a queue with aggregation
	// can run with.
	MinRxSizeTPA = 72
	// MinRxSize is the fewest receive buffers a queue without aggregation
	// can run with.
	MinRxSize = 10
)

// ErrInactive is returned when an operation needs an activation the queue
// does not have.
var ErrInactive = errors.New("queue is not active")

// Handlers are the upper layer callbacks of a queue.
type Handlers struct {
	Stack    rx.Stack
	Hook     rx.Hook
	SlowPath rx.SlowPath
	Notifier tx.Notifier
}

// Config sizes one activation.
type Config struct {
	Cos int

	TxSize     int
	RxSize     int
	RxCapacity int
	CQSize     int
	SGESize    int

	// BufSize is the receive buffer size, frame plus headroom and alignment.
	BufSize int

	CopyThreshold   int
	CopyBaselineMTU int
	MTU             int

	TPA     bool
	TPABins int
	Csum    bool
}

// Fastpath is one queue of the device.
type Fastpath struct {
	l      *logrus.Logger
	index  int
	queues int
	dev    hw.Device
	h      Handlers
	task   *poll.Task

	act *activation

	tpaDisabled metrics.Counter
	rxShrunk    metrics.Counter
}

// activation is everything an unload throws away.
type activation struct {
	cfg Config
	tpa bool

	rings  *hw.QueueRings
	status *hw.StatusBlock

	rxPool   *dma.Pool
	copyPool *dma.Pool
	pagePool *dma.Pool

	rxRing *rx.Ring
	proc   *rx.Processor
	engine *tpa.Engine
	tx     []*tx.Ring
}

// New registers queue index of queues. The poll task is created here and
// survives every activation.
func New(l *logrus.Logger, index, queues int, dev hw.Device, h Handlers, budget int) *Fastpath {
	f := &Fastpath{
		l:           l,
		index:       index,
		queues:      queues,
		dev:         dev,
		h:           h,
		tpaDisabled: metrics.GetOrRegisterCounter(fmt.Sprintf("queue.%d.tpa.disabled", index), nil),
		rxShrunk:    metrics.GetOrRegisterCounter(fmt.Sprintf("queue.%d.rx.shrunk", index), nil),
	}
	f.task = poll.NewTask(l, index, f, budget)
	return f
}

// Index returns the queue index.
func (f *Fastpath) Index() int {
	return f.index
}

// Task returns the poll task of the queue.
func (f *Fastpath) Task() *poll.Task {
	return f.task
}

// Active reports whether the queue has ring memory.
func (f *Fastpath) Active() bool {
	return f.act != nil
}

// TPA reports whether aggregation is running on the queue.
func (f *Fastpath) TPA() bool {
	return f.act != nil && f.act.tpa
}

// Rings returns the ring memory handed to the device on queue setup.
func (f *Fastpath) Rings() *hw.QueueRings {
	if f.act == nil {
		return nil
	}
	return f.act.rings
}

// Interrupt is the queue's interrupt handler. The line is masked when it
// runs; the poll task unmasks it once the queue is idle.
func (f *Fastpath) Interrupt() {
	f.task.Schedule()
}

func (f *Fastpath) log() *logrus.Entry {
	return f.l.WithField("queue", f.index)
}

// Alloc creates the ring memory and buffer pools of a new activation. Pool
// memory for aggregation that cannot be had only disables aggregation on
// this queue.
func (f *Fastpath) Alloc(c Config) error {
	if f.act != nil {
		return fmt.Errorf("queue %d is already active", f.index)
	}
	for _, n := range []int{c.TxSize, c.RxCapacity, c.CQSize} {
		if err := ring.CheckSize(n); err != nil {
			return fmt.Errorf("queue %d: %w", f.index, err)
		}
	}
	if c.Cos <= 0 {
		return fmt.Errorf("queue %d: at least one traffic class is required", f.index)
	}

	mapper := f.dev.Mapper()
	a := &activation{cfg: c, tpa: c.TPA, status: hw.NewStatusBlock(c.Cos)}
	a.rings = &hw.QueueRings{
		Queue:   f.index,
		RxBD:    make([]hw.RxBD, c.RxCapacity),
		CQE:     make([]hw.CQE, c.CQSize),
		Tx:      make([][]hw.TxBD, c.Cos),
		Status:  a.status,
		BufSize: c.BufSize,
	}
	for i := range a.rings.Tx {
		a.rings.Tx[i] = make([]hw.TxBD, c.TxSize)
	}

	// Posted buffers plus the same again for frames the stack still holds,
	// plus a reserve for every aggregation context.
	var err error
	name := fmt.Sprintf("queue.%d.rx", f.index)
	a.rxPool, err = dma.NewPool(f.l, name, c.BufSize, 2*c.RxCapacity+2*c.TPABins, mapper)
	if err != nil {
		return fmt.Errorf("queue %d: %w", f.index, err)
	}

	if c.CopyThreshold > 0 && c.MTU > c.CopyBaselineMTU {
		a.copyPool, err = dma.NewPool(f.l, fmt.Sprintf("queue.%d.copy", f.index), c.CopyThreshold, c.RxCapacity, mapper)
		if err != nil {
			return errors.Join(fmt.Errorf("queue %d: %w", f.index, err), a.rxPool.Close())
		}
	}

	if a.tpa {
		caps := f.dev.Caps()
		if err := ring.CheckSize(c.SGESize); err != nil {
			return errors.Join(fmt.Errorf("queue %d: %w", f.index, err), a.closePools())
		}
		a.pagePool, err = dma.NewPool(f.l, fmt.Sprintf("queue.%d.sge", f.index), caps.SGEBytes(), 2*c.SGESize, mapper)
		if err != nil {
			f.disableTPA(a, err)
		} else {
			a.rings.SGE = make([]hw.SGE, c.SGESize)
		}
	}

	f.act = a
	f.log().WithFields(logrus.Fields{
		"rx":  humanize.IBytes(uint64(a.rxPool.Bytes())),
		"tpa": a.tpa,
	}).Debug("Queue memory allocated")
	return nil
}

// Init fills the receive rings and creates the engines of the activation.
// The receive ring keeps whatever could be filled as long as the minimum was
// reached.
func (f *Fastpath) Init() error {
	a := f.act
	if a == nil {
		return ErrInactive
	}
	c := a.cfg
	caps := f.dev.Caps()

	if a.tpa {
		if err := f.initTPA(a, caps); err != nil {
			f.disableTPA(a, err)
		}
	}

	var err error
	a.rxRing, err = rx.NewRing(a.rxPool, a.rings.RxBD)
	if err != nil {
		return fmt.Errorf("queue %d: %w", f.index, err)
	}

	minimum := MinRxSize
	if a.tpa {
		minimum = MinRxSizeTPA
	}
	n, err := a.rxRing.Fill(c.RxSize, minimum)
	if err != nil {
		return fmt.Errorf("queue %d: %w", f.index, err)
	}
	if n < min(c.RxSize, c.RxCapacity-1) {
		f.rxShrunk.Inc(1)
		f.log().WithFields(logrus.Fields{"posted": n, "wanted": c.RxSize}).Warn("Receive ring filled partially")
	}

	rc := rx.Config{
		Queue:           f.index,
		Queues:          f.queues,
		Ring:            a.rxRing,
		CQE:             a.rings.CQE,
		Status:          a.status,
		TPA:             a.engine,
		CopyPool:        a.copyPool,
		CopyThreshold:   c.CopyThreshold,
		CopyBaselineMTU: c.CopyBaselineMTU,
		MTU:             c.MTU,
		Csum:            c.Csum,
		Producers:       f.dev,
		Stack:           f.h.Stack,
		Hook:            f.h.Hook,
		SlowPath:        f.h.SlowPath,
	}
	a.proc, err = rx.NewProcessor(f.l, rc)
	if err != nil {
		return fmt.Errorf("queue %d: %w", f.index, err)
	}

	a.tx = make([]*tx.Ring, c.Cos)
	for cos := range a.tx {
		a.tx[cos], err = tx.NewRing(f.l, tx.Config{
			Queue:    f.index,
			Cos:      cos,
			BDs:      a.rings.Tx[cos],
			Cons:     &a.status.TxCons[cos],
			Caps:     caps,
			Mapper:   f.dev.Mapper(),
			Doorbell: f.dev,
			Notifier: f.h.Notifier,
		})
		if err != nil {
			return err
		}
	}

	a.rings.TPA = a.tpa
	if a.tpa {
		a.rings.Bins = c.TPABins
	}
	a.proc.Publish()

	f.log().WithFields(logrus.Fields{"rx": n, "tpa": a.tpa, "cos": c.Cos}).Info("Queue rings initialized")
	return nil
}

func (f *Fastpath) initTPA(a *activation, caps hw.Capabilities) error {
	sge, err := tpa.NewSGERing(a.pagePool, a.rings.SGE)
	if err != nil {
		return err
	}
	if err = sge.Fill(); err != nil {
		return err
	}
	a.engine, err = tpa.NewEngine(f.l, f.index, a.cfg.TPABins, a.rxPool, sge, caps)
	if err != nil {
		sge.Free()
		return err
	}
	return nil
}

// disableTPA turns aggregation off for this activation only.
func (f *Fastpath) disableTPA(a *activation, err error) {
	f.tpaDisabled.Inc(1)
	f.log().WithError(err).Warn("Disabling aggregation on queue")
	a.tpa = false
	a.engine = nil
	a.rings.SGE = nil
	a.rings.TPA = false
}

// Free releases every buffer of the activation and drops it. The poll task
// must be disabled and the device must have stopped using the rings.
func (f *Fastpath) Free() error {
	a := f.act
	if a == nil {
		return nil
	}

	for _, r := range a.tx {
		if r != nil {
			r.Free()
		}
	}
	if a.rxRing != nil {
		a.rxRing.Free()
	}
	if a.engine != nil {
		a.engine.Free()
		a.engine.SGE().Free()
	}

	f.act = nil
	return a.closePools()
}

func (a *activation) closePools() error {
	var errs []error
	for _, p := range []*dma.Pool{a.rxPool, a.copyPool, a.pagePool} {
		if p != nil {
			errs = append(errs, p.Close())
		}
	}
	return errors.Join(errs...)
}

// StartTx lets every transmit ring take packets.
func (f *Fastpath) StartTx() {
	if f.act == nil {
		return
	}
	for _, r := range f.act.tx {
		r.Start()
	}
}

// StopTx stops every transmit ring.
func (f *Fastpath) StopTx() {
	if f.act == nil {
		return
	}
	for _, r := range f.act.tx {
		r.Disable()
	}
}

// TxRing returns the transmit ring of a traffic class.
func (f *Fastpath) TxRing(cos int) *tx.Ring {
	if f.act == nil || cos < 0 || cos >= len(f.act.tx) {
		return nil
	}
	return f.act.tx[cos]
}

// Xmit sends p on the ring of traffic class cos.
func (f *Fastpath) Xmit(p *packet.Packet, cos int) (tx.Result, error) {
	r := f.TxRing(cos)
	if r == nil {
		return tx.Busy, ErrInactive
	}
	return r.Xmit(p)
}

// TxPending returns the packets the device has not completed on any ring.
func (f *Fastpath) TxPending() int {
	if f.act == nil {
		return 0
	}
	n := 0
	for _, r := range f.act.tx {
		n += r.Pending()
	}
	return n
}

// TxCompleted returns the packets reclaimed on every ring of the activation.
func (f *Fastpath) TxCompleted() uint64 {
	if f.act == nil {
		return 0
	}
	var n uint64
	for _, r := range f.act.tx {
		n += r.Completed()
	}
	return n
}
