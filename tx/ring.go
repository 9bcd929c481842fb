// Package tx builds transmit descriptor chains and reclaims them once the
// device reports them consumed.
//
// A chain is a start descriptor for the linear part, a parse descriptor with
// offload metadata, an optional split descriptor carrying the linear payload
// behind the headers, and one data descriptor per fragment. Sends on one ring
// are serialized by the ring lock; completion runs concurrently on the
// queue's poll task and only takes the lock to decide whether to wake a
// stopped queue.
package tx

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicplane/dma"
	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/packet"
	"github.com/slackhq/nicplane/ring"
)

const (
	// MaxSkbFrags is the most fragments a packet may carry.
	MaxSkbFrags = 17

	// bdOverhead are the descriptors a chain may need besides one per
	// fragment: start, parse and split.
	bdOverhead = 3

	// wakeThreshold is the room a stopped queue needs before it is woken:
	// a worst case packet.
	wakeThreshold = MaxSkbFrags + bdOverhead
)

var (
	// ErrRingFull is returned with [Busy] when the ring cannot take the
	// packet.
	ErrRingFull = errors.New("tx ring full")
	// ErrStopped is returned with [Busy] while the queue is stopped.
	ErrStopped = errors.New("tx queue stopped")
	// ErrMalformed is returned with [Dropped] when the offload request does
	// not match the headers in the linear part.
	ErrMalformed = errors.New("packet headers do not match the offload request")
)

// Result is the outcome of a send.
type Result uint8

const (
	Accepted Result = iota
	// Busy means nothing was consumed; retry after the queue is woken.
	Busy
	// Dropped means the packet was released and will not be sent.
	Dropped
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Busy:
		return "busy"
	case Dropped:
		return "dropped"
	}
	return fmt.Sprintf("result(%d)", uint8(r))
}

// Doorbell tells the device a ring has new descriptors.
type Doorbell interface {
	Doorbell(queue, cos int, prod ring.Index)
}

// Notifier is told when a queue stops taking packets and when it resumes.
type Notifier interface {
	TxStop(queue, cos int)
	TxWake(queue, cos int)
}

// Config describes one transmit ring.
type Config struct {
	Queue int
	Cos   int

	BDs []hw.TxBD
	// Cons is the packet consumer the device writes to the status block.
	Cons *ring.Shared

	Caps     hw.Capabilities
	Mapper   dma.Mapper
	Doorbell Doorbell
	Notifier Notifier
}

type txPacket struct {
	pkt   *packet.Packet
	first ring.Index
	// headLen is the length of the linear mapping, which a split start
	// descriptor no longer shows.
	headLen int
	split   bool
}

// Ring is one transmit ring of a queue.
type Ring struct {
	l        *logrus.Logger
	queue    int
	cos      int
	caps     hw.Capabilities
	mapper   dma.Mapper
	doorbell Doorbell
	notifier Notifier
	parse    parseFormat

	bds  []hw.TxBD
	pkts []txPacket
	size int

	mu      sync.Mutex
	bdProd  ring.Shared
	bdCons  ring.Shared
	pktProd ring.Index
	// pktCons is written by Complete on the poll task and read by Pending
	// from other goroutines.
	pktCons ring.Shared
	hwCons  *ring.Shared
	barrier ring.Barrier

	enabled   atomic.Bool
	stopped   atomic.Bool
	completed atomic.Uint64

	packets    metrics.Counter
	bytes      metrics.Counter
	linearized metrics.Counter
	xoff       metrics.Counter
	dropped    metrics.Counter
}

// NewRing returns a stopped ring. Call Start to take packets.
func NewRing(l *logrus.Logger, c Config) (*Ring, error) {
	if err := ring.CheckSize(len(c.BDs)); err != nil {
		return nil, fmt.Errorf("queue %d cos %d: %w", c.Queue, c.Cos, err)
	}
	parse, err := newParseFormat(c.Caps.ParseFormat)
	if err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("queue.%d.tx.", c.Queue)
	r := &Ring{
		l:          l,
		queue:      c.Queue,
		cos:        c.Cos,
		caps:       c.Caps,
		mapper:     c.Mapper,
		doorbell:   c.Doorbell,
		notifier:   c.Notifier,
		parse:      parse,
		bds:        c.BDs,
		pkts:       make([]txPacket, len(c.BDs)),
		size:       len(c.BDs),
		hwCons:     c.Cons,
		packets:    metrics.GetOrRegisterCounter(prefix+"packets", nil),
		bytes:      metrics.GetOrRegisterCounter(prefix+"bytes", nil),
		linearized: metrics.GetOrRegisterCounter(prefix+"linearized", nil),
		xoff:       metrics.GetOrRegisterCounter(prefix+"xoff", nil),
		dropped:    metrics.GetOrRegisterCounter(prefix+"dropped", nil),
	}
	r.stopped.Store(true)
	return r, nil
}

// Available returns the number of free descriptors.
func (r *Ring) Available() int {
	return ring.Available(r.bdProd.Load(), r.bdCons.Load(), r.size)
}

// Producer returns the descriptor producer.
func (r *Ring) Producer() ring.Index {
	return r.bdProd.Load()
}

// Pending returns the number of packets not reclaimed yet. It is safe to
// call while the poll task runs.
func (r *Ring) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ring.Occupied(r.pktProd, r.pktCons.Load())
}

// Completed returns the number of packets reclaimed since the ring was
// created. The watchdog uses it to detect a stalled ring.
func (r *Ring) Completed() uint64 {
	return r.completed.Load()
}

// Stopped reports whether the ring refuses packets.
func (r *Ring) Stopped() bool {
	return r.stopped.Load()
}

// Start lets the ring take packets.
func (r *Ring) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled.Store(true)
	r.wake()
}

// Disable stops the ring until the next Start. Completions keep running but
// never wake it.
func (r *Ring) Disable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled.Store(false)
	r.stop()
}

func (r *Ring) stop() {
	if !r.stopped.Swap(true) && r.notifier != nil {
		r.notifier.TxStop(r.queue, r.cos)
	}
}

func (r *Ring) wake() {
	if r.stopped.Swap(false) && r.notifier != nil {
		r.notifier.TxWake(r.queue, r.cos)
	}
}

func (r *Ring) log() *logrus.Entry {
	return r.l.WithFields(logrus.Fields{"queue": r.queue, "cos": r.cos})
}
