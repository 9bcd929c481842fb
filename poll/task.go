// Package poll runs the per-queue completion polling tasks. A task is
// scheduled by its queue's interrupt, drains Tx completions, processes Rx
// completions within a budget and re-arms the interrupt once the queue is
// idle.
package poll

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicplane/ring"
)

// DefaultBudget is the number of Rx frames one invocation may process.
const DefaultBudget = 64

// Worker is the completion side of one queue.
type Worker interface {
	// HasTxWork reports whether any traffic class has Tx completions pending.
	HasTxWork() bool
	// CompleteTx drains the Tx completions of every traffic class.
	CompleteTx()
	// HasRxWork reports whether Rx completions are pending.
	HasRxWork() bool
	// PollRx processes at most budget Rx frames and returns how many it did.
	PollRx(budget int) int
	// StatusIndex reads the status block running index.
	StatusIndex() ring.Index
	// EnableInterrupt acknowledges the status block up to idx and unmasks
	// the queue interrupt.
	EnableInterrupt(idx ring.Index)
}

// Task is the polling task of one queue. Schedule may be called from any
// goroutine; Poll runs on the task's runner only.
type Task struct {
	l      *logrus.Logger
	queue  int
	w      Worker
	budget int

	// mu is held for the duration of every invocation so Disable can wait
	// for a running poll to finish.
	mu        sync.Mutex
	disabled  atomic.Bool
	scheduled atomic.Bool
	kick      chan struct{}
	barrier   ring.Barrier
}

// NewTask returns a disabled task for queue.
func NewTask(l *logrus.Logger, queue int, w Worker, budget int) *Task {
	if budget <= 0 {
		budget = DefaultBudget
	}
	t := &Task{
		l:      l,
		queue:  queue,
		w:      w,
		budget: budget,
		kick:   make(chan struct{}, 1),
	}
	t.disabled.Store(true)
	return t
}

// Queue returns the queue index the task serves.
func (t *Task) Queue() int {
	return t.queue
}

// Budget returns the per invocation Rx budget.
func (t *Task) Budget() int {
	return t.budget
}

// Schedule asks the runner to invoke the task. It is what the queue
// interrupt handler calls; repeated calls before the task runs collapse into
// one. A disabled task ignores it.
func (t *Task) Schedule() bool {
	if t.disabled.Load() || !t.scheduled.CompareAndSwap(false, true) {
		return false
	}
	select {
	case t.kick <- struct{}{}:
	default:
	}
	return true
}

// Scheduled reports whether an invocation is pending or running.
func (t *Task) Scheduled() bool {
	return t.scheduled.Load()
}

// Enable allows the task to be scheduled.
func (t *Task) Enable() {
	t.disabled.Store(false)
}

// Disable stops further scheduling and waits for a running invocation to
// return. Nothing touches the queue's completion rings afterwards.
func (t *Task) Disable() {
	t.disabled.Store(true)
	t.mu.Lock()
	t.scheduled.Store(false)
	t.mu.Unlock()
}

// Poll is one invocation. It drains Tx completions and processes Rx
// completions until either budget frames were handled, in which case it
// returns complete == false and the interrupt stays masked, or the queue is
// idle, in which case the interrupt is re-enabled and complete is true.
func (t *Task) Poll(budget int) (done int, complete bool) {
	for {
		if t.w.HasTxWork() {
			t.w.CompleteTx()
		}

		if t.w.HasRxWork() {
			done += t.w.PollRx(budget - done)
			if done >= budget {
				return done, false
			}
		}

		if t.w.HasTxWork() || t.w.HasRxWork() {
			continue
		}

		// Read the running index before the last look for work. An update
		// after this point bumps the index, and acknowledging the older
		// value makes the device interrupt again.
		idx := t.w.StatusIndex()
		t.barrier.Sync()
		if t.w.HasTxWork() || t.w.HasRxWork() {
			continue
		}

		t.scheduled.Store(false)
		t.w.EnableInterrupt(idx)
		if t.l.Level >= logrus.DebugLevel {
			t.l.WithFields(logrus.Fields{"queue": t.queue, "done": done, "index": idx}).Debug("Poll complete")
		}
		return done, true
	}
}

// run invokes the task until it completes. It yields to other goroutines
// between invocations that used up the budget.
func (t *Task) run() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !t.disabled.Load() {
		if _, complete := t.Poll(t.budget); complete {
			return
		}
		t.mu.Unlock()
		yield()
		t.mu.Lock()
	}
}
