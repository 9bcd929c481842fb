package fastpath

import (
	"github.com/slackhq/nicplane/ring"
)

// HasTxWork reports whether any transmit ring has completions to reclaim.
func (f *Fastpath) HasTxWork() bool {
	if f.act == nil {
		return false
	}
	for _, r := range f.act.tx {
		if r.HasWork() {
			return true
		}
	}
	return false
}

// CompleteTx reclaims the completions of every transmit ring.
func (f *Fastpath) CompleteTx() {
	for _, r := range f.act.tx {
		r.Complete()
	}
}

// HasRxWork reports whether receive completions are pending.
func (f *Fastpath) HasRxWork() bool {
	return f.act != nil && f.act.proc.HasWork()
}

// PollRx processes receive completions within budget.
func (f *Fastpath) PollRx(budget int) int {
	return f.act.proc.Poll(budget)
}

// StatusIndex reads the running index of the status block.
func (f *Fastpath) StatusIndex() ring.Index {
	if f.act == nil {
		return 0
	}
	return f.act.status.RunningIndex.Load()
}

// EnableInterrupt acknowledges the status block and unmasks the interrupt.
func (f *Fastpath) EnableInterrupt(idx ring.Index) {
	f.dev.AckSB(f.index, idx, true)
}
