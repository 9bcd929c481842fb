package nicplane

import (
	"context"
	"time"

	"github.com/slackhq/nicplane/lifecycle"
)

type queueProgress struct {
	completed uint64
	since     time.Time
}

// watchdog reports a transmit timeout for a queue that has packets in flight
// and completed none of them for timeout.
type watchdog struct {
	c        *Control
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time

	progress []queueProgress
}

func newWatchdog(c *Control, timeout time.Duration) *watchdog {
	return &watchdog{
		c:        c,
		timeout:  timeout,
		interval: max(timeout/5, 10*time.Millisecond),
		now:      time.Now,
	}
}

func (w *watchdog) run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.check()
		}
	}
}

// check looks at every queue once and returns the queues that timed out.
func (w *watchdog) check() []int {
	w.c.gate.RLock()
	var stuck []int
	if w.c.lc.State() == lifecycle.StateOpen {
		stuck = w.scan()
	} else {
		w.progress = w.progress[:0]
	}
	w.c.gate.RUnlock()

	for _, q := range stuck {
		w.c.TxTimeout(q)
	}
	return stuck
}

func (w *watchdog) scan() []int {
	fps := w.c.lc.Fastpaths()
	if len(w.progress) != len(fps) {
		w.progress = make([]queueProgress, len(fps))
	}

	now := w.now()
	var stuck []int
	for i, fp := range fps {
		p := &w.progress[i]
		completed := fp.TxCompleted()
		if fp.TxPending() == 0 || completed != p.completed || p.since.IsZero() {
			p.completed, p.since = completed, now
			continue
		}
		if now.Sub(p.since) >= w.timeout {
			stuck = append(stuck, i)
			p.since = now
		}
	}
	return stuck
}
