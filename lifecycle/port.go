package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/slackhq/nicplane/hw"
)

// PortContext is the state shared by every function on one device path: the
// load counts used when there is no management firmware to keep them, the
// number of loaded functions, recovery leadership and the reset flags. It is
// reference counted by the controllers using it.
type PortContext struct {
	path int

	mu      sync.Mutex
	refs    int
	total   int
	ports   map[int]int
	active  int
	leader  *Controller
	reset   bool
	global  bool
	changed chan struct{}
}

// NewPortContext returns the context of a path.
func NewPortContext(path int) *PortContext {
	return &PortContext{path: path, ports: make(map[int]int), changed: make(chan struct{})}
}

// Path returns the path the context belongs to.
func (p *PortContext) Path() int {
	return p.path
}

func (p *PortContext) acquire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs++
}

func (p *PortContext) release() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs--
	return p.refs
}

// Refs returns the number of controllers holding the context.
func (p *PortContext) Refs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs
}

// notify wakes every waiter. Callers hold mu.
func (p *PortContext) notify() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// waitFor blocks until cond holds or ctx ends. cond runs with mu held.
func (p *PortContext) waitFor(ctx context.Context, cond func() bool) error {
	for {
		p.mu.Lock()
		if cond() {
			p.mu.Unlock()
			return nil
		}
		ch := p.changed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// load counts a function in and returns the share of the initialization it
// has to run.
func (p *PortContext) load(port int) hw.LoadCode {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.total++
	p.ports[port]++
	switch {
	case p.total == 1:
		return hw.LoadCommon
	case p.ports[port] == 1:
		return hw.LoadPort
	}
	return hw.LoadFunction
}

// unload counts a function out and returns the share of the cleanup it has
// to run.
func (p *PortContext) unload(port int) (hw.LoadCode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ports[port] == 0 {
		return 0, fmt.Errorf("%w: unload of port %d which has no function loaded", ErrProtocolViolation, port)
	}
	p.total--
	p.ports[port]--
	switch {
	case p.total == 0:
		return hw.LoadCommon, nil
	case p.ports[port] == 0:
		return hw.LoadPort, nil
	}
	return hw.LoadFunction, nil
}

func (p *PortContext) incActive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active++
	p.notify()
}

func (p *PortContext) decActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active > 0 {
		p.active--
	}
	p.notify()
	return p.active
}

// Active returns the number of loaded functions.
func (p *PortContext) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// tryLead makes c the recovery leader unless another controller already is.
func (p *PortContext) tryLead(c *Controller) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leader == nil {
		p.leader = c
	}
	return p.leader == c
}

func (p *PortContext) releaseLeader(c *Controller) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leader == c {
		p.leader = nil
		p.notify()
	}
}

// Leader reports whether c leads the recovery of the path.
func (p *PortContext) Leader(c *Controller) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leader == c
}

func (p *PortContext) setResetInProgress(global bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset = true
	p.global = p.global || global
	p.notify()
}

func (p *PortContext) resetDone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset, p.global = false, false
	p.notify()
}

// ResetInProgress reports whether the path waits for a reset, and whether it
// has to be chip wide.
func (p *PortContext) ResetInProgress() (reset, global bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reset, p.global
}
