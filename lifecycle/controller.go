package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicplane/fastpath"
	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/poll"
	"github.com/slackhq/nicplane/util"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCommandTimeout = 5 * time.Second
	DefaultDrainTimeout   = time.Second

	// IndirectionSize is the number of entries of the RSS indirection table.
	IndirectionSize = 128
)

// Config is what a load builds. It can only change while the device is
// closed, or through Reconfigure which reloads an open device.
type Config struct {
	Queues int
	Budget int
	Queue  fastpath.Config

	MAC    [6]byte
	RxMode hw.RxMode
	// Loopback puts the MAC in internal loopback.
	Loopback bool

	// CommandTimeout bounds every firmware command.
	CommandTimeout time.Duration
	// DrainTimeout bounds the wait for transmit completions on unload.
	DrainTimeout time.Duration
}

func (c *Config) validate(caps hw.Capabilities) error {
	if c.Queues < 1 || c.Queues > caps.MaxQueues {
		return fmt.Errorf("queue count %d is outside 1..%d", c.Queues, caps.MaxQueues)
	}
	if c.Queue.Cos < 1 || c.Queue.Cos > caps.MaxCos {
		return fmt.Errorf("traffic class count %d is outside 1..%d", c.Queue.Cos, caps.MaxCos)
	}
	if c.Queue.TPA && (c.Queue.TPABins < 1 || c.Queue.TPABins > caps.MaxAggQueues) {
		return fmt.Errorf("aggregation bins %d is outside 1..%d", c.Queue.TPABins, caps.MaxAggQueues)
	}
	if c.Budget <= 0 {
		c.Budget = poll.DefaultBudget
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return nil
}

// Controller loads and unloads one device function.
type Controller struct {
	l      *logrus.Logger
	dev    hw.Device
	caps   hw.Capabilities
	port   *PortContext
	fps    []*fastpath.Fastpath
	runner *poll.Runner

	// mu serializes load, unload, reconfiguration and recovery.
	mu       sync.Mutex
	cfg      Config
	loadCode hw.LoadCode
	closed   bool

	state    atomic.Uint32
	recovery atomic.Uint32

	loads      metrics.Counter
	unloads    metrics.Counter
	failures   metrics.Counter
	recoveries metrics.Counter
}

// New registers the queues of dev. The controller holds a reference on port
// until Close.
func New(l *logrus.Logger, dev hw.Device, port *PortContext, h fastpath.Handlers, cfg Config) (*Controller, error) {
	caps := dev.Caps()
	if err := cfg.validate(caps); err != nil {
		return nil, err
	}
	if port.Path() != caps.Path {
		return nil, fmt.Errorf("device on path %d cannot use the context of path %d", caps.Path, port.Path())
	}

	prefix := fmt.Sprintf("lifecycle.%d.%d.", caps.Path, caps.Port)
	c := &Controller{
		l:          l,
		dev:        dev,
		caps:       caps,
		port:       port,
		cfg:        cfg,
		loads:      metrics.GetOrRegisterCounter(prefix+"loads", nil),
		unloads:    metrics.GetOrRegisterCounter(prefix+"unloads", nil),
		failures:   metrics.GetOrRegisterCounter(prefix+"failures", nil),
		recoveries: metrics.GetOrRegisterCounter(prefix+"recoveries", nil),
	}

	tasks := make([]*poll.Task, cfg.Queues)
	c.fps = make([]*fastpath.Fastpath, cfg.Queues)
	for i := range c.fps {
		c.fps[i] = fastpath.New(l, i, cfg.Queues, dev, h, cfg.Budget)
		tasks[i] = c.fps[i].Task()
	}
	c.runner = poll.NewRunner(l, tasks...)

	port.acquire()
	return c, nil
}

// Close drops the reference on the port context. The device must be closed.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	if s := c.State(); s != StateClosed && s != StateError {
		return fmt.Errorf("%w: close while %s", ErrInvalidState, s)
	}
	c.closed = true
	c.port.release()
	return nil
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	if old := State(c.state.Swap(uint32(s))); old != s {
		c.log().WithFields(logrus.Fields{"from": old, "to": s}).Debug("State changed")
	}
}

// Recovery returns the progress of a running recovery.
func (c *Controller) Recovery() Recovery {
	return Recovery(c.recovery.Load())
}

// Config returns the configuration of the next or current load.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// LoadCode returns the share of the initialization granted on the last load.
func (c *Controller) LoadCode() hw.LoadCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadCode
}

// Fastpaths returns the queues of the device.
func (c *Controller) Fastpaths() []*fastpath.Fastpath {
	return c.fps
}

// Device returns the device the controller drives.
func (c *Controller) Device() hw.Device {
	return c.dev
}

// Port returns the shared context of the device path.
func (c *Controller) Port() *PortContext {
	return c.port
}

func (c *Controller) log() *logrus.Entry {
	return c.l.WithFields(logrus.Fields{"path": c.caps.Path, "port": c.caps.Port})
}

// request sends one firmware command under the command timeout. A command
// the firmware never answers makes the device unusable.
func (c *Controller) request(ctx context.Context, cmd hw.Command) (hw.Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	reply, err := c.dev.Firmware().Request(ctx, cmd)
	if errors.Is(err, hw.ErrFirmwareTimeout) {
		return reply, fmt.Errorf("%w: %w", ErrFatalHardware, err)
	}
	return reply, err
}

func (c *Controller) send(ctx context.Context, op hw.Op) error {
	_, err := c.request(ctx, hw.Command{Op: op})
	return err
}

// bestEffort sends a command whose failure cannot change the outcome of the
// caller.
func (c *Controller) bestEffort(ctx context.Context, cmd hw.Command) {
	if _, err := c.request(ctx, cmd); err != nil {
		c.log().WithError(err).WithField("op", cmd.Op).Warn("Firmware command failed")
	}
}

// Reconfigure applies cfg. An open device is unloaded and loaded again with
// the new configuration.
func (c *Controller) Reconfigure(ctx context.Context, cfg Config) error {
	if c.Recovery() != RecoveryDone {
		return fmt.Errorf("%w: recovery in progress", ErrBusy)
	}
	if err := cfg.validate(c.caps); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cfg.Queues != c.cfg.Queues || cfg.Budget != c.cfg.Budget {
		return fmt.Errorf("%w: queue count and budget are fixed at registration", ErrInvalidState)
	}

	var mode LoadMode
	switch s := c.State(); s {
	case StateClosed, StateError:
		c.cfg = cfg
		return nil
	case StateOpen:
		mode = LoadNormal
	case StateDiag:
		mode = LoadDiag
	default:
		return fmt.Errorf("%w: reconfigure while %s", ErrBusy, s)
	}

	if err := c.unload(ctx, UnloadNormal); err != nil {
		return err
	}
	c.cfg = cfg
	return c.load(ctx, mode)
}

// drainTx waits for the device to complete everything queued for transmit.
// The poll tasks are still running and reclaim the completions.
func (c *Controller) drainTx(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DrainTimeout)
	defer cancel()

	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for {
		pending := 0
		for _, fp := range c.fps {
			pending += fp.TxPending()
		}
		if pending == 0 {
			return
		}

		select {
		case <-ctx.Done():
			c.log().WithField("pending", pending).Error("Timed out waiting for transmit to drain")
			return
		case <-t.C:
		}
	}
}

// allocQueues builds the activation of every queue in parallel. Either all
// queues end up active or none does.
func (c *Controller) allocQueues() error {
	var eg errgroup.Group
	for _, fp := range c.fps {
		fp := fp
		eg.Go(func() error {
			if err := fp.Alloc(c.cfg.Queue); err != nil {
				return err
			}
			return fp.Init()
		})
	}
	if err := eg.Wait(); err != nil {
		return errors.Join(err, c.freeQueues())
	}
	return nil
}

func (c *Controller) freeQueues() error {
	var errs []error
	for _, fp := range c.fps {
		if err := fp.Free(); err != nil {
			errs = append(errs, util.NewContextualError("Queue memory leaked", logrus.Fields{"queue": fp.Index()}, err))
		}
	}
	return errors.Join(errs...)
}
