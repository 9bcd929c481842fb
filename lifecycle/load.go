package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/util"
)

// phase is one step of a load. up leaves nothing behind when it fails; down
// undoes a completed up.
type phase struct {
	name string
	up   func(ctx context.Context) error
	down func(ctx context.Context) error
}

func (c *Controller) phases() []phase {
	return []phase{
		{name: "memory", up: c.memoryUp, down: c.memoryDown},
		{name: "poll", up: c.pollUp, down: c.pollDown},
		{name: "load_request", up: c.loadRequestUp, down: c.unloadRequest},
		{name: "init_hw", up: c.initHWUp},
		{name: "irq", up: c.irqUp, down: c.irqDown},
		{name: "function", up: c.functionUp, down: c.functionDown},
		{name: "queues", up: c.queuesUp, down: c.queuesDown},
		{name: "filters", up: c.filtersUp, down: c.filtersDown},
		{name: "timer", up: c.timerUp, down: c.timerDown},
	}
}

// Load brings the device up. A failed phase moves the device to
// [StateError] and unwinds the phases completed before it in reverse order;
// the returned error is a [util.ContextualError] naming the phase.
func (c *Controller) Load(ctx context.Context, mode LoadMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(ctx, mode)
}

func (c *Controller) load(ctx context.Context, mode LoadMode) error {
	if c.closed {
		return fmt.Errorf("%w: controller is closed", ErrInvalidState)
	}
	switch s := c.State(); s {
	case StateClosed, StateError:
	default:
		return fmt.Errorf("%w: load while %s", ErrInvalidState, s)
	}
	if reset, _ := c.port.ResetInProgress(); reset && !c.port.Leader(c) {
		return fmt.Errorf("%w: path %d waits for a reset", ErrBusy, c.port.Path())
	}

	c.setState(StateOpening)
	phases := c.phases()
	for i, p := range phases {
		err := p.up(ctx)
		if err == nil {
			continue
		}

		c.setState(StateError)
		c.failures.Inc(1)
		cerr := util.NewContextualError("Load phase failed", logrus.Fields{"phase": p.name, "mode": mode}, err)
		cerr.Log(c.l)

		if uerr := c.unwind(ctx, phases[:i]); uerr != nil {
			return errors.Join(cerr, uerr)
		}
		return cerr
	}

	if mode == LoadDiag {
		c.setState(StateDiag)
	} else {
		for _, fp := range c.fps {
			fp.StartTx()
		}
		c.setState(StateOpen)
	}
	c.port.incActive()
	c.loads.Inc(1)

	tpa := 0
	for _, fp := range c.fps {
		if fp.TPA() {
			tpa++
		}
	}
	c.log().WithFields(logrus.Fields{
		"mode":      mode,
		"queues":    len(c.fps),
		"tpaQueues": tpa,
		"loadCode":  c.loadCode,
	}).Info("Device loaded")
	return nil
}

// unwind runs the down steps of done in reverse. It keeps going past
// failures; teardown runs even when ctx is already cancelled.
func (c *Controller) unwind(ctx context.Context, done []phase) error {
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for i := len(done) - 1; i >= 0; i-- {
		p := done[i]
		if p.down == nil {
			continue
		}
		if err := p.down(ctx); err != nil {
			errs = append(errs, util.NewContextualError("Unwind step failed", logrus.Fields{"phase": p.name}, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) memoryUp(context.Context) error {
	return c.allocQueues()
}

func (c *Controller) memoryDown(context.Context) error {
	return c.freeQueues()
}

func (c *Controller) pollUp(context.Context) error {
	c.runner.Start(context.Background())
	for _, t := range c.runner.Tasks() {
		t.Enable()
	}
	return nil
}

func (c *Controller) pollDown(context.Context) error {
	return c.runner.Stop()
}

// loadRequestUp asks the firmware which share of the initialization this
// function runs. Without management firmware the port context decides.
func (c *Controller) loadRequestUp(ctx context.Context) error {
	if !c.caps.HasMCP {
		c.loadCode = c.port.load(c.caps.Port)
		return nil
	}

	reply, err := c.request(ctx, hw.Command{Op: hw.OpLoadRequest})
	if err != nil {
		return err
	}
	switch reply.LoadCode {
	case hw.LoadCommon, hw.LoadPort, hw.LoadFunction:
	default:
		c.bestEffort(ctx, hw.Command{Op: hw.OpUnloadRequest})
		c.bestEffort(ctx, hw.Command{Op: hw.OpUnloadDone})
		return fmt.Errorf("%w: firmware granted %s", ErrProtocolViolation, reply.LoadCode)
	}
	c.loadCode = reply.LoadCode
	return nil
}

// unloadRequest tells the firmware the function is gone and returns the
// cleanup share. It is the mirror of loadRequestUp.
func (c *Controller) unloadRequest(ctx context.Context) error {
	_, err := c.unloadCode(ctx)
	if err != nil {
		return err
	}
	return c.unloadDone(ctx)
}

func (c *Controller) unloadCode(ctx context.Context) (hw.LoadCode, error) {
	if !c.caps.HasMCP {
		return c.port.unload(c.caps.Port)
	}
	reply, err := c.request(ctx, hw.Command{Op: hw.OpUnloadRequest})
	return reply.LoadCode, err
}

func (c *Controller) unloadDone(ctx context.Context) error {
	if !c.caps.HasMCP {
		return nil
	}
	return c.send(ctx, hw.OpUnloadDone)
}

// loadDone releases the firmware load lock. It is sent on the failure paths
// between load request and function start too.
func (c *Controller) loadDone(ctx context.Context) error {
	if !c.caps.HasMCP {
		return nil
	}
	return c.send(ctx, hw.OpLoadDone)
}

func (c *Controller) initHWUp(ctx context.Context) error {
	if _, err := c.request(ctx, hw.Command{Op: hw.OpInitHW, LoadCode: c.loadCode, Loopback: c.cfg.Loopback}); err != nil {
		if derr := c.loadDone(ctx); derr != nil {
			return errors.Join(err, derr)
		}
		return err
	}
	return nil
}

func (c *Controller) irqUp(context.Context) error {
	for i, fp := range c.fps {
		if err := c.dev.RequestIRQ(fp.Index(), fp.Interrupt); err != nil {
			for _, done := range c.fps[:i] {
				c.dev.FreeIRQ(done.Index())
			}
			return util.NewContextualError("Interrupt request failed", logrus.Fields{"queue": fp.Index()}, err)
		}
	}
	return nil
}

func (c *Controller) irqDown(context.Context) error {
	c.dev.DisableInterruptsSync()
	for _, fp := range c.fps {
		c.dev.FreeIRQ(fp.Index())
	}
	return nil
}

func (c *Controller) functionUp(ctx context.Context) error {
	if err := c.send(ctx, hw.OpFunctionStart); err != nil {
		if derr := c.loadDone(ctx); derr != nil {
			return errors.Join(err, derr)
		}
		return err
	}
	if err := c.loadDone(ctx); err != nil {
		return errors.Join(err, c.send(ctx, hw.OpFunctionStop))
	}
	return nil
}

func (c *Controller) functionDown(ctx context.Context) error {
	return c.send(ctx, hw.OpFunctionStop)
}

// indirection spreads the RSS table over the queues round robin.
func (c *Controller) indirection() []uint8 {
	t := make([]uint8, IndirectionSize)
	for i := range t {
		t[i] = uint8(i % len(c.fps))
	}
	return t
}

func (c *Controller) queuesUp(ctx context.Context) error {
	for i, fp := range c.fps {
		_, err := c.request(ctx, hw.Command{Op: hw.OpSetupQueue, Queue: fp.Index(), Rings: fp.Rings()})
		if err != nil {
			err = util.NewContextualError("Queue setup failed", logrus.Fields{"queue": fp.Index()}, err)
			return errors.Join(err, c.haltQueues(ctx, i))
		}
	}
	if _, err := c.request(ctx, hw.Command{Op: hw.OpConfigRSS, Indirection: c.indirection()}); err != nil {
		return errors.Join(err, c.haltQueues(ctx, len(c.fps)))
	}
	return nil
}

func (c *Controller) queuesDown(ctx context.Context) error {
	return c.haltQueues(ctx, len(c.fps))
}

// haltQueues stops the first n queues.
func (c *Controller) haltQueues(ctx context.Context, n int) error {
	var errs []error
	for _, fp := range c.fps[:n] {
		if _, err := c.request(ctx, hw.Command{Op: hw.OpHaltQueue, Queue: fp.Index()}); err != nil {
			errs = append(errs, util.NewContextualError("Queue halt failed", logrus.Fields{"queue": fp.Index()}, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) filtersUp(ctx context.Context) error {
	if _, err := c.request(ctx, hw.Command{Op: hw.OpSetMTU, MTU: c.cfg.Queue.MTU}); err != nil {
		return err
	}
	if _, err := c.request(ctx, hw.Command{Op: hw.OpSetMAC, MAC: c.cfg.MAC}); err != nil {
		return err
	}
	if _, err := c.request(ctx, hw.Command{Op: hw.OpSetRxMode, RxMode: c.cfg.RxMode}); err != nil {
		return errors.Join(err, c.send(ctx, hw.OpDelMAC))
	}
	return nil
}

func (c *Controller) filtersDown(ctx context.Context) error {
	_, err := c.request(ctx, hw.Command{Op: hw.OpSetRxMode, RxMode: hw.RxModeNone})
	return errors.Join(err, c.send(ctx, hw.OpDelMAC))
}

func (c *Controller) timerUp(ctx context.Context) error {
	return c.send(ctx, hw.OpStartTimer)
}

func (c *Controller) timerDown(ctx context.Context) error {
	return c.send(ctx, hw.OpStopTimer)
}
