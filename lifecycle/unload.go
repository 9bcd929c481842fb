package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicplane/hw"
)

// Unload brings the device down. An unload in recovery mode skips the
// commands that need a working chip.
func (c *Controller) Unload(ctx context.Context, mode UnloadMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unload(ctx, mode)
}

func (c *Controller) unload(ctx context.Context, mode UnloadMode) error {
	switch s := c.State(); s {
	case StateClosed, StateError:
		c.recovery.Store(uint32(RecoveryDone))
		c.port.releaseLeader(c)
		return fmt.Errorf("%w: unload while %s", ErrInvalidState, s)
	case StateOpen, StateDiag:
	default:
		return fmt.Errorf("%w: unload while %s", ErrBusy, s)
	}

	c.setState(StateClosing)
	for _, fp := range c.fps {
		fp.StopTx()
	}

	var errs []error
	if mode == UnloadRecovery {
		errs = c.recoveryCleanup(ctx)
	} else {
		c.drainTx(ctx)
		errs = c.chipCleanup(ctx)
	}

	if err := c.freeQueues(); err != nil {
		errs = append(errs, err)
	}
	c.setState(StateClosed)

	c.checkParity(ctx)
	c.port.decActive()
	c.unloads.Inc(1)

	err := errors.Join(errs...)
	c.log().WithError(err).WithField("mode", mode).Info("Device unloaded")
	return err
}

// chipCleanup is the orderly shutdown. Every step runs even when an earlier
// one failed.
func (c *Controller) chipCleanup(ctx context.Context) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(c.timerDown(ctx))
	add(c.send(ctx, hw.OpDelMAC))
	_, err := c.request(ctx, hw.Command{Op: hw.OpSetRxMode, RxMode: hw.RxModeNone})
	add(err)

	code, err := c.unloadCode(ctx)
	add(err)

	add(c.queuesDown(ctx))
	add(c.functionDown(ctx))
	add(c.irqDown(ctx))
	add(c.pollDown(ctx))

	_, err = c.request(ctx, hw.Command{Op: hw.OpChipCleanup, LoadCode: code})
	add(err)
	add(c.unloadDone(ctx))
	return errs
}

// recoveryCleanup releases the host side of the device and only tells the
// firmware the function is gone.
func (c *Controller) recoveryCleanup(ctx context.Context) []error {
	var errs []error
	_, err := c.unloadCode(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, step := range []func(context.Context) error{c.irqDown, c.pollDown, c.unloadDone} {
		if err := step(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// checkParity marks the path for a reset when the chip latched a parity
// error while the device was up.
func (c *Controller) checkParity(ctx context.Context) {
	reply, err := c.request(ctx, hw.Command{Op: hw.OpParityStatus})
	if err != nil {
		c.log().WithError(err).Warn("Failed to read parity status")
		return
	}
	if !reply.Parity {
		return
	}
	c.port.setResetInProgress(reply.Global)
	c.log().WithField("global", reply.Global).Error("Parity error latched, path needs a reset")
}

// Recover rebuilds the device after a fatal hardware error. Every function
// on the path unloads; the first one to get here leads, waits for the
// others to be down and resets the chip once. The rest wait for the reset.
// A device that was open is loaded again.
func (c *Controller) Recover(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recoveries.Inc(1)
	c.recovery.Store(uint32(RecoveryInit))
	defer c.recovery.Store(uint32(RecoveryDone))

	prev := c.State()
	if reset, _ := c.port.ResetInProgress(); !reset {
		c.port.setResetInProgress(false)
	}
	leader := c.port.tryLead(c)
	defer c.port.releaseLeader(c)

	c.log().WithFields(logrus.Fields{"leader": leader, "state": prev}).Warn("Recovering device")

	if prev == StateOpen || prev == StateDiag {
		if err := c.unload(ctx, UnloadRecovery); err != nil {
			c.log().WithError(err).Warn("Recovery unload reported errors")
		}
	}

	c.recovery.Store(uint32(RecoveryWait))
	if leader {
		err := c.port.waitFor(ctx, func() bool { return c.port.active == 0 })
		if err != nil {
			return fmt.Errorf("waiting for path %d to unload: %w", c.port.Path(), err)
		}
		if err := c.send(ctx, hw.OpGlobalReset); err != nil {
			return fmt.Errorf("%w: global reset: %w", ErrFatalHardware, err)
		}
		c.port.resetDone()
		c.log().Info("Path reset")
	} else {
		err := c.port.waitFor(ctx, func() bool { return !c.port.reset })
		if err != nil {
			return fmt.Errorf("waiting for path %d reset: %w", c.port.Path(), err)
		}
	}

	switch prev {
	case StateOpen:
		return c.load(ctx, LoadNormal)
	case StateDiag:
		return c.load(ctx, LoadDiag)
	}
	return nil
}
