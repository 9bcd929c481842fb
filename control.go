package nicplane

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicplane/config"
	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/lifecycle"
	"github.com/slackhq/nicplane/packet"
	"github.com/slackhq/nicplane/tx"
)

// Control is the outer surface of a running engine: start and stop, packet
// submission, and the run time changes that need a reload.
type Control struct {
	l      *logrus.Logger
	lc     *lifecycle.Controller
	caps   hw.Capabilities
	ctx    context.Context
	cancel context.CancelFunc

	statsStart func()
	watchdog   *watchdog

	// gate keeps submissions out while the queues are rebuilt. Reloads take
	// it exclusively.
	gate     sync.RWMutex
	features Features

	classifiers sync.Pool
	resetting   atomic.Bool
	resets      sync.WaitGroup
}

// Start loads the device and starts the stats exporter and the watchdog.
// It does not block; use ShutdownBlock for that.
func (c *Control) Start() error {
	c.gate.Lock()
	err := c.lc.Load(c.ctx, lifecycle.LoadOpen)
	c.gate.Unlock()
	if err != nil {
		return err
	}

	if c.statsStart != nil {
		go c.statsStart()
	}
	if c.watchdog != nil {
		go c.watchdog.run(c.ctx)
	}
	return nil
}

// Stop unloads the device and returns once it is down.
func (c *Control) Stop() {
	c.cancel()
	c.resets.Wait()

	c.gate.Lock()
	defer c.gate.Unlock()

	ctx := context.Background()
	if err := c.lc.Unload(ctx, lifecycle.UnloadClose); err != nil && !errors.Is(err, lifecycle.ErrInvalidState) {
		c.l.WithError(err).Error("Device unload reported errors")
	}
	if err := c.lc.Close(); err != nil {
		c.l.WithError(err).Error("Failed to release the port context")
	}
	c.l.Info("Goodbye")
}

// ShutdownBlock waits for SIGTERM or SIGINT and then calls Stop.
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	rawSig := <-sigChan
	c.l.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
	c.Stop()
}

// State returns the device state.
func (c *Control) State() lifecycle.State {
	return c.lc.State()
}

// Controller returns the lifecycle controller of the device.
func (c *Control) Controller() *lifecycle.Controller {
	return c.lc
}

// Features returns the current offload features.
func (c *Control) Features() Features {
	c.gate.RLock()
	defer c.gate.RUnlock()
	return c.features
}

// Submit transmits p on traffic class cos. A packet with a negative Queue
// goes to the queue its flow hash selects; without a hash the headers are
// classified first. On Busy the caller keeps p.
func (c *Control) Submit(p *packet.Packet, cos int) (tx.Result, error) {
	c.gate.RLock()
	defer c.gate.RUnlock()

	if s := c.lc.State(); s != lifecycle.StateOpen {
		return tx.Busy, fmt.Errorf("%w: submit while %s", lifecycle.ErrInvalidState, s)
	}

	fps := c.lc.Fastpaths()
	q := p.Queue
	if q < 0 {
		q = c.selectQueue(p, len(fps))
	}
	if q >= len(fps) {
		return tx.Busy, fmt.Errorf("queue %d out of range, device has %d", q, len(fps))
	}
	return fps[q].Xmit(p, cos)
}

func (c *Control) selectQueue(p *packet.Packet, n int) int {
	if !p.HasHash {
		cl := c.classifiers.Get().(*packet.Classifier)
		err := cl.Classify(p)
		c.classifiers.Put(cl)
		if err != nil {
			return 0
		}
	}
	return int(p.Hash % uint32(n))
}

// ChangeMTU sets a new MTU and resizes the receive buffers to it. A running
// device is reloaded.
func (c *Control) ChangeMTU(mtu int) error {
	if c.lc.Recovery() != lifecycle.RecoveryDone {
		return fmt.Errorf("%w: recovery in progress", lifecycle.ErrBusy)
	}
	if err := CheckMTU(mtu); err != nil {
		return err
	}

	c.gate.Lock()
	defer c.gate.Unlock()

	cfg := c.lc.Config()
	cfg.Queue.MTU = mtu
	cfg.Queue.BufSize = RxBufSize(mtu, c.caps)
	if err := c.lc.Reconfigure(c.ctx, cfg); err != nil {
		return err
	}
	c.l.WithField("mtu", mtu).Info("MTU changed")
	return nil
}

// SetFeatures applies f. LRO is dropped when RxCsum is off. A running device
// is reloaded when anything changed since the receive queues read the flags
// only when they are built.
func (c *Control) SetFeatures(f Features) error {
	if c.lc.Recovery() != lifecycle.RecoveryDone {
		return fmt.Errorf("%w: recovery in progress", lifecycle.ErrBusy)
	}
	f = f.normalize(c.l)

	c.gate.Lock()
	defer c.gate.Unlock()

	if f == c.features {
		return nil
	}

	cfg := c.lc.Config()
	cfg.Queue.TPA = f.LRO
	cfg.Queue.Csum = f.RxCsum
	cfg.Loopback = f.Loopback
	if err := c.lc.Reconfigure(c.ctx, cfg); err != nil {
		return err
	}
	c.features = f
	c.l.WithField("features", f).Info("Features changed")
	return nil
}

// TxTimeout is called when a transmit queue made no progress for too long.
// It resets the device on its own goroutine; further timeouts while the
// reset runs are ignored.
func (c *Control) TxTimeout(queue int) {
	c.l.WithField("queue", queue).Error("Transmit timed out, resetting device")
	if !c.resetting.CompareAndSwap(false, true) {
		return
	}

	c.resets.Add(1)
	go func() {
		defer c.resets.Done()
		defer c.resetting.Store(false)
		c.reset(c.ctx)
	}()
}

// reset unloads and loads the device. A reload that hits a fatal hardware
// error goes through recovery instead.
func (c *Control) reset(ctx context.Context) {
	c.gate.Lock()
	defer c.gate.Unlock()

	if c.lc.State() != lifecycle.StateOpen {
		return
	}
	err := c.lc.Unload(ctx, lifecycle.UnloadNormal)
	if err == nil {
		err = c.lc.Load(ctx, lifecycle.LoadNormal)
	}
	if err == nil {
		return
	}
	if !errors.Is(err, lifecycle.ErrFatalHardware) {
		c.l.WithError(err).Error("Device reset failed")
		return
	}
	if err := c.lc.Recover(ctx); err != nil {
		c.l.WithError(err).Error("Device recovery failed")
	}
}

// reload is the config reload callback.
func (c *Control) reload(cfg *config.C) {
	if cfg.HasChanged("device.mtu") {
		mtu := cfg.GetInt("device.mtu", 1500)
		if err := c.ChangeMTU(mtu); err != nil {
			c.l.WithError(err).WithField("mtu", mtu).Error("Failed to change MTU")
		}
	}

	if cfg.HasChanged("rx.tpa") || cfg.HasChanged("rx.csum") || cfg.HasChanged("device.loopback") {
		if err := c.SetFeatures(featuresFromConfig(c.l, cfg)); err != nil {
			c.l.WithError(err).Error("Failed to change features")
		}
	}
}
