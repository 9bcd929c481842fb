package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/slackhq/nicplane/hw"
)

// Chip is what the functions on one loopback chip share: the load counts the
// management firmware keeps per path and port, and latched parity errors.
type Chip struct {
	mu       sync.Mutex
	path     map[int]int
	port     map[[2]int]int
	parity   bool
	global   bool
	resets   int
	cleanups int
}

// NewChip returns an idle chip.
func NewChip() *Chip {
	return &Chip{path: make(map[int]int), port: make(map[[2]int]int)}
}

func (c *Chip) load(path, port int) hw.LoadCode {
	c.mu.Lock()
	defer c.mu.Unlock()

	code := hw.LoadFunction
	switch {
	case c.path[path] == 0:
		code = hw.LoadCommon
	case c.port[[2]int{path, port}] == 0:
		code = hw.LoadPort
	}
	c.path[path]++
	c.port[[2]int{path, port}]++
	return code
}

func (c *Chip) unload(path, port int) (hw.LoadCode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := [2]int{path, port}
	if c.port[key] == 0 {
		return 0, fmt.Errorf("unload on path %d port %d which has no function loaded", path, port)
	}
	c.path[path]--
	c.port[key]--

	switch {
	case c.path[path] == 0:
		return hw.LoadCommon, nil
	case c.port[key] == 0:
		return hw.LoadPort, nil
	}
	return hw.LoadFunction, nil
}

// Loaded returns the number of functions loaded on a path.
func (c *Chip) Loaded(path int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path[path]
}

// InjectParity latches a parity error. A global error needs a chip reset.
func (c *Chip) InjectParity(global bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parity = true
	c.global = c.global || global
}

// Resets returns the number of global resets performed.
func (c *Chip) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

// Cleanups returns the number of chip cleanups performed.
func (c *Chip) Cleanups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanups
}

func (c *Chip) parityStatus() hw.Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return hw.Reply{Parity: c.parity, Global: c.global}
}

func (c *Chip) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parity, c.global = false, false
	c.resets++
}

func (c *Chip) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups++
}

// firmware answers the commands of one device.
type firmware struct {
	d *Device

	mu   sync.Mutex
	fail map[hw.Op]error
	hang map[hw.Op]bool
	log  []hw.Command
}

func newFirmware(d *Device) *firmware {
	return &firmware{d: d, fail: make(map[hw.Op]error), hang: make(map[hw.Op]bool)}
}

// FailNext makes the next command op fail with err.
func (d *Device) FailNext(op hw.Op, err error) {
	d.fw.mu.Lock()
	defer d.fw.mu.Unlock()
	d.fw.fail[op] = err
}

// Hang makes every command op block until its context ends.
func (d *Device) Hang(op hw.Op, hang bool) {
	d.fw.mu.Lock()
	defer d.fw.mu.Unlock()
	d.fw.hang[op] = hang
}

// Commands returns the ops of every command received so far.
func (d *Device) Commands() []hw.Op {
	d.fw.mu.Lock()
	defer d.fw.mu.Unlock()
	ops := make([]hw.Op, len(d.fw.log))
	for i, c := range d.fw.log {
		ops[i] = c.Op
	}
	return ops
}

// Request implements [hw.Firmware].
func (f *firmware) Request(ctx context.Context, cmd hw.Command) (hw.Reply, error) {
	f.mu.Lock()
	f.log = append(f.log, cmd)
	err, failing := f.fail[cmd.Op]
	delete(f.fail, cmd.Op)
	hang := f.hang[cmd.Op]
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
	}
	if ctx.Err() != nil {
		return hw.Reply{}, fmt.Errorf("%w: %s: %w", hw.ErrFirmwareTimeout, cmd.Op, ctx.Err())
	}
	if failing {
		return hw.Reply{}, fmt.Errorf("%s: %w", cmd.Op, err)
	}

	d := f.d
	caps := d.caps
	switch cmd.Op {
	case hw.OpLoadRequest:
		return hw.Reply{LoadCode: d.chip.load(caps.Path, caps.Port)}, nil

	case hw.OpUnloadRequest:
		code, err := d.chip.unload(caps.Path, caps.Port)
		return hw.Reply{LoadCode: code}, err

	case hw.OpSetupQueue:
		return hw.Reply{}, d.setupQueue(cmd.Rings)

	case hw.OpHaltQueue:
		d.haltQueue(cmd.Queue)

	case hw.OpParityStatus:
		return d.chip.parityStatus(), nil

	case hw.OpGlobalReset:
		d.chip.reset()

	case hw.OpChipCleanup:
		d.chip.cleanup()

	case hw.OpSetMTU:
		d.mu.Lock()
		d.mtu = cmd.MTU
		d.mu.Unlock()

	case hw.OpSetMAC:
		d.mu.Lock()
		d.mac = cmd.MAC
		d.mu.Unlock()

	case hw.OpDelMAC:
		d.mu.Lock()
		d.mac = [6]byte{}
		d.mu.Unlock()

	case hw.OpSetRxMode:
		d.mu.Lock()
		d.rxMode = cmd.RxMode
		d.mu.Unlock()

	case hw.OpInitHW:
		d.mu.Lock()
		d.macLoopback = cmd.Loopback
		d.mu.Unlock()

	case hw.OpLoadDone, hw.OpUnloadDone, hw.OpFunctionStart, hw.OpFunctionStop,
		hw.OpConfigRSS, hw.OpStartTimer, hw.OpStopTimer:

	default:
		return hw.Reply{}, fmt.Errorf("unknown firmware command %s", cmd.Op)
	}
	return hw.Reply{}, nil
}
