// Package loopback is a software device. Every frame a queue transmits comes
// back as a receive completion on the same queue, after the device applied
// the offloads the transmit chain asked for. With aggregation enabled on the
// queue, segmentation offload frames come back aggregated instead of
// segmented.
package loopback

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/nicplane/dma"
	"github.com/slackhq/nicplane/hw"
	"github.com/slackhq/nicplane/hw/irq"
	"github.com/slackhq/nicplane/packet"
	"github.com/slackhq/nicplane/ring"
)

const (
	// PlacementOffset is where received frames start in their buffer.
	PlacementOffset = 2

	// DefaultBacklog is how many frames wait for receive buffers before the
	// device drops.
	DefaultBacklog = 1024
)

// Options tunes a device.
type Options struct {
	Caps    hw.Capabilities
	Backlog int
	// MapLimit caps the live bus mappings, 0 for no limit.
	MapLimit int
}

type txCursor struct {
	bd  ring.Index
	pkt ring.Index
}

type queueState struct {
	rings *hw.QueueRings
	prods hw.RxProducers

	bdCons  ring.Index
	sgeCons ring.Index
	cqProd  ring.Index
	tx      []txCursor

	backlog *queue.Queue
	line    *irq.Line
}

// Device is a loopback function on a [Chip].
type Device struct {
	l    *logrus.Logger
	chip *Chip
	caps hw.Capabilities
	opts Options

	table *dma.Table
	fw    *firmware

	mu         sync.Mutex
	queues     map[int]*queueState
	classifier *packet.Classifier
	mtu        int
	mac        [6]byte
	rxMode     hw.RxMode

	// macLoopback only records the mode; every frame loops back regardless.
	macLoopback bool

	txFrames     metrics.Counter
	rxFrames     metrics.Counter
	aggregations metrics.Counter
	noBuffer     metrics.Counter
	oversize     metrics.Counter
	violations   metrics.Counter
}

// New creates a device on chip.
func New(l *logrus.Logger, chip *Chip, opts Options) (*Device, error) {
	if err := opts.Caps.Validate(); err != nil {
		return nil, err
	}
	if opts.Backlog <= 0 {
		opts.Backlog = DefaultBacklog
	}

	prefix := fmt.Sprintf("loopback.%d.%d.", opts.Caps.Path, opts.Caps.Port)
	d := &Device{
		l:            l,
		chip:         chip,
		caps:         opts.Caps,
		opts:         opts,
		table:        dma.NewTable(l, opts.MapLimit),
		queues:       make(map[int]*queueState),
		classifier:   packet.NewClassifier(),
		txFrames:     metrics.GetOrRegisterCounter(prefix+"tx_frames", nil),
		rxFrames:     metrics.GetOrRegisterCounter(prefix+"rx_frames", nil),
		aggregations: metrics.GetOrRegisterCounter(prefix+"aggregations", nil),
		noBuffer:     metrics.GetOrRegisterCounter(prefix+"no_buffer", nil),
		oversize:     metrics.GetOrRegisterCounter(prefix+"oversize", nil),
		violations:   metrics.GetOrRegisterCounter(prefix+"violations", nil),
	}
	d.fw = newFirmware(d)
	return d, nil
}

// Caps implements [hw.Device].
func (d *Device) Caps() hw.Capabilities {
	return d.caps
}

// Mapper implements [hw.Device].
func (d *Device) Mapper() dma.Mapper {
	return d.table
}

// Table returns the mapping table, for tests that reach into device memory
// or inject mapping failures.
func (d *Device) Table() *dma.Table {
	return d.table
}

// Firmware implements [hw.Device].
func (d *Device) Firmware() hw.Firmware {
	return d.fw
}

// Chip returns the chip the device sits on.
func (d *Device) Chip() *Chip {
	return d.chip
}

func (d *Device) queue(q int) *queueState {
	qs, ok := d.queues[q]
	if !ok {
		qs = &queueState{backlog: queue.New()}
		d.queues[q] = qs
	}
	return qs
}

// RequestIRQ implements [hw.Device].
func (d *Device) RequestIRQ(q int, h func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	qs := d.queue(q)
	if qs.line != nil {
		return fmt.Errorf("queue %d already has an interrupt", q)
	}
	line, err := irq.NewLine(h)
	if err != nil {
		return err
	}
	qs.line = line
	return nil
}

// FreeIRQ implements [hw.Device].
func (d *Device) FreeIRQ(q int) {
	d.mu.Lock()
	qs, ok := d.queues[q]
	var line *irq.Line
	if ok {
		line, qs.line = qs.line, nil
	}
	d.mu.Unlock()

	if line != nil {
		if err := line.Close(); err != nil {
			d.l.WithError(err).WithField("queue", q).Warn("Failed to close interrupt line")
		}
	}
}

// AckSB implements [hw.Device].
func (d *Device) AckSB(q int, _ ring.Index, enable bool) {
	if !enable {
		return
	}
	d.mu.Lock()
	var line *irq.Line
	if qs, ok := d.queues[q]; ok {
		line = qs.line
	}
	d.mu.Unlock()

	if line != nil {
		if err := line.Unmask(); err != nil {
			d.l.WithError(err).WithField("queue", q).Error("Failed to unmask interrupt")
		}
	}
}

// DisableInterruptsSync implements [hw.Device].
func (d *Device) DisableInterruptsSync() {
	d.mu.Lock()
	lines := make([]*irq.Line, 0, len(d.queues))
	for _, qs := range d.queues {
		if qs.line != nil {
			lines = append(lines, qs.line)
		}
	}
	d.mu.Unlock()

	for _, line := range lines {
		line.Mask()
		line.Sync()
	}
}

// UpdateRxProducers implements [hw.Device]. Frames waiting for buffers are
// placed right away.
func (d *Device) UpdateRxProducers(q int, p hw.RxProducers) {
	d.mu.Lock()
	defer d.mu.Unlock()

	qs := d.queue(q)
	qs.prods = p
	if qs.rings != nil && qs.backlog.Length() > 0 && d.drain(q, qs) {
		d.raise(qs)
	}
}

// Doorbell implements [hw.Device]. The device fetches every chain up to prod,
// completes it and loops the frames back.
func (d *Device) Doorbell(q, cos int, prod ring.Index) {
	d.mu.Lock()
	defer d.mu.Unlock()

	qs, ok := d.queues[q]
	if !ok || qs.rings == nil || cos >= len(qs.tx) {
		d.violation(q, "Doorbell on a queue that is not set up")
		return
	}

	cur := &qs.tx[cos]
	bds := qs.rings.Tx[cos]
	for cur.bd != prod {
		nbd := d.transmit(q, qs, bds, cur.bd)
		if nbd == 0 {
			// Nothing sane to fetch; wait for the queue to be torn down.
			return
		}
		cur.bd = cur.bd.Add(nbd)
		cur.pkt = cur.pkt.Next()
	}
	qs.rings.Status.TxCons[cos].Publish(cur.pkt)

	d.drain(q, qs)
	d.raise(qs)
}

func (d *Device) raise(qs *queueState) {
	qs.rings.Status.RunningIndex.Add(1)
	if qs.line != nil {
		if err := qs.line.Raise(); err != nil {
			d.l.WithError(err).WithField("queue", qs.rings.Queue).Error("Failed to raise interrupt")
		}
	}
}

func (d *Device) violation(q int, msg string) {
	d.violations.Inc(1)
	d.l.WithField("queue", q).Error(msg)
}

func (d *Device) setupQueue(rings *hw.QueueRings) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if rings == nil || rings.Status == nil || len(rings.Tx) != len(rings.Status.TxCons) {
		return fmt.Errorf("queue setup without ring memory")
	}
	qs := d.queue(rings.Queue)
	if qs.rings != nil {
		return fmt.Errorf("queue %d is already set up", rings.Queue)
	}
	qs.rings = rings
	qs.tx = make([]txCursor, len(rings.Tx))
	qs.bdCons, qs.sgeCons, qs.cqProd = 0, 0, 0
	return nil
}

func (d *Device) haltQueue(q int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	qs, ok := d.queues[q]
	if !ok {
		return
	}
	qs.rings = nil
	qs.tx = nil
	qs.prods = hw.RxProducers{}
	for qs.backlog.Length() > 0 {
		qs.backlog.Remove()
	}
}

// Queues returns the queues currently set up.
func (d *Device) Queues() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, qs := range d.queues {
		if qs.rings != nil {
			n++
		}
	}
	return n
}

// Backlog returns the frames of queue q waiting for receive buffers.
func (d *Device) Backlog(q int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if qs, ok := d.queues[q]; ok {
		return qs.backlog.Length()
	}
	return 0
}

// MTU returns the MTU last configured through the firmware.
func (d *Device) MTU() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mtu
}

// RxMode returns the receive filter mode last configured.
func (d *Device) RxMode() hw.RxMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rxMode
}

// MACLoopback reports whether the last hardware init asked for internal
// loopback.
func (d *Device) MACLoopback() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.macLoopback
}
