package dma

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

var (
	// ErrMapFailure is returned when a buffer could not be made addressable by
	// the device.
	ErrMapFailure = errors.New("bus mapping rejected")
)

// Addr is a bus address as seen by the device.
type Addr uint64

// Direction of a mapping.
type Direction uint8

const (
	ToDevice Direction = iota
	FromDevice
)

func (d Direction) String() string {
	switch d {
	case ToDevice:
		return "to_device"
	case FromDevice:
		return "from_device"
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

// Mapper establishes and releases bus mappings for host memory.
type Mapper interface {
	Map(buf []byte, dir Direction) (Addr, error)
	Unmap(addr Addr, length int, dir Direction)
}

// CPUSyncer is implemented by mappers that must be told before the host
// reads memory that stays mapped for the device.
type CPUSyncer interface {
	SyncForCPU(addr Addr, length int, dir Direction)
}

const (
	tableShift  = 24
	tableOffset = 1<<tableShift - 1
)

type tableEntry struct {
	buf []byte
	dir Direction
}

// Table is a software IOMMU. Every mapping gets its own window of the bus
// address space so an address plus an offset inside the buffer still resolves.
// It is safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64]tableEntry
	limit   int
	failAt  map[uint64]struct{}
	maps    uint64
	syncs   uint64

	l          *logrus.Logger
	violations metrics.Counter
}

// NewTable returns a mapping table that accepts at most limit live mappings.
// A limit of 0 means unlimited.
func NewTable(l *logrus.Logger, limit int) *Table {
	return &Table{
		next:       1,
		entries:    make(map[uint64]tableEntry),
		limit:      limit,
		failAt:     make(map[uint64]struct{}),
		l:          l,
		violations: metrics.GetOrRegisterCounter("dma.table.violations", nil),
	}
}

// Map implements [Mapper].
func (t *Table) Map(buf []byte, dir Direction) (Addr, error) {
	if len(buf) == 0 || len(buf) > tableOffset {
		return 0, fmt.Errorf("%w: invalid length %d", ErrMapFailure, len(buf))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.maps++
	if _, ok := t.failAt[t.maps]; ok {
		delete(t.failAt, t.maps)
		return 0, fmt.Errorf("%w: injected failure on mapping %d", ErrMapFailure, t.maps)
	}

	if t.limit > 0 && len(t.entries) >= t.limit {
		return 0, fmt.Errorf("%w: %d mappings live", ErrMapFailure, len(t.entries))
	}

	id := t.next
	t.next++
	t.entries[id] = tableEntry{buf: buf, dir: dir}
	return Addr(id << tableShift), nil
}

// Unmap implements [Mapper].
func (t *Table) Unmap(addr Addr, length int, dir Direction) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := uint64(addr) >> tableShift
	e, ok := t.entries[id]
	if !ok || uint64(addr)&tableOffset != 0 {
		violation(t.l, t.violations, "unmap of an address that is not mapped",
			logrus.Fields{"addr": fmt.Sprintf("%#x", uint64(addr)), "length": length})
		return
	}

	if e.dir != dir || len(e.buf) != length {
		violation(t.l, t.violations, "unmap does not match the mapping",
			logrus.Fields{"addr": fmt.Sprintf("%#x", uint64(addr)), "length": length, "mappedLength": len(e.buf),
				"direction": dir, "mappedDirection": e.dir})
	}

	delete(t.entries, id)
}

// SyncForCPU implements [CPUSyncer]. Host and device share coherent memory,
// so it only checks the mapping and counts the sync.
func (t *Table) SyncForCPU(addr Addr, length int, dir Direction) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[uint64(addr)>>tableShift]
	if !ok || e.dir != dir || int(uint64(addr)&tableOffset)+length > len(e.buf) {
		violation(t.l, t.violations, "sync outside of a mapping",
			logrus.Fields{"addr": fmt.Sprintf("%#x", uint64(addr)), "length": length, "direction": dir})
		return
	}
	t.syncs++
}

// Syncs returns the number of successful SyncForCPU calls.
func (t *Table) Syncs() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.syncs
}

// Resolve returns n bytes of host memory starting at addr. The device side
// uses it to reach buffers it was handed.
func (t *Table) Resolve(addr Addr, n int) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[uint64(addr)>>tableShift]
	if !ok {
		return nil, false
	}

	off := int(uint64(addr) & tableOffset)
	if off+n > len(e.buf) {
		return nil, false
	}
	return e.buf[off : off+n], true
}

// Live returns the number of mappings currently established.
func (t *Table) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// FailMapping makes the nth Map call from now on fail, counting from 1.
func (t *Table) FailMapping(nth int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failAt[t.maps+uint64(nth)] = struct{}{}
}
