package dma

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// ErrAllocFailure is returned when a pool has no free buffer left.
var ErrAllocFailure = errors.New("buffer allocation failed")

// Pool hands out buffers of one size class and tracks the ownership of every
// buffer it created. All methods are safe for concurrent use; the stack may
// free buffers while the poll task acquires new ones.
type Pool struct {
	name   string
	size   int
	arena  *Arena
	mapper Mapper
	l      *logrus.Logger

	mu   sync.Mutex
	free []*Buffer
	all  []*Buffer

	allocFailed metrics.Counter
	mapFailed   metrics.Counter
	violations  metrics.Counter
}

// NewPool creates a pool of count buffers of size bytes backed by one arena.
func NewPool(l *logrus.Logger, name string, size, count int, mapper Mapper) (*Pool, error) {
	arena, err := NewArena(size, count)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", name, err)
	}

	p := &Pool{
		name:        name,
		size:        size,
		arena:       arena,
		mapper:      mapper,
		l:           l,
		free:        make([]*Buffer, 0, count),
		all:         make([]*Buffer, count),
		allocFailed: metrics.GetOrRegisterCounter(name+".alloc_failed", nil),
		mapFailed:   metrics.GetOrRegisterCounter(name+".map_failed", nil),
		violations:  metrics.GetOrRegisterCounter(name+".violations", nil),
	}

	// Hand out the lowest chunks first.
	for i := count - 1; i >= 0; i-- {
		b := &Buffer{pool: p, mem: arena.Chunk(i), owner: OwnerPool}
		p.all[i] = b
		p.free = append(p.free, b)
	}

	return p, nil
}

// Mapper returns the mapper buffers are mapped with.
func (p *Pool) Mapper() Mapper {
	return p.mapper
}

// Name returns the name given at creation.
func (p *Pool) Name() string {
	return p.name
}

// BufferSize returns the size of every buffer in the pool.
func (p *Pool) BufferSize() int {
	return p.size
}

// Capacity returns the number of buffers the pool was created with.
func (p *Pool) Capacity() int {
	return len(p.all)
}

// Free returns the number of buffers currently in the pool.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Bytes returns the amount of memory backing the pool.
func (p *Pool) Bytes() int {
	return p.arena.Len()
}

// Acquire takes a buffer out of the pool. The buffer is host owned and has an
// empty data window.
func (p *Pool) Acquire() (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		p.allocFailed.Inc(1)
		return nil, fmt.Errorf("%w: pool %s is empty", ErrAllocFailure, p.name)
	}

	b := p.free[n-1]
	p.free = p.free[:n-1]
	b.owner = OwnerHost
	b.reset()
	return b, nil
}

// MapForDevice establishes the bus mapping of the whole buffer and passes
// ownership to the device. On failure the buffer stays host owned.
func (p *Pool) MapForDevice(b *Buffer, dir Direction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b.owner != OwnerHost {
		p.violation(b, "map of a buffer not owned by the host")
		return fmt.Errorf("%w: buffer owned by %s", ErrMapFailure, b.owner)
	}

	addr, err := p.mapper.Map(b.mem, dir)
	if err != nil {
		p.mapFailed.Inc(1)
		return err
	}

	b.addr = addr
	b.dir = dir
	b.owner = OwnerDevice
	return nil
}

// Unmap releases the bus mapping and returns the buffer to host ownership.
// It must be called exactly once per mapping.
func (p *Pool) Unmap(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b.owner != OwnerDevice {
		p.violation(b, "unmap of a buffer that is not mapped")
		return
	}

	p.mapper.Unmap(b.addr, len(b.mem), b.dir)
	b.addr = 0
	b.owner = OwnerHost
}

// SyncForCPU lets the host read the first n bytes of a buffer the device
// still owns. The buffer stays mapped, so the host may copy out of it but
// must not hand it on.
func (p *Pool) SyncForCPU(b *Buffer, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b.owner != OwnerDevice {
		p.violation(b, "sync of a buffer that is not mapped")
		return
	}
	if s, ok := p.mapper.(CPUSyncer); ok {
		s.SyncForCPU(b.addr, n, b.dir)
	}
}

// ReleaseToPool returns a host owned buffer to the pool.
func (p *Pool) ReleaseToPool(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b.owner != OwnerHost {
		p.violation(b, "release of a buffer not owned by the host")
		return
	}
	p.put(b)
}

// ReleaseToStack transfers a host owned, unmapped buffer to the upper layer.
// The stack gives it back with [Buffer.Free].
func (p *Pool) ReleaseToStack(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b.owner != OwnerHost {
		p.violation(b, "hand off to the stack of a buffer not owned by the host")
		return
	}
	b.owner = OwnerStack
}

// Recycle takes back a buffer the stack is done with.
func (p *Pool) Recycle(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b.owner != OwnerStack {
		p.violation(b, "recycle of a buffer the stack does not own")
		return
	}
	p.put(b)
}

// Outstanding returns the number of buffers in each ownership state.
func (p *Pool) Outstanding() map[Owner]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := make(map[Owner]int, 4)
	for _, b := range p.all {
		m[b.owner]++
	}
	return m
}

// Close unmaps the arena. Buffers still held by the device or the stack are
// reported and the close is refused.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) != len(p.all) {
		return fmt.Errorf("pool %s: %d of %d buffers are still in use", p.name, len(p.all)-len(p.free), len(p.all))
	}
	return p.arena.Close()
}

func (p *Pool) put(b *Buffer) {
	b.owner = OwnerPool
	b.reset()
	p.free = append(p.free, b)
}

func (p *Pool) violation(b *Buffer, msg string) {
	violation(p.l, p.violations, msg, logrus.Fields{"pool": p.name, "owner": b.owner})
}
