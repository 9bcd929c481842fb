package ring

import "sync/atomic"

// Shared is an index that crosses the software/hardware boundary: one side
// stores it, the other side loads it. Store has release semantics, so every
// descriptor written before Publish is visible to whoever observes the new
// value, and Load has acquire semantics, so descriptor reads issued after it
// never see data older than the index.
type Shared struct {
	v atomic.Uint32
}

// Publish makes the index visible to the other side.
func (s *Shared) Publish(i Index) {
	s.v.Store(uint32(i))
}

// Load returns the latest published value.
func (s *Shared) Load() Index {
	return Index(s.v.Load())
}

// Add publishes the current value advanced by n and returns it. Only the
// owning side may call it.
func (s *Shared) Add(n int) Index {
	return Index(s.v.Add(uint32(n)) & 0xffff)
}

// Barrier is a full memory barrier owned by one queue. Sync orders a
// preceding store (for example a published consumer index) against a
// following load of a flag written by the other side. Each queue keeps its
// own Barrier so queues never write a common cache line.
type Barrier struct {
	v atomic.Uint32
}

// Sync issues the barrier.
func (b *Barrier) Sync() {
	b.v.Add(1)
}
