package ring

import (
	"fmt"
	"math/bits"
)

const (
	elemShift = 6
	elemBits  = 1 << elemShift
	elemMask  = elemBits - 1
	elemOnes  = ^uint64(0)
)

// Bitset tracks which slots of a circular index space are still unused. A set
// bit means the slot holds a buffer the device has not consumed yet; a cleared
// bit means the device used it and software still has to replenish it.
// Replenishment is done in whole 64-slot elements so the producer only ever
// moves over a contiguous run of used slots.
type Bitset struct {
	elems []uint64
	size  int
}

// NewBitset returns a bitset for size slots with every slot unused. size must
// be a power of 2 and a multiple of 64.
func NewBitset(size int) *Bitset {
	if size < elemBits || size&(size-1) != 0 {
		panic(fmt.Sprintf("bitset size %d must be a power of 2 and at least %d", size, elemBits))
	}

	b := &Bitset{
		elems: make([]uint64, size>>elemShift),
		size:  size,
	}
	b.Reset()
	return b
}

// Size returns the number of slots tracked.
func (b *Bitset) Size() int {
	return b.size
}

// Elements returns the number of 64-slot elements.
func (b *Bitset) Elements() int {
	return len(b.elems)
}

// Reset marks every slot unused.
func (b *Bitset) Reset() {
	for i := range b.elems {
		b.elems[i] = elemOnes
	}
}

// MarkUsed clears the bit for the slot idx refers to.
func (b *Bitset) MarkUsed(idx Index) {
	s := idx.Slot(b.size)
	b.elems[s>>elemShift] &^= 1 << (s & elemMask)
}

// MarkUsedRange clears n consecutive slots starting at start, wrapping at the
// end of the index space.
func (b *Bitset) MarkUsedRange(start Index, n int) {
	for i := 0; i < n; i++ {
		b.MarkUsed(start.Add(i))
	}
}

// IsUsed reports whether the slot idx refers to has been consumed.
func (b *Bitset) IsUsed(idx Index) bool {
	s := idx.Slot(b.size)
	return b.elems[s>>elemShift]&(1<<(s&elemMask)) == 0
}

// ElementOf returns the element the slot idx refers to lives in.
func (b *Bitset) ElementOf(idx Index) int {
	return idx.Slot(b.size) >> elemShift
}

// Unused returns the number of slots still marked unused.
func (b *Bitset) Unused() int {
	n := 0
	for _, e := range b.elems {
		n += bits.OnesCount64(e)
	}
	return n
}

// FirstContiguousUnusedRun walks whole elements from first up to, but not
// including, end (wrapping around) and stops at the first element that still
// has an unused slot. Every fully used element passed over is marked unused
// again. It returns the number of slots reclaimed, always a multiple of 64.
// A slot that is still pending blocks the walk, so the caller never advances a
// producer past a gap.
func (b *Bitset) FirstContiguousUnusedRun(first, end int) int {
	n := len(b.elems)
	reclaimed := 0
	for i := first % n; i != end%n; i = (i + 1) % n {
		if b.elems[i] != 0 {
			break
		}
		b.elems[i] = elemOnes
		reclaimed += elemBits
	}
	return reclaimed
}
