package dma

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Arena is one anonymous memory region carved into equally sized chunks. It
// keeps packet memory outside the Go heap so the device can be given stable
// addresses for it.
type Arena struct {
	mem   []byte
	chunk int
	count int
}

// NewArena maps count chunks of chunk bytes each.
func NewArena(chunk, count int) (*Arena, error) {
	if chunk <= 0 || count <= 0 {
		return nil, fmt.Errorf("invalid arena geometry %d x %d", count, chunk)
	}

	mem, err := unix.Mmap(-1, 0, chunk*count, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocate arena memory: %w", err)
	}

	return &Arena{mem: mem, chunk: chunk, count: count}, nil
}

// Chunk returns the ith chunk with its capacity capped to the chunk size.
func (a *Arena) Chunk(i int) []byte {
	off := i * a.chunk
	return a.mem[off : off+a.chunk : off+a.chunk]
}

// Len returns the total number of bytes mapped.
func (a *Arena) Len() int {
	return len(a.mem)
}

// Close releases the memory. No chunk may be used afterwards.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}
