package dma

import "fmt"

// Owner is the party currently responsible for a [Buffer].
type Owner uint8

const (
	// OwnerPool means the buffer is free and sits in its pool.
	OwnerPool Owner = iota
	// OwnerHost means software holds the buffer and it is not mapped.
	OwnerHost
	// OwnerDevice means the buffer is bus-mapped and posted to the device.
	OwnerDevice
	// OwnerStack means the buffer was unmapped and handed to the upper layer.
	OwnerStack
)

func (o Owner) String() string {
	switch o {
	case OwnerPool:
		return "pool"
	case OwnerHost:
		return "host"
	case OwnerDevice:
		return "device"
	case OwnerStack:
		return "stack"
	}
	return fmt.Sprintf("owner(%d)", uint8(o))
}

// Buffer is a fixed size chunk of packet memory. The data window starts at
// the head and is grown with Reserve and Put in the same way as a socket
// buffer.
type Buffer struct {
	pool  *Pool
	mem   []byte
	addr  Addr
	owner Owner
	dir   Direction

	head int
	tail int
}

// Owner returns the current owner.
func (b *Buffer) Owner() Owner {
	return b.owner
}

// Mapped reports whether the buffer holds a bus mapping.
func (b *Buffer) Mapped() bool {
	return b.owner == OwnerDevice
}

// Addr returns the bus address of the start of the buffer memory. It is only
// meaningful while the buffer is mapped.
func (b *Buffer) Addr() Addr {
	return b.addr
}

// Pool returns the pool the buffer belongs to.
func (b *Buffer) Pool() *Pool {
	return b.pool
}

// Cap returns the size of the buffer memory.
func (b *Buffer) Cap() int {
	return len(b.mem)
}

// Mem returns the whole buffer memory regardless of the data window.
func (b *Buffer) Mem() []byte {
	return b.mem
}

// Reserve moves the start of an empty data window forward by n bytes.
func (b *Buffer) Reserve(n int) {
	if b.tail != b.head || b.head+n > len(b.mem) {
		panic(fmt.Sprintf("dma: reserve %d on buffer with window %d:%d of %d", n, b.head, b.tail, len(b.mem)))
	}
	b.head += n
	b.tail = b.head
}

// Put extends the data window by n bytes and returns the added region.
func (b *Buffer) Put(n int) []byte {
	if b.tail+n > len(b.mem) {
		panic(fmt.Sprintf("dma: put %d past the end of a %d byte buffer at %d", n, len(b.mem), b.tail))
	}
	b.tail += n
	return b.mem[b.tail-n : b.tail]
}

// Bytes returns the data window.
func (b *Buffer) Bytes() []byte {
	return b.mem[b.head:b.tail]
}

// Len returns the length of the data window.
func (b *Buffer) Len() int {
	return b.tail - b.head
}

// Headroom returns the offset of the data window.
func (b *Buffer) Headroom() int {
	return b.head
}

// Free hands a buffer the stack is done with back to its pool.
func (b *Buffer) Free() {
	b.pool.Recycle(b)
}

func (b *Buffer) reset() {
	b.head = 0
	b.tail = 0
	b.addr = 0
}
