package ring

// Index is a free-running 16-bit producer or consumer counter. It increases
// monotonically and wraps at 65536; the slot it refers to is obtained by
// masking it with the ring size.
type Index uint16

// Add returns the index advanced by n, wrapping around.
func (i Index) Add(n int) Index {
	return i + Index(n)
}

// Next returns the index advanced by one.
func (i Index) Next() Index {
	return i + 1
}

// Slot returns the ring slot the index refers to. size must be a power of 2.
func (i Index) Slot(size int) int {
	return int(uint16(i) & uint16(size-1))
}

// Sub returns the signed distance from b to i, so that a counter which has
// wrapped still compares as being ahead.
func (i Index) Sub(b Index) int16 {
	return int16(uint16(i) - uint16(b))
}

// After reports whether i is strictly ahead of b.
func (i Index) After(b Index) bool {
	return i.Sub(b) > 0
}

// Occupied returns the number of live entries between consumer and producer.
func Occupied(producer, consumer Index) int {
	return int(uint16(producer - consumer))
}

// Available returns the number of slots that may still be produced. One slot
// is always kept in reserve so a full ring never looks empty, which makes
// Available + Occupied == size - 1.
func Available(producer, consumer Index, size int) int {
	return size - 1 - Occupied(producer, consumer)
}

// IsFull reports whether no further entry may be produced.
func IsFull(producer, consumer Index, size int) bool {
	return Available(producer, consumer, size) <= 0
}

// IsEmpty reports whether the consumer has caught up with the producer.
func IsEmpty(producer, consumer Index) bool {
	return producer == consumer
}
