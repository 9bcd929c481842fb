package ring

import (
	"errors"
	"fmt"
)

// ErrSizeInvalid is returned when a ring size is invalid.
var ErrSizeInvalid = errors.New("ring size is invalid")

// MaxSize is the largest ring that still lets 16-bit indices wrap cleanly.
const MaxSize = 32768

// CheckSize checks if the given value would be a valid size for a descriptor
// ring and returns an [ErrSizeInvalid], if not.
func CheckSize(size int) error {
	if size <= 1 {
		return fmt.Errorf("%w: %d is too small", ErrSizeInvalid, size)
	}

	// Masking a free-running 16-bit counter only yields the slot if the size
	// divides 65536.
	if size&(size-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrSizeInvalid, size)
	}

	if size > MaxSize {
		return fmt.Errorf("%w: %d is larger than the maximum possible ring size %d",
			ErrSizeInvalid, size, MaxSize)
	}

	return nil
}
