package hw

import "github.com/slackhq/nicplane/ring"

// StatusBlock is written by the device and read by the queue's poll task.
// The running index increments on every status update and is echoed back
// when the interrupt is re-enabled.
type StatusBlock struct {
	RunningIndex ring.Shared
	RxCompCons   ring.Shared
	TxCons       []ring.Shared
}

// NewStatusBlock returns a status block for a queue with cos Tx rings.
func NewStatusBlock(cos int) *StatusBlock {
	return &StatusBlock{TxCons: make([]ring.Shared, cos)}
}
