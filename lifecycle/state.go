// Package lifecycle brings a device up and down. A load runs a fixed list of
// phases and unwinds the completed ones in reverse when one fails; an unload
// is the mirror of a load. Functions sharing one physical port cooperate
// through a [PortContext].
package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation is returned when the device or firmware state
	// contradicts what the driver expects.
	ErrProtocolViolation = errors.New("hardware protocol violation")
	// ErrFatalHardware is returned when the device needs a full teardown and
	// rebuild.
	ErrFatalHardware = errors.New("fatal hardware error")
	// ErrInvalidState is returned by an operation that is not allowed in the
	// current state.
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrBusy is returned while another operation or a recovery is in
	// progress.
	ErrBusy = errors.New("device busy")
)

// State is the device state.
type State uint32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
	StateError
	// StateDiag means the queues are up for a loopback self test but
	// transmit was never started.
	StateDiag
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	case StateDiag:
		return "diag"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// LoadMode selects how transmit is started at the end of a load.
type LoadMode uint8

const (
	// LoadOpen starts transmit for the first time.
	LoadOpen LoadMode = iota
	// LoadNormal wakes transmit after a reload.
	LoadNormal
	// LoadDiag leaves transmit stopped.
	LoadDiag
)

func (m LoadMode) String() string {
	switch m {
	case LoadOpen:
		return "open"
	case LoadNormal:
		return "normal"
	case LoadDiag:
		return "diag"
	}
	return fmt.Sprintf("load_mode(%d)", uint8(m))
}

// UnloadMode selects how much of the device is cleaned up on unload.
type UnloadMode uint8

const (
	// UnloadClose is a regular close.
	UnloadClose UnloadMode = iota
	// UnloadNormal precedes an immediate reload.
	UnloadNormal
	// UnloadRecovery skips the chip cleanup commands the broken device
	// cannot answer.
	UnloadRecovery
)

func (m UnloadMode) String() string {
	switch m {
	case UnloadClose:
		return "close"
	case UnloadNormal:
		return "normal"
	case UnloadRecovery:
		return "recovery"
	}
	return fmt.Sprintf("unload_mode(%d)", uint8(m))
}

// Recovery is the progress of a recovery from a fatal hardware error.
type Recovery uint32

const (
	RecoveryDone Recovery = iota
	// RecoveryInit is set from the start of a recovery until the unload.
	RecoveryInit
	// RecoveryWait is set while waiting for the port to be reset.
	RecoveryWait
)

func (r Recovery) String() string {
	switch r {
	case RecoveryDone:
		return "done"
	case RecoveryInit:
		return "init"
	case RecoveryWait:
		return "wait"
	}
	return fmt.Sprintf("recovery(%d)", uint32(r))
}
