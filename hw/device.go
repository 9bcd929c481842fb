package hw

import (
	"context"
	"errors"
	"fmt"

	"github.com/slackhq/nicplane/dma"
	"github.com/slackhq/nicplane/ring"
)

// ErrFirmwareTimeout is returned when a firmware command is not answered
// within the command timeout.
var ErrFirmwareTimeout = errors.New("firmware command timed out")

// QueueRings is the ring memory of one queue as handed to the device when
// the queue is set up. The engine owns the slices; the device reads posted
// descriptors and writes completions and the status block.
type QueueRings struct {
	Queue int

	RxBD []RxBD
	SGE  []SGE
	CQE  []CQE
	Tx   [][]TxBD

	Status *StatusBlock

	// BufSize is the size of each receive buffer.
	BufSize int
	// TPA is set when aggregation is enabled on the queue, with Bins
	// aggregation contexts.
	TPA  bool
	Bins int
}

// RxProducers is the combined producer update published after every receive
// poll.
type RxProducers struct {
	BD  ring.Index
	CQE ring.Index
	SGE ring.Index
}

// Device is the data-plane view of a bound function.
type Device interface {
	Caps() Capabilities
	Mapper() dma.Mapper
	Firmware() Firmware

	// RequestIRQ wires the interrupt of a queue to h. The handler runs with
	// the interrupt masked; it is re-enabled by AckSB.
	RequestIRQ(queue int, h func()) error
	FreeIRQ(queue int)

	// AckSB acknowledges status updates up to idx and, when enable is set,
	// unmasks the queue interrupt.
	AckSB(queue int, idx ring.Index, enable bool)

	// DisableInterruptsSync masks all interrupts and waits for running
	// handlers to return.
	DisableInterruptsSync()

	UpdateRxProducers(queue int, p RxProducers)
	Doorbell(queue, cos int, prod ring.Index)
}

// Op is a firmware command.
type Op uint8

const (
	OpLoadRequest Op = iota + 1
	OpLoadDone
	OpUnloadRequest
	OpUnloadDone
	OpInitHW
	OpFunctionStart
	OpFunctionStop
	OpSetupQueue
	OpHaltQueue
	OpConfigRSS
	OpSetMAC
	OpDelMAC
	OpSetRxMode
	OpChipCleanup
	OpStartTimer
	OpStopTimer
	OpGlobalReset
	OpParityStatus
	OpSetMTU
)

var opNames = map[Op]string{
	OpLoadRequest:   "load_request",
	OpLoadDone:      "load_done",
	OpUnloadRequest: "unload_request",
	OpUnloadDone:    "unload_done",
	OpInitHW:        "init_hw",
	OpFunctionStart: "function_start",
	OpFunctionStop:  "function_stop",
	OpSetupQueue:    "setup_queue",
	OpHaltQueue:     "halt_queue",
	OpConfigRSS:     "config_rss",
	OpSetMAC:        "set_mac",
	OpDelMAC:        "del_mac",
	OpSetRxMode:     "set_rx_mode",
	OpChipCleanup:   "chip_cleanup",
	OpStartTimer:    "start_timer",
	OpStopTimer:     "stop_timer",
	OpGlobalReset:   "global_reset",
	OpParityStatus:  "parity_status",
	OpSetMTU:        "set_mtu",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// LoadCode is the firmware's answer to a load request: which share of the
// initialization this function has to perform.
type LoadCode uint8

const (
	// LoadCommon is granted to the first function on the chip.
	LoadCommon LoadCode = iota + 1
	// LoadPort is granted to the first function on a port.
	LoadPort
	// LoadFunction is granted to every later function.
	LoadFunction
)

func (c LoadCode) String() string {
	switch c {
	case LoadCommon:
		return "common"
	case LoadPort:
		return "port"
	case LoadFunction:
		return "function"
	}
	return fmt.Sprintf("load_code(%d)", uint8(c))
}

// RxMode is the receive filter mode.
type RxMode uint8

const (
	RxModeNone RxMode = iota
	RxModeNormal
	RxModePromisc
)

// Command is one firmware request.
type Command struct {
	Op    Op
	Queue int

	// LoadCode tells InitHW which share of the initialization to run.
	LoadCode LoadCode
	// Loopback makes InitHW put the MAC in internal loopback.
	Loopback bool
	Rings    *QueueRings
	MAC      [6]byte
	RxMode   RxMode
	MTU      int
	// Indirection is the RSS indirection table.
	Indirection []uint8
}

// Reply is the firmware's answer.
type Reply struct {
	LoadCode LoadCode
	// Parity is set by OpParityStatus when a parity error latched.
	Parity bool
	// Global is set with Parity when the error needs a chip-wide reset.
	Global bool
}

// Firmware is the mailbox to the management processor and the slow-path
// command channel. Requests block until answered or ctx ends.
type Firmware interface {
	Request(ctx context.Context, cmd Command) (Reply, error)
}
