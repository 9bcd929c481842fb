package hw

// CQEType is the kind of a completion queue entry.
type CQEType uint8

const (
	// CQEFast reports one received frame in one buffer.
	CQEFast CQEType = iota + 1
	// CQESlow carries a slow-path (control) event.
	CQESlow
	// CQETPAStart opens an aggregation on a context.
	CQETPAStart
	// CQETPAStop closes an aggregation and lists its scatter-gather pages.
	CQETPAStop
)

// CQEErr flags a received frame as bad.
type CQEErr uint8

const (
	ErrPhyDecode CQEErr = 1 << iota
	ErrIPBadCsum
	ErrL4BadCsum
)

// DropErrors are the error flags that discard a frame.
const DropErrors = ErrPhyDecode

// CQEStatus is extra status about a received frame.
type CQEStatus uint8

const (
	StatusRSSHash CQEStatus = 1 << iota
	StatusL4CsumNotValidated
)

// ParsingFlags describe what the device parsed out of a frame.
type ParsingFlags uint16

const (
	ParsingVLAN ParsingFlags = 1 << iota
	ParsingIPv6
	ParsingTimestamp
)

// CQE is one completion queue entry.
type CQE struct {
	Type CQEType

	Err    CQEErr
	Status CQEStatus
	Parse  ParsingFlags

	// Bin is the aggregation context for TPA entries.
	Bin uint16

	// PktLen is the frame length; for a TPA stop it is the length of the
	// whole aggregated frame.
	PktLen uint16
	// LenOnBD is the part of a TPA frame placed in the first buffer.
	LenOnBD         uint16
	PlacementOffset uint8

	VlanTag uint16
	RSSHash uint32

	// SGL lists the scatter-gather slots consumed by an aggregation.
	SGL []uint16

	// Event carries the opaque payload of a slow-path entry.
	Event uint32
}

// CsumOK reports whether the device validated both checksums of the frame.
func (c *CQE) CsumOK() bool {
	return c.Status&StatusL4CsumNotValidated == 0 && c.Err&(ErrIPBadCsum|ErrL4BadCsum) == 0
}
