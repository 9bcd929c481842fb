package hw

import "fmt"

// ParseFormat selects how offload metadata is laid out in the parse
// descriptor of a transmit chain.
type ParseFormat uint8

const (
	// ParseV1 carries header lengths in 16-bit words and the full
	// segmentation context (sequence, IP id, pseudo checksum).
	ParseV1 ParseFormat = iota + 1
	// ParseV2 packs the transport header offset and length into a single
	// parsing data word; the device computes the rest.
	ParseV2
	// ParseVirtio carries a virtio_net_hdr.
	ParseVirtio
)

func (f ParseFormat) String() string {
	switch f {
	case ParseV1:
		return "v1"
	case ParseV2:
		return "v2"
	case ParseVirtio:
		return "virtio"
	}
	return fmt.Sprintf("parse_format(%d)", uint8(f))
}

// ParseFormatFromString maps a configuration value to a [ParseFormat].
func ParseFormatFromString(s string) (ParseFormat, error) {
	switch s {
	case "v1":
		return ParseV1, nil
	case "v2":
		return ParseV2, nil
	case "virtio":
		return ParseVirtio, nil
	}
	return 0, fmt.Errorf("unknown parse format %q, possible formats: v1, v2, virtio", s)
}

// Capabilities describe a device. They are resolved once at probe time and
// never change while the device is bound.
type Capabilities struct {
	ParseFormat ParseFormat

	// MaxFetchBD is the most descriptors the device fetches for one packet.
	MaxFetchBD int

	// MaxAggQueues is the number of aggregation contexts per queue.
	MaxAggQueues int

	// HasMCP is set when a management processor arbitrates load and unload;
	// without one the engine derives the load phase itself.
	HasMCP bool

	MaxQueues int
	MaxCos    int

	// SGEPageSize and PagesPerSGE describe the scatter-gather pages used for
	// aggregated payload.
	SGEPageSize int
	PagesPerSGE int

	// RxAlign is the alignment padding the device adds in front of received
	// frames, on top of the placement offset reported per completion.
	RxAlign int

	// Port and Path identify the physical port the function sits on.
	Port int
	Path int
}

// DefaultCapabilities returns the capabilities of the reference device.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		ParseFormat:  ParseV2,
		MaxFetchBD:   13,
		MaxAggQueues: 64,
		HasMCP:       true,
		MaxQueues:    16,
		MaxCos:       3,
		SGEPageSize:  4096,
		PagesPerSGE:  1,
		RxAlign:      64,
	}
}

// LinearizeWindow is the width of the fragment window that must carry at
// least one full segment for a fragmented segmentation offload packet to be
// accepted without copying.
func (c Capabilities) LinearizeWindow() int {
	return c.MaxFetchBD - 3
}

// SGEBytes is the payload carried by one scatter-gather entry.
func (c Capabilities) SGEBytes() int {
	return c.SGEPageSize * c.PagesPerSGE
}

// Validate checks the capability values for consistency.
func (c Capabilities) Validate() error {
	switch c.ParseFormat {
	case ParseV1, ParseV2, ParseVirtio:
	default:
		return fmt.Errorf("invalid parse format %d", c.ParseFormat)
	}
	if c.MaxFetchBD < 4 {
		return fmt.Errorf("max fetch bd %d must be at least 4", c.MaxFetchBD)
	}
	if c.MaxQueues < 1 || c.MaxCos < 1 {
		return fmt.Errorf("device must support at least one queue and traffic class")
	}
	if c.SGEPageSize <= 0 || c.SGEPageSize&(c.SGEPageSize-1) != 0 || c.PagesPerSGE < 1 {
		return fmt.Errorf("invalid sge geometry %d x %d", c.SGEPageSize, c.PagesPerSGE)
	}
	return nil
}
