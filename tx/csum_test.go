package tx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
)

func TestCsumFix(t *testing.T) {
	frame := make([]byte, 64)
	for i := range frame {
		frame[i] = byte(i*7 + 3)
	}
	const transport = 34
	const partial = 0x1234

	// Summing the 10 bytes in front of the transport header is undone.
	before := checksum.Checksum(frame[transport-10:transport], 0)
	assert.Equal(t, uint16(partial), csumFix(frame, transport, checksum.Combine(partial, before), 10))

	// Skipped bytes at the start of the transport header are added.
	skipped := checksum.Checksum(frame[transport:transport+4], 0)
	assert.Equal(t, checksum.Combine(partial, skipped), csumFix(frame, transport, partial, -4))

	assert.Equal(t, uint16(partial), csumFix(frame, transport, partial, 0))
}
