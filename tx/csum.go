package tx

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
)

// tcpCsumOffset is where the device expects the checksum field relative to
// the transport header, whatever the protocol.
const tcpCsumOffset = 16

// csumFix corrects the partial checksum of a non-TCP packet for devices that
// start summing at the TCP checksum position. fix is the distance between
// that position and the real checksum field: for a positive fix the device
// also summed the fix bytes in front of the transport header, which are taken
// back out; for a negative fix it skipped the first -fix bytes of the
// transport header, which are added in.
func csumFix(frame []byte, transport int, csum uint16, fix int) uint16 {
	switch {
	case fix > 0:
		return checksum.Combine(csum, ^checksum.Checksum(frame[transport-fix:transport], 0))
	case fix < 0:
		return checksum.Combine(csum, checksum.Checksum(frame[transport:transport-fix], 0))
	}
	return csum
}

func partialCsum(frame []byte, off int) uint16 {
	return binary.BigEndian.Uint16(frame[off:])
}
