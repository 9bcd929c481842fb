// Package virtio holds the virtio_net_hdr layout used by devices whose parse
// descriptor carries virtio offload metadata.
package virtio

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// Workaround to make Go doc links work.
var _ unix.Errno

// NetHdrSize is the encoded size of a [NetHdr].
const NetHdrSize = 12

// ErrNetHdrBufferTooSmall is returned when a buffer cannot hold a NetHdr.
var ErrNetHdrBufferTooSmall = errors.New("the buffer is too small to fit a virtio_net_hdr")

// NetHdr is the virtio_net_hdr with the num_buffers field of a mergeable
// receive buffer layout.
type NetHdr struct {
	// Flags is a combination of [unix.VIRTIO_NET_HDR_F_NEEDS_CSUM] and
	// [unix.VIRTIO_NET_HDR_F_DATA_VALID].
	Flags uint8
	// GSOType is one of [unix.VIRTIO_NET_HDR_GSO_NONE],
	// [unix.VIRTIO_NET_HDR_GSO_TCPV4] or [unix.VIRTIO_NET_HDR_GSO_TCPV6],
	// optionally with [unix.VIRTIO_NET_HDR_GSO_ECN].
	GSOType uint8
	// HdrLen is the number of bytes from the start of the frame to the
	// transport payload.
	HdrLen uint16
	// GSOSize is the payload size of each segment.
	GSOSize uint16
	// CsumStart is where checksumming starts and CsumOffset is where, counted
	// from CsumStart, the result is stored.
	CsumStart  uint16
	CsumOffset uint16
	NumBuffers uint16
}

// Decode reads a NetHdr from the first [NetHdrSize] bytes of data.
func (v *NetHdr) Decode(data []byte) error {
	if len(data) < NetHdrSize {
		return ErrNetHdrBufferTooSmall
	}
	v.Flags = data[0]
	v.GSOType = data[1]
	v.HdrLen = binary.LittleEndian.Uint16(data[2:])
	v.GSOSize = binary.LittleEndian.Uint16(data[4:])
	v.CsumStart = binary.LittleEndian.Uint16(data[6:])
	v.CsumOffset = binary.LittleEndian.Uint16(data[8:])
	v.NumBuffers = binary.LittleEndian.Uint16(data[10:])
	return nil
}

// Encode writes the NetHdr into the first [NetHdrSize] bytes of data.
func (v *NetHdr) Encode(data []byte) error {
	if len(data) < NetHdrSize {
		return ErrNetHdrBufferTooSmall
	}
	data[0] = v.Flags
	data[1] = v.GSOType
	binary.LittleEndian.PutUint16(data[2:], v.HdrLen)
	binary.LittleEndian.PutUint16(data[4:], v.GSOSize)
	binary.LittleEndian.PutUint16(data[6:], v.CsumStart)
	binary.LittleEndian.PutUint16(data[8:], v.CsumOffset)
	binary.LittleEndian.PutUint16(data[10:], v.NumBuffers)
	return nil
}
