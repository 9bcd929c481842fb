package virtio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNetHdr_EncodeDecode(t *testing.T) {
	h := NetHdr{
		Flags:      unix.VIRTIO_NET_HDR_F_NEEDS_CSUM,
		GSOType:    unix.VIRTIO_NET_HDR_GSO_TCPV4,
		HdrLen:     54,
		GSOSize:    1460,
		CsumStart:  34,
		CsumOffset: 16,
	}

	buf := make([]byte, NetHdrSize+2)
	require.NoError(t, h.Encode(buf))
	assert.Equal(t, []byte{
		0x01, 0x01,
		0x36, 0x00,
		0xb4, 0x05,
		0x22, 0x00,
		0x10, 0x00,
		0x00, 0x00,
		0x00, 0x00,
	}, buf)

	var got NetHdr
	require.NoError(t, got.Decode(buf))
	assert.Equal(t, h, got)
}

func TestNetHdr_ShortBuffer(t *testing.T) {
	var h NetHdr
	assert.ErrorIs(t, h.Encode(make([]byte, NetHdrSize-1)), ErrNetHdrBufferTooSmall)
	assert.ErrorIs(t, h.Decode(nil), ErrNetHdrBufferTooSmall)
}
