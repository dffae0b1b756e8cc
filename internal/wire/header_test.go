package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Test_roundTrip_frameHeader is the universal property from spec.md §8:
// decode(encode(h)) == h for all well-formed headers.
func Test_roundTrip_frameHeader(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := FrameHeader{
			FrameSeq:     rapid.Uint32().Draw(t, "frame_seq"),
			TimestampUs:  rapid.Uint64().Draw(t, "timestamp_us"),
			Width:        rapid.Uint16().Draw(t, "width"),
			Height:       rapid.Uint16().Draw(t, "height"),
			BitDepth:     rapid.Uint16().Draw(t, "bit_depth"),
			PacketIndex:  rapid.Uint16().Draw(t, "packet_index"),
			TotalPackets: rapid.Uint16().Draw(t, "total_packets"),
			LastPacket:   rapid.Bool().Draw(t, "last_packet"),
			ErrorFrame:   rapid.Bool().Draw(t, "error_frame"),
		}

		encoded := EncodeFrameHeader(h)
		decoded, err := DecodeFrameHeader(encoded[:])
		require.NoError(t, err)
		assert.Equal(t, h, decoded)
	})
}

func Test_decodeFrameHeader_badMagic(t *testing.T) {
	encoded := EncodeFrameHeader(FrameHeader{FrameSeq: 1})
	encoded[0] ^= 0xff

	_, err := DecodeFrameHeader(encoded[:])
	require.Error(t, err)
	assert.Equal(t, "bad_magic: unexpected frame magic", err.Error())
}

func Test_decodeFrameHeader_badCrc(t *testing.T) {
	encoded := EncodeFrameHeader(FrameHeader{FrameSeq: 1, Width: 1024})
	encoded[16] ^= 0x01 // perturb width after CRC was computed

	_, err := DecodeFrameHeader(encoded[:])
	require.Error(t, err)
	assert.Equal(t, "bad_crc: frame header crc mismatch", err.Error())
}

func Test_decodeFrameHeader_tooShort(t *testing.T) {
	_, err := DecodeFrameHeader(make([]byte, HeaderSize-1))
	require.Error(t, err)
	assert.Equal(t, "bad_length: short frame header", err.Error())
}

func Test_crc16_knownVector(t *testing.T) {
	// "123456789" is the standard CRC-16/CCITT-FALSE check string, whose
	// expected checksum (0x29B1) is widely published for poly=0x1021,
	// init=0xFFFF, no reflect, no xor-out.
	got := CRC16CCITT([]byte("123456789"))
	assert.Equal(t, uint16(0x29B1), got)
}
