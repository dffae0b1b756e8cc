// Package wire implements the Codec component (spec.md §4.1): encoding and
// decoding of FrameHeader and CommandFrame records, CRC-16/CCITT, and
// HMAC-SHA256 framing. All integers are little-endian on the wire
// regardless of host byte order, matching spec.md §3's explicit note that
// "pixels are little-endian on the wire" and carrying that rule through to
// every header field.
package wire

import (
	"encoding/binary"

	"github.com/detectorlab/xraydet/internal/errs"
)

// FrameMagic identifies an ingest→egress data packet (spec.md §3).
const FrameMagic uint32 = 0xD7E01234

// HeaderSize is the fixed on-wire size of a FrameHeader, including two
// reserved bytes after the CRC for 4-byte alignment of the payload that
// follows.
const HeaderSize = 32

// crcCoverage is the number of leading header bytes protected by CRC16.
const crcCoverage = 28

const (
	flagLastPacket uint16 = 1 << 0
	flagErrorFrame uint16 = 1 << 1
)

// FrameHeader is the transport-layer header repeated, with identical
// geometry fields, on every packet of a frame (spec.md §3 FramePacket).
type FrameHeader struct {
	FrameSeq     uint32
	TimestampUs  uint64
	Width        uint16
	Height       uint16
	BitDepth     uint16
	PacketIndex  uint16
	TotalPackets uint16
	LastPacket   bool
	ErrorFrame   bool
}

func (h FrameHeader) flags() uint16 {
	var f uint16
	if h.LastPacket {
		f |= flagLastPacket
	}
	if h.ErrorFrame {
		f |= flagErrorFrame
	}
	return f
}

// EncodeFrameHeader writes h little-endian into a fresh HeaderSize-byte
// record and stamps the CRC-16/CCITT of bytes [0:crcCoverage] at offset 28.
func EncodeFrameHeader(h FrameHeader) [HeaderSize]byte {
	var buf [HeaderSize]byte

	binary.LittleEndian.PutUint32(buf[0:4], FrameMagic)
	binary.LittleEndian.PutUint32(buf[4:8], h.FrameSeq)
	binary.LittleEndian.PutUint64(buf[8:16], h.TimestampUs)
	binary.LittleEndian.PutUint16(buf[16:18], h.Width)
	binary.LittleEndian.PutUint16(buf[18:20], h.Height)
	binary.LittleEndian.PutUint16(buf[20:22], h.BitDepth)
	binary.LittleEndian.PutUint16(buf[22:24], h.PacketIndex)
	binary.LittleEndian.PutUint16(buf[24:26], h.TotalPackets)
	binary.LittleEndian.PutUint16(buf[26:28], h.flags())

	crc := CRC16CCITT(buf[0:crcCoverage])
	binary.LittleEndian.PutUint16(buf[28:30], crc)
	// buf[30:32] stay zero: reserved.

	return buf
}

// DecodeFrameHeader parses a FrameHeader from the first HeaderSize bytes of
// b. It never panics on malformed input; every failure mode returns a
// *errs.Error with the specific Kind instead.
func DecodeFrameHeader(b []byte) (FrameHeader, error) {
	if len(b) < HeaderSize {
		return FrameHeader{}, errs.New(errs.KindBadLength, "short frame header")
	}

	if magic := binary.LittleEndian.Uint32(b[0:4]); magic != FrameMagic {
		return FrameHeader{}, errs.New(errs.KindBadMagic, "unexpected frame magic")
	}

	wantCrc := binary.LittleEndian.Uint16(b[28:30])
	gotCrc := CRC16CCITT(b[0:crcCoverage])
	if wantCrc != gotCrc {
		return FrameHeader{}, errs.New(errs.KindBadCrc, "frame header crc mismatch")
	}

	flags := binary.LittleEndian.Uint16(b[26:28])

	return FrameHeader{
		FrameSeq:     binary.LittleEndian.Uint32(b[4:8]),
		TimestampUs:  binary.LittleEndian.Uint64(b[8:16]),
		Width:        binary.LittleEndian.Uint16(b[16:18]),
		Height:       binary.LittleEndian.Uint16(b[18:20]),
		BitDepth:     binary.LittleEndian.Uint16(b[20:22]),
		PacketIndex:  binary.LittleEndian.Uint16(b[22:24]),
		TotalPackets: binary.LittleEndian.Uint16(b[24:26]),
		LastPacket:   flags&flagLastPacket != 0,
		ErrorFrame:   flags&flagErrorFrame != 0,
	}, nil
}
