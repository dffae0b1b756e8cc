// Package frame defines Frame, the immutable-after-assembly image tuple
// produced by the Reassembler (spec.md §3) and owned exclusively by one
// consumer until released.
package frame

import "encoding/binary"

// Frame is one complete image, trimmed to exactly Width*Height*2 bytes.
type Frame struct {
	Sequence    uint32
	TimestampUs uint64
	Width       uint16
	Height      uint16
	BitDepth    uint16
	// Pixels holds the little-endian on-wire pixel bytes, length
	// Width*Height*2. ErrorFrame marks a damaged frame: the Scan FSM sets it
	// when the Frame Ring dropped an older frame to make room for this one,
	// and the Reassembler sets it on a partial frame built from a slot that
	// timed out before completion (see Options.EmitPartialOnTimeout in
	// internal/reassembler).
	Pixels     []byte
	ErrorFrame bool
}

// Len returns the number of pixels in the frame.
func (f Frame) Len() int {
	return int(f.Width) * int(f.Height)
}

// PixelAt returns the pixel value at the given 0-based index in scan order.
func (f Frame) PixelAt(i int) uint16 {
	return binary.LittleEndian.Uint16(f.Pixels[i*2 : i*2+2])
}

// ByteLen is the expected length of Pixels for width x height geometry.
func ByteLen(width, height uint16) int {
	return int(width) * int(height) * 2
}
