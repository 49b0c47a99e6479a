package protocol

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the length prefix size: a big-endian uint32.
const HeaderSize = 4

// MaxFrameSize caps a single frame. A larger declared length means the stream is
// out of sync and cannot be recovered.
const MaxFrameSize = 64 * 1024 * 1024

// Frame prefixes payload with its length.
func Frame(payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode extracts every complete frame from buf in arrival order and returns the
// unconsumed tail, which must be prepended to the next read.
//
// A zero-length frame is consumed and reported as ErrEmptyFrame alongside the
// frames decoded around it. ErrFrameTooLarge is fatal: the returned rest starts at
// the offending header and decoding must not continue.
func Decode(buf []byte) (frames [][]byte, rest []byte, err error) {
	off := 0
	for len(buf)-off >= HeaderSize {
		n := binary.BigEndian.Uint32(buf[off : off+HeaderSize])
		if n > MaxFrameSize {
			return frames, buf[off:], fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
		}
		if n == 0 {
			off += HeaderSize
			err = ErrEmptyFrame
			continue
		}
		end := off + HeaderSize + int(n)
		if end > len(buf) {
			break
		}

		frame := make([]byte, n)
		copy(frame, buf[off+HeaderSize:end])
		frames = append(frames, frame)
		off = end
	}

	if off < len(buf) {
		rest = make([]byte, len(buf)-off)
		copy(rest, buf[off:])
	}
	return frames, rest, err
}
