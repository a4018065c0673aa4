package types

import (
	"fmt"
	"time"
)

// Frame is one captured image in packed BGR (or grayscale / BGRA) layout.
// Frames handed to consumers are never mutated afterwards.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Channels  int
	Pix       []byte
}

// NewBlankFrame returns an all-black frame of the given geometry.
func NewBlankFrame(width, height, channels int, ts time.Time) Frame {
	if channels <= 0 {
		channels = 3
	}
	return Frame{
		Timestamp: ts,
		Width:     width,
		Height:    height,
		Channels:  channels,
		Pix:       make([]byte, width*height*channels),
	}
}

// Empty reports whether the frame carries no pixels.
func (f Frame) Empty() bool {
	return f.Width <= 0 || f.Height <= 0 || len(f.Pix) == 0
}

// Size is the expected length of Pix for the frame geometry.
func (f Frame) Size() int {
	return f.Width * f.Height * f.Channels
}

// Validate checks that the pixel buffer matches the declared geometry.
func (f Frame) Validate() error {
	if f.Empty() {
		return fmt.Errorf("empty frame")
	}
	switch f.Channels {
	case 1, 3, 4:
	default:
		return fmt.Errorf("unsupported channel count %d", f.Channels)
	}
	if len(f.Pix) != f.Size() {
		return fmt.Errorf("pixel buffer size %d does not match %dx%dx%d", len(f.Pix), f.Width, f.Height, f.Channels)
	}
	return nil
}

// Clone returns a deep copy of the frame.
func (f Frame) Clone() Frame {
	out := f
	out.Pix = append([]byte(nil), f.Pix...)
	return out
}

// CopyInto copies the frame into dst, reusing dst's buffer when it is large enough.
func (f Frame) CopyInto(dst []byte) Frame {
	if cap(dst) < len(f.Pix) {
		dst = make([]byte, len(f.Pix))
	}
	dst = dst[:len(f.Pix)]
	copy(dst, f.Pix)
	out := f
	out.Pix = dst
	return out
}
