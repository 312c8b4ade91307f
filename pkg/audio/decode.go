// Package audio turns the trailing PCM region of each completed slot into
// sample blocks and keeps a real-time sink fed with them.
package audio

import (
	"encoding/binary"

	"github.com/video-system/go-usb-capture/pkg/layout"
)

// SampleCount returns how many samples a slot with valid length n carries,
// clamped to one block.
func SampleCount(n int) int {
	if n <= layout.FrameSizeRGB {
		return 0
	}
	c := (n - layout.FrameSizeRGB) / 2
	if c > layout.SamplesPerBlock {
		c = layout.SamplesPerBlock
	}
	return c
}

// Decode converts little-endian 16-bit samples from src into dst and
// returns the number written. Trailing odd bytes are ignored.
func Decode(src []byte, dst []int16) int {
	n := len(src) / 2
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(src[2*i:]))
	}
	return n
}
