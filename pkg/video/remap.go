// Package video turns the raw raster of a completed slot into an RGBA
// frame and hands it to whoever renders it.
package video

import (
	"fmt"
	"image"

	"github.com/video-system/go-usb-capture/pkg/layout"
)

// NewFrame allocates a frame of the capture geometry.
func NewFrame() *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, layout.CapWidth, layout.CapHeight))
}

// Remap splits the interleaved sensor raster into the two screens.
//
// The first DeltaRes pixels are the part of the top screen wider than the
// bottom one and are copied in order. After that, rows alternate: odd rows
// belong to the top screen and continue right after the leading block,
// even rows belong to the bottom screen, which starts at TopRes. Every
// output pixel gets full alpha.
func Remap(in, out []byte) error {
	if len(in) < layout.FrameSizeRGB {
		return fmt.Errorf("video: raw frame too short: %d < %d", len(in), layout.FrameSizeRGB)
	}
	if len(out) < layout.FrameSizeRGBA {
		return fmt.Errorf("video: output too short: %d < %d", len(out), layout.FrameSizeRGBA)
	}

	j, k := layout.DeltaRes, layout.TopRes
	for i := 0; i < layout.CapRes; i++ {
		var o int
		switch {
		case i < layout.DeltaRes:
			o = i
		case (i/layout.CapWidth)&1 == 1:
			o = j
			j++
		default:
			o = k
			k++
		}
		out[4*o+0] = in[3*i+0]
		out[4*o+1] = in[3*i+1]
		out[4*o+2] = in[3*i+2]
		out[4*o+3] = 0xff
	}
	return nil
}
