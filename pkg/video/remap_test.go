package video

import (
	"encoding/binary"
	"testing"

	"github.com/video-system/go-usb-capture/pkg/layout"
)

// indexRaster encodes each pixel's index into its RGB triplet.
func indexRaster() []byte {
	in := make([]byte, layout.FrameSizeRGB)
	for i := 0; i < layout.CapRes; i++ {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(i))
		copy(in[3*i:3*i+3], b[:3])
	}
	return in
}

func pixelIndex(out []byte, o int) int {
	return int(out[4*o]) | int(out[4*o+1])<<8 | int(out[4*o+2])<<16
}

func TestRemapIsBijection(t *testing.T) {
	in := indexRaster()
	out := make([]byte, layout.FrameSizeRGBA)
	if err := Remap(in, out); err != nil {
		t.Fatalf("Remap: %v", err)
	}

	seen := make([]bool, layout.CapRes)
	for o := 0; o < layout.CapRes; o++ {
		if out[4*o+3] != 0xff {
			t.Fatalf("pixel %d: alpha %#x, want 0xff", o, out[4*o+3])
		}
		src := pixelIndex(out, o)
		if src >= layout.CapRes || seen[src] {
			t.Fatalf("pixel %d: source %d duplicated or out of range", o, src)
		}
		seen[src] = true
	}
}

func TestRemapLeadingBlockInOrder(t *testing.T) {
	in := indexRaster()
	out := make([]byte, layout.FrameSizeRGBA)
	Remap(in, out)

	for o := 0; o < layout.DeltaRes; o++ {
		if got := pixelIndex(out, o); got != o {
			t.Fatalf("leading pixel %d: got source %d", o, got)
		}
	}
}

func TestRemapRowRouting(t *testing.T) {
	in := indexRaster()
	out := make([]byte, layout.FrameSizeRGBA)
	Remap(in, out)

	// Row 80 is the first even row after the leading block and opens the
	// bottom screen; row 81 continues the top screen.
	firstEven := 80 * layout.CapWidth
	firstOdd := 81 * layout.CapWidth
	if got := pixelIndex(out, layout.TopRes); got != firstEven {
		t.Errorf("bottom screen origin: got source %d, want %d", got, firstEven)
	}
	if got := pixelIndex(out, layout.DeltaRes); got != firstOdd {
		t.Errorf("top screen continuation: got source %d, want %d", got, firstOdd)
	}
	if got := pixelIndex(out, layout.CapRes-1); got != layout.CapRes-layout.CapWidth-1 {
		t.Errorf("last pixel: got source %d, want %d", got, layout.CapRes-layout.CapWidth-1)
	}
}

func TestRemapRejectsShortBuffers(t *testing.T) {
	if err := Remap(make([]byte, 10), make([]byte, layout.FrameSizeRGBA)); err == nil {
		t.Error("short input should be rejected")
	}
	if err := Remap(make([]byte, layout.FrameSizeRGB), make([]byte, 10)); err == nil {
		t.Error("short output should be rejected")
	}
}

func BenchmarkRemap(b *testing.B) {
	in := indexRaster()
	out := make([]byte, layout.FrameSizeRGBA)
	b.SetBytes(layout.FrameSizeRGB)
	for i := 0; i < b.N; i++ {
		Remap(in, out)
	}
}
