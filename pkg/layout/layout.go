// Package layout holds the fixed geometry of the capture board's transfer
// format: one raw RGB raster of both screens followed by a chunk of PCM audio.
package layout

// Screen geometry. The sensor delivers the screens rotated, so the raster
// is CapWidth pixels wide and CapHeight pixels tall.
const (
	TopWidth  = 400
	BotWidth  = 320
	Height    = 240
	CapWidth  = Height
	CapHeight = TopWidth + BotWidth

	CapRes   = CapWidth * CapHeight
	TopRes   = TopWidth * Height
	DeltaRes = (TopWidth - BotWidth) * Height
)

// Transfer sizes in bytes.
const (
	FrameSizeRGB  = CapRes * 3
	FrameSizeRGBA = CapRes * 4
	AudioBytes    = 2192
	BufSize       = FrameSizeRGB + AudioBytes
)

// Audio format carried in the trailing region of a transfer.
const (
	AudioChannels   = 2
	SampleRate      = 32734
	SamplesPerBlock = AudioBytes / 2
)

// SlotCount is the depth of the capture ring.
const SlotCount = 8

// USBFPS is the nominal transfer rate. It is not exact.
const USBFPS = 60
