package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"

	"github.com/video-system/go-usb-capture/pkg/layout"
	"github.com/video-system/go-usb-capture/pkg/readiness"
	"github.com/video-system/go-usb-capture/pkg/ringbuffer"
)

// Config configures a Pipeline.
type Config struct {
	Ring    *ringbuffer.Buffer
	Ready   *readiness.Channel
	OnFrame func(*image.RGBA) // Called on the pipeline goroutine after each remap
	Logger  *slog.Logger
}

// Pipeline consumes the video region of each ready slot. It keeps exactly
// one frame and overwrites it in place; there is no backlog.
type Pipeline struct {
	ring    *ringbuffer.Buffer
	ready   *readiness.Channel
	onFrame func(*image.RGBA)
	frame   *image.RGBA
	log     *slog.Logger

	frames     atomic.Uint64
	incomplete atomic.Uint64
	suppressed atomic.Uint64
	aborts     atomic.Uint64
}

// NewPipeline creates a video pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Ring == nil || cfg.Ready == nil {
		return nil, errors.New("video: ring and readiness channel are required")
	}
	if cfg.Ring.SlotSize() < layout.FrameSizeRGB {
		return nil, fmt.Errorf("video: slot size %d cannot hold a frame", cfg.Ring.SlotSize())
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		ring:    cfg.Ring,
		ready:   cfg.Ready,
		onFrame: cfg.OnFrame,
		frame:   NewFrame(),
		log:     log.With("component", "video"),
	}, nil
}

// Frame returns the pixel buffer. Readers see whatever was last written;
// a read that overlaps a remap may mix two frames.
func (p *Pipeline) Frame() *image.RGBA {
	return p.frame
}

// Run processes one token per registration until ctx is done. It closes
// the readiness channel on exit so the engine stops signaling it.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.ready.Close()
	p.log.Info("video pipeline started")

	for {
		w, err := p.ready.Arm()
		if err != nil {
			return fmt.Errorf("video: arm: %w", err)
		}
		tok, err := w.Wait(ctx)
		if err != nil {
			p.log.Info("video pipeline stopped")
			return nil
		}
		p.Process(tok)
	}
}

// Process handles a single token.
func (p *Pipeline) Process(tok readiness.Token) {
	if tok.IsAbort() {
		p.aborts.Add(1)
		return
	}
	slot := int(tok)
	if p.ring.Suppressed(slot) {
		p.suppressed.Add(1)
		return
	}
	if p.ring.ValidLen(slot) < layout.FrameSizeRGB {
		p.incomplete.Add(1)
		return
	}

	if err := Remap(p.ring.Data(slot)[:layout.FrameSizeRGB], p.frame.Pix); err != nil {
		p.log.Error("remap failed", "slot", slot, "error", err)
		return
	}
	p.frames.Add(1)
	if p.onFrame != nil {
		p.onFrame(p.frame)
	}
}

// GetStatus returns pipeline counters
func (p *Pipeline) GetStatus() Status {
	return Status{
		Frames:     p.frames.Load(),
		Incomplete: p.incomplete.Load(),
		Suppressed: p.suppressed.Load(),
		Aborts:     p.aborts.Load(),
	}
}

// Status represents video pipeline counters
type Status struct {
	Frames     uint64 `json:"frames"`
	Incomplete uint64 `json:"incomplete"`
	Suppressed uint64 `json:"suppressed"`
	Aborts     uint64 `json:"aborts"`
}
