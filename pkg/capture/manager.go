package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/video-system/go-usb-capture/pkg/audio"
	"github.com/video-system/go-usb-capture/pkg/device"
	"github.com/video-system/go-usb-capture/pkg/readiness"
	"github.com/video-system/go-usb-capture/pkg/ringbuffer"
	"github.com/video-system/go-usb-capture/pkg/video"
)

var ErrNoAudio = errors.New("capture: audio is disabled")

// FrameOutput receives every decoded frame. WriteFrame must not block.
type FrameOutput interface {
	WriteFrame(img *image.RGBA)
	Run(ctx context.Context) error
	Stats() (running bool, written, dropped uint64, err error)
}

// Deps are the collaborators the manager cannot build from Config.
type Deps struct {
	Transport device.Transport
	NewSink   audio.SinkFactory // Required when audio is enabled
	Output    FrameOutput       // Optional
}

// Manager owns the ring, both readiness channels, the engine and the two
// consumers, and runs them together.
type Manager struct {
	cfg    *Config
	ring   *ringbuffer.Buffer
	engine *Engine
	audio  *audio.Pipeline
	video  *video.Pipeline
	output FrameOutput
	log    *slog.Logger

	hasFrame atomic.Bool
}

// NewManager builds the pipeline from cfg.
func NewManager(cfg *Config, deps Deps, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}

	ring, err := ringbuffer.New(ringbuffer.Config{})
	if err != nil {
		return nil, fmt.Errorf("create ring buffer: %w", err)
	}

	m := &Manager{
		cfg:    cfg,
		ring:   ring,
		output: deps.Output,
		log:    log.With("component", "manager"),
	}

	var consumers []*readiness.Channel
	if cfg.Audio.IsEnabled() {
		if deps.NewSink == nil {
			return nil, errors.New("capture: audio enabled without a sink")
		}
		ready := &readiness.Channel{}
		m.audio, err = audio.NewPipeline(audio.Config{
			Ring:         ring,
			Ready:        ready,
			NewSink:      deps.NewSink,
			QueueLimit:   cfg.Audio.QueueLimit,
			DropLimit:    cfg.Audio.DropLimit,
			ResyncWarmup: cfg.Audio.ResyncWarmup,
			Volume:       cfg.Audio.VolumeOrDefault(),
			Muted:        cfg.Audio.Mute,
			Logger:       log,
		})
		if err != nil {
			return nil, fmt.Errorf("create audio pipeline: %w", err)
		}
		consumers = append(consumers, ready)
	}

	videoReady := &readiness.Channel{}
	m.video, err = video.NewPipeline(video.Config{
		Ring:    ring,
		Ready:   videoReady,
		OnFrame: m.onFrame,
		Logger:  log,
	})
	if err != nil {
		return nil, fmt.Errorf("create video pipeline: %w", err)
	}
	consumers = append(consumers, videoReady)

	m.engine, err = NewEngine(EngineConfig{
		Transport:       deps.Transport,
		Ring:            ring,
		Consumers:       consumers,
		Reconnect:       cfg.Reconnect,
		ConnectOnStart:  true,
		Warmup:          cfg.Warmup,
		TransferTimeout: cfg.Device.TransferTimeout,
		Device: device.Options{
			Descriptions: cfg.Device.Descriptions,
			DrainTimeout: cfg.Device.DrainTimeout,
		},
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) onFrame(img *image.RGBA) {
	m.hasFrame.Store(true)
	if m.output != nil {
		m.output.WriteFrame(img)
	}
}

// Run runs the engine, the consumers and the output until ctx is done or
// one of them fails. A failing output is logged and does not stop capture.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.engine.Run(gctx) })
	g.Go(func() error { return m.video.Run(gctx) })
	if m.audio != nil {
		g.Go(func() error { return m.audio.Run(gctx) })
	}
	if m.output != nil {
		g.Go(func() error {
			if err := m.output.Run(gctx); err != nil {
				m.log.Error("frame output stopped", "error", err)
			}
			return nil
		})
	}

	m.log.Info("capture pipeline running", "audio", m.audio != nil, "output", m.output != nil)
	return g.Wait()
}

// Engine returns the capture engine
func (m *Manager) Engine() *Engine { return m.engine }

// Audio returns the audio pipeline, nil when audio is disabled.
func (m *Manager) Audio() *audio.Pipeline { return m.audio }

// Video returns the video pipeline
func (m *Manager) Video() *video.Pipeline { return m.video }

// Connect opens a device session.
func (m *Manager) Connect(ctx context.Context) error {
	return m.engine.Connect(ctx)
}

// Disconnect closes the device session.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.engine.Disconnect(ctx)
}

// SetAudio updates volume and mute. Nil fields are left unchanged.
func (m *Manager) SetAudio(volume *int, mute *bool) error {
	if m.audio == nil {
		return ErrNoAudio
	}
	if volume != nil {
		m.audio.SetVolume(*volume)
	}
	if mute != nil {
		m.audio.SetMute(*mute)
	}
	return nil
}

// Snapshot copies the current frame, or returns nil before the first one.
// The copy can tear if it overlaps a remap.
func (m *Manager) Snapshot() image.Image {
	if !m.hasFrame.Load() {
		return nil
	}
	src := m.video.Frame()
	dst := image.NewRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}

// GetStatus returns the status of every stage
func (m *Manager) GetStatus() interface{} {
	return m.Status()
}

// Status returns the typed pipeline status.
func (m *Manager) Status() Status {
	st := Status{
		Engine: m.engine.GetStatus(),
		Buffer: m.ring.GetStatus(),
		Video:  m.video.GetStatus(),
	}
	if m.audio != nil {
		a := m.audio.GetStatus()
		st.Audio = &a
	}
	if m.output != nil {
		running, written, dropped, err := m.output.Stats()
		st.Output = &OutputStatus{Running: running, Written: written, Dropped: dropped}
		if err != nil {
			st.Output.Error = err.Error()
		}
	}
	return st
}
