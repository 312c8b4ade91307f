// Package malgosink plays pipeline audio through miniaudio.
package malgosink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/video-system/go-usb-capture/pkg/audio"
	"github.com/video-system/go-usb-capture/pkg/layout"
)

var ErrClosed = errors.New("malgosink: closed")

// Config holds playback configuration
type Config struct {
	SampleRate uint32        // Defaults to the capture rate
	Channels   uint32        // Defaults to stereo
	PeriodSize uint32        // Frames per callback, 0 lets the backend pick
	PullWait   time.Duration // How long a callback waits on an empty queue
	Logger     *slog.Logger
}

// DefaultConfig returns the capture board's native format.
func DefaultConfig() Config {
	return Config{
		SampleRate: layout.SampleRate,
		Channels:   layout.AudioChannels,
		PullWait:   20 * time.Millisecond,
	}
}

// Backend owns the miniaudio context shared by every sink it creates.
type Backend struct {
	cfg Config
	mu  sync.Mutex
	ctx *malgo.AllocatedContext
	log *slog.Logger
}

// New initializes the audio backend
func New(cfg Config) (*Backend, error) {
	def := DefaultConfig()
	if cfg.SampleRate == 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = def.Channels
	}
	if cfg.PullWait <= 0 {
		cfg.PullWait = def.PullWait
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Debug("miniaudio", "message", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("malgosink: init audio context: %w", err)
	}
	return &Backend{cfg: cfg, ctx: ctx, log: log.With("component", "malgosink")}, nil
}

// Factory builds a playback sink bound to src. It satisfies audio.SinkFactory.
func (b *Backend) Factory(src audio.Source) (audio.Sink, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return nil, ErrClosed
	}

	s := &Sink{src: src, wait: b.cfg.PullWait}
	s.SetGain(1)

	devCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	devCfg.SampleRate = b.cfg.SampleRate
	devCfg.PeriodSizeInFrames = b.cfg.PeriodSize
	devCfg.Playback.Format = malgo.FormatS16
	devCfg.Playback.Channels = b.cfg.Channels

	dev, err := malgo.InitDevice(b.ctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: s.fill,
	})
	if err != nil {
		return nil, fmt.Errorf("malgosink: init device: %w", err)
	}
	s.dev = dev
	b.log.Debug("playback device created", "rate", b.cfg.SampleRate, "channels", b.cfg.Channels)
	return s, nil
}

// Close releases the audio context. Sinks must be closed first.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	b.ctx = nil
	if err != nil {
		return fmt.Errorf("malgosink: uninit context: %w", err)
	}
	return nil
}

// Sink is one miniaudio playback device.
type Sink struct {
	src  audio.Source
	wait time.Duration
	dev  *malgo.Device
	gain atomic.Uint32 // float32 bits

	mu     sync.Mutex
	closed bool

	// Owned by the device callback.
	cur []int16
	pos int

	underruns atomic.Uint64
}

func (s *Sink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.dev.IsStarted() {
		return nil
	}
	return s.dev.Start()
}

func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.dev.IsStarted() {
		return nil
	}
	return s.dev.Stop()
}

func (s *Sink) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.dev.IsStarted()
}

func (s *Sink) SetGain(g float32) {
	s.gain.Store(math.Float32bits(g))
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.dev.Uninit()
	return nil
}

// Underruns returns how many callbacks were padded with silence.
func (s *Sink) Underruns() uint64 {
	return s.underruns.Load()
}

// fill is the device data callback. It waits on the source at most once
// per call and pads whatever it could not fill with silence.
func (s *Sink) fill(out, _ []byte, _ uint32) {
	g := math.Float32frombits(s.gain.Load())
	waited := false

	for off := 0; off+1 < len(out); off += 2 {
		if s.pos >= len(s.cur) {
			var wait time.Duration
			if !waited {
				wait, waited = s.wait, true
			}
			b, ok := s.src.Pull(wait)
			if !ok {
				s.underruns.Add(1)
				clear(out[off:])
				return
			}
			s.cur, s.pos = b, 0
			if len(b) == 0 {
				continue
			}
		}
		binary.LittleEndian.PutUint16(out[off:], uint16(scale(s.cur[s.pos], g)))
		s.pos++
	}
}

func scale(v int16, g float32) int16 {
	switch {
	case g >= 1:
		return v
	case g <= 0:
		return 0
	}
	return int16(float32(v) * g)
}
