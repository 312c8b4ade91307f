package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/video-system/go-usb-capture/pkg/layout"
	"github.com/video-system/go-usb-capture/pkg/readiness"
	"github.com/video-system/go-usb-capture/pkg/ringbuffer"
	"github.com/video-system/go-usb-capture/pkg/warmup"
)

// Defaults for Config.
const (
	DefaultBlocks       = 7
	DefaultQueueLimit   = 4
	DefaultDropLimit    = 8
	DefaultStallLimit   = 8
	DefaultResyncWarmup = 8
	DefaultVolume       = 50
)

// Config configures a Pipeline.
type Config struct {
	Ring    *ringbuffer.Buffer
	Ready   *readiness.Channel
	NewSink SinkFactory

	Blocks       int // Rotating decode blocks
	QueueLimit   int // Blocks queued ahead of the sink before dropping
	DropLimit    int // Consecutive drops tolerated before a resync
	StallLimit   int // Consecutive stalled restarts before the sink is rebuilt
	ResyncWarmup int // Tokens discarded after a resync

	Volume int
	Muted  bool
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Blocks <= 0 {
		c.Blocks = DefaultBlocks
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = DefaultQueueLimit
	}
	if c.DropLimit <= 0 {
		c.DropLimit = DefaultDropLimit
	}
	if c.StallLimit <= 0 {
		c.StallLimit = DefaultStallLimit
	}
	if c.ResyncWarmup <= 0 {
		c.ResyncWarmup = DefaultResyncWarmup
	}
}

// Pipeline consumes the audio region of each ready slot.
//
// Everything except the volume setters and GetStatus runs on the goroutine
// that calls Run (or Process): the queue's producer side, the sink, and
// all drop and stall bookkeeping.
type Pipeline struct {
	cfg   Config
	queue *Queue
	pool  [][]int16
	next  int
	sink  Sink
	warm  warmup.Counter
	log   *slog.Logger

	drops    int
	stalls   int
	lastGain float32

	volume atomic.Int32
	muted  atomic.Bool

	blocks      atomic.Uint64
	dropped     atomic.Uint64
	resyncs     atomic.Uint64
	silent      atomic.Uint64
	suppressed  atomic.Uint64
	restarts    atomic.Uint64
	rebuilds    atomic.Uint64
	aborts      atomic.Uint64
	sinkFailure atomic.Uint64
}

// NewPipeline creates an audio pipeline. The sink is built lazily on the
// first processed token.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Ring == nil || cfg.Ready == nil {
		return nil, errors.New("audio: ring and readiness channel are required")
	}
	if cfg.NewSink == nil {
		return nil, errors.New("audio: sink factory is required")
	}
	if cfg.Ring.SlotSize() < layout.BufSize {
		return nil, fmt.Errorf("audio: slot size %d has no audio region", cfg.Ring.SlotSize())
	}
	cfg.setDefaults()

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	p := &Pipeline{
		cfg:      cfg,
		queue:    NewQueue(),
		pool:     make([][]int16, cfg.Blocks),
		log:      log.With("component", "audio"),
		lastGain: -1,
	}
	for i := range p.pool {
		p.pool[i] = make([]int16, layout.SamplesPerBlock)
	}
	p.SetVolume(cfg.Volume)
	p.SetMute(cfg.Muted)
	return p, nil
}

// Queue returns the sample queue the sink pulls from.
func (p *Pipeline) Queue() *Queue {
	return p.queue
}

// SetVolume sets the volume in percent, clamped to 0..100. It takes
// effect on the next processed token.
func (p *Pipeline) SetVolume(v int) {
	p.volume.Store(int32(min(max(v, 0), 100)))
}

// SetMute mutes or unmutes output without discarding decoded data.
func (p *Pipeline) SetMute(m bool) {
	p.muted.Store(m)
}

// Volume returns the current volume and mute state.
func (p *Pipeline) Volume() (int, bool) {
	return int(p.volume.Load()), p.muted.Load()
}

// Run processes one token per registration until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.cfg.Ready.Close()
	defer p.shutdown()
	p.log.Info("audio pipeline started")

	for {
		w, err := p.cfg.Ready.Arm()
		if err != nil {
			return fmt.Errorf("audio: arm: %w", err)
		}
		tok, err := w.Wait(ctx)
		if err != nil {
			p.log.Info("audio pipeline stopped")
			return nil
		}
		p.Process(tok)
	}
}

func (p *Pipeline) shutdown() {
	p.queue.Clear()
	p.queue.Wake()
	p.closeSink()
}

// Process handles a single token.
func (p *Pipeline) Process(tok readiness.Token) {
	if tok.IsAbort() {
		p.aborts.Add(1)
		p.drops = 0
		p.queue.Wake()
		return
	}

	slot := int(tok)
	suppressed := p.cfg.Ring.Suppressed(slot)
	switch {
	case suppressed:
		p.suppressed.Add(1)
	case p.warm.Active():
		p.warm.Tick()
		p.suppressed.Add(1)
	default:
		p.consume(slot)
	}

	p.maintainSink()
	p.applyGain(suppressed || p.warm.Active())
}

func (p *Pipeline) consume(slot int) {
	n := SampleCount(p.cfg.Ring.ValidLen(slot))
	if n == 0 {
		p.silent.Add(1)
		return
	}

	if p.queue.Len() >= p.cfg.QueueLimit {
		p.dropped.Add(1)
		p.drops++
		if p.drops > p.cfg.DropLimit {
			p.resync()
		}
		return
	}

	block := p.pool[p.next]
	p.next = (p.next + 1) % len(p.pool)
	region := p.cfg.Ring.Data(slot)[layout.FrameSizeRGB : layout.FrameSizeRGB+2*n]
	n = Decode(region, block)
	p.queue.Push(block[:n])
	p.blocks.Add(1)
	p.drops = 0
}

// resync flushes the queue and rebuilds the sink so any buffering below us
// is flushed too, then mutes audio for a few tokens.
func (p *Pipeline) resync() {
	p.log.Warn("audio overrun, resyncing", "drops", p.drops, "queued", p.queue.Len())
	p.resyncs.Add(1)
	p.drops = 0
	p.queue.Clear()
	p.closeSink()
	p.openSink()
	p.warm.Reset(p.cfg.ResyncWarmup)
}

// maintainSink restarts a sink that stopped while samples are waiting and
// rebuilds it when restarts keep failing.
func (p *Pipeline) maintainSink() {
	if p.sink == nil && !p.openSink() {
		return
	}
	if p.sink.Playing() {
		p.stalls = 0
		return
	}
	if p.queue.Len() == 0 {
		return
	}

	p.stalls++
	if p.stalls > p.cfg.StallLimit {
		p.log.Warn("audio sink stalled, rebuilding", "stalls", p.stalls)
		p.rebuilds.Add(1)
		p.stalls = 0
		p.closeSink()
		if !p.openSink() {
			return
		}
	}
	if err := p.sink.Start(); err != nil {
		p.sinkFailure.Add(1)
		p.log.Error("failed to start audio sink", "error", err)
		return
	}
	p.restarts.Add(1)
}

func (p *Pipeline) openSink() bool {
	s, err := p.cfg.NewSink(p.queue)
	if err != nil {
		p.sinkFailure.Add(1)
		p.log.Error("failed to create audio sink", "error", err)
		return false
	}
	p.sink = s
	p.lastGain = -1
	return true
}

func (p *Pipeline) closeSink() {
	if p.sink == nil {
		return
	}
	if err := errors.Join(p.sink.Stop(), p.sink.Close()); err != nil {
		p.log.Warn("audio sink close failed", "error", err)
	}
	p.sink = nil
}

// applyGain pushes the effective gain to the sink when it changed.
func (p *Pipeline) applyGain(forceMute bool) {
	if p.sink == nil {
		return
	}
	var g float32
	if !forceMute && !p.muted.Load() {
		g = float32(p.volume.Load()) / 100
	}
	if g == p.lastGain {
		return
	}
	p.sink.SetGain(g)
	p.lastGain = g
}

// WarmupActive reports whether the post-resync warm-up is running.
func (p *Pipeline) WarmupActive() bool {
	return p.warm.Active()
}

// GetStatus returns pipeline counters
func (p *Pipeline) GetStatus() Status {
	vol, muted := p.Volume()
	return Status{
		Blocks:       p.blocks.Load(),
		Dropped:      p.dropped.Load(),
		Resyncs:      p.resyncs.Load(),
		Silent:       p.silent.Load(),
		Suppressed:   p.suppressed.Load(),
		Restarts:     p.restarts.Load(),
		Rebuilds:     p.rebuilds.Load(),
		Aborts:       p.aborts.Load(),
		SinkFailures: p.sinkFailure.Load(),
		Queued:       p.queue.Len(),
		Volume:       vol,
		Muted:        muted,
	}
}

// Status represents audio pipeline counters
type Status struct {
	Blocks       uint64 `json:"blocks"`
	Dropped      uint64 `json:"dropped"`
	Resyncs      uint64 `json:"resyncs"`
	Silent       uint64 `json:"silent"`
	Suppressed   uint64 `json:"suppressed"`
	Restarts     uint64 `json:"restarts"`
	Rebuilds     uint64 `json:"rebuilds"`
	Aborts       uint64 `json:"aborts"`
	SinkFailures uint64 `json:"sink_failures"`
	Queued       int    `json:"queued"`
	Volume       int    `json:"volume"`
	Muted        bool   `json:"muted"`
}
