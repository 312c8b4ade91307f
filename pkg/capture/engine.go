package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/video-system/go-usb-capture/pkg/device"
	"github.com/video-system/go-usb-capture/pkg/readiness"
	"github.com/video-system/go-usb-capture/pkg/ringbuffer"
	"github.com/video-system/go-usb-capture/pkg/warmup"
)

var (
	ErrBusy         = errors.New("capture: connection change in progress")
	ErrConnected    = errors.New("capture: already connected")
	ErrNotConnected = errors.New("capture: not connected")
	ErrStopped      = errors.New("capture: engine not running")
)

// State is the device session lifecycle.
type State int32

const (
	StateAbsent State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Defaults for EngineConfig.
const (
	DefaultWarmup          = 8
	DefaultTransferTimeout = time.Second
	DefaultAbortTimeout    = 500 * time.Millisecond
	abortRetryInterval     = time.Millisecond
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	Transport device.Transport
	Ring      *ringbuffer.Buffer
	Consumers []*readiness.Channel

	Reconnect       ReconnectConfig
	ConnectOnStart  bool          // Try once as soon as Run starts, in either mode
	Warmup          int           // Transfers suppressed after each connect, negative disables
	TransferTimeout time.Duration // Longest wait for one transfer before the session is dropped
	AbortTimeout    time.Duration // How long teardown keeps offering the abort token
	Device          device.Options
	Logger          *slog.Logger
}

type connectRequest struct {
	reply chan error
}

// Engine owns the device session and the ring. Every device call runs on
// the goroutine executing Run; Connect and Disconnect only hand requests
// to it.
type Engine struct {
	cfg  EngineConfig
	log  *slog.Logger
	warm warmup.Counter

	state    atomic.Int32
	paused   atomic.Bool
	started  atomic.Bool
	requests chan connectRequest
	stopped  chan struct{}
	session  *device.Session // Owned by Run

	mu          sync.Mutex
	stopStream  context.CancelFunc
	streamDone  chan struct{}
	sessionID   string
	description string
	connectedAt time.Time
	lastErr     string

	transfers  atomic.Uint64
	shortReads atomic.Uint64
	failures   atomic.Uint64
	connects   atomic.Uint64
	attempts   atomic.Uint64
}

// NewEngine creates an engine. It does nothing until Run is called.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Transport == nil {
		return nil, errors.New("capture: transport is required")
	}
	if cfg.Ring == nil {
		return nil, errors.New("capture: ring is required")
	}
	cfg.Reconnect.setDefaults()
	switch {
	case cfg.Warmup == 0:
		cfg.Warmup = DefaultWarmup
	case cfg.Warmup < 0:
		cfg.Warmup = 0
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = DefaultTransferTimeout
	}
	if cfg.AbortTimeout <= 0 {
		cfg.AbortTimeout = DefaultAbortTimeout
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "engine")
	cfg.Device.Logger = log

	return &Engine{
		cfg:      cfg,
		log:      log,
		requests: make(chan connectRequest),
		stopped:  make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Warmup returns the warm-up counter shared with the ring metadata.
func (e *Engine) Warmup() *warmup.Counter {
	return &e.warm
}

// Connect asks the engine to open a session and waits for the outcome.
// Open and handshake failures are returned as is; the engine stays idle.
// If ctx ends after the request was accepted the attempt still completes.
func (e *Engine) Connect(ctx context.Context) error {
	if !e.started.Load() {
		return ErrStopped
	}
	if !e.state.CompareAndSwap(int32(StateAbsent), int32(StateConnecting)) {
		if e.State() == StateConnected {
			return ErrConnected
		}
		return ErrBusy
	}
	e.paused.Store(false)

	req := connectRequest{reply: make(chan error, 1)}
	select {
	case e.requests <- req:
	case <-ctx.Done():
		e.state.Store(int32(StateAbsent))
		return ctx.Err()
	case <-e.stopped:
		e.state.Store(int32(StateAbsent))
		return ErrStopped
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops the stream and waits until the session is torn down
// and both consumers were told. In automatic mode it also suspends
// reconnecting until the next Connect.
func (e *Engine) Disconnect(ctx context.Context) error {
	switch e.State() {
	case StateAbsent:
		return ErrNotConnected
	case StateConnecting:
		return ErrBusy
	}
	e.paused.Store(true)

	e.mu.Lock()
	stop, done := e.stopStream, e.streamDone
	e.mu.Unlock()
	if stop == nil {
		return ErrNotConnected
	}
	e.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting))
	stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the engine until ctx is done. It never returns a device
// error; every failure leads back to the idle state. An engine runs once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("capture: engine already started")
	}
	defer close(e.stopped)

	e.log.Info("capture engine started", "mode", e.cfg.Reconnect.Mode)
	attempt := 1
	initial := e.cfg.ConnectOnStart

	for {
		var retry <-chan time.Time
		var timer *time.Timer
		switch {
		case initial:
			initial = false
			timer = time.NewTimer(0)
		case e.cfg.Reconnect.Mode == ModeAutomatic && !e.paused.Load():
			timer = time.NewTimer(calculateBackoff(attempt, e.cfg.Reconnect))
		}
		if timer != nil {
			retry = timer.C
		}

		var sctx context.Context
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			e.drainRequests()
			e.log.Info("capture engine stopped")
			return nil

		case req := <-e.requests:
			var err error
			sctx, err = e.open(ctx)
			req.reply <- err

		case <-retry:
			if !e.state.CompareAndSwap(int32(StateAbsent), int32(StateConnecting)) {
				continue
			}
			var err error
			if sctx, err = e.open(ctx); err != nil {
				if attempt == 1 {
					e.log.Info("waiting for capture board", "error", err)
				}
				attempt++
			}
		}
		if timer != nil {
			timer.Stop()
		}
		if sctx == nil {
			continue
		}

		attempt = 1
		e.stream(sctx)
	}
}

// drainRequests fails connect requests that raced with shutdown.
func (e *Engine) drainRequests() {
	for {
		select {
		case req := <-e.requests:
			e.state.Store(int32(StateAbsent))
			req.reply <- ErrStopped
		default:
			return
		}
	}
}

// open starts a session. The caller has moved the state to connecting.
func (e *Engine) open(ctx context.Context) (context.Context, error) {
	e.attempts.Add(1)
	e.cfg.Ring.Reset()
	e.warm.Reset(e.cfg.Warmup)

	slots := make([][]byte, e.cfg.Ring.Len())
	for i := range slots {
		slots[i] = e.cfg.Ring.Data(i)
	}
	sess, err := device.Open(e.cfg.Transport, slots, e.cfg.Device)
	if err != nil {
		e.mu.Lock()
		e.lastErr = err.Error()
		e.mu.Unlock()
		e.state.Store(int32(StateAbsent))
		return nil, fmt.Errorf("capture: connect: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.stopStream = cancel
	e.streamDone = make(chan struct{})
	e.sessionID = sess.ID
	e.description = sess.Description
	e.connectedAt = sess.OpenedAt
	e.lastErr = ""
	e.mu.Unlock()

	e.session = sess
	e.connects.Add(1)
	e.state.Store(int32(StateConnected))
	e.log.Info("capture board connected", "session", sess.ID, "device", sess.Description)
	return sctx, nil
}

// stream harvests transfers in ring order until the session fails or is
// stopped, then tears it down.
func (e *Engine) stream(ctx context.Context) {
	sess := e.session
	ring := e.cfg.Ring
	cursor := 0

	var cause error
	for {
		n, err := sess.Await(ctx, cursor, e.cfg.TransferTimeout)
		if err != nil {
			if ctx.Err() == nil {
				cause = err
			}
			break
		}

		if n < ring.SlotSize() {
			e.shortReads.Add(1)
		}
		ring.Publish(cursor, n, e.warm.Active())
		e.warm.Tick()
		e.transfers.Add(1)
		for _, c := range e.cfg.Consumers {
			c.Signal(readiness.Token(cursor))
		}

		if err := sess.Submit(cursor); err != nil {
			cause = err
			break
		}
		cursor = ring.Next(cursor)
	}

	e.state.Store(int32(StateDisconnecting))
	if cause != nil {
		e.failures.Add(1)
		e.mu.Lock()
		e.lastErr = cause.Error()
		e.mu.Unlock()
		e.log.Warn("capture stream failed", "session", sess.ID, "error", cause)
	} else {
		e.log.Info("capture stream stopped", "session", sess.ID)
	}
	e.teardown()
}

func (e *Engine) teardown() {
	if err := e.session.Teardown(); err != nil {
		e.log.Warn("device teardown", "error", err)
	}
	e.session = nil
	e.warm.Reset(e.cfg.Warmup)
	e.broadcastAbort()

	e.mu.Lock()
	stop, done := e.stopStream, e.streamDone
	e.stopStream, e.streamDone = nil, nil
	e.sessionID = ""
	e.description = ""
	e.mu.Unlock()

	stop()
	e.state.Store(int32(StateAbsent))
	close(done)
}

// broadcastAbort offers the abort token to every consumer until it is
// taken, the consumer is closed, or AbortTimeout passes. A consumer that
// is busy when the session dies would otherwise miss it.
func (e *Engine) broadcastAbort() {
	pending := make([]*readiness.Channel, 0, len(e.cfg.Consumers))
	pending = append(pending, e.cfg.Consumers...)
	deadline := time.Now().Add(e.cfg.AbortTimeout)

	for len(pending) > 0 {
		rest := pending[:0]
		for _, c := range pending {
			if !c.Signal(readiness.Abort) && !c.Closed() {
				rest = append(rest, c)
			}
		}
		pending = rest
		if len(pending) == 0 {
			return
		}
		if time.Now().After(deadline) {
			e.log.Warn("consumer did not take abort", "pending", len(pending))
			return
		}
		time.Sleep(abortRetryInterval)
	}
}

// GetStatus returns engine state and counters
func (e *Engine) GetStatus() EngineStatus {
	e.mu.Lock()
	st := EngineStatus{
		SessionID: e.sessionID,
		Device:    e.description,
		LastError: e.lastErr,
	}
	if st.SessionID != "" {
		st.ConnectedAt = e.connectedAt.UnixMilli()
	}
	e.mu.Unlock()

	st.State = e.State().String()
	st.Mode = string(e.cfg.Reconnect.Mode)
	st.Paused = e.paused.Load()
	st.Warmup = e.warm.Remaining()
	st.Transfers = e.transfers.Load()
	st.ShortReads = e.shortReads.Load()
	st.Failures = e.failures.Load()
	st.Connects = e.connects.Load()
	st.Attempts = e.attempts.Load()
	return st
}
