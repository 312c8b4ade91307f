package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/video-system/go-usb-capture/pkg/layout"
)

// DefaultDescriptions are the product strings of the two board revisions,
// tried in order.
var DefaultDescriptions = []string{"N3DSXL", "N3DSXL.2"}

// handshake puts the board into streaming mode. The second byte toggles
// the stream off and back on so the board restarts from a clean state.
var handshake = [][]byte{
	{0x40, 0x80, 0x00, 0x00},
	{0x40, 0x00, 0x00, 0x00},
}

// Options configures Open.
type Options struct {
	Descriptions []string      // Product descriptions to try (default DefaultDescriptions)
	TransferSize int           // Streaming transfer size (default layout.BufSize)
	DrainTimeout time.Duration // Per-request wait during teardown (default 500ms)
	Logger       *slog.Logger
}

// Session is one open connection: the handle plus one read request per
// slot. It is not safe for concurrent use; the capture engine owns it.
type Session struct {
	ID          string
	Description string
	OpenedAt    time.Time

	conn    Conn
	slots   [][]byte
	reqs    []Request
	pending []bool
	drain   time.Duration
	log     *slog.Logger
	closed  bool
}

// Open discovers the device, runs the streaming handshake, allocates one
// request per slot and submits a read into every slot. On failure nothing
// stays open.
func Open(t Transport, slots [][]byte, opts Options) (*Session, error) {
	if len(opts.Descriptions) == 0 {
		opts.Descriptions = DefaultDescriptions
	}
	if opts.TransferSize == 0 {
		opts.TransferSize = layout.BufSize
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = 500 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	conn, desc, err := openFirst(t, opts.Descriptions)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:          uuid.NewString(),
		Description: desc,
		OpenedAt:    time.Now(),
		conn:        conn,
		slots:       slots,
		pending:     make([]bool, len(slots)),
		drain:       opts.DrainTimeout,
	}
	s.log = log.With("component", "device", "session", s.ID)

	if err := s.negotiate(opts.TransferSize); err != nil {
		conn.Close()
		return nil, err
	}

	for i := range slots {
		req, err := conn.NewRequest()
		if err != nil {
			s.releaseAll()
			conn.Close()
			return nil, fmt.Errorf("device: allocate request %d: %w", i, err)
		}
		s.reqs = append(s.reqs, req)
	}

	for i := range slots {
		if err := s.Submit(i); err != nil {
			s.Teardown()
			return nil, err
		}
	}

	s.log.Info("session opened", "description", desc, "slots", len(slots))
	return s, nil
}

func openFirst(t Transport, descs []string) (Conn, string, error) {
	var errs []error
	for _, d := range descs {
		conn, err := t.Open(d)
		if err == nil {
			return conn, d, nil
		}
		if !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("open %q: %w", d, err))
		}
	}
	if len(errs) > 0 {
		return nil, "", fmt.Errorf("%w: %w", ErrNotFound, errors.Join(errs...))
	}
	return nil, "", fmt.Errorf("%w (tried %s)", ErrNotFound, strings.Join(descs, ", "))
}

func (s *Session) negotiate(transferSize int) error {
	for _, msg := range handshake {
		n, err := s.conn.Write(PipeBulkOut, msg)
		if err != nil {
			return fmt.Errorf("%w: write: %w", ErrHandshake, err)
		}
		if n != len(msg) {
			return fmt.Errorf("%w: short write (%d of %d bytes)", ErrHandshake, n, len(msg))
		}
	}
	if err := s.conn.SetStreamPipe(PipeBulkIn, transferSize); err != nil {
		return fmt.Errorf("%w: stream pipe: %w", ErrHandshake, err)
	}
	return nil
}

// Slots returns the number of per-slot requests
func (s *Session) Slots() int {
	return len(s.reqs)
}

// Submit queues a read into slot i.
func (s *Session) Submit(i int) error {
	if s.closed {
		return ErrClosed
	}
	if err := s.reqs[i].Submit(s.slots[i]); err != nil {
		return fmt.Errorf("%w: slot %d: %w", ErrSubmit, i, err)
	}
	s.pending[i] = true
	return nil
}

// Await waits for the read outstanding on slot i. If it does not complete
// within timeout the pipe is aborted and ErrIncomplete is returned; the
// session must then be torn down.
func (s *Session) Await(ctx context.Context, i int, timeout time.Duration) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	n, err := s.reqs[i].Wait(waitCtx)
	if err == nil {
		s.pending[i] = false
		return n, nil
	}
	if errors.Is(err, ErrIncomplete) {
		if aerr := s.conn.AbortPipe(PipeBulkIn); aerr != nil {
			return 0, fmt.Errorf("slot %d: %w; abort failed: %w", i, err, aerr)
		}
	}
	return 0, fmt.Errorf("slot %d: %w", i, err)
}

// Teardown aborts outstanding reads, waits for them to settle, releases
// every request and closes the handle. It is safe to call more than once.
func (s *Session) Teardown() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.conn.AbortPipe(PipeBulkIn); err != nil {
		errs = append(errs, fmt.Errorf("abort: %w", err))
	}
	for i, req := range s.reqs {
		if !s.pending[i] {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.drain)
		if _, err := req.Wait(ctx); err != nil {
			s.log.Debug("drain wait", "slot", i, "error", err)
		}
		cancel()
		s.pending[i] = false
	}
	errs = append(errs, s.releaseAll()...)
	if err := s.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		s.log.Warn("session teardown incomplete", "error", err)
	} else {
		s.log.Info("session closed", "uptime", time.Since(s.OpenedAt).Round(time.Millisecond))
	}
	return err
}

func (s *Session) releaseAll() []error {
	var errs []error
	for i, req := range s.reqs {
		if err := req.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release %d: %w", i, err))
		}
	}
	s.reqs = nil
	return errs
}
