package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// FrameWriter feeds frames to an ffmpeg process. WriteFrame never blocks:
// if the process has not taken the previous frame yet it is replaced.
type FrameWriter struct {
	ff  *FFmpeg
	cfg RawVideoConfig
	log *slog.Logger

	mu      sync.Mutex
	pending []byte
	has     bool
	ready   chan struct{}

	running atomic.Bool
	written atomic.Uint64
	dropped atomic.Uint64
	errMu   sync.Mutex
	lastErr error
}

// NewFrameWriter creates a writer for frames of the configured size.
func (f *FFmpeg) NewFrameWriter(cfg RawVideoConfig, log *slog.Logger) *FrameWriter {
	if log == nil {
		log = slog.Default()
	}
	return &FrameWriter{
		ff:    f,
		cfg:   cfg,
		log:   log.With("component", "ffmpeg"),
		ready: make(chan struct{}, 1),
	}
}

func (w *FrameWriter) frameSize() int {
	return w.cfg.Width * w.cfg.Height * 4
}

// WriteFrame queues a copy of img for the process.
func (w *FrameWriter) WriteFrame(img *image.RGBA) {
	if len(img.Pix) != w.frameSize() {
		w.dropped.Add(1)
		return
	}

	w.mu.Lock()
	if w.pending == nil {
		w.pending = make([]byte, w.frameSize())
	}
	if w.has {
		w.dropped.Add(1)
	}
	copy(w.pending, img.Pix)
	w.has = true
	w.mu.Unlock()

	select {
	case w.ready <- struct{}{}:
	default:
	}
}

// Run starts ffmpeg and writes frames until ctx is done or the process
// exits. On cancel ffmpeg gets an interrupt so it can finalize the output.
func (w *FrameWriter) Run(ctx context.Context) error {
	args := buildRawVideoArgs(w.cfg)
	cmd := exec.CommandContext(ctx, w.ff.binaryPath, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("get stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	w.log.Info("ffmpeg output started", "target", w.cfg.Target)

	exited := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			w.log.Warn("ffmpeg", "line", scanner.Text())
		}
		exited <- cmd.Wait()
	}()

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pumped := make(chan error, 1)
	go func() { pumped <- w.pump(pumpCtx, stdin) }()

	var pumpErr, waitErr error
	select {
	case waitErr = <-exited:
		cancel()
		pumpErr = <-pumped
	case pumpErr = <-pumped:
		stdin.Close()
		waitErr = <-exited
	}

	if ctx.Err() != nil {
		w.log.Info("ffmpeg output stopped")
		return nil
	}
	err = errors.Join(pumpErr, waitErr)
	if err == nil {
		w.log.Info("ffmpeg output finished")
		return nil
	}
	w.setErr(err)
	return fmt.Errorf("ffmpeg output: %w", err)
}

// pump writes the most recent frame to dst each time one arrives.
func (w *FrameWriter) pump(ctx context.Context, dst io.Writer) error {
	w.running.Store(true)
	defer w.running.Store(false)

	buf := make([]byte, w.frameSize())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.ready:
		}

		w.mu.Lock()
		if !w.has {
			w.mu.Unlock()
			continue
		}
		buf, w.pending = w.pending, buf
		w.has = false
		w.mu.Unlock()

		if _, err := dst.Write(buf); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("write frame: %w", err)
		}
		w.written.Add(1)
	}
}

func (w *FrameWriter) setErr(err error) {
	w.errMu.Lock()
	w.lastErr = err
	w.errMu.Unlock()
}

// Stats reports writer counters.
func (w *FrameWriter) Stats() (running bool, written, dropped uint64, err error) {
	w.errMu.Lock()
	err = w.lastErr
	w.errMu.Unlock()
	return w.running.Load(), w.written.Load(), w.dropped.Load(), err
}
