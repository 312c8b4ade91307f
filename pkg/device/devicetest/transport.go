// Package devicetest provides a scripted in-memory capture device for tests.
package devicetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/video-system/go-usb-capture/pkg/device"
)

var errAborted = errors.New("devicetest: pipe aborted")

// Transfer scripts the completion of one read.
type Transfer struct {
	Len   int           // Bytes delivered (clamped to the buffer)
	Err   error         // Completion error
	Delay time.Duration // Time before completion
	Hang  bool          // Never complete; Wait returns ErrIncomplete
}

// Transport is a fake device.Transport. Completions are consumed from
// Script in the order reads are awaited, across all sessions. Once the
// script is exhausted reads hang.
type Transport struct {
	mu sync.Mutex

	// Description is the product string the fake answers to.
	Description string
	// FailOpens makes the next n Open calls fail with ErrNotFound.
	FailOpens int
	// HandshakeErr is returned by the first handshake write.
	HandshakeErr error
	// RequestErr is returned by NewRequest.
	RequestErr error
	// AbortErr is returned by AbortPipe.
	AbortErr error
	// Script lists transfer completions.
	Script []Transfer
	// Fill writes the payload for completion seq. Default: every byte is
	// byte(seq).
	Fill func(seq int, p []byte)

	seq      int
	opens    int
	closes   int
	released int
	written  [][]byte
	onDone   func(seq int)
	live     *conn
}

// Opens returns the number of successful opens.
func (t *Transport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

// Closes returns the number of closed handles.
func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// Released returns the number of released requests.
func (t *Transport) Released() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

// Completed returns the number of script entries consumed.
func (t *Transport) Completed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

// Written returns every bulk write seen so far.
func (t *Transport) Written() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.written))
	copy(out, t.written)
	return out
}

// OnComplete registers fn to run after each scripted completion.
func (t *Transport) OnComplete(fn func(seq int)) {
	t.mu.Lock()
	t.onDone = fn
	t.mu.Unlock()
}

// Append adds completions to the script.
func (t *Transport) Append(ts ...Transfer) {
	t.mu.Lock()
	t.Script = append(t.Script, ts...)
	t.mu.Unlock()
}

// Unplug aborts the live connection as if the cable was pulled.
func (t *Transport) Unplug() {
	t.mu.Lock()
	c := t.live
	t.mu.Unlock()
	if c != nil {
		c.abort()
	}
}

// Open implements device.Transport.
func (t *Transport) Open(description string) (device.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	want := t.Description
	if want == "" {
		want = device.DefaultDescriptions[0]
	}
	if description != want {
		return nil, device.ErrNotFound
	}
	if t.FailOpens > 0 {
		t.FailOpens--
		return nil, device.ErrNotFound
	}
	t.opens++
	c := &conn{t: t, aborted: make(chan struct{})}
	t.live = c
	return c, nil
}

// next pops the next scripted completion. ok is false once the script is
// exhausted.
func (t *Transport) next() (Transfer, int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seq >= len(t.Script) {
		return Transfer{Hang: true}, t.seq, false
	}
	tr := t.Script[t.seq]
	seq := t.seq
	t.seq++
	return tr, seq, true
}

type conn struct {
	t         *Transport
	abortOnce sync.Once
	aborted   chan struct{}
	closed    bool
}

func (c *conn) abort() {
	c.abortOnce.Do(func() { close(c.aborted) })
}

func (c *conn) Write(pipe uint8, p []byte) (int, error) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.t.HandshakeErr != nil {
		return 0, c.t.HandshakeErr
	}
	c.t.written = append(c.t.written, append([]byte(nil), p...))
	return len(p), nil
}

func (c *conn) SetStreamPipe(pipe uint8, transferSize int) error {
	return nil
}

func (c *conn) NewRequest() (device.Request, error) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.t.RequestErr != nil {
		return nil, c.t.RequestErr
	}
	return &request{c: c}, nil
}

func (c *conn) AbortPipe(pipe uint8) error {
	c.t.mu.Lock()
	err := c.t.AbortErr
	c.t.mu.Unlock()
	if err != nil {
		return err
	}
	c.abort()
	return nil
}

func (c *conn) Close() error {
	c.abort()
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.t.closes++
		if c.t.live == c {
			c.t.live = nil
		}
	}
	return nil
}

type request struct {
	c   *conn
	buf []byte
}

func (r *request) Submit(buf []byte) error {
	select {
	case <-r.c.aborted:
		return errAborted
	default:
	}
	r.buf = buf
	return nil
}

func (r *request) Wait(ctx context.Context) (int, error) {
	select {
	case <-r.c.aborted:
		return 0, errAborted
	default:
	}

	tr, seq, ok := r.c.t.next()
	if tr.Hang || !ok {
		select {
		case <-ctx.Done():
			return 0, device.ErrIncomplete
		case <-r.c.aborted:
			return 0, errAborted
		}
	}
	if tr.Delay > 0 {
		timer := time.NewTimer(tr.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return 0, device.ErrIncomplete
		case <-r.c.aborted:
			return 0, errAborted
		}
	}

	n := tr.Len
	if n > len(r.buf) {
		n = len(r.buf)
	}
	if tr.Err == nil {
		r.c.t.mu.Lock()
		fill := r.c.t.Fill
		r.c.t.mu.Unlock()
		if fill != nil {
			fill(seq, r.buf[:n])
		} else {
			for i := range r.buf[:n] {
				r.buf[i] = byte(seq)
			}
		}
	}

	r.c.t.mu.Lock()
	done := r.c.t.onDone
	r.c.t.mu.Unlock()
	if done != nil {
		done(seq)
	}
	if tr.Err != nil {
		return 0, tr.Err
	}
	return n, nil
}

func (r *request) Release() error {
	r.c.t.mu.Lock()
	r.c.t.released++
	r.c.t.mu.Unlock()
	return nil
}
