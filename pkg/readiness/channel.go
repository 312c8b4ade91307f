// Package readiness implements the one-shot rendezvous between the capture
// engine and each of its consumers.
//
// A consumer arms the channel when it is ready for the next buffer and then
// waits. The engine signals without ever blocking: if nobody is armed the
// token is dropped. Tokens are never queued, so a consumer paces itself by
// choosing when to re-arm.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Token is a ready slot index or Abort.
type Token int

// Abort tells the consumer the session is gone.
const Abort Token = -1

// IsAbort reports whether t is the abort sentinel.
func (t Token) IsAbort() bool { return t == Abort }

func (t Token) String() string {
	if t.IsAbort() {
		return "abort"
	}
	return fmt.Sprintf("slot(%d)", int(t))
}

var (
	ErrArmed  = errors.New("readiness: channel already armed")
	ErrClosed = errors.New("readiness: channel closed")
)

// Channel is a single-registration, single-fire signal. The zero value is
// ready to use.
type Channel struct {
	mu     sync.Mutex
	waiter chan Token
	closed bool
}

// Waiter is one armed registration. It receives at most one token.
type Waiter struct {
	c  *Channel
	ch chan Token
}

// Arm registers for the next signal. Only one registration may be
// outstanding; a second Arm before the first is signaled or abandoned
// returns ErrArmed.
func (c *Channel) Arm() (*Waiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.waiter != nil {
		return nil, ErrArmed
	}
	c.waiter = make(chan Token, 1)
	return &Waiter{c: c, ch: c.waiter}, nil
}

// Signal delivers t to the armed waiter, if any, and reports whether it was
// delivered. It never blocks.
func (c *Channel) Signal(t Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.waiter == nil {
		return false
	}
	c.waiter <- t
	c.waiter = nil
	return true
}

// Close marks the consumer as gone. Later Arm calls fail and an outstanding
// registration is dropped.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.waiter = nil
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Armed reports whether a registration is outstanding.
func (c *Channel) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiter != nil
}

// Wait blocks until the token arrives or ctx is done. If ctx ends first the
// registration is withdrawn so the channel can be armed again.
func (w *Waiter) Wait(ctx context.Context) (Token, error) {
	select {
	case t := <-w.ch:
		return t, nil
	case <-ctx.Done():
	}

	w.c.mu.Lock()
	if w.c.waiter == w.ch {
		w.c.waiter = nil
	}
	w.c.mu.Unlock()

	// Signal may have won the race while we were taking the lock.
	select {
	case t := <-w.ch:
		return t, nil
	default:
		return 0, ctx.Err()
	}
}
