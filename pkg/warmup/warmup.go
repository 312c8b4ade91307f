// Package warmup suppresses the first buffers of a freshly started stream.
//
// After the device (re)starts streaming, the first transfers can hold a
// torn frame that is misaligned with the sensor's own framing. Consumers
// discard everything while the counter is active.
package warmup

import "sync/atomic"

// Counter counts down completed buffers. Safe for concurrent use.
type Counter struct {
	remaining atomic.Int32
}

// Reset arms the counter with n buffers of suppression.
func (c *Counter) Reset(n int) {
	if n < 0 {
		n = 0
	}
	c.remaining.Store(int32(n))
}

// Tick records one buffer. It never goes below zero.
func (c *Counter) Tick() {
	for {
		cur := c.remaining.Load()
		if cur <= 0 {
			return
		}
		if c.remaining.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Active reports whether buffers are still being suppressed.
func (c *Counter) Active() bool { return c.remaining.Load() > 0 }

// Remaining returns the number of buffers left to suppress.
func (c *Counter) Remaining() int { return int(c.remaining.Load()) }
