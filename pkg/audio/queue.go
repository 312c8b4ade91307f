package audio

import (
	"sync"
	"time"
)

// Queue is the FIFO between the pipeline and the sink callback. Pull blocks
// on an empty queue until Push or Wake releases it.
type Queue struct {
	mu     sync.Mutex
	blocks [][]int16
	ready  chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends a block and releases a blocked Pull. It returns the queue
// length after the push.
func (q *Queue) Push(b []int16) int {
	q.mu.Lock()
	q.blocks = append(q.blocks, b)
	n := len(q.blocks)
	q.mu.Unlock()
	q.notify()
	return n
}

// Pull removes the oldest block. If the queue is empty it waits up to wait
// for a Push or Wake; if the queue is still empty after that it returns
// false, which callers treat as a transient underrun.
func (q *Queue) Pull(wait time.Duration) ([]int16, bool) {
	if b, ok := q.pop(true); ok || wait <= 0 {
		return b, ok
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-q.ready:
	case <-t.C:
	}
	return q.pop(false)
}

// pop returns the head block. With drain set, a stale release left by an
// earlier Push is discarded when the queue turns out empty, so the next
// wait really waits.
func (q *Queue) pop(drain bool) ([]int16, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.blocks) == 0 {
		if drain {
			select {
			case <-q.ready:
			default:
			}
		}
		return nil, false
	}
	b := q.blocks[0]
	q.blocks[0] = nil
	q.blocks = q.blocks[1:]
	return b, true
}

// Wake releases a blocked Pull without adding data.
func (q *Queue) Wake() {
	q.notify()
}

// Clear drops every queued block.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.blocks = nil
	q.mu.Unlock()
}

// Len returns the number of queued blocks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.blocks)
}

func (q *Queue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
