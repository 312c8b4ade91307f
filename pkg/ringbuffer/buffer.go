package ringbuffer

import (
	"fmt"
	"sync/atomic"

	"github.com/video-system/go-usb-capture/pkg/layout"
)

// Config holds ring buffer configuration
type Config struct {
	Slots    int // Number of slots (default layout.SlotCount)
	SlotSize int // Bytes per slot (default layout.BufSize)
}

// Buffer is the capture ring: a fixed set of slots that the engine fills
// round-robin from the device and hands to consumers by index.
//
// Only the engine writes slot contents and metadata. Consumers read a slot
// after they were told it is ready. There is no barrier that keeps the
// engine from overwriting a slot a lagging consumer is still reading on the
// next wrap; the ring depth is assumed to exceed consumer lag.
type Buffer struct {
	cfg   Config
	slots []Slot

	cursor    atomic.Int32
	published atomic.Uint64
}

// Slot is one transfer-sized buffer plus what the last completed transfer
// delivered into it.
type Slot struct {
	Data []byte

	length     atomic.Int64
	suppressed atomic.Bool
}

// New creates a new ring buffer
func New(cfg Config) (*Buffer, error) {
	if cfg.Slots == 0 {
		cfg.Slots = layout.SlotCount
	}
	if cfg.SlotSize == 0 {
		cfg.SlotSize = layout.BufSize
	}
	if cfg.Slots < 2 {
		return nil, fmt.Errorf("ringbuffer: need at least 2 slots, got %d", cfg.Slots)
	}
	if cfg.SlotSize <= 0 {
		return nil, fmt.Errorf("ringbuffer: invalid slot size %d", cfg.SlotSize)
	}

	b := &Buffer{
		cfg:   cfg,
		slots: make([]Slot, cfg.Slots),
	}
	for i := range b.slots {
		b.slots[i].Data = make([]byte, cfg.SlotSize)
	}
	return b, nil
}

// Len returns the number of slots
func (b *Buffer) Len() int {
	return len(b.slots)
}

// SlotSize returns the capacity of each slot in bytes
func (b *Buffer) SlotSize() int {
	return b.cfg.SlotSize
}

// Data returns the backing bytes of slot i
func (b *Buffer) Data(i int) []byte {
	return b.slots[i].Data
}

// ValidLen returns how many bytes the last transfer into slot i delivered
func (b *Buffer) ValidLen(i int) int {
	return int(b.slots[i].length.Load())
}

// Suppressed reports whether slot i was filled during warm-up
func (b *Buffer) Suppressed(i int) bool {
	return b.slots[i].suppressed.Load()
}

// Publish records the result of the transfer harvested into slot i and
// moves the cursor there.
func (b *Buffer) Publish(i, n int, suppressed bool) {
	s := &b.slots[i]
	s.length.Store(int64(n))
	s.suppressed.Store(suppressed)
	b.cursor.Store(int32(i))
	b.published.Add(1)
}

// Next returns the slot after i, wrapping
func (b *Buffer) Next(i int) int {
	return (i + 1) % len(b.slots)
}

// Cursor returns the slot most recently published
func (b *Buffer) Cursor() int {
	return int(b.cursor.Load())
}

// Reset clears all metadata and rewinds the cursor to slot 0. Must only be
// called while no transfer is outstanding.
func (b *Buffer) Reset() {
	for i := range b.slots {
		b.slots[i].length.Store(0)
		b.slots[i].suppressed.Store(true)
	}
	b.cursor.Store(0)
}

// GetStatus returns the current buffer status
func (b *Buffer) GetStatus() BufferStatus {
	lengths := make([]int, len(b.slots))
	for i := range b.slots {
		lengths[i] = b.ValidLen(i)
	}
	return BufferStatus{
		Slots:     len(b.slots),
		SlotSize:  b.cfg.SlotSize,
		Cursor:    b.Cursor(),
		Published: b.published.Load(),
		Lengths:   lengths,
	}
}

// BufferStatus represents the buffer status
type BufferStatus struct {
	Slots     int    `json:"slots"`
	SlotSize  int    `json:"slot_size"`
	Cursor    int    `json:"cursor"`
	Published uint64 `json:"published"`
	Lengths   []int  `json:"lengths"`
}
