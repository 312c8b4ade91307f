// Package device owns the connection to the capture board: discovery,
// the vendor streaming handshake, and one asynchronous read request per
// ring slot.
package device

import (
	"context"
	"errors"
)

// Pipe addresses used by the capture board.
const (
	PipeBulkOut uint8 = 0x02
	PipeBulkIn  uint8 = 0x82
)

var (
	ErrNotFound   = errors.New("device: no capture device found")
	ErrHandshake  = errors.New("device: streaming handshake failed")
	ErrSubmit     = errors.New("device: read submission failed")
	ErrIncomplete = errors.New("device: transfer incomplete")
	ErrClosed     = errors.New("device: session closed")
)

// Transport is the vendor I/O layer.
type Transport interface {
	// Open opens the device whose product description matches exactly.
	// It returns ErrNotFound if none does.
	Open(description string) (Conn, error)
}

// Conn is an open device handle.
type Conn interface {
	// Write performs a blocking bulk write.
	Write(pipe uint8, p []byte) (int, error)
	// SetStreamPipe puts pipe into streaming mode with fixed-size transfers.
	SetStreamPipe(pipe uint8, transferSize int) error
	// NewRequest allocates one asynchronous read context.
	NewRequest() (Request, error)
	// AbortPipe cancels every outstanding transfer on pipe.
	AbortPipe(pipe uint8) error
	Close() error
}

// Request is an asynchronous read context. At most one read may be in
// flight on a request at a time.
type Request interface {
	// Submit queues a read into buf. It does not wait for data.
	Submit(buf []byte) error
	// Wait blocks until the submitted read completes and returns the number
	// of bytes delivered. It returns ErrIncomplete if ctx ends first; the
	// read is still outstanding in that case.
	Wait(ctx context.Context) (int, error)
	// Release frees the context. The request must be idle.
	Release() error
}
