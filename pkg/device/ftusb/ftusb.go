// Package ftusb drives the FT60x-based capture board through libusb.
//
// The board exposes a bulk OUT pipe for the streaming handshake and a bulk
// IN pipe for frames. Per-slot requests are queued against one gousb
// ReadStream, which keeps a fixed number of libusb transfers in flight and
// completes them in submission order.
package ftusb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/gousb"

	"github.com/video-system/go-usb-capture/pkg/device"
)

// FTDI FT601 identifiers.
const (
	VendorID  gousb.ID = 0x0403
	ProductID gousb.ID = 0x601f
)

// Config configures the transport.
type Config struct {
	ConfigNum  int // USB configuration (default 1)
	Interface  int // Data interface (default 1)
	AltSetting int
	InFlight   int // libusb transfers kept in flight (default 8)
	Logger     *slog.Logger
}

// Transport implements device.Transport on a libusb context.
type Transport struct {
	cfg Config
	ctx *gousb.Context
	log *slog.Logger
}

// New creates a libusb context. Close releases it.
func New(cfg Config) *Transport {
	if cfg.ConfigNum == 0 {
		cfg.ConfigNum = 1
	}
	if cfg.Interface == 0 {
		cfg.Interface = 1
	}
	if cfg.InFlight == 0 {
		cfg.InFlight = 8
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		cfg: cfg,
		ctx: gousb.NewContext(),
		log: log.With("component", "ftusb"),
	}
}

// Close releases the libusb context.
func (t *Transport) Close() error {
	return t.ctx.Close()
}

// List returns the product strings of attached boards.
func (t *Transport) List() ([]string, error) {
	devs, err := t.ctx.OpenDevices(matchFT601)
	defer closeAll(devs)
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("ftusb: enumerate: %w", err)
	}
	var out []string
	for _, d := range devs {
		if p, err := d.Product(); err == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func matchFT601(desc *gousb.DeviceDesc) bool {
	return desc.Vendor == VendorID && desc.Product == ProductID
}

func closeAll(devs []*gousb.Device) {
	for _, d := range devs {
		d.Close()
	}
}

// Open implements device.Transport.
func (t *Transport) Open(description string) (device.Conn, error) {
	devs, err := t.ctx.OpenDevices(matchFT601)
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("ftusb: enumerate: %w", err)
	}

	var dev *gousb.Device
	for _, d := range devs {
		if dev == nil {
			if p, perr := d.Product(); perr == nil && p == description {
				dev = d
				continue
			}
		}
		d.Close()
	}
	if dev == nil {
		return nil, device.ErrNotFound
	}

	if err := dev.SetAutoDetach(true); err != nil {
		t.log.Debug("auto detach unsupported", "error", err)
	}
	cfg, err := dev.Config(t.cfg.ConfigNum)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("ftusb: config %d: %w", t.cfg.ConfigNum, err)
	}
	intf, err := cfg.Interface(t.cfg.Interface, t.cfg.AltSetting)
	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, fmt.Errorf("ftusb: interface %d: %w", t.cfg.Interface, err)
	}

	return &conn{
		t:    t,
		dev:  dev,
		cfg:  cfg,
		intf: intf,
		log:  t.log.With("description", description),
	}, nil
}

type conn struct {
	t    *Transport
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	log  *slog.Logger

	mu     sync.Mutex
	stream *gousb.ReadStream
	queue  chan *request
	cancel context.CancelFunc
	done   chan struct{}
}

func endpointNum(pipe uint8) int {
	return int(pipe & 0x0f)
}

func (c *conn) Write(pipe uint8, p []byte) (int, error) {
	ep, err := c.intf.OutEndpoint(endpointNum(pipe))
	if err != nil {
		return 0, fmt.Errorf("ftusb: out endpoint %#02x: %w", pipe, err)
	}
	return ep.Write(p)
}

// SetStreamPipe opens the read stream. Every transfer on it is exactly
// transferSize bytes, so one Read returns one transfer.
func (c *conn) SetStreamPipe(pipe uint8, transferSize int) error {
	ep, err := c.intf.InEndpoint(endpointNum(pipe))
	if err != nil {
		return fmt.Errorf("ftusb: in endpoint %#02x: %w", pipe, err)
	}
	stream, err := ep.NewStream(transferSize, c.t.cfg.InFlight)
	if err != nil {
		return fmt.Errorf("ftusb: stream: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.stream = stream
	c.queue = make(chan *request, 64)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.pump(ctx)
	return nil
}

// pump serves submitted requests in order from the stream.
func (c *conn) pump(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.failQueued(ctx.Err())
			return
		case r := <-c.queue:
			n, err := c.stream.ReadContext(ctx, r.buf)
			r.complete(n, err)
		}
	}
}

func (c *conn) failQueued(err error) {
	for {
		select {
		case r := <-c.queue:
			r.complete(0, err)
		default:
			return
		}
	}
}

func (c *conn) NewRequest() (device.Request, error) {
	return &request{c: c}, nil
}

func (c *conn) AbortPipe(pipe uint8) error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (c *conn) Close() error {
	c.AbortPipe(device.PipeBulkIn)

	c.mu.Lock()
	stream, done := c.stream, c.done
	c.mu.Unlock()

	var errs []error
	if done != nil {
		<-done
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("stream: %w", err))
		}
	}
	c.intf.Close()
	if err := c.cfg.Close(); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	if err := c.dev.Close(); err != nil {
		errs = append(errs, fmt.Errorf("device: %w", err))
	}
	return errors.Join(errs...)
}

type result struct {
	n   int
	err error
}

type request struct {
	c    *conn
	buf  []byte
	done chan result
}

func (r *request) Submit(buf []byte) error {
	r.c.mu.Lock()
	queue := r.c.queue
	r.c.mu.Unlock()
	if queue == nil {
		return errors.New("ftusb: stream pipe not configured")
	}
	r.buf = buf
	r.done = make(chan result, 1)
	select {
	case queue <- r:
		return nil
	default:
		return errors.New("ftusb: submission queue full")
	}
}

func (r *request) complete(n int, err error) {
	r.done <- result{n: n, err: err}
}

func (r *request) Wait(ctx context.Context) (int, error) {
	if r.done == nil {
		return 0, errors.New("ftusb: no read submitted")
	}
	select {
	case res := <-r.done:
		r.done = nil
		return res.n, res.err
	case <-ctx.Done():
		return 0, device.ErrIncomplete
	}
}

func (r *request) Release() error {
	r.buf = nil
	return nil
}
