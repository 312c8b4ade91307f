package video

import (
	"bytes"
	"context"
	"image"
	"testing"
	"time"

	"github.com/video-system/go-usb-capture/pkg/layout"
	"github.com/video-system/go-usb-capture/pkg/readiness"
	"github.com/video-system/go-usb-capture/pkg/ringbuffer"
)

func newTestPipeline(t *testing.T, onFrame func(*image.RGBA)) (*Pipeline, *ringbuffer.Buffer, *readiness.Channel) {
	t.Helper()
	ring, err := ringbuffer.New(ringbuffer.Config{})
	if err != nil {
		t.Fatalf("ring: %v", err)
	}
	ch := &readiness.Channel{}
	p, err := NewPipeline(Config{Ring: ring, Ready: ch, OnFrame: onFrame})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p, ring, ch
}

func fillSlot(ring *ringbuffer.Buffer, slot int, v byte) {
	d := ring.Data(slot)
	for i := range d {
		d[i] = v
	}
}

func TestProcessRemapsCompleteFrame(t *testing.T) {
	var got *image.RGBA
	p, ring, _ := newTestPipeline(t, func(f *image.RGBA) { got = f })

	fillSlot(ring, 2, 7)
	ring.Publish(2, layout.BufSize, false)
	p.Process(2)

	if got == nil {
		t.Fatal("OnFrame not called")
	}
	if got.Pix[0] != 7 || got.Pix[3] != 0xff {
		t.Errorf("pixel 0: % x", got.Pix[:4])
	}
	if st := p.GetStatus(); st.Frames != 1 {
		t.Errorf("frames: got %d, want 1", st.Frames)
	}
}

func TestProcessDropsIncompleteAndSuppressed(t *testing.T) {
	calls := 0
	p, ring, _ := newTestPipeline(t, func(*image.RGBA) { calls++ })

	fillSlot(ring, 0, 9)
	ring.Publish(0, layout.FrameSizeRGB-1, false)
	p.Process(0)

	fillSlot(ring, 1, 9)
	ring.Publish(1, layout.BufSize, true)
	p.Process(1)

	p.Process(readiness.Abort)

	if calls != 0 {
		t.Errorf("OnFrame called %d times for unusable buffers", calls)
	}
	if !bytes.Equal(p.Frame().Pix[:4], []byte{0, 0, 0, 0}) {
		t.Errorf("frame touched: % x", p.Frame().Pix[:4])
	}
	st := p.GetStatus()
	if st.Incomplete != 1 || st.Suppressed != 1 || st.Aborts != 1 {
		t.Errorf("status: %+v", st)
	}
}

func TestRunRearmsAndClosesOnExit(t *testing.T) {
	frames := make(chan struct{}, 4)
	p, ring, ch := newTestPipeline(t, func(*image.RGBA) { frames <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for slot := 0; slot < 2; slot++ {
		ring.Publish(slot, layout.BufSize, false)
		deadline := time.Now().Add(time.Second)
		for !ch.Signal(readiness.Token(slot)) {
			if time.Now().After(deadline) {
				t.Fatalf("pipeline never armed for slot %d", slot)
			}
			time.Sleep(time.Millisecond)
		}
		select {
		case <-frames:
		case <-time.After(time.Second):
			t.Fatalf("slot %d not processed", slot)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not exit")
	}
	if !ch.Closed() {
		t.Error("readiness channel should be closed after Run exits")
	}
}

func TestNewPipelineRequiresRing(t *testing.T) {
	if _, err := NewPipeline(Config{}); err == nil {
		t.Error("missing ring should be rejected")
	}
	small, _ := ringbuffer.New(ringbuffer.Config{SlotSize: 16})
	if _, err := NewPipeline(Config{Ring: small, Ready: &readiness.Channel{}}); err == nil {
		t.Error("undersized slots should be rejected")
	}
}
