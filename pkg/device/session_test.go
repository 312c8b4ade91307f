package device_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/video-system/go-usb-capture/pkg/device"
	"github.com/video-system/go-usb-capture/pkg/device/devicetest"
)

func slots(n, size int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = make([]byte, size)
	}
	return out
}

func TestOpenHandshake(t *testing.T) {
	tr := &devicetest.Transport{}
	s, err := device.Open(tr, slots(4, 32), device.Options{TransferSize: 32})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Teardown()

	if s.ID == "" {
		t.Error("session should carry an ID")
	}
	if s.Slots() != 4 {
		t.Errorf("requests: got %d, want 4", s.Slots())
	}

	w := tr.Written()
	if len(w) != 2 {
		t.Fatalf("handshake writes: got %d, want 2", len(w))
	}
	if !bytes.Equal(w[0], []byte{0x40, 0x80, 0x00, 0x00}) || !bytes.Equal(w[1], []byte{0x40, 0x00, 0x00, 0x00}) {
		t.Errorf("handshake bytes: % x / % x", w[0], w[1])
	}
}

func TestOpenFallsBackToSecondDescription(t *testing.T) {
	tr := &devicetest.Transport{Description: "N3DSXL.2"}
	s, err := device.Open(tr, slots(2, 8), device.Options{TransferSize: 8})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Teardown()
	if s.Description != "N3DSXL.2" {
		t.Errorf("description: got %q", s.Description)
	}
}

func TestOpenNotFound(t *testing.T) {
	tr := &devicetest.Transport{Description: "other"}
	_, err := device.Open(tr, slots(2, 8), device.Options{})
	if !errors.Is(err, device.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestOpenHandshakeFailureLeavesNothingOpen(t *testing.T) {
	tr := &devicetest.Transport{HandshakeErr: errors.New("stall")}
	_, err := device.Open(tr, slots(2, 8), device.Options{})
	if !errors.Is(err, device.ErrHandshake) {
		t.Fatalf("got %v, want ErrHandshake", err)
	}
	if tr.Opens() != tr.Closes() {
		t.Errorf("handle leaked: opens=%d closes=%d", tr.Opens(), tr.Closes())
	}
}

func TestOpenRequestFailureReleases(t *testing.T) {
	tr := &devicetest.Transport{RequestErr: errors.New("no memory")}
	if _, err := device.Open(tr, slots(3, 8), device.Options{}); err == nil {
		t.Fatal("Open should fail when requests cannot be allocated")
	}
	if tr.Opens() != tr.Closes() {
		t.Errorf("handle leaked: opens=%d closes=%d", tr.Opens(), tr.Closes())
	}
}

func TestAwaitDeliversScript(t *testing.T) {
	tr := &devicetest.Transport{Script: []devicetest.Transfer{{Len: 8}, {Len: 3}}}
	buf := slots(2, 8)
	s, err := device.Open(tr, buf, device.Options{TransferSize: 8})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Teardown()

	n, err := s.Await(context.Background(), 0, time.Second)
	if err != nil || n != 8 {
		t.Fatalf("slot 0: n=%d err=%v", n, err)
	}
	n, err = s.Await(context.Background(), 1, time.Second)
	if err != nil || n != 3 {
		t.Fatalf("slot 1: n=%d err=%v", n, err)
	}
	if buf[1][0] != 1 {
		t.Errorf("slot 1 payload: got %d, want 1", buf[1][0])
	}
}

func TestAwaitTimeoutAborts(t *testing.T) {
	tr := &devicetest.Transport{}
	s, err := device.Open(tr, slots(2, 8), device.Options{TransferSize: 8})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, err = s.Await(context.Background(), 0, 10*time.Millisecond)
	if !errors.Is(err, device.ErrIncomplete) {
		t.Fatalf("got %v, want ErrIncomplete", err)
	}

	s.Teardown()
	if tr.Released() != 2 {
		t.Errorf("released: got %d, want 2", tr.Released())
	}
	if tr.Closes() != 1 {
		t.Errorf("closes: got %d, want 1", tr.Closes())
	}
	if err := s.Teardown(); err != nil {
		t.Errorf("second Teardown: %v", err)
	}
	if _, err := s.Await(context.Background(), 0, 0); !errors.Is(err, device.ErrClosed) {
		t.Errorf("Await after teardown: got %v, want ErrClosed", err)
	}
}
