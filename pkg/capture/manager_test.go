package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/video-system/go-usb-capture/pkg/audio"
	"github.com/video-system/go-usb-capture/pkg/device/devicetest"
	"github.com/video-system/go-usb-capture/pkg/layout"
)

type nullSink struct {
	mu      sync.Mutex
	playing bool
}

func (s *nullSink) Start() error      { s.mu.Lock(); s.playing = true; s.mu.Unlock(); return nil }
func (s *nullSink) Stop() error       { s.mu.Lock(); s.playing = false; s.mu.Unlock(); return nil }
func (s *nullSink) Playing() bool     { s.mu.Lock(); defer s.mu.Unlock(); return s.playing }
func (s *nullSink) SetGain(g float32) {}
func (s *nullSink) Close() error      { return nil }

func nullSinks(audio.Source) (audio.Sink, error) { return &nullSink{}, nil }

type frameRecorder struct {
	mu     sync.Mutex
	frames int
	last   byte
}

func (r *frameRecorder) WriteFrame(img *image.RGBA) {
	r.mu.Lock()
	r.frames++
	r.last = img.Pix[0]
	r.mu.Unlock()
}

func (r *frameRecorder) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (r *frameRecorder) Stats() (bool, uint64, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return true, uint64(r.frames), 0, nil
}

func runManager(t *testing.T, cfg *Config, deps Deps) *Manager {
	t.Helper()
	m, err := NewManager(cfg, deps, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not exit")
		}
	})
	return m
}

func TestShortReadIsDiscardedByBothPipelines(t *testing.T) {
	tr := &devicetest.Transport{}
	for seq := 0; seq < 13; seq++ {
		n := layout.BufSize
		if seq == 3 {
			n = 0
		}
		tr.Append(devicetest.Transfer{Len: n, Delay: 10 * time.Millisecond})
	}

	cfg := DefaultConfig()
	cfg.Warmup = -1
	out := &frameRecorder{}
	m := runManager(t, cfg, Deps{Transport: tr, NewSink: nullSinks, Output: out})

	waitFor(t, "all transfers", func() bool { return m.Engine().GetStatus().Transfers == 13 })
	waitFor(t, "video to settle", func() bool {
		st := m.Video().GetStatus()
		return st.Frames+st.Incomplete == 13
	})
	waitFor(t, "audio to settle", func() bool {
		st := m.Audio().GetStatus()
		return st.Blocks+st.Dropped+st.Silent == 13
	})

	vs := m.Video().GetStatus()
	if vs.Incomplete != 1 || vs.Frames != 12 {
		t.Errorf("video: %+v", vs)
	}
	if as := m.Audio().GetStatus(); as.Silent != 1 {
		t.Errorf("audio: %+v", as)
	}

	// The fake fills transfer n with byte(n). The last transfer is 12.
	frame := m.Video().Frame()
	if frame.Pix[0] != 12 || frame.Pix[3] != 0xff {
		t.Errorf("frame reflects %d, want the last good transfer 12", frame.Pix[0])
	}
	out.mu.Lock()
	if out.last != 12 || out.frames != 12 {
		t.Errorf("output saw %d frames, last %d", out.frames, out.last)
	}
	out.mu.Unlock()
	if m.Engine().GetStatus().ShortReads != 1 {
		t.Errorf("short reads: %d", m.Engine().GetStatus().ShortReads)
	}
}

func TestManagerConnectsOnStart(t *testing.T) {
	tr := &devicetest.Transport{}
	cfg := DefaultConfig()
	cfg.Device.TransferTimeout = 10 * time.Second
	m := runManager(t, cfg, Deps{Transport: tr, NewSink: nullSinks})

	waitFor(t, "connect", func() bool { return m.Engine().State() == StateConnected })
	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if tr.Opens() != 2 {
		t.Errorf("opens: got %d, want 2", tr.Opens())
	}
}

func TestSnapshotBeforeFirstFrame(t *testing.T) {
	m, err := NewManager(DefaultConfig(), Deps{Transport: &devicetest.Transport{}, NewSink: nullSinks}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.Snapshot() != nil {
		t.Error("snapshot should be nil before the first frame")
	}
}

func TestSetAudio(t *testing.T) {
	m, err := NewManager(DefaultConfig(), Deps{Transport: &devicetest.Transport{}, NewSink: nullSinks}, nil)
	if err != nil {
		t.Fatal(err)
	}
	vol, mute := 80, true
	if err := m.SetAudio(&vol, &mute); err != nil {
		t.Fatalf("SetAudio: %v", err)
	}
	st := m.Status()
	if st.Audio == nil || st.Audio.Volume != 80 || !st.Audio.Muted {
		t.Errorf("audio status: %+v", st.Audio)
	}

	off := false
	cfg := DefaultConfig()
	cfg.Audio.Enabled = &off
	m, err = NewManager(cfg, Deps{Transport: &devicetest.Transport{}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetAudio(&vol, nil); !errors.Is(err, ErrNoAudio) {
		t.Errorf("got %v, want ErrNoAudio", err)
	}
	if m.Status().Audio != nil {
		t.Error("disabled audio should not report status")
	}
}

func TestNewManagerRequiresSinkForAudio(t *testing.T) {
	if _, err := NewManager(DefaultConfig(), Deps{Transport: &devicetest.Transport{}}, nil); err == nil {
		t.Error("audio without a sink factory should be rejected")
	}
}
