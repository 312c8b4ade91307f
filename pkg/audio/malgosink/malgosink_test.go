package malgosink

import (
	"encoding/binary"
	"os"
	"testing"
	"time"

	"github.com/video-system/go-usb-capture/pkg/audio"
)

type scripted struct {
	blocks [][]int16
	pulls  int
}

func (s *scripted) Pull(time.Duration) ([]int16, bool) {
	s.pulls++
	if len(s.blocks) == 0 {
		return nil, false
	}
	b := s.blocks[0]
	s.blocks = s.blocks[1:]
	return b, true
}

func samplesOf(out []byte) []int16 {
	r := make([]int16, len(out)/2)
	for i := range r {
		r[i] = int16(binary.LittleEndian.Uint16(out[2*i:]))
	}
	return r
}

func TestFillSpansBlocksAndPadsSilence(t *testing.T) {
	src := &scripted{blocks: [][]int16{{1, 2}, {3}}}
	s := &Sink{src: src}
	s.SetGain(1)

	out := make([]byte, 10)
	for i := range out {
		out[i] = 0xaa
	}
	s.fill(out, nil, 0)

	want := []int16{1, 2, 3, 0, 0}
	for i, w := range samplesOf(out) {
		if w != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, w, want[i])
		}
	}
	if s.Underruns() != 1 {
		t.Errorf("underruns: got %d, want 1", s.Underruns())
	}
}

func TestFillCarriesPartialBlock(t *testing.T) {
	src := &scripted{blocks: [][]int16{{1, 2, 3}}}
	s := &Sink{src: src}
	s.SetGain(1)

	out := make([]byte, 4)
	s.fill(out, nil, 0)
	s.fill(out, nil, 0)

	got := samplesOf(out)
	if got[0] != 3 || got[1] != 0 {
		t.Errorf("second callback: got %v, want [3 0]", got)
	}
}

func TestFillAppliesGain(t *testing.T) {
	src := &scripted{blocks: [][]int16{{1000, -1000}}}
	s := &Sink{src: src}
	s.SetGain(0.5)

	out := make([]byte, 4)
	s.fill(out, nil, 0)
	got := samplesOf(out)
	if got[0] != 500 || got[1] != -500 {
		t.Errorf("got %v, want [500 -500]", got)
	}

	s.SetGain(0)
	src.blocks = [][]int16{{1000, 1000}}
	s.fill(out, nil, 0)
	if got := samplesOf(out); got[0] != 0 || got[1] != 0 {
		t.Errorf("muted: got %v", got)
	}
}

func TestPlaybackDevice(t *testing.T) {
	if os.Getenv("TEST_AUDIO") == "" {
		t.Skip("Set TEST_AUDIO to open a playback device")
	}
	b, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	q := audio.NewQueue()
	s, err := b.Factory(q)
	if err != nil {
		t.Fatalf("Factory: %v", err)
	}
	defer s.Close()

	q.Push(make([]int16, 1096))
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Playing() {
		t.Error("sink should be playing after Start")
	}
	time.Sleep(50 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
