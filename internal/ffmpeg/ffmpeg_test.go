package ffmpeg

import (
	"bytes"
	"context"
	"image"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	ff, err := New()
	if err != nil {
		t.Skipf("FFmpeg not found: %v", err)
	}

	version, err := ff.Version(context.Background())
	if err != nil {
		t.Fatalf("Failed to get version: %v", err)
	}

	t.Logf("FFmpeg version: %s", version)
}

func TestBuildRawVideoArgs(t *testing.T) {
	args := buildRawVideoArgs(RawVideoConfig{
		Width:     240,
		Height:    720,
		Framerate: 60,
		Filter:    "transpose=2",
		Args:      []string{"-c:v", "libx264"},
		Target:    "out.mp4",
	})

	want := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo",
		"-pixel_format", "rgba",
		"-video_size", "240x720",
		"-framerate", "60",
		"-i", "pipe:0",
		"-vf", "transpose=2",
		"-c:v", "libx264",
		"out.mp4",
	}
	if !slices.Equal(args, want) {
		t.Errorf("args:\n got %v\nwant %v", args, want)
	}
}

func TestBuildRawVideoArgsWithoutFilter(t *testing.T) {
	args := buildRawVideoArgs(RawVideoConfig{Width: 2, Height: 2, Framerate: 1, Target: "x"})
	if slices.Contains(args, "-vf") {
		t.Errorf("unexpected filter in %v", args)
	}
	if args[len(args)-1] != "x" {
		t.Errorf("target must be last: %v", args)
	}
}

type recorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, bytes.Clone(p))
	return len(p), nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func solid(v byte) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func TestPumpKeepsLatestFrame(t *testing.T) {
	w := (&FFmpeg{}).NewFrameWriter(RawVideoConfig{Width: 2, Height: 2}, nil)
	w.WriteFrame(solid(1))
	w.WriteFrame(solid(2))

	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.pump(ctx, rec) }()

	deadline := time.Now().Add(time.Second)
	for rec.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no frame written")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("pump: %v", err)
	}

	if rec.count() != 1 || rec.frames[0][0] != 2 {
		t.Errorf("expected only the latest frame, got %d frames", rec.count())
	}
	_, written, dropped, _ := w.Stats()
	if written != 1 || dropped != 1 {
		t.Errorf("written %d dropped %d, want 1 and 1", written, dropped)
	}
}

func TestWriteFrameRejectsWrongSize(t *testing.T) {
	w := (&FFmpeg{}).NewFrameWriter(RawVideoConfig{Width: 4, Height: 4}, nil)
	w.WriteFrame(solid(1))
	if _, _, dropped, _ := w.Stats(); dropped != 1 {
		t.Errorf("dropped: got %d, want 1", dropped)
	}
}

func TestFrameWriterProducesImage(t *testing.T) {
	ff, err := New()
	if err != nil {
		t.Skipf("FFmpeg not found: %v", err)
	}
	if ff.probePath == "" {
		t.Skip("ffprobe not found")
	}

	out := filepath.Join(t.TempDir(), "frame.png")
	w := ff.NewFrameWriter(RawVideoConfig{
		Width:     2,
		Height:    2,
		Framerate: 60,
		Args:      []string{"-frames:v", "1"},
		Target:    out,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.WriteFrame(solid(0x80))
	err = w.Run(ctx)
	t.Logf("Run returned: %v", err)

	info, err := ff.GetVideoInfo(context.Background(), out)
	if err != nil {
		t.Fatalf("probe output: %v", err)
	}
	if info.Resolution() != "2x2" {
		t.Errorf("resolution: got %s, want 2x2", info.Resolution())
	}
}

func TestParseFramerate(t *testing.T) {
	for in, want := range map[string]float64{"60/1": 60, "30000/1000": 30, "25": 25, "bogus": 0} {
		if got := parseFramerate(in); got != want {
			t.Errorf("parseFramerate(%q) = %v, want %v", in, got, want)
		}
	}
}
