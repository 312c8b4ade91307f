// Package ffmpeg runs an ffmpeg process that consumes the decoded frames.
package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// FFmpeg wraps FFmpeg binary execution
type FFmpeg struct {
	binaryPath string
	probePath  string // Empty when ffprobe is not installed
}

// New creates a new FFmpeg wrapper
func New() (*FFmpeg, error) {
	ffmpegPath, err := findBinary("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}

	// ffprobe is only needed for Probe.
	ffprobePath, _ := findBinary("ffprobe")

	return &FFmpeg{
		binaryPath: ffmpegPath,
		probePath:  ffprobePath,
	}, nil
}

// findBinary locates a binary in PATH or common locations
func findBinary(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	var paths []string
	switch runtime.GOOS {
	case "darwin":
		paths = []string{
			"/opt/homebrew/bin/" + name,
			"/usr/local/bin/" + name,
		}
	case "linux":
		paths = []string{
			"/usr/bin/" + name,
			"/usr/local/bin/" + name,
		}
	case "windows":
		paths = []string{
			"C:\\ffmpeg\\bin\\" + name + ".exe",
			"C:\\Program Files\\ffmpeg\\bin\\" + name + ".exe",
		}
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%s not found in PATH or common locations", name)
}

// Version returns the FFmpeg version string
func (f *FFmpeg) Version(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, f.binaryPath, "-version")
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}

	lines := strings.Split(string(output), "\n")
	if len(lines) > 0 && lines[0] != "" {
		return strings.TrimSpace(lines[0]), nil
	}
	return "", fmt.Errorf("no version output")
}

// RawVideoConfig describes the frames piped into ffmpeg and where the
// result goes.
type RawVideoConfig struct {
	Width       int
	Height      int
	Framerate   int
	PixelFormat string   // Default rgba
	Filter      string   // Optional -vf chain
	Args        []string // Output arguments placed before Target
	Target      string   // File or URL
}

// buildRawVideoArgs builds ffmpeg arguments for reading raw frames on stdin
func buildRawVideoArgs(cfg RawVideoConfig) []string {
	pixFmt := cfg.PixelFormat
	if pixFmt == "" {
		pixFmt = "rgba"
	}
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",

		// Input
		"-f", "rawvideo",
		"-pixel_format", pixFmt,
		"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-framerate", fmt.Sprintf("%d", cfg.Framerate),
		"-i", "pipe:0",
	}
	if cfg.Filter != "" {
		args = append(args, "-vf", cfg.Filter)
	}
	args = append(args, cfg.Args...)
	return append(args, cfg.Target)
}
