package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
)

// ProbeResult holds video file information
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat holds format-level information
type ProbeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
}

// ProbeStream holds stream-level information
type ProbeStream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"` // video, audio
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	PixFmt       string `json:"pix_fmt,omitempty"`
	FrameRate    string `json:"r_frame_rate,omitempty"`
	AvgFrameRate string `json:"avg_frame_rate,omitempty"`
	NbFrames     string `json:"nb_frames,omitempty"`
}

// Probe analyzes a media file and returns metadata
func (f *FFmpeg) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	if f.probePath == "" {
		return nil, errors.New("ffprobe not found")
	}
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	cmd := exec.CommandContext(ctx, f.probePath, args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	return &result, nil
}

// VideoInfo returns simplified video information
type VideoInfo struct {
	Width     int
	Height    int
	Framerate float64
	Frames    int
	Codec     string
	PixelFmt  string
}

// GetVideoInfo returns the first video stream of path.
func (f *FFmpeg) GetVideoInfo(ctx context.Context, path string) (*VideoInfo, error) {
	probe, err := f.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	for _, stream := range probe.Streams {
		if stream.CodecType != "video" {
			continue
		}
		info := &VideoInfo{
			Width:    stream.Width,
			Height:   stream.Height,
			Codec:    stream.CodecName,
			PixelFmt: stream.PixFmt,
		}
		if stream.AvgFrameRate != "" {
			info.Framerate = parseFramerate(stream.AvgFrameRate)
		} else if stream.FrameRate != "" {
			info.Framerate = parseFramerate(stream.FrameRate)
		}
		info.Frames, _ = strconv.Atoi(stream.NbFrames)
		return info, nil
	}
	return nil, fmt.Errorf("no video stream in %s", path)
}

// parseFramerate parses a framerate string like "30/1" or "30000/1001"
func parseFramerate(s string) float64 {
	var num, den int
	if n, _ := fmt.Sscanf(s, "%d/%d", &num, &den); n == 2 && den != 0 {
		return float64(num) / float64(den)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return 0
}

// Resolution returns resolution string like "240x720"
func (v *VideoInfo) Resolution() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}
