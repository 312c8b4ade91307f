// Package capture runs the capture engine and wires it to the audio and
// video consumers.
package capture

import (
	"github.com/video-system/go-usb-capture/pkg/audio"
	"github.com/video-system/go-usb-capture/pkg/ringbuffer"
	"github.com/video-system/go-usb-capture/pkg/video"
)

// EngineStatus represents the capture engine state
type EngineStatus struct {
	State       string `json:"state"`
	Mode        string `json:"mode"`
	Paused      bool   `json:"paused"`
	SessionID   string `json:"session_id,omitempty"`
	Device      string `json:"device,omitempty"`
	ConnectedAt int64  `json:"connected_at,omitempty"` // Unix timestamp ms
	Warmup      int    `json:"warmup"`
	Transfers   uint64 `json:"transfers"`
	ShortReads  uint64 `json:"short_reads"`
	Failures    uint64 `json:"failures"`
	Connects    uint64 `json:"connects"`
	Attempts    uint64 `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
}

// Status represents the whole pipeline
type Status struct {
	Engine EngineStatus            `json:"engine"`
	Buffer ringbuffer.BufferStatus `json:"buffer"`
	Audio  *audio.Status           `json:"audio,omitempty"`
	Video  video.Status            `json:"video"`
	Output *OutputStatus           `json:"output,omitempty"`
}

// OutputStatus reports the external frame writer, when one is attached.
type OutputStatus struct {
	Running bool   `json:"running"`
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Error   string `json:"error,omitempty"`
}
