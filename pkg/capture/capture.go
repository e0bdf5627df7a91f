// Package capture is the capture core: run configuration, the per-run
// session, the input callback that writes raw video and audio, and the
// controller that negotiates the device and runs the capture loop.
package capture

import (
	"time"

	"github.com/video-system/go-raw-capture/pkg/sink"
)

// RunState is the coarse state of a capture run
type RunState string

const (
	StateSetup     RunState = "setup"
	StateCapturing RunState = "capturing"
	StateStopping  RunState = "stopping"
	StateStopped   RunState = "stopped"
	StateFailed    RunState = "failed"
)

// Status represents the current run status
type Status struct {
	RunID       string         `json:"run_id"`
	State       RunState       `json:"state"`
	Device      string         `json:"device,omitempty"`
	DisplayMode string         `json:"display_mode,omitempty"`
	PixelFormat string         `json:"pixel_format"`
	Stereo3D    bool           `json:"stereo_3d"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	Restarts    int            `json:"restarts"`
	Capture     *DelegateStats `json:"capture,omitempty"`
	VideoSink   sink.Stats     `json:"video_sink"`
	AudioSink   sink.Stats     `json:"audio_sink"`
	Shutdown    string         `json:"shutdown,omitempty"` // Reason, once requested
}
