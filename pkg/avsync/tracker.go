// Package avsync estimates how far the audio and video streams of a capture
// run have drifted apart.
package avsync

import (
	"fmt"
	"strings"
	"sync"
)

// TimeScale is the tick rate stream times are requested at (milliseconds).
const TimeScale int64 = 1000

// Policy decides what an out-of-sync sample does to the run
type Policy int

const (
	// ReportOnly logs a warning and keeps capturing.
	ReportOnly Policy = iota
	// ShutdownOnDesync requests shutdown on the first out-of-sync sample.
	ShutdownOnDesync
)

func (p Policy) String() string {
	switch p {
	case ReportOnly:
		return "report-only"
	case ShutdownOnDesync:
		return "shutdown-on-desync"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy parses a policy name. Empty selects ReportOnly.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "report-only", "report":
		return ReportOnly, nil
	case "shutdown-on-desync", "shutdown":
		return ShutdownOnDesync, nil
	default:
		return ReportOnly, fmt.Errorf("unknown desync policy %q (want report-only or shutdown-on-desync)", s)
	}
}

// Sample is a consistent snapshot of the tracker after one arrival
type Sample struct {
	VideoPTS      int64 `json:"video_pts" cbor:"1,keyasint"`
	AudioPTS      int64 `json:"audio_pts" cbor:"2,keyasint"`
	VideoFrames   int64 `json:"video_frames" cbor:"3,keyasint"`
	AudioPackets  int64 `json:"audio_packets" cbor:"4,keyasint"`
	FrameDuration int64 `json:"frame_duration" cbor:"5,keyasint"`
	PTSDelayMs    int64 `json:"pts_delay_ms" cbor:"6,keyasint"`
	CountDelayMs  int64 `json:"count_delay_ms" cbor:"7,keyasint"`
	Ready         bool  `json:"ready" cbor:"8,keyasint"`
	OutOfSync     bool  `json:"out_of_sync" cbor:"9,keyasint"`
}

// Tracker accumulates per-run timestamps and counters.
// Safe for concurrent use by the video and audio delivery threads.
type Tracker struct {
	thresholdMs int64

	mu            sync.Mutex
	videoPTS      int64
	audioPTS      int64
	videoFrames   int64
	audioPackets  int64
	frameDuration int64
	videoSeen     bool
	audioSeen     bool
}

// NewTracker creates a tracker flagging drift above thresholdMs.
// A threshold of zero disables the check.
func NewTracker(thresholdMs int64) *Tracker {
	return &Tracker{thresholdMs: thresholdMs}
}

// Threshold returns the configured drift threshold in milliseconds
func (t *Tracker) Threshold() int64 {
	return t.thresholdMs
}

// ObserveVideo records a video frame arrival at pts with the given frame
// duration, both in TimeScale ticks.
func (t *Tracker) ObserveVideo(pts, duration int64) {
	t.mu.Lock()
	t.videoPTS = pts
	t.frameDuration = duration
	t.videoFrames++
	t.videoSeen = true
	t.mu.Unlock()
}

// ObserveAudio records an audio packet arrival at pts
func (t *Tracker) ObserveAudio(pts int64) {
	t.mu.Lock()
	t.audioPTS = pts
	t.audioPackets++
	t.audioSeen = true
	t.mu.Unlock()
}

// Sample computes drift from one consistent view of the counters
func (t *Tracker) Sample() Sample {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Sample{
		VideoPTS:      t.videoPTS,
		AudioPTS:      t.audioPTS,
		VideoFrames:   t.videoFrames,
		AudioPackets:  t.audioPackets,
		FrameDuration: t.frameDuration,
		PTSDelayMs:    t.audioPTS - t.videoPTS,
		CountDelayMs:  (t.audioPackets - t.videoFrames) * t.frameDuration,
		Ready:         t.videoSeen && t.audioSeen,
	}
	if s.Ready && t.thresholdMs > 0 && abs(s.PTSDelayMs) > t.thresholdMs {
		s.OutOfSync = true
	}
	return s
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
