package capture

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/video-system/go-raw-capture/pkg/avsync"
	"github.com/video-system/go-raw-capture/pkg/device"
	"github.com/video-system/go-raw-capture/pkg/journal"
	"github.com/video-system/go-raw-capture/pkg/shutdown"
	"github.com/video-system/go-raw-capture/pkg/sink"
)

// progressEvery is the progress log cadence in signaled video frames
const progressEvery = 10

// DelegateState is the lifecycle state of a Delegate
type DelegateState int32

const (
	DelegateIdle DelegateState = iota
	DelegateReceiving
	DelegateTerminating
)

func (s DelegateState) String() string {
	switch s {
	case DelegateIdle:
		return "idle"
	case DelegateReceiving:
		return "receiving"
	case DelegateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// DelegateStats is a snapshot of what the delegate has processed
type DelegateStats struct {
	State          string         `json:"state"`
	Frames         int64          `json:"frames"`
	AudioPackets   int64          `json:"audio_packets"`
	VideoBytes     int64          `json:"video_bytes"`
	AudioBytes     int64          `json:"audio_bytes"`
	Dropped        int64          `json:"dropped"`
	NoSignal       int64          `json:"no_signal_frames"`
	DesyncWarnings int64          `json:"desync_warnings"`
	LastSample     *avsync.Sample `json:"last_sample,omitempty"`
}

// Delegate is the input callback of a capture run. Video and audio arrive on
// backend threads, possibly concurrently; each stream is serialized by its
// own mutex so arrival order is file order.
type Delegate struct {
	sess      *Session
	log       *slog.Logger
	maxFrames int64
	policy    avsync.Policy

	state atomic.Int32

	videoMu sync.Mutex
	frames  atomic.Int64 // written only under videoMu

	audioMu      sync.Mutex
	audioPackets atomic.Int64 // written only under audioMu

	videoBytes     atomic.Int64
	audioBytes     atomic.Int64
	dropped        atomic.Int64
	noSignal       atomic.Int64
	desyncWarnings atomic.Int64
	lastSample     atomic.Pointer[avsync.Sample]

	refMu     sync.Mutex
	refs      uint32
	onDestroy []func()

	obsMu     sync.RWMutex
	observers []func(journal.Stream, avsync.Sample)

	errMu sync.Mutex
	err   error
}

var _ device.InputCallback = (*Delegate)(nil)

// NewDelegate creates a delegate holding one reference for the caller
func NewDelegate(sess *Session) *Delegate {
	return &Delegate{
		sess:      sess,
		log:       sess.Logger,
		maxFrames: int64(sess.Config.Capture.MaxFrames),
		policy:    sess.Config.DesyncPolicy(),
		refs:      1,
	}
}

// OnSample registers an observer called with every tracker sample. Observers
// run on delivery threads and must not block.
func (d *Delegate) OnSample(fn func(journal.Stream, avsync.Sample)) {
	d.obsMu.Lock()
	d.observers = append(d.observers, fn)
	d.obsMu.Unlock()
}

// OnDestroy registers a hook run when the last reference is released
func (d *Delegate) OnDestroy(fn func()) {
	d.refMu.Lock()
	d.onDestroy = append(d.onDestroy, fn)
	d.refMu.Unlock()
}

// State returns the current lifecycle state
func (d *Delegate) State() DelegateState {
	return DelegateState(d.state.Load())
}

// Err returns the fatal error that terminated the delegate, if any
func (d *Delegate) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

// Stats returns a snapshot for status reporting
func (d *Delegate) Stats() DelegateStats {
	return DelegateStats{
		State:          d.State().String(),
		Frames:         d.frames.Load(),
		AudioPackets:   d.audioPackets.Load(),
		VideoBytes:     d.videoBytes.Load(),
		AudioBytes:     d.audioBytes.Load(),
		Dropped:        d.dropped.Load(),
		NoSignal:       d.noSignal.Load(),
		DesyncWarnings: d.desyncWarnings.Load(),
		LastSample:     d.lastSample.Load(),
	}
}

// AddRef adds a reference
func (d *Delegate) AddRef() uint32 {
	d.refMu.Lock()
	defer d.refMu.Unlock()
	d.refs++
	return d.refs
}

// Release drops a reference; the last one destroys the delegate
func (d *Delegate) Release() uint32 {
	d.refMu.Lock()
	if d.refs == 0 {
		d.refMu.Unlock()
		return 0
	}
	d.refs--
	n := d.refs
	var hooks []func()
	if n == 0 {
		hooks = d.onDestroy
		d.onDestroy = nil
	}
	d.refMu.Unlock()

	if n == 0 {
		d.terminate()
		for _, fn := range hooks {
			fn()
		}
	}
	return n
}

// terminate moves to Terminating; it reports whether this call did so
func (d *Delegate) terminate() bool {
	for {
		cur := d.state.Load()
		if DelegateState(cur) == DelegateTerminating {
			return false
		}
		if d.state.CompareAndSwap(cur, int32(DelegateTerminating)) {
			return true
		}
	}
}

func (d *Delegate) terminating() bool {
	return d.State() == DelegateTerminating
}

// VideoInputFormatChanged is reported when format detection sees a new
// signal. The run keeps the configured mode, so this is informational.
func (d *Delegate) VideoInputFormatChanged(events device.FormatChangedEvents, mode device.DisplayMode, flags device.DetectedFormatFlags) error {
	name := "unknown"
	if mode != nil {
		if n, err := mode.Name(); err == nil {
			name = n
		}
	}
	d.log.Debug("capture: input format changed", "events", uint32(events), "mode", name, "detected", uint32(flags))
	return nil
}

// VideoInputFrameArrived handles one delivery. Every borrowed handle is
// released before returning, on every path.
func (d *Delegate) VideoInputFrameArrived(video device.VideoInputFrame, audio device.AudioInputPacket) error {
	if video != nil {
		defer video.Release()
	}
	if audio != nil {
		defer audio.Release()
	}

	if d.terminating() {
		d.drop(video, audio)
		return nil
	}
	d.state.CompareAndSwap(int32(DelegateIdle), int32(DelegateReceiving))

	var stream journal.Stream
	if video != nil && d.handleVideo(video) {
		stream = journal.StreamVideo
	}
	if audio != nil && d.handleAudio(audio) && stream == 0 {
		stream = journal.StreamAudio
	}
	if stream == 0 {
		return nil
	}

	d.evaluate(stream, d.sess.Tracker.Sample())
	return nil
}

func (d *Delegate) drop(video device.VideoInputFrame, audio device.AudioInputPacket) {
	if video != nil {
		d.dropped.Add(1)
	}
	if audio != nil {
		d.dropped.Add(1)
	}
}

func (d *Delegate) handleVideo(frame device.VideoInputFrame) bool {
	d.videoMu.Lock()
	defer d.videoMu.Unlock()

	// the frame that met the budget may have been ahead of us on the mutex
	if d.terminating() {
		d.dropped.Add(1)
		return false
	}

	var right device.VideoFrame
	if ext, ok := frame.(device.Frame3DExtensions); ok {
		if r, err := ext.RightEyeFrame(); err == nil && r != nil {
			right = r
			defer right.Release()
		}
	}

	pts, duration, err := frame.StreamTime(avsync.TimeScale)
	if err != nil {
		d.log.Debug("capture: frame has no stream time", "error", err)
	}

	n := d.frames.Load()
	size := frame.RowBytes() * frame.Height()
	if frame.Flags()&device.FrameHasNoInputSource != 0 {
		d.noSignal.Add(1)
		d.log.Warn("capture: video captured, no input signal detected", "frame", n)
	} else if n%progressEvery == 0 {
		d.log.Info("capture: video captured", "frame", n, "3d", right != nil, "bytes", size)
	}

	if !d.write(d.sess.Video, frame.Bytes(), size, &d.videoBytes) {
		return false
	}
	if right != nil && !d.write(d.sess.Video, right.Bytes(), size, &d.videoBytes) {
		return false
	}

	n = d.frames.Add(1)
	d.sess.Tracker.ObserveVideo(pts, duration)

	if d.maxFrames > 0 && n == d.maxFrames && d.terminate() {
		d.log.Info("capture: frame budget reached", "frames", n)
		d.sess.Signal.RequestShutdown(shutdown.Reason{Cause: shutdown.CauseFrameBudget, Detail: "max_frames reached"})
	}
	return true
}

func (d *Delegate) handleAudio(pkt device.AudioInputPacket) bool {
	d.audioMu.Lock()
	defer d.audioMu.Unlock()

	if d.terminating() {
		d.dropped.Add(1)
		return false
	}

	pts, err := pkt.PacketTime(avsync.TimeScale)
	if err != nil {
		d.log.Debug("capture: packet has no time", "error", err)
	}

	cfg := d.sess.Config.Audio
	size := pkt.SampleFrameCount() * cfg.Channels * (cfg.SampleDepth / 8)
	if !d.write(d.sess.Audio, pkt.Bytes(), size, &d.audioBytes) {
		return false
	}

	d.audioPackets.Add(1)
	d.sess.Tracker.ObserveAudio(pts)
	return true
}

// write writes size bytes of buf. Any sink failure is fatal to the run.
func (d *Delegate) write(s *sink.RawSink, buf []byte, size int, counter *atomic.Int64) bool {
	if size > len(buf) {
		size = len(buf)
	}
	n, err := s.Write(buf[:size])
	counter.Add(int64(n))
	if err != nil {
		d.fail(err)
		return false
	}
	return true
}

func (d *Delegate) fail(err error) {
	d.errMu.Lock()
	if d.err == nil {
		d.err = err
	}
	d.errMu.Unlock()

	if d.terminate() {
		d.log.Error("capture: stream write failed", "error", err)
		d.sess.Signal.RequestShutdown(shutdown.Reason{Cause: shutdown.CauseFatal, Detail: "sink failure", Err: err})
	}
}

// evaluate publishes the sample and applies the desync policy
func (d *Delegate) evaluate(stream journal.Stream, sample avsync.Sample) {
	d.lastSample.Store(&sample)
	d.log.Debug("capture: A-V",
		"pts_delay_ms", sample.PTSDelayMs,
		"count_delay_ms", sample.CountDelayMs,
	)

	d.obsMu.RLock()
	for _, fn := range d.observers {
		fn(stream, sample)
	}
	d.obsMu.RUnlock()

	if !sample.OutOfSync {
		return
	}
	d.desyncWarnings.Add(1)
	d.log.Warn("capture: AV sync exceeds threshold",
		"threshold_ms", d.sess.Tracker.Threshold(),
		"pts_delay_ms", sample.PTSDelayMs,
	)
	if d.policy == avsync.ShutdownOnDesync && d.terminate() {
		d.sess.Signal.RequestShutdown(shutdown.Reason{Cause: shutdown.CauseDesync, Detail: "desync policy", Err: ErrDesync})
	}
}
