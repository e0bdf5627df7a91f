package simulated

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/video-system/go-raw-capture/pkg/device"
)

var (
	errNotEnabled     = errors.New("simulated: no stream enabled")
	errAlreadyRunning = errors.New("simulated: streams already running")
	errUnknownMode    = errors.New("simulated: unknown display mode")
)

type input struct {
	dev  *Device
	prov *Provider

	videoPos  atomic.Int64
	audioPos  atomic.Int64
	lastError atomic.Pointer[error]

	mu           sync.Mutex
	cb           device.InputCallback
	videoEnabled bool
	mode         Mode
	format       device.PixelFormat
	flags        device.VideoInputFlags
	audioEnabled bool
	channels     int
	depth        int
	videoPool    *bufferPool
	audioPool    *bufferPool
	running      bool
	cancel       context.CancelFunc
	wg           *conc.WaitGroup
	reported     bool
}

func newInput(d *Device) *input {
	return &input{dev: d, prov: d.provider}
}

func (in *input) DisplayModes() ([]device.DisplayMode, error) {
	in.prov.record("display-modes")
	if err := in.dev.fail(StepDisplayModes); err != nil {
		return nil, err
	}
	modes := make([]device.DisplayMode, len(in.dev.spec.Modes))
	for i, m := range in.dev.spec.Modes {
		modes[i] = &displayMode{dev: in.dev, mode: m}
	}
	return modes, nil
}

func (in *input) lookup(id device.DisplayModeID) (Mode, bool) {
	for _, m := range in.dev.spec.Modes {
		if m.ID == id {
			return m, true
		}
	}
	return Mode{}, false
}

func (in *input) SupportsVideoMode(id device.DisplayModeID, format device.PixelFormat, flags device.VideoInputFlags) (device.ModeSupport, error) {
	in.prov.record("supports-mode")
	if err := in.dev.fail(StepSupportsMode); err != nil {
		return device.ModeNotSupported, err
	}
	m, ok := in.lookup(id)
	if !ok {
		return device.ModeNotSupported, nil
	}
	dm := &displayMode{dev: in.dev, mode: m}
	if !dm.supports(format) {
		return device.ModeNotSupported, nil
	}
	if flags&device.VideoInputDualStream3D != 0 && m.Flags&device.DisplayModeSupports3D == 0 {
		return device.ModeNotSupported, nil
	}
	return device.ModeSupported, nil
}

func (in *input) SetCallback(cb device.InputCallback) error {
	if cb == nil {
		in.prov.record("clear-callback")
	} else {
		in.prov.record("set-callback")
		if err := in.dev.fail(StepSetCallback); err != nil {
			return err
		}
		cb.AddRef()
	}

	in.mu.Lock()
	old := in.cb
	in.cb = cb
	in.mu.Unlock()

	if old != nil {
		old.Release()
	}
	return nil
}

func (in *input) Configuration() (device.Configuration, error) {
	in.prov.record("configuration")
	if err := in.dev.fail(StepConfiguration); err != nil {
		return nil, err
	}
	return &configuration{dev: in.dev}, nil
}

func (in *input) EnableVideoInput(id device.DisplayModeID, format device.PixelFormat, flags device.VideoInputFlags) error {
	in.prov.record("enable-video")
	if err := in.dev.fail(StepEnableVideo); err != nil {
		return err
	}
	m, ok := in.lookup(id)
	if !ok {
		return fmt.Errorf("%w: 0x%08x", errUnknownMode, uint32(id))
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	in.videoEnabled = true
	in.mode = m
	in.format = format
	in.flags = flags
	in.videoPool = newBufferPool(format.BytesPerRow(m.Width) * m.Height)
	return nil
}

func (in *input) EnableAudioInput(rate device.AudioSampleRate, depth device.AudioSampleType, channels int) error {
	in.prov.record("enable-audio")
	if err := in.dev.fail(StepEnableAudio); err != nil {
		return err
	}
	if rate != device.AudioSampleRate48kHz {
		return fmt.Errorf("simulated: unsupported sample rate %d", rate)
	}
	if depth != device.AudioSampleType16Bit && depth != device.AudioSampleType32Bit {
		return fmt.Errorf("simulated: unsupported sample depth %d", depth)
	}
	if channels != 2 && channels != 8 && channels != 16 {
		return fmt.Errorf("simulated: unsupported channel count %d", channels)
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	in.audioEnabled = true
	in.channels = channels
	in.depth = int(depth)
	return nil
}

func (in *input) DisableVideoInput() error {
	in.prov.record("disable-video")
	in.mu.Lock()
	in.videoEnabled = false
	in.mu.Unlock()
	return nil
}

func (in *input) DisableAudioInput() error {
	in.prov.record("disable-audio")
	in.mu.Lock()
	in.audioEnabled = false
	in.mu.Unlock()
	return nil
}

// samplesPerPacket divides one frame interval of 48 kHz audio into packets
func (in *input) samplesPerPacket() int {
	m := in.mode
	if m.TimeScale == 0 {
		m = Mode{FrameDuration: 1000, TimeScale: 25000}
	}
	n := int(int64(device.AudioSampleRate48kHz) * m.FrameDuration / m.TimeScale)
	return n / in.prov.cfg.AudioPacketsPerFrame
}

func (in *input) StartStreams() error {
	in.prov.record("start")
	if err := in.dev.fail(StepStart); err != nil {
		return err
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.videoEnabled && !in.audioEnabled {
		return errNotEnabled
	}
	if in.running {
		return errAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	in.cancel = cancel
	in.wg = conc.NewWaitGroup()
	in.running = true

	cb := in.cb
	if cb == nil {
		// nothing to deliver to; streams run but frames are discarded
		return nil
	}

	if in.videoEnabled {
		detect := in.flags&device.VideoInputEnableFormatDetection != 0 && in.dev.spec.FormatDetection && !in.reported
		in.reported = in.reported || detect
		in.wg.Go(func() { in.deliverVideo(ctx, cb, detect) })
	}
	if in.audioEnabled {
		samples := in.samplesPerPacket()
		size := samples * in.channels * in.depth / 8
		if in.audioPool == nil || in.audioPool.size != size {
			in.audioPool = newBufferPool(size)
		}
		in.wg.Go(func() { in.deliverAudio(ctx, cb, samples) })
	}
	return nil
}

// halt cancels the delivery goroutines and waits for in-flight callbacks
func (in *input) halt() {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return
	}
	cancel, wg := in.cancel, in.wg
	in.running = false
	in.mu.Unlock()

	cancel()
	wg.Wait()
}

func (in *input) PauseStreams() error {
	in.prov.record("pause")
	in.halt()
	return nil
}

// FlushStreams has nothing to drop; delivery is unbuffered
func (in *input) FlushStreams() error {
	in.prov.record("flush")
	return nil
}

func (in *input) StopStreams() error {
	in.prov.record("stop")
	in.halt()
	in.videoPos.Store(0)
	in.audioPos.Store(0)
	return nil
}

func (in *input) Release() {
	in.halt()
	in.mu.Lock()
	cb := in.cb
	in.cb = nil
	in.mu.Unlock()
	if cb != nil {
		cb.Release()
	}
	in.prov.record("release-input")
}

// LastCallbackError returns the most recent error a callback returned
func (in *input) LastCallbackError() error {
	if p := in.lastError.Load(); p != nil {
		return *p
	}
	return nil
}

func (in *input) noteError(err error) {
	if err != nil {
		in.lastError.Store(&err)
	}
}

func (in *input) interval() time.Duration {
	m := in.mode
	if m.TimeScale == 0 {
		return 40 * time.Millisecond
	}
	return time.Duration(m.FrameDuration) * time.Second / time.Duration(m.TimeScale)
}

// pace blocks for d in realtime mode; it reports false once ctx is done
func (in *input) pace(ctx context.Context, d time.Duration) bool {
	if !in.prov.cfg.Realtime {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (in *input) deliverVideo(ctx context.Context, cb device.InputCallback, detect bool) {
	cfg := in.prov.cfg
	m := in.mode
	rowBytes := in.format.BytesPerRow(m.Width)
	stereo := in.flags&device.VideoInputDualStream3D != 0

	if detect {
		detected := device.DetectedFormatYCbCr422
		if stereo {
			detected |= device.DetectedFormatDualStream3D
		}
		in.noteError(cb.VideoInputFormatChanged(device.FormatChangedDisplayModeChanged, &displayMode{dev: in.dev, mode: m}, detected))
	}

	for ctx.Err() == nil {
		i := in.videoPos.Load()
		if cfg.Frames > 0 && i >= int64(cfg.Frames) {
			return
		}

		var flags device.FrameFlags
		if cfg.NoSignalEvery > 0 && (i+1)%int64(cfg.NoSignalEvery) == 0 {
			flags |= device.FrameHasNoInputSource
		}
		newEye := func(fill byte) *videoFrame {
			return &videoFrame{
				handle:   newHandle(in.videoPool, &in.prov.outstanding, fill),
				width:    m.Width,
				height:   m.Height,
				rowBytes: rowBytes,
				format:   in.format,
				flags:    flags,
			}
		}
		frame := inputFrame{
			videoFrame:    *newEye(byte(i)),
			frameTime:     i * m.FrameDuration,
			frameDuration: m.FrameDuration,
			timeScale:     m.TimeScale,
		}

		var delivered device.VideoInputFrame = &frame
		if stereo {
			fill := ^byte(i)
			delivered = &stereoFrame{inputFrame: frame, right: func() *videoFrame { return newEye(fill) }}
		}
		in.noteError(cb.VideoInputFrameArrived(delivered, nil))
		in.videoPos.Add(1)

		if !in.pace(ctx, in.interval()) {
			return
		}
	}
}

func (in *input) deliverAudio(ctx context.Context, cb device.InputCallback, samples int) {
	cfg := in.prov.cfg
	perFrame := int64(cfg.AudioPacketsPerFrame)
	offset := int64(cfg.AudioOffset) * int64(device.AudioSampleRate48kHz) / int64(time.Second)
	every := in.interval() / time.Duration(perFrame)

	for ctx.Err() == nil {
		k := in.audioPos.Load()
		if cfg.Frames > 0 && k >= int64(cfg.Frames)*perFrame {
			return
		}
		pkt := &audioPacket{
			handle:   newHandle(in.audioPool, &in.prov.outstanding, byte(k)),
			samples:  samples,
			channels: in.channels,
			depth:    in.depth,
			time:     k*int64(samples) + offset,
			scale:    int64(device.AudioSampleRate48kHz),
		}
		in.noteError(cb.VideoInputFrameArrived(nil, pkt))
		in.audioPos.Add(1)

		if !in.pace(ctx, every) {
			return
		}
	}
}

type configuration struct {
	dev *Device
}

func (c *configuration) SetVideoInputConnection(conn device.VideoConnection) error {
	c.dev.provider.record("video-connection:" + conn.String())
	if err := c.dev.fail(StepVideoConnection); err != nil {
		return err
	}
	if !conn.Valid() || conn == device.VideoConnectionUnset {
		return fmt.Errorf("simulated: invalid video connection %d", int(conn))
	}
	return nil
}

func (c *configuration) SetAudioInputConnection(conn device.AudioConnection) error {
	c.dev.provider.record("audio-connection:" + conn.String())
	if err := c.dev.fail(StepAudioConnection); err != nil {
		return err
	}
	if !conn.Valid() || conn == device.AudioConnectionUnset {
		return fmt.Errorf("simulated: invalid audio connection %d", int(conn))
	}
	return nil
}

func (c *configuration) Release() {
	c.dev.provider.record("release-configuration")
}
