package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/video-system/go-raw-capture/pkg/avsync"
	"github.com/video-system/go-raw-capture/pkg/device"
	"github.com/video-system/go-raw-capture/pkg/journal"
	"github.com/video-system/go-raw-capture/pkg/shutdown"
)

// Controller drives one capture run: it negotiates the device, registers the
// delegate, runs the start/wait/pause loop and tears everything down in
// reverse order.
type Controller struct {
	provider device.Provider
	sess     *Session
	log      *slog.Logger
	banner   io.Writer

	running atomic.Bool

	mu         sync.RWMutex
	state      RunState
	deviceName string
	modeName   string
	startedAt  time.Time
	restarts   int
	delegate   *Delegate

	hooksMu   sync.Mutex
	onStarted []func()
	onSample  []func(journal.Stream, avsync.Sample)
}

// NewController creates a controller for sess using devices from provider
func NewController(provider device.Provider, sess *Session) *Controller {
	return &Controller{
		provider: provider,
		sess:     sess,
		log:      sess.Logger,
		banner:   os.Stderr,
		state:    StateSetup,
	}
}

// SetBannerOutput redirects the configuration banner; nil disables it
func (c *Controller) SetBannerOutput(w io.Writer) {
	c.banner = w
}

// OnStarted registers a callback run once streams first start
func (c *Controller) OnStarted(fn func()) {
	c.hooksMu.Lock()
	c.onStarted = append(c.onStarted, fn)
	c.hooksMu.Unlock()
}

// OnSample registers a sync sample observer for every delegate this
// controller creates. Observers run on delivery threads and must not block.
func (c *Controller) OnSample(fn func(journal.Stream, avsync.Sample)) {
	c.hooksMu.Lock()
	c.onSample = append(c.onSample, fn)
	c.hooksMu.Unlock()
}

// Session returns the session the controller runs
func (c *Controller) Session() *Session {
	return c.sess
}

// releaser records acquired resources for reverse-order teardown
type releaser struct {
	log   *slog.Logger
	names []string
	fns   []func() error
}

func (r *releaser) push(name string, fn func() error) {
	r.names = append(r.names, name)
	r.fns = append(r.fns, fn)
}

func (r *releaser) pushRelease(name string, fn func()) {
	r.push(name, func() error { fn(); return nil })
}

func (r *releaser) run() {
	for i := len(r.fns) - 1; i >= 0; i-- {
		if err := r.fns[i](); err != nil {
			r.log.Warn("capture: teardown step failed", "step", r.names[i], "error", err)
		}
	}
	r.fns, r.names = nil, nil
}

// Run performs setup, captures until shutdown is requested and tears down.
// It returns nil after a normal shutdown, a *SetupError when negotiation
// fails, the sink error when a stream file could not be written and ErrDesync
// when the desync policy stopped the run.
func (c *Controller) Run(ctx context.Context) (err error) {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	sess := c.sess
	cfg := &sess.Config

	stopBinding := sess.Signal.BindContext(ctx)
	defer stopBinding()

	rel := &releaser{log: c.log}
	defer func() {
		rel.run()
		if closeErr := sess.Close(); closeErr != nil {
			c.log.Warn("capture: closing outputs failed", "error", closeErr)
			if err == nil {
				err = closeErr
			}
		}
		if err != nil {
			c.setState(StateFailed)
		} else {
			c.setState(StateStopped)
		}
		c.log.Info("capture: run finished", "error", err)
	}()

	// 1. device
	devices, err := c.provider.Devices()
	if err != nil {
		return setupErr(StepDevice, c.provider.Name(), wrapf(ErrDeviceNotFound, err))
	}
	idx := cfg.Device.Index
	if idx >= len(devices) {
		for _, d := range devices {
			d.Release()
		}
		return setupErr(StepDevice, fmt.Sprintf("%s device %d", c.provider.Name(), idx), ErrDeviceNotFound)
	}
	dev := devices[idx]
	for i, d := range devices {
		if i != idx {
			d.Release()
		}
	}
	rel.pushRelease("device", dev.Release)
	c.mu.Lock()
	c.deviceName = dev.DisplayName()
	c.mu.Unlock()

	// 2. input
	input, err := dev.Input()
	if err != nil {
		return setupErr(StepInput, dev.DisplayName(), wrapf(ErrNoInputInterface, err))
	}
	rel.pushRelease("input", input.Release)

	// 3. display mode
	flags := device.VideoInputFlagDefault
	if cfg.Device.Stereo3D {
		flags |= device.VideoInputDualStream3D
	}
	modeIdx := cfg.Device.DisplayMode
	if cfg.AutoDetect() {
		attrs, err := dev.Attributes()
		if err != nil {
			return setupErr(StepDisplayMode, dev.DisplayName(), wrapf(ErrFormatDetectionUnsupported, err))
		}
		rel.pushRelease("attributes", attrs.Release)

		supported, err := attrs.Flag(device.AttributeSupportsInputFormatDetection)
		if err != nil || !supported {
			return setupErr(StepDisplayMode, dev.DisplayName(), wrapf(ErrFormatDetectionUnsupported, err))
		}
		flags |= device.VideoInputEnableFormatDetection
		modeIdx = 0
	}

	modes, err := input.DisplayModes()
	if err != nil {
		return setupErr(StepDisplayMode, dev.DisplayName(), wrapf(ErrDisplayModeNotFound, err))
	}
	if modeIdx >= len(modes) {
		for _, m := range modes {
			m.Release()
		}
		return setupErr(StepDisplayMode, fmt.Sprintf("index %d", modeIdx), ErrDisplayModeNotFound)
	}
	mode := modes[modeIdx]
	for i, m := range modes {
		if i != modeIdx {
			m.Release()
		}
	}
	rel.pushRelease("display mode", mode.Release)

	modeName, err := mode.Name()
	if err != nil {
		modeName = fmt.Sprintf("[index %d]", modeIdx)
	}
	c.mu.Lock()
	c.modeName = modeName
	c.mu.Unlock()

	// 4. mode support
	pixelFormat := cfg.PixelFormat()
	support, err := input.SupportsVideoMode(mode.ID(), pixelFormat, device.VideoInputFlagDefault)
	if err != nil || support == device.ModeNotSupported {
		return setupErr(StepModeSupport, fmt.Sprintf("%s, %s", modeName, pixelFormat), wrapf(ErrModeUnsupported, err))
	}
	if cfg.Device.Stereo3D && mode.Flags()&device.DisplayModeSupports3D == 0 {
		return setupErr(StepModeSupport, modeName, ErrMode3DUnsupported)
	}

	// 5. banner and callback
	if c.banner != nil {
		fmt.Fprintln(c.banner, configurationBanner(cfg, dev.DisplayName(), modeName))
	}
	delegate := NewDelegate(sess)
	c.hooksMu.Lock()
	for _, fn := range c.onSample {
		delegate.OnSample(fn)
	}
	c.hooksMu.Unlock()
	rel.pushRelease("delegate", func() { delegate.Release() })
	c.mu.Lock()
	c.delegate = delegate
	c.mu.Unlock()

	if err := input.SetCallback(delegate); err != nil {
		return setupErr(StepCallback, dev.DisplayName(), err)
	}
	rel.push("callback", func() error { return input.SetCallback(nil) })

	// 6. connectors
	if vc, ac := cfg.VideoConnection(), cfg.AudioConnection(); vc != device.VideoConnectionUnset || ac != device.AudioConnectionUnset {
		conf, err := input.Configuration()
		if err != nil {
			return setupErr(StepConnectors, dev.DisplayName(), err)
		}
		rel.pushRelease("configuration", conf.Release)

		if vc != device.VideoConnectionUnset {
			if err := conf.SetVideoInputConnection(vc); err != nil {
				return setupErr(StepConnectors, "video "+vc.String(), err)
			}
		}
		if ac != device.AudioConnectionUnset {
			if err := conf.SetAudioInputConnection(ac); err != nil {
				return setupErr(StepConnectors, "audio "+ac.String(), err)
			}
		}
	}

	// 7. enable streams
	if err := input.EnableVideoInput(mode.ID(), pixelFormat, flags); err != nil {
		return setupErr(StepEnableStreams, "video "+modeName, err)
	}
	rel.push("disable video", input.DisableVideoInput)

	depth := device.AudioSampleType(cfg.Audio.SampleDepth)
	if err := input.EnableAudioInput(device.AudioSampleRate48kHz, depth, cfg.Audio.Channels); err != nil {
		return setupErr(StepEnableStreams, fmt.Sprintf("audio %d ch", cfg.Audio.Channels), err)
	}
	rel.push("disable audio", input.DisableAudioInput)

	j, err := sess.OpenJournal()
	if err != nil {
		return err
	}
	if j != nil {
		delegate.OnSample(func(stream journal.Stream, sample avsync.Sample) {
			if err := j.Append(stream, sample); err != nil {
				c.log.Warn("capture: journal append failed", "error", err)
			}
		})
	}

	// 8. capture loop
	started := false
	for {
		if err := input.StartStreams(); err != nil {
			return setupErr(StepStart, dev.DisplayName(), err)
		}
		if !started {
			started = true
			rel.push("stop streams", input.StopStreams)
			c.markStarted()
		} else {
			c.mu.Lock()
			c.restarts++
			c.mu.Unlock()
		}
		c.setState(StateCapturing)
		c.log.Info("capture: streams started", "device", dev.DisplayName(), "mode", modeName)

		exit := sess.Signal.Wait()

		if err := input.PauseStreams(); err != nil {
			c.log.Warn("capture: pause failed", "error", err)
		}
		if err := input.FlushStreams(); err != nil {
			c.log.Warn("capture: flush failed", "error", err)
		}
		if exit {
			break
		}
		c.log.Info("capture: woken without shutdown, restarting streams")
	}

	c.setState(StateStopping)
	reason := sess.Signal.Reason()
	c.log.Info("capture: shutdown requested", "reason", reason.String())

	switch reason.Cause {
	case shutdown.CauseFatal:
		if reason.Err != nil {
			return reason.Err
		}
		return errors.New("capture: fatal error")
	case shutdown.CauseDesync:
		return ErrDesync
	}
	return nil
}

func (c *Controller) markStarted() {
	c.mu.Lock()
	c.startedAt = time.Now()
	c.mu.Unlock()

	c.hooksMu.Lock()
	hooks := c.onStarted
	c.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (c *Controller) setState(s RunState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Started reports whether streams were started at least once
func (c *Controller) Started() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.startedAt.IsZero()
}

// Status returns a snapshot of the run
func (c *Controller) Status() Status {
	c.mu.RLock()
	st := Status{
		RunID:       c.sess.ID,
		State:       c.state,
		Device:      c.deviceName,
		DisplayMode: c.modeName,
		PixelFormat: c.sess.Config.PixelFormat().String(),
		Stereo3D:    c.sess.Config.Device.Stereo3D,
		Restarts:    c.restarts,
		VideoSink:   c.sess.Video.Stats(),
		AudioSink:   c.sess.Audio.Stats(),
	}
	if !c.startedAt.IsZero() {
		t := c.startedAt
		st.StartedAt = &t
	}
	d := c.delegate
	c.mu.RUnlock()

	if d != nil {
		stats := d.Stats()
		st.Capture = &stats
	}
	if c.sess.Signal.Requested() {
		st.Shutdown = c.sess.Signal.Reason().String()
	}
	return st
}

// RequestStop asks the run to shut down
func (c *Controller) RequestStop(detail string) bool {
	return c.sess.Signal.RequestShutdown(shutdown.Reason{Cause: shutdown.CauseAPI, Detail: detail})
}

// Wake pauses, flushes and restarts the streams without ending the run
func (c *Controller) Wake() {
	c.sess.Signal.Wake()
}
