//go:build gst

package gst

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/video-system/go-raw-capture/pkg/device"
)

func init() {
	device.Register(BackendName, func(opts device.Options) (device.Provider, error) {
		return NewProvider(opts)
	})
}

// Provider enumerates DeckLink devices through GStreamer
type Provider struct {
	count int
}

// NewProvider initializes GStreamer. The "devices" option sets how many
// DeckLink sub-devices to expose (default 1).
func NewProvider(opts device.Options) (*Provider, error) {
	gst.Init(nil)

	probe, err := gst.NewElement("decklinkvideosrc")
	if err != nil {
		return nil, fmt.Errorf("gst: decklink plugin not available: %w", err)
	}
	probe.SetState(gst.StateNull)

	count := 1
	if v, ok := opts["devices"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("gst: option devices: invalid value %q", v)
		}
		count = n
	}
	return &Provider{count: count}, nil
}

func (p *Provider) Name() string { return BackendName }

func (p *Provider) Devices() ([]device.Device, error) {
	out := make([]device.Device, p.count)
	for i := range out {
		out[i] = &Device{number: i}
	}
	return out, nil
}

func (p *Provider) Close() error { return nil }

// Device is one decklink device-number
type Device struct {
	number int
}

func (d *Device) ModelName() string   { return "DeckLink" }
func (d *Device) DisplayName() string { return fmt.Sprintf("DeckLink (device-number %d)", d.number) }

func (d *Device) Input() (device.Input, error) {
	return &input{cfg: streamConfig{deviceNumber: d.number}}, nil
}

func (d *Device) Attributes() (device.Attributes, error) {
	return attributes{}, nil
}

func (d *Device) Release() {}

type attributes struct{}

// decklinkvideosrc supports mode=auto but exposes no dual-stream 3D output
func (attributes) Flag(attr device.Attribute) (bool, error) {
	switch attr {
	case device.AttributeSupportsInputFormatDetection:
		return true, nil
	case device.AttributeSupportsDualStream3D:
		return false, nil
	}
	return false, fmt.Errorf("gst: unknown attribute %d", attr)
}

func (attributes) Release() {}

type displayMode struct {
	info modeInfo
}

func (m displayMode) ID() device.DisplayModeID       { return m.info.id }
func (m displayMode) Name() (string, error)          { return m.info.name, nil }
func (m displayMode) Width() int                     { return m.info.width }
func (m displayMode) Height() int                    { return m.info.height }
func (m displayMode) FrameRate() (int64, int64)      { return m.info.duration, m.info.scale }
func (m displayMode) Flags() device.DisplayModeFlags { return m.info.flags }
func (m displayMode) Release()                       {}

type input struct {
	// cbMu is separate from mu: state changes hold mu while GStreamer
	// drains its streaming threads, which read the callback
	cbMu sync.RWMutex
	cb   device.InputCallback

	mu       sync.Mutex
	cfg      streamConfig
	pipeline *gst.Pipeline
	cancel   context.CancelFunc
	wg       *conc.WaitGroup

	videoFrames  atomic.Int64
	audioSamples atomic.Int64
}

func (in *input) DisplayModes() ([]device.DisplayMode, error) {
	out := make([]device.DisplayMode, len(modes))
	for i, m := range modes {
		out[i] = displayMode{info: m}
	}
	return out, nil
}

func (in *input) SupportsVideoMode(id device.DisplayModeID, format device.PixelFormat, flags device.VideoInputFlags) (device.ModeSupport, error) {
	if _, ok := lookupMode(id); !ok {
		return device.ModeNotSupported, nil
	}
	if _, err := videoFormatNick(format); err != nil {
		return device.ModeNotSupported, nil
	}
	if flags&device.VideoInputDualStream3D != 0 {
		return device.ModeNotSupported, nil
	}
	return device.ModeSupported, nil
}

func (in *input) SetCallback(cb device.InputCallback) error {
	if cb != nil {
		cb.AddRef()
	}
	in.cbMu.Lock()
	old := in.cb
	in.cb = cb
	in.cbMu.Unlock()
	if old != nil {
		old.Release()
	}
	return nil
}

func (in *input) Configuration() (device.Configuration, error) {
	return &configuration{in: in}, nil
}

func (in *input) EnableVideoInput(id device.DisplayModeID, format device.PixelFormat, flags device.VideoInputFlags) error {
	m, ok := lookupMode(id)
	if !ok {
		return fmt.Errorf("gst: unknown display mode 0x%08x", uint32(id))
	}
	if _, err := videoFormatNick(format); err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.cfg.video = true
	in.cfg.mode = m
	in.cfg.format = format
	in.cfg.autoDetect = flags&device.VideoInputEnableFormatDetection != 0
	return nil
}

func (in *input) EnableAudioInput(rate device.AudioSampleRate, depth device.AudioSampleType, channels int) error {
	if rate != device.AudioSampleRate48kHz {
		return fmt.Errorf("gst: unsupported sample rate %d", rate)
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.cfg.audio = true
	in.cfg.depth = int(depth)
	in.cfg.channels = channels
	return nil
}

func (in *input) DisableVideoInput() error {
	in.mu.Lock()
	in.cfg.video = false
	in.mu.Unlock()
	return nil
}

func (in *input) DisableAudioInput() error {
	in.mu.Lock()
	in.cfg.audio = false
	in.mu.Unlock()
	return nil
}

func (in *input) build() error {
	line, err := launchLine(in.cfg)
	if err != nil {
		return err
	}
	pipeline, err := gst.NewPipelineFromString(line)
	if err != nil {
		return fmt.Errorf("gst: failed to create pipeline: %w", err)
	}

	if in.cfg.video {
		elem, err := pipeline.GetElementByName("video")
		if err != nil {
			return fmt.Errorf("gst: video appsink: %w", err)
		}
		app.SinkFromElement(elem).SetCallbacks(&app.SinkCallbacks{
			NewSampleFunc: in.onVideoSample,
		})
	}
	if in.cfg.audio {
		elem, err := pipeline.GetElementByName("audio")
		if err != nil {
			return fmt.Errorf("gst: audio appsink: %w", err)
		}
		app.SinkFromElement(elem).SetCallbacks(&app.SinkCallbacks{
			NewSampleFunc: in.onAudioSample,
		})
	}

	slog.Debug("gst: pipeline created", "launch", line)
	in.pipeline = pipeline
	return nil
}

func (in *input) StartStreams() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.pipeline == nil {
		if err := in.build(); err != nil {
			return err
		}
	}
	if err := in.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gst: failed to start pipeline: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	in.cancel = cancel
	in.wg = conc.NewWaitGroup()
	bus := in.pipeline.GetPipelineBus()
	in.wg.Go(func() { watchBus(ctx, bus) })
	return nil
}

func (in *input) stopWatching() {
	if in.cancel != nil {
		in.cancel()
		in.wg.Wait()
		in.cancel = nil
	}
}

func (in *input) PauseStreams() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.pipeline == nil {
		return nil
	}
	in.stopWatching()
	return in.pipeline.SetState(gst.StatePaused)
}

// FlushStreams is a no-op; appsink holds no queued buffers with sync=false
func (in *input) FlushStreams() error {
	return nil
}

func (in *input) StopStreams() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.pipeline == nil {
		return nil
	}
	in.stopWatching()
	err := in.pipeline.SetState(gst.StateNull)
	in.pipeline = nil
	in.videoFrames.Store(0)
	in.audioSamples.Store(0)
	return err
}

func (in *input) Release() {
	in.StopStreams()
	in.SetCallback(nil)
}

func (in *input) callback() device.InputCallback {
	in.cbMu.RLock()
	defer in.cbMu.RUnlock()
	return in.cb
}

func (in *input) onVideoSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gst: failed to pull video sample")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)

	m := in.cfg.mode
	n := in.videoFrames.Add(1) - 1
	frame := &videoFrame{
		data:     mapInfo.Bytes(),
		width:    m.width,
		height:   m.height,
		rowBytes: in.cfg.format.BytesPerRow(m.width),
		format:   in.cfg.format,
		time:     n * m.duration,
		duration: m.duration,
		scale:    m.scale,
		unmap:    buffer.Unmap,
	}

	cb := in.callback()
	if cb == nil {
		frame.Release()
		return gst.FlowOK
	}
	if err := cb.VideoInputFrameArrived(frame, nil); err != nil {
		slog.Warn("gst: video callback failed", "error", err)
	}
	return gst.FlowOK
}

func (in *input) onAudioSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gst: failed to pull audio sample")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()

	frameBytes := in.cfg.channels * in.cfg.depth / 8
	samples := 0
	if frameBytes > 0 {
		samples = len(data) / frameBytes
	}
	start := in.audioSamples.Add(int64(samples)) - int64(samples)
	pkt := &audioPacket{
		data:     data,
		samples:  samples,
		channels: in.cfg.channels,
		depth:    in.cfg.depth,
		time:     start,
		unmap:    buffer.Unmap,
	}

	cb := in.callback()
	if cb == nil {
		pkt.Release()
		return gst.FlowOK
	}
	if err := cb.VideoInputFrameArrived(nil, pkt); err != nil {
		slog.Warn("gst: audio callback failed", "error", err)
	}
	return gst.FlowOK
}

func watchBus(ctx context.Context, bus *gst.Bus) {
	for ctx.Err() == nil {
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("gst: pipeline error", "error", gerr.Error())
		case gst.MessageEOS:
			slog.Warn("gst: end of stream")
			return
		}
	}
}

// videoFrame borrows the mapped GstBuffer; Release unmaps it
type videoFrame struct {
	data     []byte
	width    int
	height   int
	rowBytes int
	format   device.PixelFormat
	time     int64
	duration int64
	scale    int64
	unmap    func()
	once     sync.Once
}

func (f *videoFrame) Width() int                      { return f.width }
func (f *videoFrame) Height() int                     { return f.height }
func (f *videoFrame) RowBytes() int                   { return f.rowBytes }
func (f *videoFrame) PixelFormat() device.PixelFormat { return f.format }
func (f *videoFrame) Flags() device.FrameFlags        { return device.FrameFlagDefault }
func (f *videoFrame) Bytes() []byte                   { return f.data }
func (f *videoFrame) Release()                        { f.once.Do(f.unmap) }

func (f *videoFrame) StreamTime(scale int64) (int64, int64, error) {
	if f.scale == 0 {
		return 0, 0, errors.New("gst: frame has no time base")
	}
	return f.time * scale / f.scale, f.duration * scale / f.scale, nil
}

type audioPacket struct {
	data     []byte
	samples  int
	channels int
	depth    int
	time     int64 // in samples at 48 kHz
	unmap    func()
	once     sync.Once
}

func (p *audioPacket) SampleFrameCount() int { return p.samples }
func (p *audioPacket) Channels() int         { return p.channels }
func (p *audioPacket) SampleDepth() int      { return p.depth }
func (p *audioPacket) Bytes() []byte         { return p.data }
func (p *audioPacket) Release()              { p.once.Do(p.unmap) }

func (p *audioPacket) PacketTime(scale int64) (int64, error) {
	return p.time * scale / int64(device.AudioSampleRate48kHz), nil
}

type configuration struct {
	in *input
}

func (c *configuration) SetVideoInputConnection(conn device.VideoConnection) error {
	c.in.mu.Lock()
	c.in.cfg.videoConn = conn
	c.in.mu.Unlock()
	return nil
}

func (c *configuration) SetAudioInputConnection(conn device.AudioConnection) error {
	c.in.mu.Lock()
	c.in.cfg.audioConn = conn
	c.in.mu.Unlock()
	return nil
}

func (c *configuration) Release() {}
