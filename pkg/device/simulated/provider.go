// Package simulated is a device backend that synthesizes frames and audio
// packets in memory. It delivers video and audio from separate goroutines the
// way capture hardware drivers do, which makes it the backend used for dry
// runs and for exercising the capture core in tests.
package simulated

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/video-system/go-raw-capture/pkg/device"
)

// BackendName is the registry name of this backend
const BackendName = "simulated"

func init() {
	device.Register(BackendName, func(opts device.Options) (device.Provider, error) {
		cfg, err := ConfigFromOptions(opts)
		if err != nil {
			return nil, err
		}
		return New(cfg), nil
	})
}

// Step names a fallible device operation for failure injection
type Step string

const (
	StepInput           Step = "input"
	StepAttributes      Step = "attributes"
	StepDisplayModes    Step = "display-modes"
	StepModeName        Step = "mode-name"
	StepSupportsMode    Step = "supports-mode"
	StepSetCallback     Step = "set-callback"
	StepConfiguration   Step = "configuration"
	StepVideoConnection Step = "video-connection"
	StepAudioConnection Step = "audio-connection"
	StepEnableVideo     Step = "enable-video"
	StepEnableAudio     Step = "enable-audio"
	StepStart           Step = "start"
)

// Mode is a synthetic display mode
type Mode struct {
	ID            device.DisplayModeID
	Name          string
	Width         int
	Height        int
	FrameDuration int64 // in TimeScale units
	TimeScale     int64
	Flags         device.DisplayModeFlags
	// Formats restricts supported pixel formats; empty accepts all
	Formats []device.PixelFormat
}

// DeviceSpec describes one synthetic device
type DeviceSpec struct {
	Model           string
	Modes           []Mode
	FormatDetection bool
	Fail            map[Step]error
}

// Config configures the simulated backend
type Config struct {
	Devices []DeviceSpec
	// Frames delivered before the source runs dry; 0 delivers until stopped
	Frames int
	// AudioPacketsPerFrame audio packets are generated per video frame
	AudioPacketsPerFrame int
	// NoSignalEvery marks every Nth frame as having no input source
	NoSignalEvery int
	// AudioOffset is added to every audio packet time
	AudioOffset time.Duration
	// Realtime paces delivery at the mode frame rate
	Realtime bool
}

// DefaultModes mirrors a typical SDI/HDMI capture card mode list
func DefaultModes() []Mode {
	return []Mode{
		{ID: 0x6e747363, Name: "NTSC", Width: 720, Height: 486, FrameDuration: 1001, TimeScale: 30000},
		{ID: 0x70616c20, Name: "PAL", Width: 720, Height: 576, FrameDuration: 1000, TimeScale: 25000},
		{ID: 0x48703235, Name: "HD 1080p 25", Width: 1920, Height: 1080, FrameDuration: 1000, TimeScale: 25000, Flags: device.DisplayModeSupports3D},
		{ID: 0x48703330, Name: "HD 1080p 30", Width: 1920, Height: 1080, FrameDuration: 1000, TimeScale: 30000, Flags: device.DisplayModeSupports3D},
		{ID: 0x48693530, Name: "HD 1080i 50", Width: 1920, Height: 1080, FrameDuration: 1000, TimeScale: 25000},
		{ID: 0x68703530, Name: "HD 720p 50", Width: 1280, Height: 720, FrameDuration: 1000, TimeScale: 50000},
		{ID: 0x346b3235, Name: "4K 2160p 25", Width: 3840, Height: 2160, FrameDuration: 1000, TimeScale: 25000, Formats: []device.PixelFormat{device.PixelFormat8BitYUV, device.PixelFormat10BitYUV}},
	}
}

// DefaultConfig returns one format-detecting device with DefaultModes
func DefaultConfig() Config {
	return Config{
		Devices: []DeviceSpec{
			{Model: "Simulated DeckLink Mini Recorder", Modes: DefaultModes(), FormatDetection: true},
		},
		AudioPacketsPerFrame: 1,
		Realtime:             true,
	}
}

// ConfigFromOptions builds a config from backend options:
// frames, audio_per_frame, no_signal_every, audio_offset_ms, realtime,
// format_detection.
func ConfigFromOptions(opts device.Options) (Config, error) {
	cfg := DefaultConfig()

	ints := map[string]*int{
		"frames":          &cfg.Frames,
		"audio_per_frame": &cfg.AudioPacketsPerFrame,
		"no_signal_every": &cfg.NoSignalEvery,
	}
	for key, dst := range ints {
		if v, ok := opts[key]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return Config{}, fmt.Errorf("simulated: option %s: %w", key, err)
			}
			*dst = n
		}
	}
	if v, ok := opts["audio_offset_ms"]; ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("simulated: option audio_offset_ms: %w", err)
		}
		cfg.AudioOffset = time.Duration(ms) * time.Millisecond
	}
	if v, ok := opts["realtime"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("simulated: option realtime: %w", err)
		}
		cfg.Realtime = b
	}
	if v, ok := opts["format_detection"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("simulated: option format_detection: %w", err)
		}
		for i := range cfg.Devices {
			cfg.Devices[i].FormatDetection = b
		}
	}
	return cfg, nil
}

// Provider is the simulated backend
type Provider struct {
	cfg Config

	outstanding atomic.Int64

	mu      sync.Mutex
	calls   []string
	devices []*Device
}

// New creates a simulated provider
func New(cfg Config) *Provider {
	if cfg.AudioPacketsPerFrame <= 0 {
		cfg.AudioPacketsPerFrame = 1
	}
	p := &Provider{cfg: cfg}
	for i, spec := range cfg.Devices {
		p.devices = append(p.devices, &Device{provider: p, index: i, spec: spec})
	}
	return p
}

// Name returns the backend name
func (p *Provider) Name() string {
	return BackendName
}

// Devices enumerates the configured devices
func (p *Provider) Devices() ([]device.Device, error) {
	p.record("devices")
	out := make([]device.Device, len(p.devices))
	for i, d := range p.devices {
		out[i] = d
	}
	return out, nil
}

// Close is a no-op
func (p *Provider) Close() error {
	return nil
}

// Outstanding returns the number of delivered frames and packets not yet
// released by the callback
func (p *Provider) Outstanding() int64 {
	return p.outstanding.Load()
}

// Calls returns the device operations performed so far, in order
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *Provider) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

// Device is a simulated capture device
type Device struct {
	provider *Provider
	index    int
	spec     DeviceSpec
}

// ModelName returns the configured model
func (d *Device) ModelName() string {
	return d.spec.Model
}

// DisplayName returns the model with the device index
func (d *Device) DisplayName() string {
	return fmt.Sprintf("%s (%d)", d.spec.Model, d.index)
}

// Input acquires the capture input of the device
func (d *Device) Input() (device.Input, error) {
	d.provider.record("input")
	if err := d.fail(StepInput); err != nil {
		return nil, err
	}
	return newInput(d), nil
}

// Attributes acquires the capability flags of the device
func (d *Device) Attributes() (device.Attributes, error) {
	d.provider.record("attributes")
	if err := d.fail(StepAttributes); err != nil {
		return nil, err
	}
	return &attributes{dev: d}, nil
}

// Release records the release
func (d *Device) Release() {
	d.provider.record("release-device")
}

func (d *Device) fail(step Step) error {
	if d.spec.Fail == nil {
		return nil
	}
	return d.spec.Fail[step]
}

type attributes struct {
	dev *Device
}

func (a *attributes) Flag(attr device.Attribute) (bool, error) {
	switch attr {
	case device.AttributeSupportsInputFormatDetection:
		return a.dev.spec.FormatDetection, nil
	case device.AttributeSupportsDualStream3D:
		for _, m := range a.dev.spec.Modes {
			if m.Flags&device.DisplayModeSupports3D != 0 {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("simulated: unknown attribute %d", attr)
	}
}

func (a *attributes) Release() {
	a.dev.provider.record("release-attributes")
}

type displayMode struct {
	dev  *Device
	mode Mode
}

func (m *displayMode) ID() device.DisplayModeID { return m.mode.ID }

func (m *displayMode) Name() (string, error) {
	if err := m.dev.fail(StepModeName); err != nil {
		return "", err
	}
	return m.mode.Name, nil
}

func (m *displayMode) Width() int { return m.mode.Width }

func (m *displayMode) Height() int { return m.mode.Height }

func (m *displayMode) FrameRate() (int64, int64) { return m.mode.FrameDuration, m.mode.TimeScale }

func (m *displayMode) Flags() device.DisplayModeFlags { return m.mode.Flags }

func (m *displayMode) Release() {}

func (m *displayMode) supports(format device.PixelFormat) bool {
	if len(m.mode.Formats) == 0 {
		return true
	}
	for _, f := range m.mode.Formats {
		if f == format {
			return true
		}
	}
	return false
}
