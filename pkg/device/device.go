// Package device describes the capture subsystem the capture core talks to:
// device enumeration, the input capability, display modes, connector
// configuration and the asynchronously delivered frames and packets.
//
// Backends register themselves by name; the capture core only ever sees the
// interfaces declared here.
package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Borrowed handles.
//
// Every VideoInputFrame and AudioInputPacket handed to an InputCallback holds
// one reference owned by the callback. The callback must Release it before
// returning; a backend may recycle the buffer after the final Release, so
// byte slices must not be retained either.

// Provider enumerates the devices of one backend
type Provider interface {
	Name() string
	Devices() ([]Device, error)
	Close() error
}

// Device is a single attached capture card or sub-device
type Device interface {
	ModelName() string
	DisplayName() string

	// Input acquires the capture capability of the device
	Input() (Input, error)
	// Attributes acquires the capability flag interface
	Attributes() (Attributes, error)

	Release()
}

// Attributes answers capability flag queries
type Attributes interface {
	Flag(attr Attribute) (bool, error)
	Release()
}

// Input is the capture capability of a device
type Input interface {
	DisplayModes() ([]DisplayMode, error)
	SupportsVideoMode(mode DisplayModeID, format PixelFormat, flags VideoInputFlags) (ModeSupport, error)
	SetCallback(cb InputCallback) error
	Configuration() (Configuration, error)

	EnableVideoInput(mode DisplayModeID, format PixelFormat, flags VideoInputFlags) error
	EnableAudioInput(rate AudioSampleRate, depth AudioSampleType, channels int) error
	DisableVideoInput() error
	DisableAudioInput() error

	StartStreams() error
	PauseStreams() error
	FlushStreams() error
	StopStreams() error

	Release()
}

// Configuration selects physical input connectors
type Configuration interface {
	SetVideoInputConnection(conn VideoConnection) error
	SetAudioInputConnection(conn AudioConnection) error
	Release()
}

// DisplayMode is one resolution/frame rate/scan combination
type DisplayMode interface {
	ID() DisplayModeID
	Name() (string, error)
	Width() int
	Height() int
	// FrameRate returns the frame duration and time scale (e.g. 1001/30000)
	FrameRate() (duration, scale int64)
	Flags() DisplayModeFlags
	Release()
}

// VideoFrame is a buffer of pixels
type VideoFrame interface {
	Width() int
	Height() int
	RowBytes() int
	PixelFormat() PixelFormat
	Flags() FrameFlags
	Bytes() []byte
	Release()
}

// VideoInputFrame is a delivered frame with stream timing
type VideoInputFrame interface {
	VideoFrame
	// StreamTime returns the frame time and duration at the given time scale
	StreamTime(scale int64) (frameTime, frameDuration int64, err error)
}

// Frame3DExtensions is implemented by frames captured in dual-stream 3D mode.
// Frames without it are monoscopic.
type Frame3DExtensions interface {
	// RightEyeFrame returns the right-eye buffer; the caller releases it
	RightEyeFrame() (VideoFrame, error)
}

// AudioInputPacket is a delivered block of interleaved PCM samples
type AudioInputPacket interface {
	SampleFrameCount() int
	Channels() int
	SampleDepth() int // bits per sample
	Bytes() []byte
	PacketTime(scale int64) (int64, error)
	Release()
}

// InputCallback receives frames and format changes from a started input.
// It is invoked from backend delivery threads, possibly concurrently.
type InputCallback interface {
	// VideoInputFrameArrived delivers a video frame, an audio packet or both;
	// either may be nil.
	VideoInputFrameArrived(video VideoInputFrame, audio AudioInputPacket) error
	VideoInputFormatChanged(events FormatChangedEvents, mode DisplayMode, flags DetectedFormatFlags) error

	// The backend holds its own reference to the callback while registered.
	AddRef() uint32
	Release() uint32
}

// Options are backend-specific open options
type Options map[string]string

// Factory opens a provider
type Factory func(opts Options) (Provider, error)

var (
	ErrUnknownBackend = errors.New("unknown device backend")
	// ErrNotAvailable is returned by backends compiled without their SDK.
	ErrNotAvailable = errors.New("device backend not available")
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register registers a backend factory
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Open opens a provider by backend name
func Open(name string, opts Options) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownBackend, name, Backends())
	}
	return factory(opts)
}

// Backends lists registered backend names
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
