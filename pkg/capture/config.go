package capture

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/video-system/go-raw-capture/internal/logging"
	"github.com/video-system/go-raw-capture/pkg/avsync"
	"github.com/video-system/go-raw-capture/pkg/device"
)

// AutoDetectMode selects the first display mode with input format detection
const AutoDetectMode = -1

// Config holds all capture configuration. It is read-only once a session
// has been created from it.
type Config struct {
	Device  DeviceConfig  `yaml:"device" mapstructure:"device"`
	Audio   AudioConfig   `yaml:"audio" mapstructure:"audio"`
	Output  OutputConfig  `yaml:"output" mapstructure:"output"`
	Capture CaptureConfig `yaml:"capture" mapstructure:"capture"`
	Journal JournalConfig `yaml:"journal" mapstructure:"journal"`
	API     APIConfig     `yaml:"api" mapstructure:"api"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// DeviceConfig selects the capture device and video format
type DeviceConfig struct {
	Backend        string            `yaml:"backend" mapstructure:"backend"`                 // simulated, gst
	Index          int               `yaml:"index" mapstructure:"index"`                     // Device index in enumeration order
	DisplayMode    int               `yaml:"display_mode" mapstructure:"display_mode"`       // Mode index, -1 auto-detects
	PixelFormat    string            `yaml:"pixel_format" mapstructure:"pixel_format"`       // yuv8, yuv10, rgb10
	VideoConnector int               `yaml:"video_connector" mapstructure:"video_connector"` // 0 default, 1-6
	Stereo3D       bool              `yaml:"stereo_3d" mapstructure:"stereo_3d"`
	Options        map[string]string `yaml:"options,omitempty" mapstructure:"options"` // Backend options
}

// AudioConfig configures audio capture (48 kHz PCM)
type AudioConfig struct {
	Channels    int `yaml:"channels" mapstructure:"channels"`         // 2, 8, 16
	SampleDepth int `yaml:"sample_depth" mapstructure:"sample_depth"` // 16, 32
	Connector   int `yaml:"connector" mapstructure:"connector"`       // 0 default, 1-3
}

// OutputConfig names the raw stream files
type OutputConfig struct {
	VideoFile string `yaml:"video_file" mapstructure:"video_file"`
	AudioFile string `yaml:"audio_file" mapstructure:"audio_file"`
	Fsync     bool   `yaml:"fsync" mapstructure:"fsync"`
}

// CaptureConfig holds run limits and policies
type CaptureConfig struct {
	MaxFrames            int           `yaml:"max_frames" mapstructure:"max_frames"`   // 0 = unlimited
	AVDelayMs            int64         `yaml:"av_delay_ms" mapstructure:"av_delay_ms"` // 0 = no desync check
	DesyncPolicy         string        `yaml:"desync_policy" mapstructure:"desync_policy"`
	Watchdog             time.Duration `yaml:"watchdog" mapstructure:"watchdog"` // 0 = disabled
	WatchdogCloseTimeout time.Duration `yaml:"watchdog_close_timeout" mapstructure:"watchdog_close_timeout"`
}

// JournalConfig configures the sync sample journal
type JournalConfig struct {
	Path string `yaml:"path" mapstructure:"path"` // empty disables
}

// APIConfig configures the status API
type APIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Host    string `yaml:"host" mapstructure:"host"`
	Port    int    `yaml:"port" mapstructure:"port"`
}

// LoggingConfig configures diagnostics output
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	File   string `yaml:"file,omitempty" mapstructure:"file"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() Config {
	return Config{
		Device: DeviceConfig{
			Backend:     "simulated",
			DisplayMode: AutoDetectMode,
			PixelFormat: "yuv8",
		},
		Audio: AudioConfig{
			Channels:    2,
			SampleDepth: 16,
		},
		Output: OutputConfig{
			VideoFile: "video.raw",
			AudioFile: "audio.raw",
		},
		Capture: CaptureConfig{
			DesyncPolicy:         avsync.ReportOnly.String(),
			WatchdogCloseTimeout: 2 * time.Second,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
	}
}

// LoadConfig loads configuration from a YAML file on top of DefaultConfig
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, expanding ${ENV} references
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Capture.WatchdogCloseTimeout == 0 {
		cfg.Capture.WatchdogCloseTimeout = 2 * time.Second
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	return &cfg, nil
}

// YAML renders the effective configuration
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate rejects unsupported values before any device work starts
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Device.Backend == "" {
		add("device.backend is required")
	}
	if c.Device.Index < 0 {
		add("device.index must be >= 0, got %d", c.Device.Index)
	}
	if c.Device.DisplayMode < AutoDetectMode {
		add("device.display_mode must be >= -1, got %d", c.Device.DisplayMode)
	}
	if _, err := device.ParsePixelFormat(c.Device.PixelFormat); err != nil {
		add("device.pixel_format: %w", err)
	}
	if vc := device.VideoConnection(c.Device.VideoConnector); !vc.Valid() {
		add("device.video_connector must be 0-6, got %d", c.Device.VideoConnector)
	}

	switch c.Audio.Channels {
	case 2, 8, 16:
	default:
		add("audio.channels must be 2, 8 or 16, got %d", c.Audio.Channels)
	}
	switch c.Audio.SampleDepth {
	case 16, 32:
	default:
		add("audio.sample_depth must be 16 or 32, got %d", c.Audio.SampleDepth)
	}
	if ac := device.AudioConnection(c.Audio.Connector); !ac.Valid() {
		add("audio.connector must be 0-3, got %d", c.Audio.Connector)
	}

	if c.Output.VideoFile == "" {
		add("output.video_file is required")
	}
	if c.Output.AudioFile == "" {
		add("output.audio_file is required")
	}
	if c.Output.VideoFile != "" && c.Output.VideoFile == c.Output.AudioFile {
		add("output.video_file and output.audio_file must differ")
	}

	if c.Capture.MaxFrames < 0 {
		add("capture.max_frames must be >= 0, got %d", c.Capture.MaxFrames)
	}
	if c.Capture.AVDelayMs < 0 {
		add("capture.av_delay_ms must be >= 0, got %d", c.Capture.AVDelayMs)
	}
	if _, err := avsync.ParsePolicy(c.Capture.DesyncPolicy); err != nil {
		add("capture.desync_policy: %w", err)
	}
	if c.Capture.Watchdog < 0 {
		add("capture.watchdog must be >= 0, got %s", c.Capture.Watchdog)
	}
	if c.Capture.WatchdogCloseTimeout < 0 {
		add("capture.watchdog_close_timeout must be >= 0, got %s", c.Capture.WatchdogCloseTimeout)
	}

	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		add("api.port must be 1-65535, got %d", c.API.Port)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %w", err)
	}
	if !logging.ValidFormat(c.Logging.Format) {
		add("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return errors.Join(errs...)
}

// AutoDetect reports whether the display mode is detected from the signal
func (c *Config) AutoDetect() bool {
	return c.Device.DisplayMode == AutoDetectMode
}

// PixelFormat returns the parsed pixel format; call after Validate
func (c *Config) PixelFormat() device.PixelFormat {
	f, _ := device.ParsePixelFormat(c.Device.PixelFormat)
	return f
}

// DesyncPolicy returns the parsed desync policy; call after Validate
func (c *Config) DesyncPolicy() avsync.Policy {
	p, _ := avsync.ParsePolicy(c.Capture.DesyncPolicy)
	return p
}

// VideoConnection returns the selected video connector
func (c *Config) VideoConnection() device.VideoConnection {
	return device.VideoConnection(c.Device.VideoConnector)
}

// AudioConnection returns the selected audio connector
func (c *Config) AudioConnection() device.AudioConnection {
	return device.AudioConnection(c.Audio.Connector)
}
