package capture

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/video-system/go-raw-capture/pkg/avsync"
	"github.com/video-system/go-raw-capture/pkg/device"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if !cfg.AutoDetect() {
		t.Error("default display mode should auto-detect")
	}
	if cfg.PixelFormat() != device.PixelFormat8BitYUV {
		t.Errorf("pixel format = %s, want yuv8", cfg.PixelFormat())
	}
	if cfg.DesyncPolicy() != avsync.ReportOnly {
		t.Errorf("policy = %s, want report-only", cfg.DesyncPolicy())
	}
}

func TestParseConfig(t *testing.T) {
	t.Setenv("CAPTURE_TEST_DIR", "/srv/capture")

	cfg, err := ParseConfig([]byte(`
device:
  display_mode: 2
  pixel_format: yuv10
  video_connector: 4
  stereo_3d: true
audio:
  channels: 8
  sample_depth: 32
output:
  video_file: ${CAPTURE_TEST_DIR}/video.raw
  audio_file: ${CAPTURE_TEST_DIR}/audio.raw
capture:
  max_frames: 100
  av_delay_ms: 40
  desync_policy: shutdown-on-desync
  watchdog: 30s
`))
	if err != nil {
		t.Fatalf("ParseConfig() error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	if cfg.Device.Backend != "simulated" {
		t.Errorf("backend = %q, default should survive", cfg.Device.Backend)
	}
	if cfg.Output.VideoFile != "/srv/capture/video.raw" {
		t.Errorf("video file = %q, env not expanded", cfg.Output.VideoFile)
	}
	if cfg.PixelFormat() != device.PixelFormat10BitYUV {
		t.Errorf("pixel format = %s", cfg.PixelFormat())
	}
	if cfg.VideoConnection() != device.VideoConnectionSDI {
		t.Errorf("video connection = %s, want SDI", cfg.VideoConnection())
	}
	if cfg.AudioConnection() != device.AudioConnectionUnset {
		t.Errorf("audio connection = %s, want device default", cfg.AudioConnection())
	}
	if cfg.DesyncPolicy() != avsync.ShutdownOnDesync {
		t.Errorf("policy = %s", cfg.DesyncPolicy())
	}
	if cfg.Capture.Watchdog != 30*time.Second {
		t.Errorf("watchdog = %s", cfg.Capture.Watchdog)
	}
	if cfg.Capture.WatchdogCloseTimeout != 2*time.Second {
		t.Errorf("watchdog close timeout = %s, want default", cfg.Capture.WatchdogCloseTimeout)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.yaml")
	if err := os.WriteFile(path, []byte("capture:\n  max_frames: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Capture.MaxFrames != 7 {
		t.Errorf("max frames = %d, want 7", cfg.Capture.MaxFrames)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Device.DisplayMode = -2
	cfg.Device.PixelFormat = "rgb8"
	cfg.Audio.Channels = 6
	cfg.Audio.SampleDepth = 24
	cfg.Output.AudioFile = cfg.Output.VideoFile
	cfg.Capture.MaxFrames = -1
	cfg.Capture.DesyncPolicy = "panic"
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"device.display_mode",
		"device.pixel_format",
		"audio.channels",
		"audio.sample_depth",
		"must differ",
		"capture.max_frames",
		"capture.desync_policy",
		"logging.format",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestConfigYAMLRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capture.MaxFrames = 42
	data, err := cfg.YAML()
	if err != nil {
		t.Fatal(err)
	}
	back, err := ParseConfig(data)
	if err != nil {
		t.Fatal(err)
	}
	if back.Capture.MaxFrames != 42 || back.Device.DisplayMode != AutoDetectMode {
		t.Errorf("round trip lost values: %+v", back)
	}
}
