package cmd

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/video-system/go-raw-capture/pkg/capture"
)

// envPrefix prefixes environment overrides, e.g. CAPTURE_CAPTURE_MAX_FRAMES
const envPrefix = "CAPTURE"

// flagKeys maps command line flags to configuration keys
var flagKeys = map[string]string{
	"backend":       "device.backend",
	"backend-opt":   "device.options",
	"device":        "device.index",
	"mode":          "device.display_mode",
	"pixel-format":  "device.pixel_format",
	"video-input":   "device.video_connector",
	"3d":            "device.stereo_3d",
	"channels":      "audio.channels",
	"sample-depth":  "audio.sample_depth",
	"audio-input":   "audio.connector",
	"video-file":    "output.video_file",
	"audio-file":    "output.audio_file",
	"fsync":         "output.fsync",
	"frames":        "capture.max_frames",
	"av-delay":      "capture.av_delay_ms",
	"desync-policy": "capture.desync_policy",
	"watchdog":      "capture.watchdog",
	"journal":       "journal.path",
	"api":           "api.enabled",
	"api-host":      "api.host",
	"api-port":      "api.port",
	"log-level":     "logging.level",
	"log-format":    "logging.format",
	"log-file":      "logging.file",
}

// addDeviceFlags adds the flags every device-facing command shares
func addDeviceFlags(f *pflag.FlagSet) {
	def := capture.DefaultConfig()
	f.StringP("config", "C", "", "YAML configuration file")
	f.String("backend", def.Device.Backend, "device backend (simulated, gst)")
	f.StringToString("backend-opt", nil, "backend option key=value, repeatable")
	f.IntP("device", "d", def.Device.Index, "device index")
	f.StringP("pixel-format", "p", def.Device.PixelFormat, "pixel format: yuv8, yuv10, rgb10")
	f.String("log-level", def.Logging.Level, "log level: debug, info, warn, error")
	f.String("log-format", def.Logging.Format, "log format: text, json")
	f.String("log-file", "", "append logs to this file instead of stderr")
}

// addRunFlags adds the flags of a capture run
func addRunFlags(f *pflag.FlagSet) {
	def := capture.DefaultConfig()
	f.IntP("mode", "m", def.Device.DisplayMode, "display mode index, -1 detects the input format")
	f.IntP("video-input", "i", def.Device.VideoConnector, "video connector: 0 default, 1 composite, 2 component, 3 HDMI, 4 SDI, 5 optical SDI, 6 S-Video")
	f.BoolP("3d", "3", false, "capture dual-stream 3D")
	f.IntP("channels", "c", def.Audio.Channels, "audio channels: 2, 8, 16")
	f.IntP("sample-depth", "s", def.Audio.SampleDepth, "audio sample depth: 16, 32")
	f.IntP("audio-input", "I", def.Audio.Connector, "audio connector: 0 default, 1 analog, 2 embedded, 3 AES/EBU")
	f.StringP("video-file", "v", def.Output.VideoFile, "raw video output file")
	f.StringP("audio-file", "a", def.Output.AudioFile, "raw audio output file")
	f.Bool("fsync", false, "sync output files after every write")
	f.IntP("frames", "n", def.Capture.MaxFrames, "stop after this many video frames, 0 for no limit")
	f.Int64("av-delay", def.Capture.AVDelayMs, "audio/video drift threshold in ms, 0 disables the check")
	f.String("desync-policy", def.Capture.DesyncPolicy, "on drift: report-only or shutdown-on-desync")
	f.Duration("watchdog", 0, "abort the run after this long, 0 disables")
	f.String("journal", "", "write every sync sample to this journal file")
	f.Bool("api", false, "serve the status API")
	f.String("api-host", def.API.Host, "status API host")
	f.Int("api-port", def.API.Port, "status API port")
}

// resolveConfig layers defaults, the config file, CAPTURE_* environment
// variables and changed flags, in increasing precedence.
func resolveConfig(cmd *cobra.Command) (*capture.Config, error) {
	cfg := capture.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := capture.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}

	base, err := cfg.YAML()
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if fl := cmd.Flags().Lookup(name); fl != nil {
			if err := v.BindPFlag(key, fl); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var out capture.Config
	if err := v.Unmarshal(&out); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &out, nil
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	addRunFlags(cmd.Flags())
	return cmd
}
