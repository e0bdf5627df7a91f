package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/video-system/go-raw-capture/internal/logging"
	"github.com/video-system/go-raw-capture/pkg/api"
	"github.com/video-system/go-raw-capture/pkg/capture"
	"github.com/video-system/go-raw-capture/pkg/device"
	"github.com/video-system/go-raw-capture/pkg/shutdown"
)

// exitProcess is replaced in tests
var exitProcess = os.Exit

func runCapture(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
		Writer: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	provider, err := device.Open(cfg.Device.Backend, device.Options(cfg.Device.Options))
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Device.Backend, err)
	}
	defer provider.Close()

	sess, err := capture.NewSession(*cfg, afero.NewOsFs(), logger)
	if err != nil {
		return err
	}
	ctrl := capture.NewController(provider, sess)
	ctrl.SetBannerOutput(cmd.ErrOrStderr())

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	wd := &shutdown.Watchdog{
		Timeout:  cfg.Capture.Watchdog,
		OnExpire: func() { abortRun(sess, sess.Logger) },
	}
	shutdown.Notify(ctx, sess.Signal, sess.Logger, wd.Expire)
	wd.Start()
	defer wd.Stop()

	if cfg.API.Enabled {
		srv := api.NewServer(api.ServerConfig{
			Host:   cfg.API.Host,
			Port:   cfg.API.Port,
			Engine: ctrl,
			Logger: sess.Logger,
		})
		ctrl.OnSample(srv.Publish)
		go func() {
			if err := srv.Run(ctx); err != nil {
				sess.Logger.Error("api: server failed", "error", err)
			}
		}()
	}

	if err := ctrl.Run(ctx); err != nil {
		return err
	}

	st := ctrl.Status()
	if st.Capture != nil {
		sess.Logger.Info("capture: done",
			"frames", st.Capture.Frames,
			"audio_packets", st.Capture.AudioPackets,
			"video_bytes", st.VideoSink.Bytes,
			"audio_bytes", st.AudioSink.Bytes,
			"reason", st.Shutdown,
		)
	}
	return nil
}

// abortRun is the watchdog path. Device resources are left to the OS; the
// sinks get a bounded close attempt so buffered data reaches disk.
func abortRun(sess *capture.Session, logger *slog.Logger) {
	limit := sess.Config.Capture.WatchdogCloseTimeout
	logger.Error("capture: watchdog expired, aborting", "close_timeout", limit)

	finished := shutdown.BestEffort(limit, func() {
		if err := sess.CloseSinks(); err != nil {
			logger.Error("capture: closing outputs failed", "error", err)
		}
	})
	if !finished {
		logger.Error("capture: closing outputs timed out")
	}
	exitProcess(1)
}
