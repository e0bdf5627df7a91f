package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// Notify routes process signals to s until ctx is done.
//
//   - SIGINT, SIGTERM, SIGHUP request a graceful shutdown
//   - SIGUSR1 wakes the controller for a pause/flush/restart cycle
//   - SIGALRM calls onAlarm (the watchdog path), when non-nil
func Notify(ctx context.Context, s *Signal, logger *slog.Logger, onAlarm func()) {
	sigs := []os.Signal{unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGUSR1}
	if onAlarm != nil {
		sigs = append(sigs, unix.SIGALRM)
	}

	ch := make(chan os.Signal, 4)
	signal.Notify(ch, sigs...)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				switch sig {
				case unix.SIGUSR1:
					logger.Info("shutdown: restart cycle requested", "signal", sig.String())
					s.Wake()
				case unix.SIGALRM:
					logger.Error("shutdown: alarm received", "signal", sig.String())
					onAlarm()
				default:
					logger.Info("shutdown: signal received", "signal", sig.String())
					s.RequestShutdown(Reason{Cause: CauseSignal, Detail: sig.String()})
				}
			}
		}
	}()
}
