package capture

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/video-system/go-raw-capture/pkg/device"
	"github.com/video-system/go-raw-capture/pkg/device/simulated"
	"github.com/video-system/go-raw-capture/pkg/journal"
	"github.com/video-system/go-raw-capture/pkg/sink"
)

// Indexes into simulated.DefaultModes
const (
	mode1080p25 = 2
	mode720p50  = 5
	mode2160p25 = 6
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Device.DisplayMode = mode1080p25
	cfg.Output.VideoFile = "/video.raw"
	cfg.Output.AudioFile = "/audio.raw"
	return cfg
}

func newProvider(mutate func(*simulated.Config)) *simulated.Provider {
	sc := simulated.DefaultConfig()
	sc.Realtime = false
	if mutate != nil {
		mutate(&sc)
	}
	return simulated.New(sc)
}

func newController(t *testing.T, cfg Config, fs afero.Fs, p device.Provider) *Controller {
	t.Helper()
	sess, err := NewSession(cfg, fs, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	c := NewController(p, sess)
	c.SetBannerOutput(nil)
	return c
}

func runWithTimeout(t *testing.T, c *Controller, timeout time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		c.RequestStop("test timeout")
		<-errCh
		t.Fatal("Run did not finish in time")
		return nil
	}
}

func fileSize(t *testing.T, fs afero.Fs, path string) int64 {
	t.Helper()
	fi, err := fs.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	return fi.Size()
}

func TestFrameBudgetStopsRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := newProvider(func(sc *simulated.Config) { sc.Frames = 20 })
	cfg := testConfig()
	cfg.Capture.MaxFrames = 5
	c := newController(t, cfg, fs, p)

	if err := runWithTimeout(t, c, 10*time.Second); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	rowBytes := device.PixelFormat8BitYUV.BytesPerRow(1920)
	if got, want := fileSize(t, fs, "/video.raw"), int64(5*rowBytes*1080); got != want {
		t.Errorf("video file size = %d, want %d", got, want)
	}

	st := c.Status()
	if st.Capture == nil || st.Capture.Frames != 5 {
		t.Fatalf("frames = %+v, want 5", st.Capture)
	}
	// 25p: 1920 samples per packet, 2 channels, 16 bit
	if n := st.Capture.AudioPackets; n > 0 {
		if got, want := fileSize(t, fs, "/audio.raw"), n*1920*2*2; got != want {
			t.Errorf("audio file size = %d, want %d", got, want)
		}
	}
	if st.State != StateStopped {
		t.Errorf("state = %s, want stopped", st.State)
	}
	if !st.VideoSink.Closed || !st.AudioSink.Closed {
		t.Error("sinks not closed after run")
	}
	if n := p.Outstanding(); n != 0 {
		t.Errorf("%d frames or packets never released", n)
	}
}

func TestAutoDetectUnsupportedFailsSetup(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := newProvider(func(sc *simulated.Config) { sc.Devices[0].FormatDetection = false })
	cfg := testConfig()
	cfg.Device.DisplayMode = AutoDetectMode
	c := newController(t, cfg, fs, p)

	err := c.Run(context.Background())
	if !errors.Is(err, ErrFormatDetectionUnsupported) {
		t.Fatalf("Run() error = %v, want ErrFormatDetectionUnsupported", err)
	}
	var se *SetupError
	if !errors.As(err, &se) || se.Step != StepDisplayMode {
		t.Errorf("error %v is not a display mode SetupError", err)
	}
	if slices.Contains(p.Calls(), "enable-video") {
		t.Error("video input enabled despite failed setup")
	}
	for _, path := range []string{"/video.raw", "/audio.raw"} {
		if ok, _ := afero.Exists(fs, path); ok {
			t.Errorf("%s created despite failed setup", path)
		}
	}
	if c.Status().State != StateFailed {
		t.Errorf("state = %s, want failed", c.Status().State)
	}
}

func TestAutoDetectUsesFirstMode(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := newProvider(func(sc *simulated.Config) { sc.Frames = 3 })
	cfg := testConfig()
	cfg.Device.DisplayMode = AutoDetectMode
	cfg.Capture.MaxFrames = 3
	c := newController(t, cfg, fs, p)

	if err := runWithTimeout(t, c, 10*time.Second); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := c.Status().DisplayMode; got != "NTSC" {
		t.Errorf("display mode = %q, want NTSC", got)
	}
}

func TestSetupFailures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		mutate func(*Config)
		sim    func(*simulated.Config)
		want   error
	}{
		{
			name:   "device index out of range",
			mutate: func(c *Config) { c.Device.Index = 3 },
			want:   ErrDeviceNotFound,
		},
		{
			name: "no input interface",
			sim:  func(sc *simulated.Config) { sc.Devices[0].Fail = map[simulated.Step]error{simulated.StepInput: boom} },
			want: ErrNoInputInterface,
		},
		{
			name:   "display mode out of range",
			mutate: func(c *Config) { c.Device.DisplayMode = 42 },
			want:   ErrDisplayModeNotFound,
		},
		{
			name: "pixel format unsupported",
			mutate: func(c *Config) {
				c.Device.DisplayMode = mode2160p25
				c.Device.PixelFormat = "rgb10"
			},
			want: ErrModeUnsupported,
		},
		{
			name: "3d unsupported",
			mutate: func(c *Config) {
				c.Device.DisplayMode = mode720p50
				c.Device.Stereo3D = true
			},
			want: ErrMode3DUnsupported,
		},
		{
			name:   "connector rejected",
			mutate: func(c *Config) { c.Device.VideoConnector = int(device.VideoConnectionSDI) },
			sim: func(sc *simulated.Config) {
				sc.Devices[0].Fail = map[simulated.Step]error{simulated.StepVideoConnection: boom}
			},
			want: boom,
		},
		{
			name: "enable audio fails",
			sim: func(sc *simulated.Config) {
				sc.Devices[0].Fail = map[simulated.Step]error{simulated.StepEnableAudio: boom}
			},
			want: boom,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			p := newProvider(tt.sim)
			cfg := testConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			c := newController(t, cfg, fs, p)

			err := c.Run(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("Run() error = %v, want %v", err, tt.want)
			}
			var se *SetupError
			if !errors.As(err, &se) {
				t.Errorf("error %T is not a *SetupError", err)
			}
			if slices.Contains(p.Calls(), "start") {
				t.Error("streams started despite failed setup")
			}
			if ok, _ := afero.Exists(fs, "/video.raw"); ok {
				t.Error("video file created despite failed setup")
			}
		})
	}
}

func TestSetupFailureReleasesAcquired(t *testing.T) {
	p := newProvider(func(sc *simulated.Config) {
		sc.Devices[0].Fail = map[simulated.Step]error{simulated.StepEnableVideo: errors.New("busy")}
	})
	cfg := testConfig()
	cfg.Device.VideoConnector = int(device.VideoConnectionHDMI)
	c := newController(t, cfg, afero.NewMemMapFs(), p)

	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected setup error")
	}

	calls := p.Calls()
	want := []string{"release-configuration", "clear-callback", "release-input", "release-device"}
	if !isSubsequence(calls, want) {
		t.Errorf("teardown calls = %v, want subsequence %v", calls, want)
	}
	if slices.Contains(calls, "disable-video") {
		t.Error("disabled video input that was never enabled")
	}
}

func TestTeardownOrder(t *testing.T) {
	p := newProvider(func(sc *simulated.Config) { sc.Frames = 4 })
	cfg := testConfig()
	cfg.Device.DisplayMode = AutoDetectMode
	cfg.Device.VideoConnector = int(device.VideoConnectionSDI)
	cfg.Audio.Connector = int(device.AudioConnectionEmbedded)
	cfg.Capture.MaxFrames = 2
	c := newController(t, cfg, afero.NewMemMapFs(), p)

	if err := runWithTimeout(t, c, 10*time.Second); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	want := []string{
		"devices", "input", "attributes", "display-modes", "supports-mode",
		"set-callback", "configuration", "video-connection:SDI", "audio-connection:Embedded (HDMI/SDI)",
		"enable-video", "enable-audio", "start", "pause", "flush",
		"stop", "disable-audio", "disable-video", "release-configuration", "clear-callback",
		"release-attributes", "release-input", "release-device",
	}
	if got := p.Calls(); !isSubsequence(got, want) {
		t.Errorf("calls = %v\nwant subsequence %v", got, want)
	}
	if st := c.Status().Capture; st == nil || st.State != DelegateTerminating.String() {
		t.Errorf("delegate state = %+v, want terminating", st)
	}
}

func TestDesyncReportOnly(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := newProvider(func(sc *simulated.Config) {
		sc.Realtime = true
		sc.AudioOffset = 80 * time.Millisecond
	})
	cfg := testConfig()
	cfg.Device.DisplayMode = mode720p50
	cfg.Capture.MaxFrames = 10
	cfg.Capture.AVDelayMs = 50
	c := newController(t, cfg, fs, p)

	if err := runWithTimeout(t, c, 10*time.Second); err != nil {
		t.Fatalf("Run() error = %v, want nil under report-only", err)
	}
	st := c.Status().Capture
	if st.DesyncWarnings == 0 {
		t.Error("no desync warning for 80ms drift over a 50ms threshold")
	}
	if st.Frames != 10 {
		t.Errorf("frames = %d, want 10: processing must continue after a warning", st.Frames)
	}
}

func TestDesyncShutdownPolicy(t *testing.T) {
	p := newProvider(func(sc *simulated.Config) {
		sc.Realtime = true
		sc.AudioOffset = 80 * time.Millisecond
	})
	cfg := testConfig()
	cfg.Device.DisplayMode = mode720p50
	cfg.Capture.AVDelayMs = 50
	cfg.Capture.DesyncPolicy = "shutdown-on-desync"
	c := newController(t, cfg, afero.NewMemMapFs(), p)

	if err := runWithTimeout(t, c, 10*time.Second); !errors.Is(err, ErrDesync) {
		t.Fatalf("Run() error = %v, want ErrDesync", err)
	}
}

func TestSinkOpenFailureIsFatal(t *testing.T) {
	p := newProvider(nil)
	c := newController(t, testConfig(), afero.NewReadOnlyFs(afero.NewMemMapFs()), p)

	err := runWithTimeout(t, c, 10*time.Second)
	if !errors.Is(err, sink.ErrOpen) {
		t.Fatalf("Run() error = %v, want sink.ErrOpen", err)
	}
	var oe *sink.OpenError
	if !errors.As(err, &oe) {
		t.Errorf("error %v is not a *sink.OpenError", err)
	}
	if n := p.Outstanding(); n != 0 {
		t.Errorf("%d frames or packets never released", n)
	}
	if !slices.Contains(p.Calls(), "release-device") {
		t.Error("device not released after fatal sink error")
	}
}

func TestContextCancelStopsRun(t *testing.T) {
	p := newProvider(func(sc *simulated.Config) { sc.Realtime = true })
	c := newController(t, testConfig(), afero.NewMemMapFs(), p)

	ctx, cancel := context.WithCancel(context.Background())
	c.OnStarted(cancel)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
	if !c.Started() {
		t.Error("Started() = false after streams ran")
	}
}

func TestWakeRestartsStreams(t *testing.T) {
	p := newProvider(func(sc *simulated.Config) { sc.Realtime = true })
	c := newController(t, testConfig(), afero.NewMemMapFs(), p)

	started := make(chan struct{})
	c.OnStarted(func() { close(started) })

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	<-started

	c.Wake()
	deadline := time.Now().Add(5 * time.Second)
	for c.Status().Restarts == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Status().Restarts != 1 {
		t.Fatalf("restarts = %d, want 1", c.Status().Restarts)
	}

	c.RequestStop("test")
	if err := <-done; err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	starts := 0
	for _, call := range p.Calls() {
		if call == "start" {
			starts++
		}
	}
	if starts != 2 {
		t.Errorf("StartStreams called %d times, want 2", starts)
	}
	if c.Status().Shutdown == "" {
		t.Error("shutdown reason missing from status")
	}
}

func TestJournalRecordsSamples(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := newProvider(func(sc *simulated.Config) { sc.Frames = 6 })
	cfg := testConfig()
	cfg.Capture.MaxFrames = 6
	cfg.Journal.Path = "/sync.journal"
	c := newController(t, cfg, fs, p)

	if err := runWithTimeout(t, c, 10*time.Second); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	f, err := fs.Open("/sync.journal")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()
	r, err := journal.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	video := 0
	for {
		rec, err := r.Next()
		if err != nil {
			break
		}
		if rec.RunID != c.Session().ID {
			t.Fatalf("record run id = %q, want %q", rec.RunID, c.Session().ID)
		}
		if rec.Stream == journal.StreamVideo {
			video++
		}
	}
	if video != 6 {
		t.Errorf("video records = %d, want 6", video)
	}
}

func TestRunTwice(t *testing.T) {
	p := newProvider(func(sc *simulated.Config) { sc.Frames = 1 })
	cfg := testConfig()
	cfg.Capture.MaxFrames = 1
	c := newController(t, cfg, afero.NewMemMapFs(), p)
	if err := runWithTimeout(t, c, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := c.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() = %v, want ErrAlreadyRunning", err)
	}
}

// isSubsequence reports whether want appears in got in order
func isSubsequence(got, want []string) bool {
	i := 0
	for _, g := range got {
		if i < len(want) && g == want[i] {
			i++
		}
	}
	return i == len(want)
}
