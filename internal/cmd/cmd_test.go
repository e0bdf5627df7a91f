package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/video-system/go-raw-capture/pkg/avsync"
	"github.com/video-system/go-raw-capture/pkg/capture"
	"github.com/video-system/go-raw-capture/pkg/journal"
)

// executeCommand runs a fresh command tree with args and returns its output
func executeCommand(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.Execute()
	return out.String(), errOut.String(), err
}

func TestRootCommand(t *testing.T) {
	root := NewRootCmd()
	want := map[string]bool{"devices": false, "modes": false, "journal": false, "config": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestConfigLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.yaml")
	if err := os.WriteFile(path, []byte("audio:\n  channels: 8\ncapture:\n  max_frames: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CAPTURE_CAPTURE_MAX_FRAMES", "9")

	out, _, err := executeCommand(t, "config", "-C", path, "--av-delay", "40", "--desync-policy", "shutdown-on-desync")
	if err != nil {
		t.Fatalf("config command: %v", err)
	}

	var cfg capture.Config
	if err := yaml.Unmarshal([]byte(out), &cfg); err != nil {
		t.Fatalf("output is not YAML: %v\n%s", err, out)
	}
	if cfg.Audio.Channels != 8 {
		t.Errorf("channels = %d, want 8 from the file", cfg.Audio.Channels)
	}
	if cfg.Capture.MaxFrames != 9 {
		t.Errorf("max frames = %d, want 9 from the environment", cfg.Capture.MaxFrames)
	}
	if cfg.Capture.AVDelayMs != 40 || cfg.Capture.DesyncPolicy != "shutdown-on-desync" {
		t.Errorf("flags not applied: %+v", cfg.Capture)
	}
	if cfg.Device.Backend != "simulated" {
		t.Errorf("backend = %q, default lost", cfg.Device.Backend)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	_, _, err := executeCommand(t, "config", "--channels", "6")
	if err == nil || !strings.Contains(err.Error(), "audio.channels") {
		t.Fatalf("error = %v, want audio.channels validation error", err)
	}
}

func TestRunCapturesFrameBudget(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "video.raw")
	audio := filepath.Join(dir, "audio.raw")

	_, stderr, err := executeCommand(t,
		"--backend-opt", "realtime=false",
		"--backend-opt", "frames=10",
		"-m", "2",
		"-n", "3",
		"-v", video,
		"-a", audio,
		"--log-level", "error",
	)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, stderr)
	}

	fi, err := os.Stat(video)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(3 * 3840 * 1080); fi.Size() != want {
		t.Errorf("video size = %d, want %d", fi.Size(), want)
	}
	if !strings.Contains(stderr, "HD 1080p 25") {
		t.Errorf("configuration banner missing from stderr:\n%s", stderr)
	}
}

func TestRunSetupFailure(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "video.raw")

	_, _, err := executeCommand(t,
		"--backend-opt", "format_detection=false",
		"--mode=-1",
		"-v", video,
		"-a", filepath.Join(dir, "audio.raw"),
		"--log-level", "error",
	)
	if !errors.Is(err, capture.ErrFormatDetectionUnsupported) {
		t.Fatalf("error = %v, want ErrFormatDetectionUnsupported", err)
	}
	if _, statErr := os.Stat(video); !os.IsNotExist(statErr) {
		t.Error("video file created despite setup failure")
	}
}

func TestUnknownBackend(t *testing.T) {
	_, _, err := executeCommand(t, "devices", "--backend", "v4l2")
	if err == nil || !strings.Contains(err.Error(), "unknown device backend") {
		t.Fatalf("error = %v", err)
	}
}

func TestDevicesCommand(t *testing.T) {
	out, _, err := executeCommand(t, "devices")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Simulated DeckLink Mini Recorder") {
		t.Errorf("device missing from output:\n%s", out)
	}
}

func TestModesCommand(t *testing.T) {
	out, _, err := executeCommand(t, "modes", "-p", "rgb10")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"HD 1080p 25", "Hp25", "1920x1080", "4K 2160p 25"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	if _, _, err := executeCommand(t, "modes", "-d", "4"); !errors.Is(err, capture.ErrDeviceNotFound) {
		t.Errorf("error = %v, want ErrDeviceNotFound", err)
	}
}

func TestJournalDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.journal")
	w, err := journal.Create(afero.NewOsFs(), path, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	w.Append(journal.StreamVideo, avsync.Sample{VideoPTS: 40, VideoFrames: 1})
	w.Append(journal.StreamAudio, avsync.Sample{VideoPTS: 40, AudioPTS: 120, PTSDelayMs: 80, Ready: true, OutOfSync: true})
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	out, _, err := executeCommand(t, "journal", "dump", path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "2 samples, 1 out of sync") {
		t.Errorf("summary missing:\n%s", out)
	}

	out, _, err = executeCommand(t, "journal", "dump", "--json", path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], `"stream":"audio"`) {
		t.Errorf("json output = %q", out)
	}
}

func TestAbortRunClosesSinks(t *testing.T) {
	code := -1
	exitProcess = func(c int) { code = c }
	t.Cleanup(func() { exitProcess = os.Exit })

	fs := afero.NewMemMapFs()
	cfg := capture.DefaultConfig()
	sess, err := capture.NewSession(cfg, fs, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Video.Write([]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}

	abortRun(sess, sess.Logger)

	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !sess.Video.Stats().Closed {
		t.Error("video sink not closed by the watchdog path")
	}
}
