package journal

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/video-system/go-raw-capture/pkg/avsync"
)

func readAll(t *testing.T, fs afero.Fs, path string) []Record {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	r, err := NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, rec)
	}
}

func TestAppendAndRead(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, err := Create(fs, "/run.journal", "run-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	base := time.Unix(1700000000, 0)
	tick := 0
	w.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	samples := []avsync.Sample{
		{VideoPTS: 40, VideoFrames: 1, FrameDuration: 40},
		{VideoPTS: 40, AudioPTS: 120, VideoFrames: 1, AudioPackets: 1, PTSDelayMs: 80, Ready: true, OutOfSync: true},
	}
	if err := w.Append(StreamVideo, samples[0]); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(StreamAudio, samples[1]); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	recs := readAll(t, fs, "/run.journal")
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Stream != StreamVideo || recs[1].Stream != StreamAudio {
		t.Errorf("streams = %v, %v", recs[0].Stream, recs[1].Stream)
	}
	if recs[1].Sample != samples[1] {
		t.Errorf("sample = %+v, want %+v", recs[1].Sample, samples[1])
	}
	if recs[0].RunID != "run-1" {
		t.Errorf("run id = %q", recs[0].RunID)
	}
	if !recs[1].Time.Equal(base.Add(2 * time.Millisecond)) {
		t.Errorf("time = %v", recs[1].Time)
	}
}

func TestCloseIdempotent(t *testing.T) {
	w, err := Create(afero.NewMemMapFs(), "/j", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := w.Append(StreamVideo, avsync.Sample{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Append after close = %v, want ErrClosed", err)
	}
}

func TestTruncatedRecordEndsJournal(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, _ := Create(fs, "/j", "r")
	w.Append(StreamVideo, avsync.Sample{VideoFrames: 1})
	w.Append(StreamVideo, avsync.Sample{VideoFrames: 2})
	w.Close()

	data, _ := afero.ReadFile(fs, "/j")
	afero.WriteFile(fs, "/j", data[:len(data)-3], 0o644)

	recs := readAll(t, fs, "/j")
	if len(recs) != 1 || recs[0].Sample.VideoFrames != 1 {
		t.Errorf("records = %+v, want only the first", recs)
	}
}

func TestBadMagic(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("NOTAJRNL")))
	if !errors.Is(err, ErrBadMagic) {
		t.Errorf("NewReader error = %v, want ErrBadMagic", err)
	}
}
