package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/video-system/go-raw-capture/internal/logging"
	"github.com/video-system/go-raw-capture/pkg/avsync"
	"github.com/video-system/go-raw-capture/pkg/journal"
	"github.com/video-system/go-raw-capture/pkg/shutdown"
	"github.com/video-system/go-raw-capture/pkg/sink"
)

// Session is the state of one capture run, shared by the controller and the
// delegate. It is built once and passed by pointer.
type Session struct {
	ID      string
	Config  Config
	Logger  *slog.Logger
	Signal  *shutdown.Signal
	Video   *sink.RawSink
	Audio   *sink.RawSink
	Tracker *avsync.Tracker

	fs        afero.Fs
	journalMu sync.Mutex
	journal   *journal.Writer
}

// NewSession validates cfg and creates the per-run state. Sinks open lazily
// on the first write, so no file is touched here. A nil fs uses the OS
// filesystem; a nil logger discards output.
func NewSession(cfg Config, fs afero.Fs, logger *slog.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = logging.Nop()
	}

	id := uuid.New().String()
	return &Session{
		ID:     id,
		Config: cfg,
		Logger: logger.With("run_id", id),
		Signal: shutdown.New(),
		Video: sink.New(fs, sink.Config{
			Stream: "video",
			Path:   cfg.Output.VideoFile,
			Fsync:  cfg.Output.Fsync,
		}),
		Audio: sink.New(fs, sink.Config{
			Stream: "audio",
			Path:   cfg.Output.AudioFile,
			Fsync:  cfg.Output.Fsync,
		}),
		Tracker: avsync.NewTracker(cfg.Capture.AVDelayMs),
		fs:      fs,
	}, nil
}

// OpenJournal creates the sync journal when journal.path is set
func (s *Session) OpenJournal() (*journal.Writer, error) {
	if s.Config.Journal.Path == "" {
		return nil, nil
	}
	s.journalMu.Lock()
	defer s.journalMu.Unlock()
	if s.journal != nil {
		return s.journal, nil
	}
	w, err := journal.Create(s.fs, s.Config.Journal.Path, s.ID)
	if err != nil {
		return nil, err
	}
	s.journal = w
	return w, nil
}

// CloseSinks closes both stream files
func (s *Session) CloseSinks() error {
	return errors.Join(s.Video.Close(), s.Audio.Close())
}

// Close closes the sinks and the journal. Safe to call more than once.
func (s *Session) Close() error {
	err := s.CloseSinks()

	s.journalMu.Lock()
	j := s.journal
	s.journalMu.Unlock()
	if j != nil {
		err = errors.Join(err, j.Close())
	}
	return err
}
