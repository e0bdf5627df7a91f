// Package sink writes one elementary stream to a raw file.
//
// A RawSink opens its file on the first write, appends each buffer exactly as
// delivered and never buffers in user space, so an abrupt termination loses at
// most the write in flight. Files carry no container, header or timestamps.
package sink

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"
)

var (
	// ErrOpen is wrapped by every failure to open the backing file.
	ErrOpen = errors.New("sink: open failed")
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("sink: closed")
)

// OpenError reports which stream file could not be opened
type OpenError struct {
	Stream string
	Path   string
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("could not open %s stream file '%s': %v", e.Stream, e.Path, e.Err)
}

func (e *OpenError) Unwrap() []error {
	return []error{ErrOpen, e.Err}
}

// Config configures a raw sink
type Config struct {
	Stream string // "video" or "audio", used in errors and logs
	Path   string
	Fsync  bool // fsync after every write
}

// Stats is a point-in-time view of a sink
type Stats struct {
	Opened bool   `json:"opened"`
	Closed bool   `json:"closed"`
	Writes uint64 `json:"writes"`
	Bytes  uint64 `json:"bytes"`
}

type state int

const (
	stateUnopened state = iota
	stateOpen
	stateClosed
)

// RawSink is a lazily opened output file for a single stream.
// It is safe for concurrent use; writes are serialized.
type RawSink struct {
	fs  afero.Fs
	cfg Config

	mu     sync.Mutex
	state  state
	opened bool
	file   afero.File
	writes uint64
	bytes  uint64
}

// New creates an unopened sink on fs. Nothing touches the filesystem until
// the first Write.
func New(fs afero.Fs, cfg Config) *RawSink {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &RawSink{fs: fs, cfg: cfg}
}

// Path returns the configured output path
func (s *RawSink) Path() string {
	return s.cfg.Path
}

// Write appends p to the stream file, opening it with truncation first if
// this is the first write.
func (s *RawSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateClosed:
		return 0, ErrClosed
	case stateUnopened:
		f, err := s.fs.OpenFile(s.cfg.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return 0, &OpenError{Stream: s.cfg.Stream, Path: s.cfg.Path, Err: err}
		}
		s.file = f
		s.state = stateOpen
		s.opened = true
	}

	n, err := s.file.Write(p)
	s.writes++
	s.bytes += uint64(n)
	if err != nil {
		return n, fmt.Errorf("write %s stream: %w", s.cfg.Stream, err)
	}
	if s.cfg.Fsync {
		if err := s.file.Sync(); err != nil {
			return n, fmt.Errorf("sync %s stream: %w", s.cfg.Stream, err)
		}
	}
	return n, nil
}

// Close closes the file if it was opened. Safe to call repeatedly and on a
// sink that never received a write.
func (s *RawSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return nil
	}
	wasOpen := s.state == stateOpen
	s.state = stateClosed
	if !wasOpen {
		return nil
	}

	f := s.file
	s.file = nil
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s stream: %w", s.cfg.Stream, err)
	}
	return nil
}

// Stats returns write counters
func (s *RawSink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Opened: s.opened,
		Closed: s.state == stateClosed,
		Writes: s.writes,
		Bytes:  s.bytes,
	}
}
