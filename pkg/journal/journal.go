// Package journal persists the AV sync samples of a capture run so drift can
// be analysed after the fact. A journal file is a magic header followed by
// length-prefixed CBOR records:
//
//	"RCAPJRN1" | { unix-nanos uint64 LE | size uint32 LE | CBOR record }*
package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/afero"

	"github.com/video-system/go-raw-capture/pkg/avsync"
)

const magic = "RCAPJRN1"

// maxRecord bounds a single record; larger sizes indicate a corrupt file
const maxRecord = 1 << 20

var (
	ErrBadMagic = errors.New("journal: not a journal file")
	ErrClosed   = errors.New("journal: writer is closed")
)

// Stream identifies which arrival produced a sample
type Stream uint8

const (
	StreamVideo Stream = iota + 1
	StreamAudio
)

func (s Stream) String() string {
	switch s {
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	default:
		return fmt.Sprintf("stream(%d)", uint8(s))
	}
}

// Record is one journal entry
type Record struct {
	Time   time.Time     `cbor:"-" json:"time"`
	RunID  string        `cbor:"1,keyasint" json:"run_id"`
	Stream Stream        `cbor:"2,keyasint" json:"-"`
	Sample avsync.Sample `cbor:"3,keyasint" json:"sample"`
}

// Writer appends records to a journal file. Safe for concurrent use.
type Writer struct {
	runID string
	now   func() time.Time

	mu sync.Mutex
	f  afero.File
	w  *bufio.Writer
}

// Create truncates path and writes the journal header
func Create(fs afero.Fs, path, runID string) (*Writer, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: create %s: %w", path, err)
	}
	w := bufio.NewWriterSize(f, 64*1024)
	if _, err := w.WriteString(magic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{runID: runID, now: time.Now, f: f, w: w}, nil
}

// Append records one sample; the record is flushed before returning
func (j *Writer) Append(stream Stream, sample avsync.Sample) error {
	payload, err := cbor.Marshal(Record{RunID: j.runID, Stream: stream, Sample: sample})
	if err != nil {
		return fmt.Errorf("journal: encode: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w == nil {
		return ErrClosed
	}
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(j.now().UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := j.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := j.w.Write(payload); err != nil {
		return err
	}
	return j.w.Flush()
}

// Close flushes and closes the file. Safe to call more than once.
func (j *Writer) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w == nil {
		return nil
	}
	if err := j.w.Flush(); err != nil {
		_ = j.f.Close()
		j.w = nil
		return err
	}
	err := j.f.Close()
	j.w = nil
	return err
}

// Reader decodes a journal stream
type Reader struct {
	r io.Reader
}

// NewReader checks the header and returns a reader positioned at the first
// record
func NewReader(r io.Reader) (*Reader, error) {
	header := make([]byte, len(magic))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("journal: read magic: %w", err)
	}
	if string(header) != magic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadMagic, string(header))
	}
	return &Reader{r: bufio.NewReader(r)}, nil
}

// Next returns the next record, or io.EOF after the last complete one.
// A record truncated by a crash also ends the journal with io.EOF.
func (jr *Reader) Next() (Record, error) {
	var meta [12]byte
	if _, err := io.ReadFull(jr.r, meta[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, io.EOF
		}
		return Record{}, err
	}
	ts := int64(binary.LittleEndian.Uint64(meta[:8]))
	size := binary.LittleEndian.Uint32(meta[8:12])
	if size > maxRecord {
		return Record{}, fmt.Errorf("journal: record size %d exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(jr.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, err
	}

	var rec Record
	if err := cbor.Unmarshal(payload, &rec); err != nil {
		return Record{}, fmt.Errorf("journal: decode: %w", err)
	}
	rec.Time = time.Unix(0, ts)
	return rec, nil
}
