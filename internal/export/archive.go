package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/nidhogg/delegate-world/internal/world"
	"go.uber.org/zap"
)

const (
	recordHeader  = "header"
	recordFrame   = "frame"
	recordSummary = "summary"
)

// archiveRecord is one JSONL line of an archive.
type archiveRecord struct {
	Type    string           `json:"type"`
	Header  *RunExport       `json:"header,omitempty"`
	Frame   *world.StepFrame `json:"frame,omitempty"`
	Summary *world.Summary   `json:"summary,omitempty"`
}

// ArchiveWriter streams a run as zstd-compressed JSON lines: one header,
// one line per frame and a closing summary.
type ArchiveWriter struct {
	mu  sync.Mutex
	f   *os.File
	enc *zstd.Encoder
	w   *bufio.Writer
}

// NewArchiveWriter creates path and its parent directory.
func NewArchiveWriter(path string) (*ArchiveWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create archive encoder: %w", err)
	}
	return &ArchiveWriter{f: f, enc: enc, w: bufio.NewWriterSize(enc, 128*1024)}, nil
}

// WriteHeader records the run metadata. Any timeline on doc is dropped.
func (a *ArchiveWriter) WriteHeader(doc RunExport) error {
	h := doc.Header()
	return a.write(archiveRecord{Type: recordHeader, Header: &h})
}

// WriteFrame appends one step frame.
func (a *ArchiveWriter) WriteFrame(frame world.StepFrame) error {
	return a.write(archiveRecord{Type: recordFrame, Frame: &frame})
}

// WriteSummary records the final summary.
func (a *ArchiveWriter) WriteSummary(s world.Summary) error {
	return a.write(archiveRecord{Type: recordSummary, Summary: &s})
}

func (a *ArchiveWriter) write(rec archiveRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.w == nil {
		return fmt.Errorf("write archive: closed")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode archive record: %w", err)
	}
	if _, err := a.w.Write(b); err != nil {
		return err
	}
	return a.w.WriteByte('\n')
}

// Close flushes and closes the archive.
func (a *ArchiveWriter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.w == nil {
		return nil
	}
	var first error
	if err := a.w.Flush(); err != nil {
		first = err
	}
	if err := a.enc.Close(); err != nil && first == nil {
		first = err
	}
	if err := a.f.Close(); err != nil && first == nil {
		first = err
	}
	a.w, a.enc, a.f = nil, nil, nil
	return first
}

// ReadArchive rebuilds a run document from an archive. Without a summary
// line the header's summary is kept.
func ReadArchive(path string) (RunExport, error) {
	f, err := os.Open(path)
	if err != nil {
		return RunExport{}, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return RunExport{}, fmt.Errorf("open archive decoder: %w", err)
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var (
		doc       RunExport
		hasHeader bool
	)
	for sc.Scan() {
		var rec archiveRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return RunExport{}, fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		switch rec.Type {
		case recordHeader:
			if rec.Header == nil {
				return RunExport{}, fmt.Errorf("%s: empty header", filepath.Base(path))
			}
			doc = *rec.Header
			doc.Timeline = []world.StepFrame{}
			hasHeader = true
		case recordFrame:
			if !hasHeader {
				return RunExport{}, fmt.Errorf("%s: frame before header", filepath.Base(path))
			}
			if rec.Frame != nil {
				doc.Timeline = append(doc.Timeline, *rec.Frame)
			}
		case recordSummary:
			if rec.Summary != nil {
				doc.Summary = *rec.Summary
			}
		default:
			return RunExport{}, fmt.Errorf("%s: unknown record type %q", filepath.Base(path), rec.Type)
		}
	}
	if err := sc.Err(); err != nil {
		return RunExport{}, fmt.Errorf("scan archive: %w", err)
	}
	if !hasHeader {
		return RunExport{}, fmt.Errorf("%s: missing header", filepath.Base(path))
	}
	return doc, nil
}

// ArchiveSink writes one archive per run under dir.
type ArchiveSink struct {
	dir    string
	mu     sync.Mutex
	open   map[string]*ArchiveWriter
	logger *zap.Logger
}

// NewArchiveSink creates a sink rooted at dir.
func NewArchiveSink(dir string, logger *zap.Logger) *ArchiveSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveSink{dir: dir, open: make(map[string]*ArchiveWriter), logger: logger}
}

// Path returns the archive path for a run.
func (s *ArchiveSink) Path(runID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("run-%s.jsonl.zst", runID))
}

func (s *ArchiveSink) OnStart(_ context.Context, header RunExport) error {
	w, err := NewArchiveWriter(s.Path(header.RunID))
	if err != nil {
		return err
	}
	if err := w.WriteHeader(header); err != nil {
		w.Close()
		return err
	}
	s.mu.Lock()
	s.open[header.RunID] = w
	s.mu.Unlock()
	return nil
}

func (s *ArchiveSink) OnFrame(_ context.Context, runID string, frame world.StepFrame, _ world.Summary) error {
	s.mu.Lock()
	w := s.open[runID]
	s.mu.Unlock()
	if w == nil {
		return fmt.Errorf("archive frame: run %s not started", runID)
	}
	return w.WriteFrame(frame)
}

func (s *ArchiveSink) OnFinish(_ context.Context, doc RunExport) error {
	s.mu.Lock()
	w := s.open[doc.RunID]
	delete(s.open, doc.RunID)
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	if err := w.WriteSummary(doc.Summary); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	s.logger.Info("run archived", zap.String("run_id", doc.RunID), zap.String("path", s.Path(doc.RunID)))
	return nil
}

// Close closes archives of runs that never finished.
func (s *ArchiveSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for id, w := range s.open {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.open, id)
	}
	return first
}
