// Package quarantine is the append-only dead-letter sink for rows rejected
// by validation or storage. Entries preserve the raw adapter output and the
// error context; files are JSON lines rotated by UTC date.
package quarantine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/histdata/internal/models"
)

// Entry is one quarantined record.
type Entry struct {
	JobID         string     `json:"job_id"`
	ChunkID       string     `json:"chunk_id"`
	Schema        string     `json:"schema"`
	Reason        string     `json:"reason"`
	Errors        []string   `json:"errors,omitempty"`
	RawRecord     models.Row `json:"raw_record"`
	QuarantinedAt time.Time  `json:"quarantined_at"`
}

// Sink writes entries under <baseDir>/validation_failures/<date>.jsonl.
// Safe for concurrent writers; entries are never mutated after write.
type Sink struct {
	mu      sync.Mutex
	baseDir string
	logger  zerolog.Logger

	file    *os.File
	writer  *bufio.Writer
	day     string
	written int64
}

// NewSink creates the sink rooted at baseDir (typically "dlq"). The
// directory tree is created lazily on first write.
func NewSink(baseDir string, logger zerolog.Logger) *Sink {
	return &Sink{
		baseDir: baseDir,
		logger:  logger.With().Str("component", "quarantine").Logger(),
	}
}

// Write appends one entry, rotating the output file when the UTC date
// changes. QuarantinedAt is stamped if unset.
func (s *Sink) Write(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.QuarantinedAt.IsZero() {
		e.QuarantinedAt = time.Now().UTC()
	}

	day := e.QuarantinedAt.UTC().Format("2006-01-02")
	if s.file == nil || day != s.day {
		if err := s.rotateLocked(day); err != nil {
			return err
		}
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal quarantine entry: %w", err)
	}
	if _, err := s.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write quarantine entry: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush quarantine file: %w", err)
	}
	s.written++

	s.logger.Debug().
		Str("job_id", e.JobID).
		Str("chunk_id", e.ChunkID).
		Str("schema", e.Schema).
		Str("reason", e.Reason).
		Msg("record quarantined")
	return nil
}

// rotateLocked closes the current file and opens the one for day.
func (s *Sink) rotateLocked(day string) error {
	if s.writer != nil {
		s.writer.Flush()
	}
	if s.file != nil {
		s.file.Close()
	}

	dir := filepath.Join(s.baseDir, "validation_failures")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}
	path := filepath.Join(dir, day+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open quarantine file %s: %w", path, err)
	}

	s.file = f
	s.writer = bufio.NewWriter(f)
	s.day = day
	return nil
}

// Written returns the number of entries written by this sink instance.
func (s *Sink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Scan replays all persisted entries in date order. Used by tests and the
// status command; not on the ingest hot path.
func (s *Sink) Scan(fn func(Entry) error) error {
	dir := filepath.Join(s.baseDir, "validation_failures")
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return err
	}
	sort.Strings(matches)

	for _, path := range matches {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
		for scanner.Scan() {
			var e Entry
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				f.Close()
				return fmt.Errorf("decode %s: %w", path, err)
			}
			if err := fn(e); err != nil {
				f.Close()
				return err
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return fmt.Errorf("scan %s: %w", path, err)
		}
		f.Close()
	}
	return nil
}

// Close flushes and closes the current output file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		s.writer.Flush()
	}
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}
