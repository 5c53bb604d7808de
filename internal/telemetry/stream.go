package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// Stream reads invocation records from a JSONL file. The file is
// append-only; a partially written trailing line is skipped, not an error.
type Stream struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewStream creates a reader over the given JSONL file.
func NewStream(path string, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		path:   path,
		logger: logger.With("component", "telemetry"),
	}
}

// ReadAll returns every well-formed record in the stream, sorted by
// timestamp. Malformed lines are skipped with a warning.
func (s *Stream) ReadAll() ([]InvocationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open telemetry stream: %w", err)
	}
	defer f.Close()

	var records []InvocationRecord
	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec InvocationRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		if err := rec.Validate(); err != nil {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan telemetry stream: %w", err)
	}
	if skipped > 0 {
		s.logger.Warn("skipped malformed telemetry lines", "path", s.path, "skipped", skipped)
	}

	// Arrival order is append order; analysis order is timestamp order.
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records, nil
}

// Window is a bounded, timestamp-delimited snapshot of the stream. Batch
// jobs read windows rather than holding a live cursor, so re-runs over the
// same window are naturally idempotent.
type Window struct {
	From    time.Time
	To      time.Time
	Records []InvocationRecord
}

// ReadWindow returns records with From <= Timestamp < To, sorted by timestamp.
func (s *Stream) ReadWindow(from, to time.Time) (*Window, error) {
	all, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	w := &Window{From: from, To: to}
	for _, rec := range all {
		if rec.Timestamp.Before(from) || !rec.Timestamp.Before(to) {
			continue
		}
		w.Records = append(w.Records, rec)
	}
	return w, nil
}

// Append writes a record to the stream file. Used by the ingest path and
// by tests; the production stream is normally written by the host runtime.
func (s *Stream) Append(rec InvocationRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open telemetry stream: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}
