package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/upb/llm-gateway/models"
)

// JSONLSink appends one JSON object per line to a file. The file is
// append-only; a record is written in a single call under the sink
// mutex, so readers tailing the file never see interleaved lines.
// With more than one delivery worker the line order can diverge from
// append order; each line carries Seq, and consumers that need append
// order must sort by it.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewJSONLSink opens (or creates) the audit file for appending
func NewJSONLSink(path string) (*JSONLSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &JSONLSink{file: file, path: path}, nil
}

// Name identifies the sink
func (s *JSONLSink) Name() string { return SinkJSONL }

// Write appends the record as one JSON line
func (s *JSONLSink) Write(_ context.Context, record *models.AuditRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// Path returns the file the sink appends to
func (s *JSONLSink) Path() string { return s.path }

// Close syncs and closes the file
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
