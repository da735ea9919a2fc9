package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/upb/llm-gateway/models"
)

// DefaultMemoryCapacity bounds the in-memory sink when none is configured
const DefaultMemoryCapacity = 4096

// MemorySink keeps the most recent records in a bounded ring. It is the
// default sink and the one tests read back from. Records returns copies
// ordered by sequence, so readers never observe partial writes and past
// records stay immutable.
type MemorySink struct {
	mu       sync.RWMutex
	records  []models.AuditRecord
	capacity int
	next     int
	full     bool
}

// NewMemorySink creates a memory sink holding up to capacity records
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemorySink{
		records:  make([]models.AuditRecord, capacity),
		capacity: capacity,
	}
}

// Name identifies the sink
func (s *MemorySink) Name() string { return SinkMemory }

// Write stores a copy of the record, overwriting the oldest when full
func (s *MemorySink) Write(_ context.Context, record *models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[s.next] = *record
	s.next++
	if s.next == s.capacity {
		s.next = 0
		s.full = true
	}
	return nil
}

// Records returns a snapshot of the retained records ordered by sequence
func (s *MemorySink) Records() []models.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.next
	if s.full {
		n = s.capacity
	}

	out := make([]models.AuditRecord, n)
	copy(out, s.records[:n])
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len returns the number of retained records
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.full {
		return s.capacity
	}
	return s.next
}

// Close is a no-op for the memory sink
func (s *MemorySink) Close() error { return nil }
