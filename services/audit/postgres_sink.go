package audit

import (
	"context"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
)

// PostgresSink persists records through the audit repository so that
// multiple gateway instances can share one durable trail.
type PostgresSink struct {
	repo repositories.AuditRepository
}

// NewPostgresSink creates a sink over the given repository
func NewPostgresSink(repo repositories.AuditRepository) *PostgresSink {
	return &PostgresSink{repo: repo}
}

// Name identifies the sink
func (s *PostgresSink) Name() string { return SinkPostgres }

// Write inserts the record
func (s *PostgresSink) Write(ctx context.Context, record *models.AuditRecord) error {
	return s.repo.Insert(ctx, record)
}

// Close is a no-op; the connection pool is owned by the caller
func (s *PostgresSink) Close() error { return nil }
