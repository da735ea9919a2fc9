package repositories

import (
	"context"

	"github.com/upb/llm-gateway/models"
)

// AuditRepository persists audit records durably. The gateway writes
// through the audit service worker pool, so Insert must be safe for
// concurrent use.
type AuditRepository interface {
	// Insert stores one audit record
	Insert(ctx context.Context, record *models.AuditRecord) error

	// ListRecent returns the most recent records, newest first
	ListRecent(ctx context.Context, limit int) ([]*models.AuditRecord, error)

	// ListByIdentity returns the most recent records for one identity
	ListByIdentity(ctx context.Context, identity string, limit int) ([]*models.AuditRecord, error)
}
