package postgres

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
)

// AuditRepository implements the repositories.AuditRepository interface
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

const auditColumns = `id, seq, timestamp, request_id, identity, model, outcome,
	       reason, provider, tokens_in, tokens_out, cost, latency_ms, attempts`

// Insert inserts a new audit record
func (r *AuditRepository) Insert(ctx context.Context, record *models.AuditRecord) error {
	query := `
		INSERT INTO audit_records (
			id, seq, timestamp, request_id, identity, model, outcome,
			reason, provider, tokens_in, tokens_out, cost, latency_ms, attempts
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		record.ID,
		record.Seq,
		record.Timestamp,
		record.RequestID,
		record.Identity,
		record.Model,
		record.Outcome,
		record.Reason,
		record.Provider,
		record.TokensIn,
		record.TokensOut,
		record.Cost,
		record.LatencyMs,
		record.Attempts,
	)

	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	r.logger.Debug("audit record inserted",
		zap.String("request_id", record.RequestID),
		zap.Uint64("seq", record.Seq))
	return nil
}

// ListRecent retrieves the most recent audit records, newest first
func (r *AuditRepository) ListRecent(ctx context.Context, limit int) ([]*models.AuditRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM audit_records
		ORDER BY seq DESC
		LIMIT $1
	`, auditColumns)

	return r.queryRecords(ctx, query, limit)
}

// ListByIdentity retrieves the most recent records for one identity
func (r *AuditRepository) ListByIdentity(ctx context.Context, identity string, limit int) ([]*models.AuditRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM audit_records
		WHERE identity = $1
		ORDER BY seq DESC
		LIMIT $2
	`, auditColumns)

	return r.queryRecords(ctx, query, identity, limit)
}

// queryRecords is a helper method to query multiple audit records
func (r *AuditRepository) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*models.AuditRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []*models.AuditRecord
	for rows.Next() {
		record := &models.AuditRecord{}
		err := rows.Scan(
			&record.ID,
			&record.Seq,
			&record.Timestamp,
			&record.RequestID,
			&record.Identity,
			&record.Model,
			&record.Outcome,
			&record.Reason,
			&record.Provider,
			&record.TokensIn,
			&record.TokensOut,
			&record.Cost,
			&record.LatencyMs,
			&record.Attempts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit record rows: %w", err)
	}

	return records, nil
}
