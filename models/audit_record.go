package models

import (
	"time"

	"github.com/google/uuid"
)

// Outcome classifies the final disposition of a request.
type Outcome string

const (
	OutcomeAllowed   Outcome = "allowed"
	OutcomeDenied    Outcome = "denied"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// AuditRecord is one append-only entry in the request audit trail.
// Records are immutable once appended; Seq is assigned by the audit log at
// append time and defines the total order readers observe.
type AuditRecord struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Seq       uint64    `json:"seq" db:"seq"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	RequestID string    `json:"request_id" db:"request_id"`
	Identity  string    `json:"identity" db:"identity"`
	Model     string    `json:"model" db:"model"`
	Outcome   Outcome   `json:"outcome" db:"outcome"`

	// Reason is set when the outcome is denied or failed
	Reason string `json:"reason,omitempty" db:"reason"`

	// Provider-side fields, zero for requests denied before dispatch
	Provider  string  `json:"provider,omitempty" db:"provider"`
	TokensIn  int     `json:"tokens_in" db:"tokens_in"`
	TokensOut int     `json:"tokens_out" db:"tokens_out"`
	Cost      float64 `json:"cost" db:"cost"`
	LatencyMs int     `json:"latency_ms" db:"latency_ms"`
	Attempts  int     `json:"attempts" db:"attempts"`
}

// TableName returns the table name for the AuditRecord model
func (AuditRecord) TableName() string {
	return "audit_records"
}

// NewAuditRecord creates a record for a request attempt.
func NewAuditRecord(requestID, identity, model string) *AuditRecord {
	return &AuditRecord{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		RequestID: requestID,
		Identity:  identity,
		Model:     model,
	}
}

// WithOutcome sets the outcome and, for denials and failures, the reason.
func (r *AuditRecord) WithOutcome(outcome Outcome, reason string) *AuditRecord {
	r.Outcome = outcome
	r.Reason = reason
	return r
}

// WithUsage sets token usage and cost.
func (r *AuditRecord) WithUsage(tokensIn, tokensOut int, cost float64) *AuditRecord {
	r.TokensIn = tokensIn
	r.TokensOut = tokensOut
	r.Cost = cost
	return r
}

// WithProvider sets the provider and attempt count.
func (r *AuditRecord) WithProvider(provider string, attempts int) *AuditRecord {
	r.Provider = provider
	r.Attempts = attempts
	return r
}

// WithLatency sets the end-to-end latency.
func (r *AuditRecord) WithLatency(latencyMs int) *AuditRecord {
	r.LatencyMs = latencyMs
	return r
}
