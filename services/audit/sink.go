package audit

import (
	"context"
	"fmt"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
)

// Sink names accepted in configuration
const (
	SinkMemory   = "memory"
	SinkJSONL    = "jsonl"
	SinkPostgres = "postgres"
)

// Sink receives audit records from the service workers. Implementations
// must tolerate concurrent Write calls.
type Sink interface {
	// Name identifies the sink in logs and stats
	Name() string

	// Write persists one record
	Write(ctx context.Context, record *models.AuditRecord) error

	// Close flushes and releases the sink
	Close() error
}

// ValidateSinkName rejects unknown sink names at startup
func ValidateSinkName(name string) error {
	switch name {
	case SinkMemory, SinkJSONL, SinkPostgres:
		return nil
	default:
		return fmt.Errorf("%w: %q", services.ErrUnknownSink, name)
	}
}
