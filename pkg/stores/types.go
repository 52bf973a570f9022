package stores

import (
	"context"
	"time"

	"github.com/mintflow/mintflow/pkg/engine"
	"github.com/mintflow/mintflow/pkg/idempotency"
)

// AuditFilter narrows ListAuditEvents. Empty fields match everything.
type AuditFilter struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	OperationType string `json:"operation_type,omitempty"`
	DeploymentID  string `json:"deployment_id,omitempty"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Deployment records and their status history
	engine.DeploymentStore

	// Idempotency records
	idempotency.Store

	// Audit trail of orchestration events
	engine.TelemetrySink
	ListAuditEvents(ctx context.Context, filter AuditFilter, limit, offset int) ([]engine.Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var (
	_ Store                  = (*SQLiteStore)(nil)
	_ engine.DeploymentStore = (*MemoryDeploymentStore)(nil)
)

// Timestamps are stored as Unix nanoseconds so range predicates compare
// numerically.

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
