package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mintflow/mintflow/pkg/lifecycle"
)

// DeploymentRecord is one logical long-running operation and its status
// history.
type DeploymentRecord struct {
	// ID is the unique identifier generated at creation.
	ID string `json:"id"`

	// OperationType names the operation that created the record.
	OperationType string `json:"operation_type"`

	// CorrelationID is stable for the life of the record.
	CorrelationID string `json:"correlation_id"`

	// CurrentState is the latest lifecycle state.
	CurrentState lifecycle.State `json:"current_state"`

	// StatusHistory is append-only and ordered by Sequence.
	StatusHistory []lifecycle.TransitionEntry `json:"status_history"`

	// Payload is a snapshot of the request that created the record.
	Payload json.RawMessage `json:"payload,omitempty"`

	// TxHash is the external transaction reference, once known.
	TxHash string `json:"tx_hash,omitempty"`

	// LastError is the message of the failure that moved the record to
	// failed, if any.
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *DeploymentRecord) Clone() *DeploymentRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.StatusHistory = slices.Clone(r.StatusHistory)
	if r.Payload != nil {
		out.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &out
}

// TransitionUpdate is the mutable data that may accompany a transition.
type TransitionUpdate struct {
	Entry     lifecycle.TransitionEntry
	TxHash    string
	LastError string
}

// DeploymentStore persists deployment records. Implementations must be safe
// for concurrent use.
type DeploymentStore interface {
	// CreateDeployment stores a new record. It returns ErrAlreadyExists if
	// the ID is taken.
	CreateDeployment(ctx context.Context, rec *DeploymentRecord) error

	// GetDeployment returns the record with the given ID or ErrNotFound.
	GetDeployment(ctx context.Context, id string) (*DeploymentRecord, error)

	// AppendTransition atomically appends u.Entry to the history and moves
	// the record to u.Entry.To, provided the stored state still equals
	// u.Entry.From. Otherwise it returns ErrStaleState.
	AppendTransition(ctx context.Context, id string, u TransitionUpdate) (*DeploymentRecord, error)

	// ListDeployments returns records newest first.
	ListDeployments(ctx context.Context, limit, offset int) ([]*DeploymentRecord, error)
}

// TelemetrySink receives the audit event of every pipeline run. Errors are
// logged by the pipeline and never fail a run.
type TelemetrySink interface {
	Emit(ctx context.Context, event Event) error
}

// TelemetrySinkFunc adapts a function to TelemetrySink.
type TelemetrySinkFunc func(ctx context.Context, event Event) error

// Emit implements TelemetrySink.
func (f TelemetrySinkFunc) Emit(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []TelemetrySink

// Emit implements TelemetrySink.
func (m MultiSink) Emit(ctx context.Context, event Event) error {
	var errs []error
	for i, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// TransitionError is returned when the lifecycle rejects a transition.
type TransitionError struct {
	DeploymentID string
	From         lifecycle.State
	To           lifecycle.State
	Verdict      lifecycle.Verdict
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s: %s", e.From, e.To, e.Verdict.Explanation)
}
