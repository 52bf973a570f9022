package engine

import (
	"context"
	"time"

	"github.com/mintflow/mintflow/pkg/retry"
)

// Stage identifies one of the five ordered pipeline stages.
type Stage string

const (
	// StageValidate runs the caller's pure request validation.
	StageValidate Stage = "validate"

	// StagePreconditions checks external gating conditions.
	StagePreconditions Stage = "check_preconditions"

	// StageExecute runs the guarded operation.
	StageExecute Stage = "execute"

	// StageVerify confirms the operation reached its expected effect.
	StageVerify Stage = "verify_post_commit"

	// StageTelemetry emits the run's audit event.
	StageTelemetry Stage = "emit_telemetry"
)

// Stages returns the stages in pipeline order.
func Stages() []Stage {
	return []Stage{StageValidate, StagePreconditions, StageExecute, StageVerify, StageTelemetry}
}

// Outcome is the result of a single stage.
type Outcome string

const (
	OutcomePassed    Outcome = "passed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCancelled Outcome = "cancelled"
)

// StageMarker records that a stage was entered and how it ended.
type StageMarker struct {
	Stage     Stage         `json:"stage"`
	Entered   bool          `json:"entered"`
	Outcome   Outcome       `json:"outcome"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// OperationContext identifies one logical request across every stage.
type OperationContext struct {
	// OperationType names the operation, e.g. "token.deploy".
	OperationType string `json:"operation_type"`

	// CorrelationID is the transport-supplied tracing token.
	CorrelationID string `json:"correlation_id"`

	// IdempotencyKey is the caller-chosen deduplication key. Empty disables
	// caching.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// UserID identifies the caller, if known.
	UserID string `json:"user_id,omitempty"`

	// CorrelationGenerated is set by the pipeline when it had to generate
	// CorrelationID because the transport supplied none.
	CorrelationGenerated bool `json:"correlation_generated,omitempty"`
}

// BuildContext creates an OperationContext. It has no side effects; in
// particular it never generates a correlation ID.
func BuildContext(operationType, correlationID, idempotencyKey, userID string) OperationContext {
	return OperationContext{
		OperationType:  operationType,
		CorrelationID:  correlationID,
		IdempotencyKey: idempotencyKey,
		UserID:         userID,
	}
}

type operationContextKey struct{}

func withOperationContext(ctx context.Context, oc OperationContext) context.Context {
	return context.WithValue(ctx, operationContextKey{}, oc)
}

// OperationContextFrom returns the context of the pipeline run ctx belongs
// to. Delegates use it to read the correlation ID the run was recorded under.
func OperationContextFrom(ctx context.Context) (OperationContext, bool) {
	oc, ok := ctx.Value(operationContextKey{}).(OperationContext)
	return oc, ok
}

// EventTypeOrchestration is the type of the event emitted at the end of every
// pipeline run that passed validation.
const EventTypeOrchestration = "orchestration.completed"

// Event is the structured audit record of one pipeline run.
type Event struct {
	ID             string        `json:"id"`
	Type           string        `json:"type"`
	OperationType  string        `json:"operation_type"`
	CorrelationID  string        `json:"correlation_id"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	UserID         string        `json:"user_id,omitempty"`
	DeploymentID   string        `json:"deployment_id,omitempty"`
	Disposition    Disposition   `json:"disposition"`
	FailureKind    FailureKind   `json:"failure_kind,omitempty"`
	ErrorCode      string        `json:"error_code,omitempty"`
	Message        string        `json:"message,omitempty"`
	IdempotencyHit bool          `json:"idempotency_hit"`
	RetryPolicy    retry.Policy  `json:"retry_policy,omitempty"`
	Markers        []StageMarker `json:"markers"`
	Timestamp      time.Time     `json:"timestamp"`
	Duration       time.Duration `json:"duration"`
}

// Succeeded reports whether the run ended without a failure.
func (e Event) Succeeded() bool {
	return e.Disposition == DispositionSucceeded
}
