package engine

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"

	"github.com/mintflow/mintflow/pkg/lifecycle"
	"github.com/mintflow/mintflow/pkg/retry"
)

// FailureKind is the taxonomy of pipeline failures.
type FailureKind string

const (
	FailureValidation        FailureKind = "validation_failure"
	FailurePrecondition      FailureKind = "precondition_failure"
	FailureKeyMismatch       FailureKind = "idempotency_key_mismatch"
	FailureInvalidTransition FailureKind = "invalid_state_transition"
	FailureExecution         FailureKind = "execution_failure"
	FailurePostCommit        FailureKind = "post_commit_verification_failure"
	FailureCancelled         FailureKind = "cancelled"
)

// statusClientClosedRequest is the non-standard status for a request the
// caller abandoned.
const statusClientClosedRequest = 499

// Disposition tells a caller whether a failed run may have had side effects.
type Disposition string

const (
	// DispositionSucceeded means the run completed every stage it entered.
	DispositionSucceeded Disposition = "succeeded"

	// DispositionRejected means the run stopped before any side effect.
	DispositionRejected Disposition = "rejected"

	// DispositionAttempted means the operation ran, or may have run, with an
	// uncertain or partial effect.
	DispositionAttempted Disposition = "attempted"
)

type kindProfile struct {
	status      int
	disposition Disposition
	code        string
}

var kindTable = map[FailureKind]kindProfile{
	FailureValidation:        {http.StatusBadRequest, DispositionRejected, ErrCodeValidation},
	FailurePrecondition:      {http.StatusForbidden, DispositionRejected, ErrCodePreconditionFailed},
	FailureKeyMismatch:       {http.StatusBadRequest, DispositionRejected, ErrCodeKeyMismatch},
	FailureInvalidTransition: {http.StatusConflict, DispositionRejected, ErrCodeInvalidTransition},
	FailureExecution:         {http.StatusBadGateway, DispositionAttempted, ErrCodeInternal},
	FailurePostCommit:        {http.StatusInternalServerError, DispositionAttempted, ErrCodePostCommitVerification},
	FailureCancelled:         {statusClientClosedRequest, DispositionAttempted, ErrCodeCancelled},
}

// StatusCode returns the HTTP-equivalent status for the kind.
func (k FailureKind) StatusCode() int {
	return kindTable[k].status
}

// Failure describes why a pipeline run stopped.
type Failure struct {
	Kind        FailureKind `json:"kind"`
	Code        string      `json:"code"`
	Message     string      `json:"message"`
	Stage       Stage       `json:"stage"`
	StatusCode  int         `json:"status_code"`
	Disposition Disposition `json:"disposition"`

	// TransitionReason and ValidAlternatives are set for invalid state
	// transitions.
	TransitionReason  lifecycle.ReasonCode `json:"transition_reason,omitempty"`
	ValidAlternatives []lifecycle.State    `json:"valid_alternatives,omitempty"`

	Err error `json:"-"`

	// category is the error class carried by Err, used for retry fallback.
	category string
}

func newFailure(kind FailureKind, stage Stage, code string, err error) *Failure {
	prof := kindTable[kind]
	if code == "" {
		code = prof.code
	}
	f := &Failure{
		Kind:        kind,
		Code:        code,
		Stage:       stage,
		StatusCode:  prof.status,
		Disposition: prof.disposition,
		Err:         err,
	}
	if err != nil {
		f.Message = err.Error()
	}
	return f
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s at %s (%s): %s", f.Kind, f.Stage, f.Code, f.Message)
}

// Unwrap returns the underlying error.
func (f *Failure) Unwrap() error {
	return f.Err
}

func (f *Failure) clone() *Failure {
	if f == nil {
		return nil
	}
	out := *f
	if f.ValidAlternatives != nil {
		out.ValidAlternatives = slices.Clone(f.ValidAlternatives)
	}
	return &out
}

// Result is the immutable outcome of one pipeline run.
type Result[T any] struct {
	markers       []StageMarker
	payload       T
	hasPayload    bool
	hit           bool
	decision      *retry.Decision
	failure       *Failure
	oc            OperationContext
	successStatus int
}

// Markers returns the stage markers in pipeline order.
func (r *Result[T]) Markers() []StageMarker {
	return slices.Clone(r.markers)
}

// Payload returns the operation's result. The bool is false unless the
// Execute stage succeeded.
func (r *Result[T]) Payload() (T, bool) {
	return r.payload, r.hasPayload
}

// IdempotencyHit reports whether the payload was replayed from the guard.
func (r *Result[T]) IdempotencyHit() bool {
	return r.hit
}

// RetryDecision returns the retry classification of the failure, or nil on
// success.
func (r *Result[T]) RetryDecision() *retry.Decision {
	if r.decision == nil {
		return nil
	}
	d := *r.decision
	return &d
}

// Failure returns why the run stopped, or nil on success.
func (r *Result[T]) Failure() *Failure {
	return r.failure.clone()
}

// Succeeded reports whether the run ended without a failure.
func (r *Result[T]) Succeeded() bool {
	return r.failure == nil
}

// Disposition reports whether the run succeeded, was rejected before any side
// effect, or was attempted with an uncertain effect.
func (r *Result[T]) Disposition() Disposition {
	if r.failure == nil {
		return DispositionSucceeded
	}
	return r.failure.Disposition
}

// StatusCode returns the HTTP-equivalent status of the run.
func (r *Result[T]) StatusCode() int {
	if r.failure != nil {
		return r.failure.StatusCode
	}
	return r.successStatus
}

// CorrelationID returns the correlation ID the run was recorded under.
func (r *Result[T]) CorrelationID() string {
	return r.oc.CorrelationID
}

// OperationContext returns the context the run executed with, including a
// generated correlation ID if one was needed.
func (r *Result[T]) OperationContext() OperationContext {
	return r.oc
}

// ReachedStage reports whether the stage was entered.
func (r *Result[T]) ReachedStage(s Stage) bool {
	for _, m := range r.markers {
		if m.Stage == s {
			return true
		}
	}
	return false
}

// MarshalJSON implements json.Marshaler.
func (r *Result[T]) MarshalJSON() ([]byte, error) {
	out := struct {
		CorrelationID        string          `json:"correlation_id"`
		CorrelationGenerated bool            `json:"correlation_generated,omitempty"`
		Disposition          Disposition     `json:"disposition"`
		StatusCode           int             `json:"status_code"`
		IdempotencyHit       bool            `json:"idempotency_hit"`
		Markers              []StageMarker   `json:"markers"`
		Payload              any             `json:"payload,omitempty"`
		Failure              *Failure        `json:"failure,omitempty"`
		RetryDecision        *retry.Decision `json:"retry_decision,omitempty"`
	}{
		CorrelationID:        r.oc.CorrelationID,
		CorrelationGenerated: r.oc.CorrelationGenerated,
		Disposition:          r.Disposition(),
		StatusCode:           r.StatusCode(),
		IdempotencyHit:       r.hit,
		Markers:              r.markers,
		Failure:              r.failure,
		RetryDecision:        r.decision,
	}
	if r.hasPayload {
		out.Payload = r.payload
	}
	return json.Marshal(out)
}
