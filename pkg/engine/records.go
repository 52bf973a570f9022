package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mintflow/mintflow/pkg/lifecycle"
	"github.com/mintflow/mintflow/pkg/retry"
)

// TransitionDetails accompany a state change.
type TransitionDetails struct {
	Reason    string
	TxHash    string
	LastError string
}

// CreateRecord stores a new deployment record in the queued state with
// payload as its request snapshot.
func (p *Pipeline) CreateRecord(ctx context.Context, oc OperationContext, payload any) (*DeploymentRecord, error) {
	if p.store == nil {
		return nil, NewPermanentError("no deployment store configured", nil).WithCode(retry.CodeMissingConfiguration)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, NewPermanentError("failed to encode request snapshot", err).WithCode(ErrCodeValidation)
	}

	now := p.now()
	rec := &DeploymentRecord{
		ID:            p.newID(),
		OperationType: oc.OperationType,
		CorrelationID: oc.CorrelationID,
		CurrentState:  lifecycle.StateQueued,
		StatusHistory: []lifecycle.TransitionEntry{{
			Sequence:      1,
			To:            lifecycle.StateQueued,
			Reason:        "created",
			CorrelationID: oc.CorrelationID,
			OccurredAt:    now,
		}},
		Payload:   data,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := p.store.CreateDeployment(ctx, rec); err != nil {
		return nil, NewTransientError("failed to create deployment record", err).
			WithCode(ErrCodeStorageUnavailable).
			WithResource(rec.ID)
	}

	p.logger.Debug().
		Str("deployment_id", rec.ID).
		Str("correlation_id", oc.CorrelationID).
		Msg("Created deployment record")
	return rec.Clone(), nil
}

// Transition validates moving deployment id to state to and persists it. A
// rejected transition returns *TransitionError and leaves the record
// untouched; a concurrent change returns a conflict error wrapping
// ErrStaleState.
func (p *Pipeline) Transition(ctx context.Context, oc OperationContext, id string, to lifecycle.State, details TransitionDetails) (*DeploymentRecord, error) {
	if p.store == nil {
		return nil, NewPermanentError("no deployment store configured", nil).WithCode(retry.CodeMissingConfiguration)
	}

	rec, err := p.store.GetDeployment(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to load deployment %s: %w", id, err)
		}
		return nil, NewTransientError("failed to load deployment", err).
			WithCode(ErrCodeStorageUnavailable).
			WithResource(id)
	}

	verdict := lifecycle.Validate(rec.CurrentState, to, lifecycle.TransitionContext{
		DeploymentID:  id,
		CorrelationID: oc.CorrelationID,
		Reason:        details.Reason,
	})
	if !verdict.Allowed {
		return nil, &TransitionError{DeploymentID: id, From: rec.CurrentState, To: to, Verdict: verdict}
	}

	updated, err := p.store.AppendTransition(ctx, id, TransitionUpdate{
		Entry: lifecycle.TransitionEntry{
			From:          rec.CurrentState,
			To:            to,
			Reason:        details.Reason,
			CorrelationID: oc.CorrelationID,
			OccurredAt:    p.now(),
		},
		TxHash:    details.TxHash,
		LastError: details.LastError,
	})
	if err != nil {
		if errors.Is(err, ErrStaleState) {
			return nil, NewConflictError("deployment changed concurrently", err).
				WithCode(ErrCodeConflict).
				WithResource(id)
		}
		return nil, NewTransientError("failed to append transition", err).
			WithCode(ErrCodeStorageUnavailable).
			WithResource(id)
	}

	p.logger.Debug().
		Str("deployment_id", id).
		Str("from", string(rec.CurrentState)).
		Str("to", string(to)).
		Str("correlation_id", oc.CorrelationID).
		Msg("Deployment transitioned")
	return updated, nil
}
