package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/mintflow/mintflow/pkg/engine"
)

// InputFunc gathers the policy input for a request.
type InputFunc[Req any] func(ctx context.Context, oc engine.OperationContext, req Req) (Input, error)

// Gate returns a precondition gate that denies the request when any enabled
// policy reports a blocking violation. The returned error carries the code of
// the first violation so the retry classifier can advise the caller.
func Gate[Req any](e *Engine, build InputFunc[Req]) engine.Gate[Req] {
	return func(ctx context.Context, oc engine.OperationContext, req Req) error {
		input, err := build(ctx, oc, req)
		if err != nil {
			var ee *engine.EngineError
			if errors.As(err, &ee) {
				return err
			}
			return engine.NewTransientError("failed to gather policy facts", err).
				WithOperation(oc.OperationType)
		}
		if input.Operation == "" {
			input.Operation = oc.OperationType
		}
		if input.UserID == "" {
			input.UserID = oc.UserID
		}
		if input.CorrelationID == "" {
			input.CorrelationID = oc.CorrelationID
		}

		decision, err := e.Evaluate(ctx, input)
		if err != nil {
			return engine.NewPermanentError("policy evaluation failed", err).
				WithCode(engine.ErrCodeInternal).
				WithOperation(oc.OperationType)
		}
		if decision.Allowed {
			return nil
		}

		first := decision.Violations[0]
		return engine.NewPermanentError(first.Message, nil).
			WithCode(first.Code).
			WithOperation(oc.OperationType).
			WithDetail("policy", first.Policy).
			WithDetail("violations", len(decision.Violations))
	}
}

// RequestDocument converts a request struct to the JSON object policies see
// as input.request.
func RequestDocument(req interface{}) (map[string]interface{}, error) {
	doc, err := toDocument(req)
	if err != nil {
		return nil, err
	}
	m, ok := doc.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("request must encode to a JSON object, got %T", doc)
	}
	return m, nil
}
