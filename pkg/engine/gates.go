package engine

import (
	"context"
	"fmt"
)

// Gate is a check run before the operation. A nil error lets the request
// continue; any error short-circuits the pipeline.
type Gate[Req any] func(ctx context.Context, oc OperationContext, req Req) error

// Chain composes gates into one that runs them in order and stops at the
// first error. Nil gates are ignored.
func Chain[Req any](gates ...Gate[Req]) Gate[Req] {
	return func(ctx context.Context, oc OperationContext, req Req) error {
		for _, g := range gates {
			if g == nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := g(ctx, oc, req); err != nil {
				return err
			}
		}
		return nil
	}
}

// Predicate adapts a pure check returning a human-readable failure, where an
// empty string means the request passed.
func Predicate[Req any](code string, check func(req Req) string) Gate[Req] {
	return func(_ context.Context, _ OperationContext, req Req) error {
		if msg := check(req); msg != "" {
			return NewPermanentError(msg, nil).WithCode(code)
		}
		return nil
	}
}

// RequireUser rejects requests that carry no user ID.
func RequireUser[Req any]() Gate[Req] {
	return func(_ context.Context, oc OperationContext, _ Req) error {
		if oc.UserID == "" {
			return NewPermanentError(fmt.Sprintf("%s requires an authenticated user", oc.OperationType), nil).
				WithCode(ErrCodePermissionDenied)
		}
		return nil
	}
}
