package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mintflow/mintflow/pkg/engine"
	"github.com/mintflow/mintflow/pkg/retry"
)

func TestChain_StopsAtFirstFailure(t *testing.T) {
	var order []string
	gate := func(name string, err error) engine.Gate[string] {
		return func(ctx context.Context, oc engine.OperationContext, req string) error {
			order = append(order, name)
			return err
		}
	}

	chain := engine.Chain(
		gate("subscription", nil),
		nil,
		gate("kyc", errors.New("kyc pending")),
		gate("network", nil),
	)

	err := chain(context.Background(), engine.OperationContext{}, "req")
	if err == nil || err.Error() != "kyc pending" {
		t.Fatalf("expected kyc failure, got %v", err)
	}
	if len(order) != 2 || order[0] != "subscription" || order[1] != "kyc" {
		t.Errorf("gate order = %v", order)
	}
}

func TestChain_Empty(t *testing.T) {
	if err := engine.Chain[int]()(context.Background(), engine.OperationContext{}, 1); err != nil {
		t.Errorf("empty chain failed: %v", err)
	}
}

func TestPredicate(t *testing.T) {
	gate := engine.Predicate(retry.CodeInvalidTokenParameters, func(n int) string {
		if n <= 0 {
			return "supply must be positive"
		}
		return ""
	})

	if err := gate(context.Background(), engine.OperationContext{}, 5); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	err := gate(context.Background(), engine.OperationContext{}, 0)
	code, class := engine.CodeOf(err, "")
	if code != retry.CodeInvalidTokenParameters || class != engine.ErrorClassPermanent {
		t.Errorf("code=%s class=%s", code, class)
	}
}

func TestRequireUser(t *testing.T) {
	gate := engine.RequireUser[string]()
	if err := gate(context.Background(), engine.BuildContext("op", "c", "", "u1"), ""); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := gate(context.Background(), engine.BuildContext("op", "c", "", ""), "")
	if code, _ := engine.CodeOf(err, ""); code != engine.ErrCodePermissionDenied {
		t.Errorf("code = %s, want PERMISSION_DENIED", code)
	}
}

func TestEngineError(t *testing.T) {
	base := errors.New("dial tcp: timeout")
	err := engine.NewTransientError("rpc call failed", base).
		WithCode(retry.CodeTimeout).
		WithResource("d1").
		WithOperation("submit").
		WithDetail("attempt", 2)

	if !errors.Is(err, base) {
		t.Error("EngineError does not unwrap to cause")
	}
	if !engine.IsRetryable(err) || engine.IsPermanent(err) {
		t.Error("transient error misclassified")
	}
	if !errors.Is(err, &engine.EngineError{Class: engine.ErrorClassTransient, Code: retry.CodeTimeout}) {
		t.Error("errors.Is by class and code failed")
	}
	want := "[transient] TIMEOUT: rpc call failed (resource=d1, operation=submit): dial tcp: timeout"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
