package engine_test

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mintflow/mintflow/pkg/engine"
	"github.com/mintflow/mintflow/pkg/idempotency"
)

func ExampleExecute() {
	guard := idempotency.NewGuard(idempotency.NewMemoryStore(), idempotency.Config{}, zerolog.Nop())
	defer guard.Close()

	p := engine.NewPipeline(zerolog.Nop(), engine.WithGuard(guard))
	steps := engine.Steps[string, string]{
		Validate: engine.Predicate("VALIDATION_ERROR", func(name string) string {
			if name == "" {
				return "token name is required"
			}
			return ""
		}),
		Operation: func(ctx context.Context, name string) (string, error) {
			return "deployed " + name, nil
		},
	}

	oc := engine.BuildContext("token.deploy", "corr-1", "abc", "")
	first := engine.Execute(context.Background(), p, oc, "Mint", steps)
	replay := engine.Execute(context.Background(), p, oc, "Mint", steps)
	mismatch := engine.Execute(context.Background(), p, oc, "Other", steps)

	payload, _ := replay.Payload()
	fmt.Println(first.IdempotencyHit(), replay.IdempotencyHit(), payload)
	fmt.Println(mismatch.Failure().Kind, mismatch.StatusCode())
	// Output:
	// false true deployed Mint
	// idempotency_key_mismatch 400
}
