package deploy_test

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mintflow/mintflow/pkg/deploy"
	"github.com/mintflow/mintflow/pkg/engine"
	"github.com/mintflow/mintflow/pkg/idempotency"
	"github.com/mintflow/mintflow/pkg/lifecycle"
	"github.com/mintflow/mintflow/pkg/policy"
	"github.com/mintflow/mintflow/pkg/stores"
)

func ExampleService_Deploy() {
	guard := idempotency.NewGuard(idempotency.NewMemoryStore(), idempotency.Config{}, zerolog.Nop())
	defer guard.Close()

	pipeline := engine.NewPipeline(zerolog.Nop(),
		engine.WithGuard(guard),
		engine.WithDeploymentStore(stores.NewMemoryDeploymentStore()),
	)

	policies, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		panic(err)
	}
	compliance := &deploy.StaticCompliance{KYC: policy.KYCVerified, Plan: "starter"}

	registry := deploy.NewRegistry()
	registry.SetFallback(deploy.NewSimulatedDeployer())

	svc := deploy.NewService(pipeline, registry, zerolog.Nop(),
		deploy.WithPolicyEngine(policies),
		deploy.WithCompliance(compliance),
		deploy.WithEntitlements(compliance),
	)

	req := deploy.DeployRequest{
		TokenName:     "Mint Token",
		Symbol:        "MNT",
		Network:       "sepolia",
		InitialSupply: "1000000",
		Decimals:      18,
		OwnerAddress:  "0x52908400098527886E0F7030069857D2E4169EE7",
	}
	opts := deploy.DeployOptions{IdempotencyKey: "abc", UserID: "user-1"}

	ctx := context.Background()
	res := svc.Deploy(ctx, req, opts)
	receipt, _ := res.Payload()

	rec, _ := svc.Get(ctx, receipt.DeploymentID)
	for _, entry := range rec.StatusHistory {
		fmt.Println(entry.Sequence, entry.To)
	}

	replay := svc.Deploy(ctx, req, opts)
	fmt.Println(res.StatusCode(), replay.IdempotencyHit())

	back := svc.Advance(ctx, receipt.DeploymentID, lifecycle.StatePending, "", deploy.DeployOptions{})
	fmt.Println(back.Failure().Kind, back.RetryDecision().Policy)
	// Output:
	// 1 queued
	// 2 submitted
	// 3 confirmed
	// 4 completed
	// 201 true
	// invalid_state_transition not_retryable
}
