// Package engine provides the orchestration pipeline that runs long-lived,
// externally visible operations such as token deployments.
//
// # Overview
//
// Every run passes through five ordered stages, each recorded as a StageMarker:
//
//  1. Validate - pure checks over the request
//  2. CheckPreconditions - external gating such as KYC and entitlements
//  3. Execute - the operation, wrapped in the idempotency guard and preceded
//     by a lifecycle transition check
//  4. VerifyPostCommit - confirms the operation reached its expected effect
//  5. EmitTelemetry - hands a structured Event to the TelemetrySink
//
// A failing stage short-circuits the rest. The Result reports which stages
// ran, the payload when Execute succeeded, and a Failure classified by the
// retry package:
//
//	res := engine.Execute(ctx, pipeline, oc, req, engine.Steps[Req, Resp]{
//	    Validate:           engine.Chain(checkFields, checkSchema),
//	    CheckPreconditions: policyGate,
//	    Operation:          deploy,
//	    VerifyPostCommit:   verify,
//	})
//	if !res.Succeeded() {
//	    f := res.Failure()
//	    fmt.Println(f.Kind, f.StatusCode, res.RetryDecision().Policy)
//	}
//
// # Failure Taxonomy
//
// Failures distinguish runs rejected before any side effect (validation,
// precondition, key mismatch, invalid transition) from runs attempted with an
// uncertain effect (execution and post-commit failures). See Disposition.
//
// # Error Classification
//
// Collaborators report errors as *EngineError with a Class and a Code. The
// code is looked up by the retry classifier; the class is the fallback
// category for codes it does not know:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting and congestion that require a cooldown
//   - Conflict: Concurrent state changes that can be retried immediately
//   - Permanent: Failures that need a changed request or outside action
//
// # Persistence
//
// DeploymentRecords are stored through the DeploymentStore interface. Status
// history is append-only; AppendTransition is a compare-and-swap on the
// current state so concurrent advances cannot both win.
package engine
