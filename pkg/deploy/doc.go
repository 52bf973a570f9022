// Package deploy runs token deployments through the orchestration pipeline.
//
// A Service validates a DeployRequest with struct tags and the built-in CUE
// schema, gates it on OPA policies over the caller's KYC and subscription
// facts, then drives a Deployer while recording the deployment's lifecycle:
//
//	queued -> submitted -> confirmed -> completed
//
// Any deployer error moves the record to failed with the error message and is
// returned to the pipeline with its retry classification. An optional
// Verifier, typically a Starlark script, checks each completed deployment.
//
// Advance applies externally observed state changes, such as a confirmation
// reported by an indexer, to an existing record.
package deploy
