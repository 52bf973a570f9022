// Package policy evaluates precondition policies written in Rego (Open
// Policy Agent) and exposes them to the pipeline as an engine.Gate.
//
// Every policy defines a "deny" set in its own package. Elements are either
// message strings or objects:
//
//	deny contains violation if {
//	    input.facts.kyc.status != "verified"
//	    violation := {"code": "KYC_REQUIRED", "message": "...", "severity": "error"}
//	}
//
// The code of the first blocking violation becomes the error code of the
// precondition failure, which the retry classifier maps to a retry policy.
//
// # Built-in policies
//
//   - kyc-required: KYC_REQUIRED unless input.facts.kyc.status is "verified"
//   - subscription-quota: SUBSCRIPTION_LIMIT_REACHED once used >= quota
//   - network-allowlist: NETWORK_NOT_ALLOWED when input.request.network is
//     not allowed for the plan (see Engine.SetAllowedNetworks)
//
// # Input
//
// Policies see Input as "input": the operation type, user and correlation
// IDs, the request as a JSON object, and the gathered Facts.
//
// # Loading and hot reload
//
// Additional policies are read from .rego or .json files:
//
//	eng.LoadPolicies(ctx, []string{"/etc/mintflow/policies"})
//
//	loader := policy.NewLoader(logger)
//	loader.Watch(ctx, paths, func(p []policy.Policy) error {
//	    return eng.ReplacePolicies(ctx, p)
//	})
//
// A .rego file's leading comment block becomes the policy description; a
// "# code: NAME" line sets the code for violations that carry none.
package policy
