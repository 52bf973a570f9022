package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the request.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a precondition rule with its Rego code. Every policy
// defines a "deny" set in its package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Code is the default error code for violations that carry none.
	Code string `json:"code,omitempty"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks the policies shipped with mintflow.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is a single denial produced by a policy.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Code is the error code handed to the retry classifier.
	Code string `json:"code"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	Severity Severity `json:"severity"`
}

// Decision is the result of evaluating every enabled policy against one
// request.
type Decision struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations are the blocking violations in policy order.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are violations that do not block the request.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Input is the document policies see as "input".
type Input struct {
	// Operation is the pipeline operation type, e.g. "token.deploy".
	Operation string `json:"operation"`

	UserID        string `json:"user_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	// Request is the request under evaluation, as a JSON object.
	Request map[string]interface{} `json:"request"`

	// Facts are the external conditions gathered for the user.
	Facts Facts `json:"facts"`
}

// Facts carries the compliance and entitlement state of the requesting user.
type Facts struct {
	KYC          KYCFacts          `json:"kyc"`
	Subscription SubscriptionFacts `json:"subscription"`
}

// KYCFacts describes the user's identity verification.
type KYCFacts struct {
	// Status is "verified" once verification has completed.
	Status string `json:"status"`
}

// KYCVerified is the KYC status that satisfies the kyc-required policy.
const KYCVerified = "verified"

// SubscriptionFacts describes the user's plan and usage.
type SubscriptionFacts struct {
	Plan string `json:"plan"`

	// Used is the number of deployments already made in the current period.
	Used int `json:"used"`

	// Quota is the number of deployments allowed per period. Zero or less
	// means unlimited.
	Quota int `json:"quota"`
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}
