// Package retry classifies failures into a closed set of retry policies and
// computes the advisory delays and attempt ceilings attached to each.
//
// Classification is table driven: an error code maps to a profile, an unknown
// code falls back to its category, and an unknown category falls back to a
// conservative delayed retry. The same inputs always produce the same Decision.
package retry

import (
	"encoding/json"
	"fmt"
)

// Policy is the retry verdict for a failure. Values are ordered by increasing
// remediation burden.
type Policy string

const (
	// PolicyNotRetryable means the request itself must change before a retry
	// can succeed.
	PolicyNotRetryable Policy = "not_retryable"

	// PolicyImmediate means the failure had no side effects and can be retried
	// right away.
	PolicyImmediate Policy = "retryable_immediate"

	// PolicyWithDelay covers transient infrastructure failures.
	PolicyWithDelay Policy = "retryable_with_delay"

	// PolicyWithCooldown covers congestion and rate limiting.
	PolicyWithCooldown Policy = "retryable_with_cooldown"

	// PolicyAfterRemediation requires the user to act before retrying.
	PolicyAfterRemediation Policy = "retryable_after_remediation"

	// PolicyAfterConfiguration requires an operator to fix configuration.
	PolicyAfterConfiguration Policy = "retryable_after_configuration"
)

var policyOrder = map[Policy]int{
	PolicyNotRetryable:       1,
	PolicyImmediate:          2,
	PolicyWithDelay:          3,
	PolicyWithCooldown:       4,
	PolicyAfterRemediation:   5,
	PolicyAfterConfiguration: 6,
}

// Policies returns every policy in ordinal order.
func Policies() []Policy {
	return []Policy{
		PolicyNotRetryable,
		PolicyImmediate,
		PolicyWithDelay,
		PolicyWithCooldown,
		PolicyAfterRemediation,
		PolicyAfterConfiguration,
	}
}

// Ordinal returns the 1-based position of the policy, or 0 if unknown.
func (p Policy) Ordinal() int {
	return policyOrder[p]
}

// Validate checks if the policy is known.
func (p Policy) Validate() error {
	if _, ok := policyOrder[p]; !ok {
		return fmt.Errorf("invalid retry policy: %q", string(p))
	}
	return nil
}

// IsAutomatic returns true if a client may retry without outside action.
func (p Policy) IsAutomatic() bool {
	return p == PolicyImmediate || p == PolicyWithDelay || p == PolicyWithCooldown
}

// String implements fmt.Stringer.
func (p Policy) String() string {
	return string(p)
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (p Policy) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(p))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*p = Policy(str)
	return p.Validate()
}

// Decision is the retry verdict attached to one classified failure. The
// delay and attempt fields are advisory.
type Decision struct {
	Policy                Policy `json:"policy"`
	ErrorCode             string `json:"error_code"`
	Category              string `json:"category,omitempty"`
	SuggestedDelaySeconds int    `json:"suggested_delay_seconds"`
	MaxAttempts           int    `json:"max_attempts"`
	UseExponentialBackoff bool   `json:"use_exponential_backoff"`
	UserAction            string `json:"user_action,omitempty"`
}

// Retryable returns true if the decision allows any retry at all.
func (d Decision) Retryable() bool {
	return d.Policy != PolicyNotRetryable
}
