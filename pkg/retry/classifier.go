package retry

import (
	"math"
	"strings"
	"time"
)

// Retry ceilings per policy.
const (
	immediateMaxAttempts = 3

	delayMaxAttempts = 5
	delayMaxElapsed  = 10 * time.Minute
	delayBase        = 5 * time.Second
	delayCap         = 30 * time.Second

	cooldownMaxAttempts = 4
	cooldownMaxElapsed  = time.Hour
	cooldownBase        = 60 * time.Second
	cooldownCap         = 300 * time.Second
)

// Context carries optional information about the failure being classified.
type Context struct {
	// Attempt is the zero-based attempt that just failed. It scales the
	// suggested delay for policies that use exponential backoff.
	Attempt int

	// Operation names the operation that failed, for logging only.
	Operation string
}

// Classifier maps error codes to retry decisions. The zero value is ready to
// use and reads the wall clock.
type Classifier struct {
	now func() time.Time
}

// NewClassifier creates a classifier that reads time from now. A nil now
// uses time.Now.
func NewClassifier(now func() time.Time) *Classifier {
	return &Classifier{now: now}
}

var defaultClassifier = &Classifier{}

// Classify returns the decision for an error code. Unknown codes fall back to
// the category, and unknown categories to a delayed retry with three attempts.
func (c *Classifier) Classify(code, category string, ctx Context) Decision {
	code = strings.ToUpper(strings.TrimSpace(code))
	category = strings.ToLower(strings.TrimSpace(category))

	prof, ok := codeTable[code]
	if !ok {
		prof, ok = categoryTable[category]
	}
	if !ok {
		prof = fallback
		prof.category = category
	}

	return Decision{
		Policy:                prof.policy,
		ErrorCode:             code,
		Category:              prof.category,
		SuggestedDelaySeconds: int(CalculateRetryDelay(prof.policy, ctx.Attempt, prof.exponential) / time.Second),
		MaxAttempts:           prof.maxAttempts,
		UseExponentialBackoff: prof.exponential,
		UserAction:            prof.userAction,
	}
}

// ShouldRetry reports whether another attempt is permitted after
// attemptCount attempts, the first of which started at firstAttempt.
// Remediation and configuration policies always return false; they only
// clear through an external signal.
func (c *Classifier) ShouldRetry(policy Policy, attemptCount int, firstAttempt time.Time) bool {
	elapsed := c.clock().Sub(firstAttempt)

	switch policy {
	case PolicyImmediate:
		return attemptCount < immediateMaxAttempts
	case PolicyWithDelay:
		return attemptCount < delayMaxAttempts && elapsed < delayMaxElapsed
	case PolicyWithCooldown:
		return attemptCount < cooldownMaxAttempts && elapsed < cooldownMaxElapsed
	default:
		return false
	}
}

func (c *Classifier) clock() time.Time {
	if c == nil || c.now == nil {
		return time.Now()
	}
	return c.now()
}

// CalculateRetryDelay returns the delay before the given zero-based attempt.
// Only delay and cooldown policies wait; exponential doubling applies only when
// requested and is capped per policy.
func CalculateRetryDelay(policy Policy, attempt int, exponential bool) time.Duration {
	var base, ceiling time.Duration
	switch policy {
	case PolicyWithDelay:
		base, ceiling = delayBase, delayCap
	case PolicyWithCooldown:
		base, ceiling = cooldownBase, cooldownCap
	default:
		return 0
	}

	if !exponential || attempt <= 0 {
		return base
	}

	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(ceiling) {
		return ceiling
	}
	return time.Duration(delay)
}

// Classify classifies code with the default classifier.
func Classify(code, category string, ctx Context) Decision {
	return defaultClassifier.Classify(code, category, ctx)
}

// ShouldRetry applies the policy ceilings against the wall clock.
func ShouldRetry(policy Policy, attemptCount int, firstAttempt time.Time) bool {
	return defaultClassifier.ShouldRetry(policy, attemptCount, firstAttempt)
}
