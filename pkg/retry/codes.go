package retry

import (
	"maps"
	"slices"
)

// Error codes understood by the classifier.
const (
	CodeValidation                = "VALIDATION_ERROR"
	CodeInvalidTokenParameters    = "INVALID_TOKEN_PARAMETERS"
	CodePermissionDenied          = "PERMISSION_DENIED"
	CodeNotFound                  = "NOT_FOUND"
	CodeIdempotencyKeyMismatch    = "IDEMPOTENCY_KEY_MISMATCH"
	CodeInvalidStateTransition    = "INVALID_STATE_TRANSITION"
	CodeNonceConflict             = "NONCE_CONFLICT"
	CodeCancelled                 = "CANCELLED"
	CodeTimeout                   = "TIMEOUT"
	CodeNetworkError              = "NETWORK_ERROR"
	CodeRPCUnavailable            = "RPC_UNAVAILABLE"
	CodeStorageUnavailable        = "STORAGE_UNAVAILABLE"
	CodePostCommitVerification    = "POST_COMMIT_VERIFICATION_FAILED"
	CodeRateLimited               = "RATE_LIMITED"
	CodeNetworkCongestion         = "NETWORK_CONGESTION"
	CodeGasPriceSpike             = "GAS_PRICE_SPIKE"
	CodeInsufficientFunds         = "INSUFFICIENT_FUNDS"
	CodeKYCRequired               = "KYC_REQUIRED"
	CodeSubscriptionLimitReached  = "SUBSCRIPTION_LIMIT_REACHED"
	CodeNetworkNotAllowed         = "NETWORK_NOT_ALLOWED"
	CodePreconditionFailed        = "PRECONDITION_FAILED"
	CodeMissingConfiguration      = "MISSING_CONFIGURATION"
	CodeContractCompilationFailed = "CONTRACT_COMPILATION_FAILED"
	CodeRPCMisconfigured          = "RPC_MISCONFIGURED"
	CodeInternal                  = "INTERNAL_ERROR"
)

// Failure categories used when a code is not in the code table. The first
// four match the engine's error classes.
const (
	CategoryTransient     = "transient"
	CategoryThrottled     = "throttled"
	CategoryConflict      = "conflict"
	CategoryPermanent     = "permanent"
	CategoryValidation    = "validation"
	CategoryNetwork       = "network"
	CategoryRateLimit     = "rate_limit"
	CategoryFunds         = "funds"
	CategoryCompliance    = "compliance"
	CategoryConfiguration = "configuration"
)

// profile is the static part of a Decision.
type profile struct {
	policy      Policy
	category    string
	maxAttempts int
	exponential bool
	userAction  string
}

var (
	notRetryable = func(category, action string) profile {
		return profile{policy: PolicyNotRetryable, category: category, maxAttempts: 1, userAction: action}
	}
	immediate = func(category string) profile {
		return profile{policy: PolicyImmediate, category: category, maxAttempts: 3}
	}
	withDelay = func(category string, attempts int) profile {
		return profile{policy: PolicyWithDelay, category: category, maxAttempts: attempts, exponential: true}
	}
	withCooldown = func(category string) profile {
		return profile{policy: PolicyWithCooldown, category: category, maxAttempts: 4, exponential: true}
	}
	afterRemediation = func(category, action string) profile {
		return profile{policy: PolicyAfterRemediation, category: category, maxAttempts: 1, userAction: action}
	}
	afterConfiguration = func(category, action string) profile {
		return profile{policy: PolicyAfterConfiguration, category: category, maxAttempts: 1, userAction: action}
	}
)

var codeTable = map[string]profile{
	CodeValidation:             notRetryable(CategoryValidation, "Correct the request parameters and submit a new request."),
	CodeInvalidTokenParameters: notRetryable(CategoryValidation, "Correct the token parameters and submit a new request."),
	CodePermissionDenied:       notRetryable(CategoryPermanent, "Request access from an administrator."),
	CodeNotFound:               notRetryable(CategoryPermanent, "Check the identifier and try again."),
	CodeIdempotencyKeyMismatch: notRetryable(CategoryValidation, "Use a new idempotency key for a different request."),
	CodeInvalidStateTransition: notRetryable(CategoryConflict, "Choose one of the valid next states."),

	CodeNonceConflict: immediate(CategoryConflict),
	CodeCancelled:     immediate(CategoryTransient),

	CodeTimeout:                withDelay(CategoryTransient, 5),
	CodeNetworkError:           withDelay(CategoryNetwork, 5),
	CodeRPCUnavailable:         withDelay(CategoryNetwork, 5),
	CodeStorageUnavailable:     withDelay(CategoryTransient, 5),
	CodePostCommitVerification: withDelay(CategoryTransient, 3),

	CodeRateLimited:       withCooldown(CategoryRateLimit),
	CodeNetworkCongestion: withCooldown(CategoryNetwork),
	CodeGasPriceSpike:     withCooldown(CategoryNetwork),

	CodeInsufficientFunds:        afterRemediation(CategoryFunds, "Add funds to the deployer wallet, then retry."),
	CodeKYCRequired:              afterRemediation(CategoryCompliance, "Complete identity verification, then retry."),
	CodeSubscriptionLimitReached: afterRemediation(CategoryCompliance, "Upgrade the subscription plan, then retry."),
	CodeNetworkNotAllowed:        afterRemediation(CategoryCompliance, "Upgrade to a plan that includes this network, or pick another network."),
	CodePreconditionFailed:       afterRemediation(CategoryCompliance, "Resolve the failed precondition, then retry."),

	CodeMissingConfiguration:      afterConfiguration(CategoryConfiguration, "Contact support; the service is missing required configuration."),
	CodeContractCompilationFailed: afterConfiguration(CategoryConfiguration, "Contact support; the contract template failed to compile."),
	CodeRPCMisconfigured:          afterConfiguration(CategoryConfiguration, "Contact support; the network endpoint is misconfigured."),

	CodeInternal: withDelay(CategoryTransient, 3),
}

var categoryTable = map[string]profile{
	CategoryTransient:     withDelay(CategoryTransient, 5),
	CategoryThrottled:     withCooldown(CategoryThrottled),
	CategoryConflict:      immediate(CategoryConflict),
	CategoryPermanent:     notRetryable(CategoryPermanent, "This request cannot succeed as submitted."),
	CategoryValidation:    notRetryable(CategoryValidation, "Correct the request parameters and submit a new request."),
	CategoryNetwork:       withDelay(CategoryNetwork, 5),
	CategoryRateLimit:     withCooldown(CategoryRateLimit),
	CategoryFunds:         afterRemediation(CategoryFunds, "Add funds, then retry."),
	CategoryCompliance:    afterRemediation(CategoryCompliance, "Resolve the compliance requirement, then retry."),
	CategoryConfiguration: afterConfiguration(CategoryConfiguration, "Contact support."),
}

// fallback applies when neither the code nor the category is known.
var fallback = withDelay("", 3)

// KnownCodes returns the codes present in the code table, sorted.
func KnownCodes() []string {
	return slices.Sorted(maps.Keys(codeTable))
}
