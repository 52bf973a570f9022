package policy

import (
	"time"

	"github.com/mintflow/mintflow/pkg/retry"
)

// GetBuiltinPolicies returns the built-in precondition policies in
// evaluation order.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		kycRequiredPolicy(),
		subscriptionQuotaPolicy(),
		networkAllowlistPolicy(),
	}
}

func builtin(name, description, code string, tags []string, rego string) Policy {
	now := time.Now()
	return Policy{
		Name:        name,
		Description: description,
		Rego:        rego,
		Severity:    SeverityError,
		Code:        code,
		Enabled:     true,
		Builtin:     true,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// kycRequiredPolicy denies users whose identity is not verified.
func kycRequiredPolicy() Policy {
	return builtin(
		"kyc-required",
		"Requires a verified KYC status before any deployment",
		retry.CodeKYCRequired,
		[]string{"compliance"},
		`package mintflow.policies.kyc

import rego.v1

deny contains violation if {
	status := object.get(input.facts.kyc, "status", "")
	status != "verified"
	violation := {
		"code": "KYC_REQUIRED",
		"message": sprintf("identity verification required (kyc status: %q)", [status]),
		"severity": "error",
	}
}
`)
}

// subscriptionQuotaPolicy denies users who have used up their plan.
func subscriptionQuotaPolicy() Policy {
	return builtin(
		"subscription-quota",
		"Limits deployments to the subscription plan quota",
		retry.CodeSubscriptionLimitReached,
		[]string{"entitlement"},
		`package mintflow.policies.subscription

import rego.v1

deny contains violation if {
	sub := input.facts.subscription
	sub.quota > 0
	sub.used >= sub.quota
	violation := {
		"code": "SUBSCRIPTION_LIMIT_REACHED",
		"message": sprintf("plan %q allows %d deployments, %d used", [sub.plan, sub.quota, sub.used]),
		"severity": "error",
	}
}
`)
}

// networkAllowlistPolicy restricts target networks per subscription plan.
// Networks are read from data.mintflow.config.allowed_networks; an empty
// allowlist permits every network.
func networkAllowlistPolicy() Policy {
	return builtin(
		"network-allowlist",
		"Restricts target networks to those allowed for the subscription plan",
		retry.CodeNetworkNotAllowed,
		[]string{"entitlement", "network"},
		`package mintflow.policies.network

import rego.v1

default allowlist := {}

allowlist := data.mintflow.config.allowed_networks

deny contains violation if {
	count(allowlist) > 0
	network := object.get(input.request, "network", "")
	plan := input.facts.subscription.plan
	allowed := object.get(allowlist, plan, [])
	not network in allowed
	violation := {
		"code": "NETWORK_NOT_ALLOWED",
		"message": sprintf("network %q is not available on plan %q", [network, plan]),
		"severity": "error",
	}
}
`)
}
