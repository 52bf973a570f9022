package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

const reservedSymbolRego = `# Blocks deployments of reserved symbols.
# code: INVALID_TOKEN_PARAMETERS
package mintflow.policies.reserved

import rego.v1

deny contains msg if {
	input.request.symbol == "ETH"
	msg := "symbol ETH is reserved"
}
`

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return eng
}

func compliantInput() Input {
	return Input{
		Operation: "token.deploy",
		UserID:    "user-1",
		Request: map[string]interface{}{
			"token_name": "Mint",
			"symbol":     "MNT",
			"network":    "sepolia",
		},
		Facts: Facts{
			KYC:          KYCFacts{Status: KYCVerified},
			Subscription: SubscriptionFacts{Plan: "starter", Used: 1, Quota: 10},
		},
	}
}

func violationCodes(vs []Violation) []string {
	codes := make([]string, len(vs))
	for i, v := range vs {
		codes[i] = v.Code
	}
	return codes
}

func TestNewEngine_BuiltinOrder(t *testing.T) {
	eng := newTestEngine(t)

	want := []string{"kyc-required", "subscription-quota", "network-allowlist"}
	got := eng.ListPolicies()
	if len(got) != len(want) {
		t.Fatalf("ListPolicies() returned %d policies, want %d", len(got), len(want))
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("policy[%d] = %s, want %s", i, got[i].Name, name)
		}
		if !got[i].Builtin || !got[i].Enabled {
			t.Errorf("policy %s: builtin=%v enabled=%v", name, got[i].Builtin, got[i].Enabled)
		}
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Input)
		allowlist map[string][]string
		wantCodes []string
	}{
		{
			name:      "compliant",
			mutate:    func(*Input) {},
			wantCodes: nil,
		},
		{
			name:      "kyc pending",
			mutate:    func(in *Input) { in.Facts.KYC.Status = "pending" },
			wantCodes: []string{"KYC_REQUIRED"},
		},
		{
			name:      "kyc missing",
			mutate:    func(in *Input) { in.Facts.KYC = KYCFacts{} },
			wantCodes: []string{"KYC_REQUIRED"},
		},
		{
			name:      "quota reached",
			mutate:    func(in *Input) { in.Facts.Subscription.Used = 10 },
			wantCodes: []string{"SUBSCRIPTION_LIMIT_REACHED"},
		},
		{
			name:      "unlimited plan",
			mutate:    func(in *Input) { in.Facts.Subscription = SubscriptionFacts{Plan: "enterprise", Used: 500} },
			wantCodes: nil,
		},
		{
			name: "kyc and quota in policy order",
			mutate: func(in *Input) {
				in.Facts.KYC.Status = ""
				in.Facts.Subscription.Used = 99
			},
			wantCodes: []string{"KYC_REQUIRED", "SUBSCRIPTION_LIMIT_REACHED"},
		},
		{
			name:      "network allowed for plan",
			mutate:    func(*Input) {},
			allowlist: map[string][]string{"starter": {"sepolia"}},
			wantCodes: nil,
		},
		{
			name:      "network not allowed for plan",
			mutate:    func(in *Input) { in.Request["network"] = "mainnet" },
			allowlist: map[string][]string{"starter": {"sepolia"}, "pro": {"sepolia", "mainnet"}},
			wantCodes: []string{"NETWORK_NOT_ALLOWED"},
		},
		{
			name:      "plan missing from allowlist",
			mutate:    func(in *Input) { in.Facts.Subscription.Plan = "trial" },
			allowlist: map[string][]string{"starter": {"sepolia"}},
			wantCodes: []string{"NETWORK_NOT_ALLOWED"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t)
			ctx := context.Background()
			if tt.allowlist != nil {
				if err := eng.SetAllowedNetworks(ctx, tt.allowlist); err != nil {
					t.Fatalf("SetAllowedNetworks() error = %v", err)
				}
			}

			input := compliantInput()
			tt.mutate(&input)

			decision, err := eng.Evaluate(ctx, input)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}

			if decision.Allowed != (len(tt.wantCodes) == 0) {
				t.Errorf("Allowed = %v, violations = %+v", decision.Allowed, decision.Violations)
			}
			got := violationCodes(decision.Violations)
			if strings.Join(got, ",") != strings.Join(tt.wantCodes, ",") {
				t.Errorf("violation codes = %v, want %v", got, tt.wantCodes)
			}
			if len(decision.EvaluatedPolicies) != 3 {
				t.Errorf("EvaluatedPolicies = %v, want 3", decision.EvaluatedPolicies)
			}
		})
	}
}

func TestEvaluate_ViolationMessage(t *testing.T) {
	eng := newTestEngine(t)
	input := compliantInput()
	input.Facts.Subscription.Used = 10

	decision, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(decision.Violations) != 1 {
		t.Fatalf("violations = %+v, want 1", decision.Violations)
	}
	v := decision.Violations[0]
	if v.Policy != "subscription-quota" || v.Severity != SeverityError {
		t.Errorf("violation = %+v", v)
	}
	if !strings.Contains(v.Message, "starter") {
		t.Errorf("message = %q, want plan name", v.Message)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	input := compliantInput()
	input.Facts.KYC.Status = "rejected"

	if err := eng.DisablePolicy("kyc-required"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	decision, err := eng.Evaluate(ctx, input)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !decision.Allowed {
		t.Errorf("disabled policy still denied: %+v", decision.Violations)
	}
	if len(decision.EvaluatedPolicies) != 2 {
		t.Errorf("EvaluatedPolicies = %v, want 2", decision.EvaluatedPolicies)
	}

	if err := eng.EnablePolicy("kyc-required"); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	decision, _ = eng.Evaluate(ctx, input)
	if decision.Allowed {
		t.Error("re-enabled policy did not deny")
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("DisablePolicy(missing) succeeded")
	}
}

func TestAddPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.AddPolicies(ctx, []Policy{{
		Name:    "reserved-symbols",
		Rego:    reservedSymbolRego,
		Code:    "INVALID_TOKEN_PARAMETERS",
		Enabled: true,
	}})
	if err != nil {
		t.Fatalf("AddPolicies() error = %v", err)
	}

	input := compliantInput()
	input.Request["symbol"] = "ETH"
	decision, err := eng.Evaluate(ctx, input)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if decision.Allowed || decision.Violations[0].Code != "INVALID_TOKEN_PARAMETERS" {
		t.Errorf("decision = %+v, want INVALID_TOKEN_PARAMETERS", decision)
	}
	if decision.Violations[0].Message != "symbol ETH is reserved" {
		t.Errorf("message = %q", decision.Violations[0].Message)
	}

	p, err := eng.GetPolicy("reserved-symbols")
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("default severity = %s, want error", p.Severity)
	}
}

func TestAddPolicies_WarningSeverity(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.AddPolicies(ctx, []Policy{{
		Name:     "reserved-symbols",
		Rego:     reservedSymbolRego,
		Severity: SeverityWarning,
		Enabled:  true,
	}})
	if err != nil {
		t.Fatalf("AddPolicies() error = %v", err)
	}

	input := compliantInput()
	input.Request["symbol"] = "ETH"
	decision, _ := eng.Evaluate(ctx, input)
	if !decision.Allowed {
		t.Errorf("warning violation blocked the request: %+v", decision.Violations)
	}
	if len(decision.Warnings) != 1 || decision.Warnings[0].Code != "PRECONDITION_FAILED" {
		t.Errorf("warnings = %+v", decision.Warnings)
	}
}

func TestAddPolicies_InvalidRegoIsAtomic(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicies(context.Background(), []Policy{
		{Name: "good", Rego: reservedSymbolRego, Enabled: true},
		{Name: "bad", Rego: "package broken\n\ndeny contains {", Enabled: true},
	})
	if err == nil {
		t.Fatal("AddPolicies() with invalid rego succeeded")
	}
	if n := len(eng.ListPolicies()); n != 3 {
		t.Errorf("policies after failed add = %d, want 3", n)
	}
}

func TestReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_ = eng.AddPolicies(ctx, []Policy{{Name: "reserved-symbols", Rego: reservedSymbolRego, Enabled: true}})
	if n := len(eng.ListPolicies()); n != 4 {
		t.Fatalf("policies = %d, want 4", n)
	}

	if err := eng.ReloadPolicies(ctx); err != nil {
		t.Fatalf("ReloadPolicies() error = %v", err)
	}
	if n := len(eng.ListPolicies()); n != 3 {
		t.Errorf("policies after reload = %d, want 3", n)
	}
}
