package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"
)

// allowedNetworksPath is where the network allowlist lives in the policy data
// document.
var allowedNetworksPath = storage.MustParsePath("/mintflow/config/allowed_networks")

// Engine evaluates Rego precondition policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	order    []string
	store    storage.Store
	logger   zerolog.Logger
	now      func() time.Time
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store: inmem.NewFromObject(map[string]interface{}{
			"mintflow": map[string]interface{}{
				"config": map[string]interface{}{
					"allowed_networks": map[string]interface{}{},
				},
			},
		}),
		logger: logger.With().Str("component", "policy-engine").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Evaluate evaluates every enabled policy against the input.
func (e *Engine) Evaluate(ctx context.Context, input Input) (*Decision, error) {
	start := e.now()

	doc, err := toDocument(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &Decision{Allowed: true, EvaluatedPolicies: make([]string, 0, len(e.order))}

	for _, name := range e.order {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, doc)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("operation", input.Operation).
				Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
	}

	decision.EvaluatedAt = e.now()
	decision.Duration = decision.EvaluatedAt.Sub(start)

	e.logger.Debug().
		Str("operation", input.Operation).
		Str("correlation_id", input.CorrelationID).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Dur("duration", decision.Duration).
		Msg("Policy evaluation completed")

	return decision, nil
}

// evaluatePolicy runs a policy's deny query.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input interface{}) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	return violations, nil
}

// createViolation creates a Violation from a deny set element, which is
// either a message string or an object with code, message and severity.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Code:     policy.Code,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if code, ok := v["code"].(string); ok && code != "" {
			violation.Code = code
		}
		if sev, ok := v["severity"].(string); ok && sev != "" {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// toDocument converts v to the plain JSON value tree OPA evaluates.
func toDocument(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// compileAndStorePolicy compiles a policy and stores it. Caller holds e.mu.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityError
	}
	if policy.Code == "" {
		policy.Code = defaultViolationCode
	}

	if _, exists := e.policies[policy.Name]; !exists {
		e.order = append(e.order, policy.Name)
	}
	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: e.now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return nil
}

// defaultViolationCode is used for violations of policies that name no code.
const defaultViolationCode = "PRECONDITION_FAILED"

// loadBuiltinPolicies loads the built-in policies. Caller holds e.mu or owns e.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// LoadPolicies loads and compiles policy files, adding them after the
// policies already loaded. A policy with an existing name replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles and adds policies. Nothing is added if any policy
// fails to compile.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.swap(func() error {
		for i := range policies {
			p := policies[i]
			if err := e.compileAndStorePolicy(ctx, &p); err != nil {
				return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
			}
		}
		return nil
	})
}

// ReplacePolicies resets the engine to the built-in policies plus the given
// ones. It is the reload callback for Loader.Watch.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.swap(func() error {
		e.policies = make(map[string]*compiledPolicy)
		e.order = nil
		if err := e.loadBuiltinPolicies(ctx); err != nil {
			return err
		}
		for i := range policies {
			p := policies[i]
			if err := e.compileAndStorePolicy(ctx, &p); err != nil {
				return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
			}
		}
		e.logger.Info().Int("count", len(e.order)).Msg("Policies replaced")
		return nil
	})
}

// swap runs fn and restores the previous policy set if it fails. Caller
// holds e.mu.
func (e *Engine) swap(fn func() error) error {
	prevPolicies := make(map[string]*compiledPolicy, len(e.policies))
	for k, v := range e.policies {
		prevPolicies[k] = v
	}
	prevOrder := append([]string(nil), e.order...)

	if err := fn(); err != nil {
		e.policies = prevPolicies
		e.order = prevOrder
		return err
	}
	return nil
}

// ReloadPolicies drops every loaded policy except the built-ins.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	return e.ReplacePolicies(ctx, nil)
}

// SetAllowedNetworks replaces the per-plan network allowlist used by the
// network-allowlist policy. An empty map permits every network.
func (e *Engine) SetAllowedNetworks(ctx context.Context, networks map[string][]string) error {
	value := make(map[string]interface{}, len(networks))
	for plan, list := range networks {
		items := make([]interface{}, len(list))
		for i, n := range list {
			items[i] = n
		}
		value[plan] = items
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := storage.WriteOne(ctx, e.store, storage.ReplaceOp, allowedNetworksPath, value); err != nil {
		return fmt.Errorf("failed to write allowed networks: %w", err)
	}

	e.logger.Info().Int("plans", len(networks)).Msg("Network allowlist updated")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies in evaluation order.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.order))
	for _, name := range e.order {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	cp.policy.UpdatedAt = e.now()
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}
