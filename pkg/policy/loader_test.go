package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reserved-symbols.rego")
	writeFile(t, path, reservedSymbolRego)

	loader := NewLoader(zerolog.Nop())
	policy, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("loadFromFile() error = %v", err)
	}

	if policy.Name != "reserved-symbols" {
		t.Errorf("Name = %s, want reserved-symbols", policy.Name)
	}
	if policy.Description != "Blocks deployments of reserved symbols." {
		t.Errorf("Description = %q", policy.Description)
	}
	if policy.Code != "INVALID_TOKEN_PARAMETERS" {
		t.Errorf("Code = %q, want INVALID_TOKEN_PARAMETERS", policy.Code)
	}
	if policy.Severity != SeverityError || !policy.Enabled {
		t.Errorf("policy = %+v", policy)
	}
	if policy.Metadata["source"] != path {
		t.Errorf("source metadata = %v", policy.Metadata["source"])
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quota.json")
	writeFile(t, path, `{
		"name": "custom-quota",
		"description": "custom quota",
		"rego": "package mintflow.policies.custom\n\nimport rego.v1\n\ndeny contains \"no\" if { false }\n",
		"severity": "critical",
		"code": "SUBSCRIPTION_LIMIT_REACHED",
		"enabled": true
	}`)

	policy, err := NewLoader(zerolog.Nop()).loadFromFile(path)
	if err != nil {
		t.Fatalf("loadFromFile() error = %v", err)
	}
	if policy.Name != "custom-quota" || policy.Severity != SeverityCritical || policy.Code != "SUBSCRIPTION_LIMIT_REACHED" {
		t.Errorf("policy = %+v", policy)
	}
	if policy.CreatedAt.IsZero() {
		t.Error("CreatedAt not defaulted")
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(zerolog.Nop())

	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"unsupported type", "policy.txt", "x", "unsupported file type"},
		{"invalid json", "bad.json", "{not json", "failed to parse JSON policy"},
		{"json without name", "anon.json", `{"rego": "package x"}`, "no name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writeFile(t, path, tt.content)
			_, err := loader.loadFromFile(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("loadFromFile() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), reservedSymbolRego)
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), strings.ReplaceAll(reservedSymbolRego, "reserved", "nested"))
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")
	single := filepath.Join(t.TempDir(), "single.rego")
	writeFile(t, single, reservedSymbolRego)

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir, single})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}

	var names []string
	for _, p := range policies {
		names = append(names, p.Name)
	}
	if got := strings.Join(names, ","); got != "a,b,single" {
		t.Errorf("loaded %s, want a,b,single", got)
	}
}

func TestLoadFromPaths_NonExistent(t *testing.T) {
	_, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{"/nonexistent/policies"})
	if err == nil {
		t.Error("LoadFromPaths() on missing path succeeded")
	}
}

func TestLoadBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.json")
	writeFile(t, path, `{
		"name": "launch",
		"version": "1.2.0",
		"policies": [{"name": "p1", "rego": "package p1"}, {"name": "p2", "rego": "package p2"}]
	}`)

	bundle, err := NewLoader(zerolog.Nop()).LoadBundle(path)
	if err != nil {
		t.Fatalf("LoadBundle() error = %v", err)
	}
	if bundle.Name != "launch" || bundle.Version != "1.2.0" || len(bundle.Policies) != 2 {
		t.Errorf("bundle = %+v", bundle)
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantDesc string
		wantCode string
	}{
		{"none", "package x\n", "", ""},
		{"single", "# Checks things.\npackage x\n", "Checks things.", ""},
		{"multi line", "# Line one\n# line two\npackage x", "Line one line two", ""},
		{"code", "# Desc\n# code: KYC_REQUIRED\npackage x", "Desc", "KYC_REQUIRED"},
		{"stops at blank", "# First\n\n# Later\npackage x", "First", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, code := parseHeader(tt.content)
			if desc != tt.wantDesc || code != tt.wantCode {
				t.Errorf("parseHeader() = (%q, %q), want (%q, %q)", desc, code, tt.wantDesc, tt.wantCode)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.rego")
	writeFile(t, path, reservedSymbolRego)

	loader := NewLoader(zerolog.Nop())
	first, _ := loader.loadFromFile(path)
	second, _ := loader.loadFromFile(path)
	if first != second {
		t.Error("second load did not come from cache")
	}

	loader.ClearCache()
	third, _ := loader.loadFromFile(path)
	if third == first {
		t.Error("load after ClearCache returned cached policy")
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "reserved-symbols.rego"), reservedSymbolRego)

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}

	input := compliantInput()
	input.Request["symbol"] = "ETH"
	decision, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if decision.Allowed || decision.Violations[0].Code != "INVALID_TOKEN_PARAMETERS" {
		t.Errorf("decision = %+v", decision)
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "first.rego"), reservedSymbolRego)

	eng := newTestEngine(t)
	loader := NewLoader(zerolog.Nop())

	reloaded := make(chan []Policy, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := loader.Watch(ctx, []string{dir}, func(p []Policy) error {
		if err := eng.ReplacePolicies(ctx, p); err != nil {
			return err
		}
		reloaded <- p
		return nil
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writeFile(t, filepath.Join(dir, "second.rego"), strings.ReplaceAll(reservedSymbolRego, "reserved", "second"))

	select {
	case p := <-reloaded:
		if len(p) != 2 {
			t.Errorf("reloaded %d policies, want 2", len(p))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("policies were not reloaded")
	}

	if n := len(eng.ListPolicies()); n != 5 {
		t.Errorf("engine policies = %d, want 5", n)
	}

	if err := loader.StopWatching(); err != nil {
		t.Errorf("StopWatching() error = %v", err)
	}
}
