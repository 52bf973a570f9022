package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mintflow.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.Idempotency.TTL != 24*time.Hour {
		t.Errorf("default TTL = %v, want 24h", cfg.Idempotency.TTL)
	}
	if cfg.Telemetry.Metrics.ListenAddress != "" {
		t.Errorf("default metrics listen address = %q, want empty", cfg.Telemetry.Metrics.ListenAddress)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv(EnvDatabasePath, "")

	path := writeConfig(t, `
database:
  path: /tmp/custom.db
idempotency:
  ttl: 1h
  sweep_probability: 0.5
policy:
  allowed_networks:
    starter: [sepolia]
verify:
  timeout: 2s
compliance:
  kyc_status: pending
  plan: pro
  quota: 3
simulator:
  fail_code: RPC_UNAVAILABLE
  fail_at: submit
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/custom.db" {
		t.Errorf("Database.Path = %s", cfg.Database.Path)
	}
	if cfg.Database.MaxOpenConns != 4 {
		t.Errorf("unset field lost its default: MaxOpenConns = %d", cfg.Database.MaxOpenConns)
	}
	g := cfg.Idempotency.Guard()
	if g.TTL != time.Hour || g.SweepProbability != 0.5 {
		t.Errorf("Guard() = %+v", g)
	}
	if got := cfg.Policy.AllowedNetworks["starter"]; len(got) != 1 || got[0] != "sepolia" {
		t.Errorf("AllowedNetworks = %v", cfg.Policy.AllowedNetworks)
	}
	if cfg.Verify.Timeout != 2*time.Second {
		t.Errorf("Verify.Timeout = %v", cfg.Verify.Timeout)
	}
	if cfg.Compliance.KYCStatus != "pending" || cfg.Compliance.Quota != 3 {
		t.Errorf("Compliance = %+v", cfg.Compliance)
	}
	if cfg.Simulator.FailAt != "submit" {
		t.Errorf("Simulator = %+v", cfg.Simulator)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv(EnvDatabasePath, ":memory:")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != ":memory:" {
		t.Errorf("Database.Path = %s, want :memory:", cfg.Database.Path)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv(EnvDatabasePath, "")

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"sweep probability", "idempotency:\n  sweep_probability: 2\n", "SweepProbability"},
		{"kyc status", "compliance:\n  kyc_status: maybe\n", "KYCStatus"},
		{"fail at", "simulator:\n  fail_at: later\n", "FailAt"},
		{"empty db path", "database:\n  path: \"\"\n", "Path"},
		{"telemetry", "telemetry:\n  logging:\n    level: loud\n", "invalid telemetry config"},
		{"yaml syntax", "database: [", "failed to parse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() of missing file succeeded")
	}
}
