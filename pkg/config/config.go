package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mintflow/mintflow/pkg/idempotency"
	"github.com/mintflow/mintflow/pkg/stores"
	"github.com/mintflow/mintflow/pkg/telemetry"
)

// EnvDatabasePath overrides Database.Path when set.
const EnvDatabasePath = "MINTFLOW_DB"

// Config is the mintflow application configuration.
type Config struct {
	Database    stores.Config     `yaml:"database"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
	Policy      PolicyConfig      `yaml:"policy"`
	Verify      VerifyConfig      `yaml:"verify"`
	Compliance  ComplianceConfig  `yaml:"compliance"`
	Simulator   SimulatorConfig   `yaml:"simulator"`
}

// IdempotencyConfig configures the idempotency guard.
type IdempotencyConfig struct {
	TTL              time.Duration `yaml:"ttl" validate:"gte=0"`
	SweepProbability float64       `yaml:"sweep_probability" validate:"gte=0,lte=1"`
	SweepTimeout     time.Duration `yaml:"sweep_timeout" validate:"gte=0"`
}

// Guard returns the guard configuration.
func (c IdempotencyConfig) Guard() idempotency.Config {
	return idempotency.Config{
		TTL:              c.TTL,
		SweepProbability: c.SweepProbability,
		SweepTimeout:     c.SweepTimeout,
	}
}

// PolicyConfig configures precondition policies.
type PolicyConfig struct {
	// Paths are extra .rego/.json policy files or directories.
	Paths []string `yaml:"paths" validate:"dive,required"`

	// Watch reloads policies when files under Paths change.
	Watch bool `yaml:"watch"`

	// AllowedNetworks maps a subscription plan to its permitted networks.
	AllowedNetworks map[string][]string `yaml:"allowed_networks" validate:"dive,keys,required,endkeys,required"`

	// Disabled lists built-in policies to turn off.
	Disabled []string `yaml:"disabled"`
}

// VerifyConfig configures post-commit verification scripts.
type VerifyConfig struct {
	// Script is a Starlark file run after every deployment.
	Script  string        `yaml:"script"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// ComplianceConfig holds static KYC and subscription facts used by the CLI
// in place of external compliance and billing services.
type ComplianceConfig struct {
	KYCStatus string `yaml:"kyc_status" validate:"omitempty,oneof=verified pending rejected unverified"`
	Plan      string `yaml:"plan" validate:"required"`
	Quota     int    `yaml:"quota" validate:"gte=0"`
}

// SimulatorConfig configures the simulated chain deployer.
type SimulatorConfig struct {
	// FailCode makes the simulator fail with this error code.
	FailCode string `yaml:"fail_code"`

	// FailAt selects the step that fails: submit or confirm.
	FailAt string `yaml:"fail_at" validate:"omitempty,oneof=submit confirm"`

	// ConfirmationDelay is how long confirmation takes.
	ConfirmationDelay time.Duration `yaml:"confirmation_delay" validate:"gte=0"`
}

// Default returns the default configuration.
func Default() *Config {
	guard := idempotency.DefaultConfig()

	tel := telemetry.DefaultConfig()
	tel.Metrics.ListenAddress = ""

	return &Config{
		Database: stores.Config{
			Path:         "mintflow.db",
			MaxOpenConns: 4,
			MaxIdleConns: 2,
		},
		Idempotency: IdempotencyConfig{
			TTL:              guard.TTL,
			SweepProbability: guard.SweepProbability,
			SweepTimeout:     guard.SweepTimeout,
		},
		Telemetry: *tel,
		Verify: VerifyConfig{
			Timeout: 5 * time.Second,
		},
		Compliance: ComplianceConfig{
			KYCStatus: "verified",
			Plan:      "starter",
			Quota:     100,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path loads only defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if db := os.Getenv(EnvDatabasePath); db != "" {
		cfg.Database.Path = db
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks struct constraints and the telemetry settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// formatValidationError flattens validator errors into one message.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
