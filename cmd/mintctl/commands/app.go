package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mintflow/mintflow/pkg/config"
	"github.com/mintflow/mintflow/pkg/deploy"
	"github.com/mintflow/mintflow/pkg/engine"
	"github.com/mintflow/mintflow/pkg/idempotency"
	"github.com/mintflow/mintflow/pkg/policy"
	"github.com/mintflow/mintflow/pkg/stores"
	"github.com/mintflow/mintflow/pkg/telemetry"
	"github.com/mintflow/mintflow/pkg/verify"
)

// shutdownTimeout bounds how long Close waits for telemetry to drain.
const shutdownTimeout = 5 * time.Second

// app holds the components a command works with.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	telemetry *telemetry.Telemetry
	store     *stores.SQLiteStore
	guard     *idempotency.Guard
	policies  *policy.Engine
	service   *deploy.Service
}

// loadConfig loads the configuration and applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// openApp wires the store, guard, policies, telemetry and deployment
// service from the configuration. Callers must Close the result.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{
		cfg:       cfg,
		telemetry: tel,
		logger:    tel.Logger.NewComponentLogger("mintctl").Zerolog(),
	}

	if err := a.openStore(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.guard = idempotency.NewGuard(a.store, cfg.Idempotency.Guard(), a.logger)

	if err := a.loadPolicies(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	opts := append([]engine.Option{
		engine.WithGuard(a.guard),
		engine.WithDeploymentStore(a.store),
	}, tel.PipelineOptions(a.store)...)
	pipeline := engine.NewPipeline(a.logger, opts...)

	registry := deploy.NewRegistry()
	registry.SetFallback(&deploy.SimulatedDeployer{
		FailCode:          cfg.Simulator.FailCode,
		FailAt:            cfg.Simulator.FailAt,
		ConfirmationDelay: cfg.Simulator.ConfirmationDelay,
	})

	compliance := &deploy.StaticCompliance{
		KYC:   cfg.Compliance.KYCStatus,
		Plan:  cfg.Compliance.Plan,
		Quota: cfg.Compliance.Quota,
	}

	svcOpts := []deploy.Option{
		deploy.WithPolicyEngine(a.policies),
		deploy.WithCompliance(compliance),
		deploy.WithEntitlements(compliance),
		deploy.WithTransitionHook(tel.Metrics.RecordTransition),
		deploy.WithTracer(tel.Tracer),
	}
	if cfg.Verify.Script != "" {
		v, err := verify.LoadScriptVerifier(cfg.Verify.Script, cfg.Verify.Timeout, a.logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		svcOpts = append(svcOpts, deploy.WithVerifier(v))
	}
	a.service = deploy.NewService(pipeline, registry, a.logger, svcOpts...)

	tel.StartMetricsServer()
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(a.cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.store = store
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	a.logger.Debug().Str("path", a.cfg.Database.Path).Msg("Database ready")
	return nil
}

func (a *app) loadPolicies(ctx context.Context) error {
	pe, err := policy.NewEngine(a.logger)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	a.policies = pe

	if len(a.cfg.Policy.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
			return err
		}
	}
	if err := pe.SetAllowedNetworks(ctx, a.cfg.Policy.AllowedNetworks); err != nil {
		return err
	}
	return a.applyDisabled()
}

// applyDisabled turns off the policies the configuration disables.
func (a *app) applyDisabled() error {
	for _, name := range a.cfg.Policy.Disabled {
		if err := a.policies.DisablePolicy(name); err != nil {
			return fmt.Errorf("failed to disable policy: %w", err)
		}
	}
	return nil
}

// Close releases every component that was opened.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if a.guard != nil {
		errs = append(errs, a.guard.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// withApp opens the app, runs fn and closes the app.
func withApp(ctx context.Context, fn func(a *app) error) (err error) {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
