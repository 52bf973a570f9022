package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	dbPath     string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mintctl",
		Short: "Mintflow - token deployment orchestration",
		Long: `Mintflow runs token deployments through an auditable pipeline:

  1. Validate the request (struct rules and the CUE schema)
  2. Check preconditions (OPA policies over KYC and subscription facts)
  3. Execute once per idempotency key
  4. Verify the deployment reached its expected state
  5. Record an audit event

Failures are classified into retry policies so callers know whether,
when and how to retry.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.Logger = log.Logger.Level(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config and MINTFLOW_DB)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newAdvanceCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newTransitionsCommand())
	rootCmd.AddCommand(newClassifyCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newPoliciesCommand())
	rootCmd.AddCommand(newAuditCommand())

	return rootCmd
}
