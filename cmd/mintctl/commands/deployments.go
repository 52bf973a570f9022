package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mintflow/mintflow/pkg/deploy"
	"github.com/mintflow/mintflow/pkg/engine"
	"github.com/mintflow/mintflow/pkg/lifecycle"
)

func newAdvanceCommand() *cobra.Command {
	var (
		reason string
		opts   deploy.DeployOptions
	)

	cmd := &cobra.Command{
		Use:   "advance <deployment-id> <state>",
		Short: "Move a deployment to another state",
		Long: `Move a deployment to another lifecycle state.

The transition is validated against the deployment state machine:
  - states only move forward along queued, submitted, pending,
    confirmed, completed
  - one intermediate state may be skipped
  - any non-terminal state may move to failed
  - completed and failed are terminal

A rejected transition lists the states the deployment may move to.`,
		Example: `  # Record a confirmation observed out of band
  mintctl advance 6f1c... confirmed --reason "seen on explorer"

  # Mark a stuck deployment failed
  mintctl advance 6f1c... failed --reason "dropped from mempool"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to := lifecycle.State(args[1])
			return withApp(cmd.Context(), func(a *app) error {
				res := a.service.Advance(cmd.Context(), args[0], to, reason, opts)
				return printResult(cmd, res, func(w io.Writer, rec engine.DeploymentRecord) {
					printRecord(w, &rec)
				})
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the transition")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "key", "", "idempotency key")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation-id", "", "correlation ID (generated when empty)")
	cmd.Flags().StringVar(&opts.UserID, "user", defaultUser(), "caller identity")

	return cmd
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <deployment-id>",
		Short: "Show a deployment and its status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				rec, err := a.service.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), rec)
				}
				printRecord(cmd.OutOrStdout(), rec)
				return nil
			})
		},
	}

	return cmd
}

func newListCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		Long: `List deployments, most recently created first.`,
		Example: `  # Show the latest deployments
  mintctl list

  # Page through older deployments
  mintctl list --limit 20 --offset 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				recs, err := a.service.List(cmd.Context(), limit, offset)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), recs)
				}

				tw := newTable(cmd.OutOrStdout())
				fmt.Fprintln(tw, "ID\tSTATE\tOPERATION\tCORRELATION\tUPDATED")
				for _, rec := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						rec.ID, rec.CurrentState, rec.OperationType, rec.CorrelationID,
						rec.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of deployments")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of deployments to skip")

	return cmd
}
