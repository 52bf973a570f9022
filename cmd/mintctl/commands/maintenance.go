package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mintflow/mintflow/pkg/stores"
)

func newSweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired idempotency records",
		Long: `Delete idempotency records whose TTL has elapsed.

The guard also sweeps in the background with probability
idempotency.sweep_probability after each stored result; this command
runs a sweep on demand, e.g. from cron.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				n, err := a.guard.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				a.telemetry.Metrics.RecordSweep(n)
				log.Debug().Int64("deleted", n).Msg("Sweep finished")

				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), map[string]int64{"deleted": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired records\n", n)
				return nil
			})
		},
	}

	return cmd
}

func newAuditCommand() *cobra.Command {
	var (
		filter        stores.AuditFilter
		limit, offset int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit events",
		Long: `List the audit event recorded for every pipeline run, newest first.

Runs rejected during validation record no event.`,
		Example: `  # Everything recorded for one request
  mintctl audit --correlation-id corr-42

  # Every run that touched a deployment
  mintctl audit --deployment 6f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				events, err := a.store.ListAuditEvents(cmd.Context(), filter, limit, offset)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), events)
				}

				tw := newTable(cmd.OutOrStdout())
				fmt.Fprintln(tw, "TIME\tOPERATION\tDISPOSITION\tCODE\tHIT\tDEPLOYMENT\tCORRELATION")
				for _, ev := range events {
					code := ev.ErrorCode
					if code == "" {
						code = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
						ev.Timestamp.Format(time.RFC3339), ev.OperationType, ev.Disposition,
						code, ev.IdempotencyHit, ev.DeploymentID, ev.CorrelationID)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&filter.CorrelationID, "correlation-id", "", "only events with this correlation ID")
	cmd.Flags().StringVar(&filter.OperationType, "operation", "", "only events for this operation type")
	cmd.Flags().StringVar(&filter.DeploymentID, "deployment", "", "only events for this deployment")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of events to skip")

	return cmd
}
