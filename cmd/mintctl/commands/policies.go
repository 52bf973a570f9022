package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mintflow/mintflow/pkg/policy"
)

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Precondition policy management",
		Long: `Inspect and reload the OPA policies evaluated before every deployment.

The built-in policies cover:
  - kyc-required: the caller must have verified KYC
  - subscription-quota: the caller's plan must have quota left
  - network-allowlist: the plan must permit the target network

Extra .rego or .json policies are loaded from policy.paths in the
configuration file.`,
	}

	cmd.AddCommand(newPoliciesListCommand())
	cmd.AddCommand(newPoliciesWatchCommand())

	return cmd
}

func newPoliciesListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				policies := a.policies.ListPolicies()
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), policies)
				}

				tw := newTable(cmd.OutOrStdout())
				fmt.Fprintln(tw, "NAME\tENABLED\tSEVERITY\tCODE\tSOURCE\tTAGS")
				for _, p := range policies {
					source := "file"
					if p.Builtin {
						source = "builtin"
					}
					fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\t%s\n",
						p.Name, p.Enabled, p.Severity, p.Code, source, strings.Join(p.Tags, ","))
				}
				return tw.Flush()
			})
		},
	}

	return cmd
}

func newPoliciesWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reload policies when their files change",
		Long: `Watch policy.paths and recompile the policy set after every change.

A policy file that fails to compile leaves the previous set in place.
The command runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				paths := a.cfg.Policy.Paths
				if len(paths) == 0 {
					return errors.New("no policy paths configured")
				}

				loader := policy.NewLoader(a.logger)
				reload := func(ps []policy.Policy) error {
					if err := a.policies.ReplacePolicies(ctx, ps); err != nil {
						return err
					}
					if err := a.applyDisabled(); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "reloaded %d policies\n", len(a.policies.ListPolicies()))
					return nil
				}
				if err := loader.Watch(ctx, paths, reload); err != nil {
					return err
				}

				<-ctx.Done()
				return loader.StopWatching()
			})
		},
	}

	return cmd
}
