package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mintflow/mintflow/pkg/lifecycle"
	"github.com/mintflow/mintflow/pkg/retry"
)

// maxScheduleRows caps the backoff schedule printed by classify.
const maxScheduleRows = 10

func newTransitionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transitions [state] [to]",
		Short: "Explore the deployment state machine",
		Long: `Explore the deployment state machine without touching any deployment.

With no arguments, every state is listed with the states it may move to.
With one argument, the valid next states of that state are listed.
With two arguments, the transition is validated and explained.`,
		Example: `  # Show the whole machine
  mintctl transitions

  # Where can a submitted deployment go?
  mintctl transitions submitted

  # Why can't a completed deployment go back to pending?
  mintctl transitions completed pending`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			switch len(args) {
			case 2:
				verdict := lifecycle.Validate(lifecycle.State(args[0]), lifecycle.State(args[1]), lifecycle.TransitionContext{})
				if jsonOutput {
					return printJSON(out, verdict)
				}
				tw := newTable(out)
				fmt.Fprintf(tw, "Allowed:\t%t\n", verdict.Allowed)
				fmt.Fprintf(tw, "Reason:\t%s\n", verdict.ReasonCode)
				fmt.Fprintf(tw, "Explanation:\t%s\n", verdict.Explanation)
				if !verdict.Allowed {
					fmt.Fprintf(tw, "Valid next states:\t%s\n", joinStates(verdict.ValidAlternatives))
				}
				return tw.Flush()

			case 1:
				s, err := lifecycle.ParseState(args[0])
				if err != nil {
					return err
				}
				next := lifecycle.GetValidNextStates(s)
				if jsonOutput {
					return printJSON(out, next)
				}
				for _, n := range next {
					fmt.Fprintln(out, n)
				}
				return nil
			}

			machine := make(map[lifecycle.State][]lifecycle.State)
			for _, s := range lifecycle.States() {
				machine[s] = lifecycle.GetValidNextStates(s)
			}
			if jsonOutput {
				return printJSON(out, machine)
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "STATE\tTERMINAL\tNEXT")
			for _, s := range lifecycle.States() {
				fmt.Fprintf(tw, "%s\t%t\t%s\n", s, s.IsTerminal(), joinStates(machine[s]))
			}
			return tw.Flush()
		},
	}

	return cmd
}

func joinStates(states []lifecycle.State) string {
	if len(states) == 0 {
		return "-"
	}
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

func newClassifyCommand() *cobra.Command {
	var (
		category string
		attempt  int
	)

	cmd := &cobra.Command{
		Use:   "classify [code]",
		Short: "Show the retry policy for an error code",
		Long: `Show the retry policy an error code maps to.

Unknown codes fall back to the category given with --category, and
unknown categories to a delayed retry. Without a code, every known
code is listed.`,
		Example: `  # How should a client handle a rate limit?
  mintctl classify RATE_LIMITED

  # Delay before the third attempt
  mintctl classify RPC_UNAVAILABLE --attempt 2

  # Classify an unknown code by category
  mintctl classify CHAIN_HALTED --category network`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				var decisions []retry.Decision
				for _, code := range retry.KnownCodes() {
					decisions = append(decisions, retry.Classify(code, "", retry.Context{}))
				}
				if jsonOutput {
					return printJSON(out, decisions)
				}
				tw := newTable(out)
				fmt.Fprintln(tw, "CODE\tPOLICY\tCATEGORY")
				for _, d := range decisions {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ErrorCode, d.Policy, d.Category)
				}
				return tw.Flush()
			}

			d := retry.Classify(args[0], category, retry.Context{Attempt: attempt})
			if jsonOutput {
				return printJSON(out, d)
			}

			tw := newTable(out)
			fmt.Fprintf(tw, "Code:\t%s\n", d.ErrorCode)
			fmt.Fprintf(tw, "Policy:\t%s\n", d.Policy)
			if d.Category != "" {
				fmt.Fprintf(tw, "Category:\t%s\n", d.Category)
			}
			fmt.Fprintf(tw, "Retryable:\t%t\n", d.Retryable())
			fmt.Fprintf(tw, "Max attempts:\t%d\n", d.MaxAttempts)
			fmt.Fprintf(tw, "Suggested delay:\t%s\n", time.Duration(d.SuggestedDelaySeconds)*time.Second)
			if d.UserAction != "" {
				fmt.Fprintf(tw, "Action:\t%s\n", d.UserAction)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if !d.Policy.IsAutomatic() || d.MaxAttempts <= 0 {
				return nil
			}
			fmt.Fprintln(out)
			tw = newTable(out)
			fmt.Fprintln(tw, "ATTEMPT\tDELAY")
			for i := 0; i < d.MaxAttempts && i < maxScheduleRows; i++ {
				fmt.Fprintf(tw, "%d\t%s\n", i+1, retry.CalculateRetryDelay(d.Policy, i, d.UseExponentialBackoff))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "fallback category for unknown codes")
	cmd.Flags().IntVar(&attempt, "attempt", 0, "zero-based attempt that just failed")

	return cmd
}
