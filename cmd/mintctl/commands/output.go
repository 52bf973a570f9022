package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mintflow/mintflow/pkg/engine"
	"github.com/mintflow/mintflow/pkg/retry"
)

// resultView is the printable form of a pipeline result.
type resultView[T any] struct {
	Succeeded      bool                 `json:"succeeded"`
	StatusCode     int                  `json:"status_code"`
	Disposition    engine.Disposition   `json:"disposition"`
	CorrelationID  string               `json:"correlation_id"`
	IdempotencyHit bool                 `json:"idempotency_hit"`
	Payload        *T                   `json:"payload,omitempty"`
	Failure        *engine.Failure      `json:"failure,omitempty"`
	Retry          *retry.Decision      `json:"retry,omitempty"`
	Stages         []engine.StageMarker `json:"stages"`
}

func newResultView[T any](res *engine.Result[T]) resultView[T] {
	v := resultView[T]{
		Succeeded:      res.Succeeded(),
		StatusCode:     res.StatusCode(),
		Disposition:    res.Disposition(),
		CorrelationID:  res.CorrelationID(),
		IdempotencyHit: res.IdempotencyHit(),
		Failure:        res.Failure(),
		Retry:          res.RetryDecision(),
		Stages:         res.Markers(),
	}
	if payload, ok := res.Payload(); ok {
		v.Payload = &payload
	}
	return v
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// printResult writes the run outcome and returns an error for a failed run
// so the process exits non-zero. printPayload renders a successful payload
// in text mode.
func printResult[T any](cmd *cobra.Command, res *engine.Result[T], printPayload func(io.Writer, T)) error {
	out := cmd.OutOrStdout()
	view := newResultView(res)

	if jsonOutput {
		if err := printJSON(out, view); err != nil {
			return err
		}
	} else {
		tw := newTable(out)
		fmt.Fprintf(tw, "Status:\t%d (%s)\n", view.StatusCode, view.Disposition)
		fmt.Fprintf(tw, "Correlation ID:\t%s\n", view.CorrelationID)
		if view.IdempotencyHit {
			fmt.Fprintf(tw, "Replayed:\tyes\n")
		}
		if f := view.Failure; f != nil {
			fmt.Fprintf(tw, "Failure:\t%s at %s\n", f.Kind, f.Stage)
			fmt.Fprintf(tw, "Code:\t%s\n", f.Code)
			fmt.Fprintf(tw, "Message:\t%s\n", f.Message)
			if f.TransitionReason != "" {
				fmt.Fprintf(tw, "Transition:\t%s\n", f.TransitionReason)
			}
			if len(f.ValidAlternatives) > 0 {
				fmt.Fprintf(tw, "Valid next states:\t%v\n", f.ValidAlternatives)
			}
		}
		if d := view.Retry; d != nil {
			fmt.Fprintf(tw, "Retry:\t%s\n", d.Policy)
			if d.UserAction != "" {
				fmt.Fprintf(tw, "Action:\t%s\n", d.UserAction)
			}
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if view.Payload != nil && printPayload != nil {
			printPayload(out, *view.Payload)
		}
	}

	if f := res.Failure(); f != nil {
		return fmt.Errorf("%s failed: %s", res.OperationContext().OperationType, f.Code)
	}
	return nil
}

func printRecord(w io.Writer, rec *engine.DeploymentRecord) {
	tw := newTable(w)
	fmt.Fprintf(tw, "Deployment:\t%s\n", rec.ID)
	fmt.Fprintf(tw, "State:\t%s\n", rec.CurrentState)
	fmt.Fprintf(tw, "Operation:\t%s\n", rec.OperationType)
	fmt.Fprintf(tw, "Correlation ID:\t%s\n", rec.CorrelationID)
	if rec.TxHash != "" {
		fmt.Fprintf(tw, "Tx hash:\t%s\n", rec.TxHash)
	}
	if rec.LastError != "" {
		fmt.Fprintf(tw, "Last error:\t%s\n", rec.LastError)
	}
	_ = tw.Flush()

	fmt.Fprintln(w)
	tw = newTable(w)
	fmt.Fprintln(tw, "SEQ\tFROM\tTO\tREASON\tAT")
	for _, e := range rec.StatusHistory {
		from := string(e.From)
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.Sequence, from, e.To, e.Reason, e.OccurredAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}
