package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mintflow/mintflow/pkg/deploy"
)

// defaultUser is the caller identity used when --user is not given.
func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func newDeployCommand() *cobra.Command {
	var (
		req  deploy.DeployRequest
		opts deploy.DeployOptions
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a token contract",
		Long: `Deploy a token contract through the orchestration pipeline.

The deployment is recorded as queued, submitted to the network, awaited
until confirmed and finalized as completed. Every transition is appended
to the deployment's status history.

With --key the deployment runs at most once: repeating the command with
the same key and request replays the stored receipt, and repeating it
with the same key and a different request is rejected.`,
		Example: `  # Deploy to sepolia
  mintctl deploy --name "Mint Token" --symbol MNT --network sepolia \
    --supply 1000000 --owner 0x52908400098527886E0F7030069857D2E4169EE7

  # Deploy once per key, with metadata
  mintctl deploy --name "Mint Token" --symbol MNT --network sepolia \
    --supply 1000000 --owner 0x52908400098527886E0F7030069857D2E4169EE7 \
    --key order-42 --metadata website=https://mint.example

  # Print the full result as JSON
  mintctl deploy ... --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Debug().
				Str("network", req.Network).
				Str("symbol", req.Symbol).
				Str("idempotency_key", opts.IdempotencyKey).
				Msg("Deploying token")

			return withApp(cmd.Context(), func(a *app) error {
				res := a.service.Deploy(cmd.Context(), req, opts)
				return printResult(cmd, res, printReceipt)
			})
		},
	}

	cmd.Flags().StringVar(&req.TokenName, "name", "", "token name")
	cmd.Flags().StringVar(&req.Symbol, "symbol", "", "token symbol")
	cmd.Flags().StringVar(&req.Network, "network", "", "target network")
	cmd.Flags().StringVar(&req.InitialSupply, "supply", "", "initial supply in whole tokens")
	cmd.Flags().IntVar(&req.Decimals, "decimals", 18, "token decimals")
	cmd.Flags().StringVar(&req.OwnerAddress, "owner", "", "owner address")
	cmd.Flags().StringToStringVar(&req.Metadata, "metadata", nil, "token metadata as key=value pairs")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "key", "", "idempotency key")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation-id", "", "correlation ID (generated when empty)")
	cmd.Flags().StringVar(&opts.UserID, "user", defaultUser(), "caller identity")

	return cmd
}

func printReceipt(w io.Writer, r deploy.Receipt) {
	tw := newTable(w)
	fmt.Fprintf(tw, "Deployment:\t%s\n", r.DeploymentID)
	fmt.Fprintf(tw, "State:\t%s\n", r.State)
	fmt.Fprintf(tw, "Network:\t%s\n", r.Network)
	fmt.Fprintf(tw, "Tx hash:\t%s\n", r.TxHash)
	fmt.Fprintf(tw, "Contract:\t%s\n", r.ContractAddress)
	fmt.Fprintf(tw, "Block:\t%d\n", r.BlockNumber)
	_ = tw.Flush()
}
