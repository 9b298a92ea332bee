package main

import (
	"encoding/json"
	"fmt"

	"LendLedger/internal/config"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newSubmitCmd(load func() (config.Config, error)) *cobra.Command {
	var req ingestion.CommandRequest

	cmd := &cobra.Command{
		Use:   "submit <type>",
		Short: "Publish a command to the ledger over NATS",
		Long: `Publishes one command to the inbound command stream, for example:

  lendledger submit deposit --caller <uuid> --amount 100000000
  lendledger submit update_price --caller <oracle> --price 1.25 --price-sequence 7`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			req.Type = args[0]
			if req.CommandID == "" {
				req.CommandID = uuid.NewString()
			}
			// Validate locally so typos fail here rather than in the engine
			if _, err := req.ToCommand(); err != nil {
				return err
			}
			payload, err := json.Marshal(req)
			if err != nil {
				return err
			}

			nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, observability.NewLogger("submit"))
			if err != nil {
				return err
			}
			defer nc.Close()

			if err := ingestion.PublishCommand(cmd.Context(), js, req.Caller, payload); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), req.CommandID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.CommandID, "id", "", "idempotency key (default: random)")
	f.StringVar(&req.Caller, "caller", "", "acting identity")
	f.StringVar(&req.Target, "target", "", "liquidation target, new owner or new oracle")
	f.StringVar(&req.Amount, "amount", "", "amount in base units")
	f.StringVar(&req.Price, "price", "", "decimal price for update_price")
	f.Int64Var(&req.PriceSequence, "price-sequence", 0, "price feed sequence for update_price")
	_ = cmd.MarkFlagRequired("caller")
	return cmd
}
