// Command lendledger runs the collateralized lending ledger: the engine, its
// Postgres event log, projections, NATS ingestion and the HTTP/JSON API.
package main

import (
	"fmt"
	"os"

	"LendLedger/internal/config"

	"github.com/spf13/cobra"
)

var version = "dev" // set by the linker

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Cobra already printed the error
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:          "lendledger",
		Short:        "Collateralized lending ledger",
		Version:      version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./lendledger.yaml)")

	load := func() (config.Config, error) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	cmd.AddCommand(
		newServeCmd(load),
		newMigrateCmd(load),
		newSubmitCmd(load),
		newTokenCmd(load),
	)
	return cmd
}
