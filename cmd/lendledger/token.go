package main

import (
	"errors"
	"fmt"
	"time"

	"LendLedger/internal/config"
	"LendLedger/internal/server"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newTokenCmd(load func() (config.Config, error)) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <identity>",
		Short: "Issue an API bearer token for an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return errors.New("server.jwt_secret is not set, authentication is disabled")
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("identity: %w", err)
			}

			auth := server.NewAuthenticator(cfg.Server.JWTSecret, cfg.Server.JWTIssuer)
			token, err := auth.IssueToken(id, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
