package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/textualy/autoreply/internal/config"
	"github.com/textualy/autoreply/internal/middleware"
)

func newTokenCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var (
		companyID string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token scoped to one company",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if companyID == "" {
				return errors.New("--company is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("no jwt secret configured (auth.jwt_secret)")
			}
			tok, err := middleware.IssueCompanyToken(companyID, cfg.Auth.JWTSecret, cfg.Auth.Issuer, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&companyID, "company", "", "company ID the token is scoped to")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
