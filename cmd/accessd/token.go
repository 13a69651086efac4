package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gymcloud/accessd/internal/config"
	"github.com/gymcloud/accessd/internal/httpapi"
)

// tokenCmd mints operator tokens for scripts and local testing. Production
// operators normally get theirs from the identity provider.
func tokenCmd(cfg *config.Config) *cobra.Command {
	var (
		tenantID string
		subject  string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator bearer token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tenantID == "" {
				return errors.New("--tenant is required")
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			tok, err := httpapi.SignOperatorToken([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer, tenantID, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id the token is scoped to")
	cmd.Flags().StringVar(&subject, "subject", "cli", "operator identity recorded in audit logs")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
