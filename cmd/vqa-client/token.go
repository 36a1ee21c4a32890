package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/vqa-verify/internal/auth"
)

func newTokenCommand(global *globalOptions) *cobra.Command {
	var (
		secret   string
		subject  string
		audience string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed bearer token for the scoring service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				cfg, _, err := global.load(cmd.Context())
				if err != nil {
					return err
				}
				secret = cfg.Client.JWTSecret
			}
			token, err := auth.IssueToken(secret, subject, audience, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC secret; client.jwt_secret from config when empty")
	cmd.Flags().StringVar(&subject, "subject", tokenSubject, "Token subject, used as the owning user id")
	cmd.Flags().StringVar(&audience, "audience", "", "Optional audience claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
