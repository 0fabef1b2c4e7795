package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vigil/internal/authz"
)

func newTokenCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage bearer tokens",
	}
	cmd.AddCommand(newTokenIssueCmd(opts))
	return cmd
}

func newTokenIssueCmd(opts *globalOptions) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token with the configured secret",
		Example: `  vigil token issue --subject netops-agent --role agent
  vigil token issue --subject alice --role operator --ttl 8h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			r, err := authz.ParseRole(role)
			if err != nil {
				return err
			}
			auth, err := authz.NewAuthenticator(authz.Config{
				Secret: cfg.Auth.JWTSecret,
				Issuer: cfg.Auth.Issuer,
			})
			if err != nil {
				return err
			}
			token, err := auth.Issue(subject, r, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (agent id or user name)")
	cmd.Flags().StringVar(&role, "role", "agent", "Role claim: agent, operator or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
