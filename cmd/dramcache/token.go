package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dramcache/dramcache/internal/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		secret  string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the master API",
		Long: `Issue an HS256 token signed with the master's auth.secret. Put the
token in a node's auth.token setting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret is required")
			}
			token, err := auth.Issue(secret, subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "master auth secret")
	cmd.Flags().StringVar(&subject, "subject", "node", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (0 means no expiry)")
	return cmd
}
