package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"exprcore/internal/adapters/httpapi"
	"exprcore/internal/core"
)

func newTokenCmd(c *cli) *cobra.Command {
	var (
		roles []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token SUBJECT",
		Short: "Issue a bearer token signed with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, r := range roles {
				switch r {
				case core.RoleReader, core.RoleCurator, core.RoleAdmin:
				default:
					return fmt.Errorf("unknown role %q", r)
				}
			}
			auth, err := httpapi.NewAuthenticator(c.cfg.Auth.Secret, c.cfg.Auth.Issuer)
			if err != nil {
				return err
			}
			tok, err := auth.Issue(args[0], roles, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", []string{core.RoleReader}, "roles to grant (reader, curator, admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
