package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"hospital-pager/internal/auth"
)

func tokenCmd() *cobra.Command {
	var (
		identity auth.Identity
		role     string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed access token for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadRuntime("hospital-pager-token")
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("token: JWT secret not configured")
			}
			normalized, ok := auth.NormalizeRole(role)
			if !ok {
				return fmt.Errorf("token: unknown role %q", role)
			}
			identity.Role = normalized
			token, err := auth.IssueToken([]byte(cfg.JWTSecret), identity, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&identity.UserID, "user", "", "user id placed in the sub claim")
	cmd.Flags().StringVar(&identity.HospitalScopeID, "scope", "", "hospital scope id")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleStaff), "staff, charge or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}
