package cmd

import (
	"fmt"
	"time"

	"ai_arena/internal/common/security"

	"github.com/spf13/cobra"
)

var (
	tokenSubject string
	tokenRole    string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token",
	Long:  "Sign a bearer token with JWT_SECRET. Admin tokens may enqueue and cancel battles.",
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "ops", "token subject")
	tokenCmd.Flags().StringVar(&tokenRole, "role", security.RoleAdmin, "token role (admin or viewer)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime; defaults to JWT_EXPIRATION_HOURS")
}

func runToken(cmd *cobra.Command, args []string) error {
	if tokenRole != security.RoleAdmin && tokenRole != security.RoleViewer {
		return fmt.Errorf("unknown role %q", tokenRole)
	}
	e := loadEnv()
	ttl := tokenTTL
	if ttl <= 0 {
		ttl = e.cfg.JWTExp
	}
	token, err := security.GenerateToken(security.NewTokenAuth(e.cfg.JWTKey), tokenSubject, tokenRole, ttl)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
