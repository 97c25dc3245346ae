package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/keygate/keygate/internal/service"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative access to the management API",
		Long:  "Issue bearer tokens for the /api/v1/system management routes.",
	}

	cmd.AddCommand(newAdminTokenCmd())

	return cmd
}

// ---------- admin token ----------

func newAdminTokenCmd() *cobra.Command {
	var (
		email string
		id    int64
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin bearer token",
		Long: `Sign an admin JWT with auth.jwt_secret. The server must run with the
same secret to accept it.`,
		Example: `  keygate admin token --email ops@example.com
  curl -H "Authorization: Bearer $(keygate admin token --email ops@example.com)" localhost:8080/api/v1/system/api-key`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !strings.Contains(email, "@") {
				return fmt.Errorf("invalid email address: %q", email)
			}
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = settings.Auth.JWTExpiry
			}

			authSvc := service.NewAuthService(nil, settings.Auth.JWTSecret)
			token, err := authSvc.IssueJWT(context.Background(), id, email, ttl)
			if err != nil {
				return fmt.Errorf("issue admin token: %w (set auth.jwt_secret or KEYGATE_AUTH_JWT_SECRET)", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Admin email recorded in the token (required)")
	cmd.Flags().Int64Var(&id, "id", 1, "Admin ID recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default auth.jwt_expiry)")
	cmd.MarkFlagRequired("email")

	return cmd
}
