package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/nfsproxy/internal/cli/output"
	"github.com/marmos91/nfsproxy/pkg/api/auth"
	"github.com/marmos91/nfsproxy/pkg/config"
)

var (
	tokenSubject string
	tokenRole    string
	tokenTTL     time.Duration
	tokenOutput  string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin API token",
	Long: `Sign a bearer token for the admin API with the configured JWT secret.

Tokens with the admin role may invalidate entries, rebuild, collect and back
up the handle map. Other roles are read-only.

Examples:
  # Admin token valid for api.token_ttl
  nfsproxy token

  # Read-only token for a dashboard, valid one week
  nfsproxy token --subject grafana --role viewer --ttl 168h

  # Use it
  curl -H "Authorization: Bearer $(nfsproxy token)" localhost:8080/api/v1/sessions`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "admin", "Token subject")
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleAdmin, "Token role (admin grants write access)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (default: api.token_ttl)")
	tokenCmd.Flags().StringVarP(&tokenOutput, "output", "o", "", "Output format (json|yaml); default prints the bare token")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if !cfg.API.HasJWTSecret() {
		return fmt.Errorf("api.jwt_secret is not configured (minimum 32 characters)")
	}

	ttl := tokenTTL
	if ttl == 0 {
		ttl = cfg.API.TokenTTL
	}
	svc, err := auth.NewJWTService(auth.JWTConfig{Secret: cfg.API.JWTSecret, TokenDuration: ttl})
	if err != nil {
		return err
	}
	tok, err := svc.Issue(tokenSubject, tokenRole)
	if err != nil {
		return err
	}

	if tokenOutput == "" {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
		return nil
	}
	format, err := output.ParseFormat(tokenOutput)
	if err != nil {
		return err
	}
	return output.Print(os.Stdout, format, tok)
}
