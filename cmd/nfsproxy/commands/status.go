package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/nfsproxy/internal/cli/output"
	"github.com/marmos91/nfsproxy/pkg/api/auth"
	"github.com/marmos91/nfsproxy/pkg/apiclient"
	"github.com/marmos91/nfsproxy/pkg/config"
	"github.com/marmos91/nfsproxy/pkg/handlemap"
)

var (
	statusURL     string
	statusToken   string
	statusTimeout time.Duration
	statusOutput  string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running proxy",
	Long: `Query the admin API of a running proxy for its backend sessions and
handle map.

The token defaults to $NFSPROXY_TOKEN. When neither is set, a short-lived
read-only token is signed with the configured api.jwt_secret.

Examples:
  # Local proxy on the configured api.port
  nfsproxy status

  # Remote proxy
  nfsproxy status --url http://proxy-1:8080 --token "$TOKEN" -o json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusURL, "url", "", "API base URL (default: http://localhost:<api.port>)")
	statusCmd.Flags().StringVar(&statusToken, "token", "", "Bearer token (default: $NFSPROXY_TOKEN)")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 10*time.Second, "Overall timeout")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

// StatusReport is the outcome of `nfsproxy status`.
type StatusReport struct {
	URL       string                `json:"url" yaml:"url"`
	Health    string                `json:"health" yaml:"health"`
	Uptime    string                `json:"uptime" yaml:"uptime"`
	Sessions  apiclient.SessionList `json:"sessions" yaml:"sessions"`
	HandleMap *handlemap.Stats      `json:"handlemap,omitempty" yaml:"handlemap,omitempty"`
}

func (r StatusReport) Headers() []string {
	return []string{"SESSION", "STATE", "FLAVOR", "PRINCIPAL", "OUTSTANDING", "LAST ACTIVITY"}
}

func (r StatusReport) Rows() [][]string {
	now := time.Now()
	rows := make([][]string, 0, len(r.Sessions.Sessions))
	for _, s := range r.Sessions.Sessions {
		last := "never"
		if s.LastActivity != nil {
			last = output.Age(*s.LastActivity, now) + " ago"
		}
		principal := s.Principal
		if principal == "" {
			principal = "-"
		}
		rows = append(rows, []string{s.ID, s.State, s.Flavor, principal, strconv.Itoa(s.Outstanding), last})
	}
	return rows
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	baseURL := statusURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%d", cfg.API.Port)
	}
	token, err := statusBearer(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()

	report, err := collectStatus(ctx, apiclient.New(baseURL).WithToken(token))
	if err != nil {
		return err
	}
	report.URL = baseURL

	if format != output.FormatTable {
		return output.Print(os.Stdout, format, report)
	}

	pairs := [][2]string{
		{"API", report.URL},
		{"Backend", report.Health},
		{"Uptime", report.Uptime},
	}
	if hm := report.HandleMap; hm != nil {
		pairs = append(pairs,
			[2]string{"Handle map", hm.Dir},
			[2]string{"Generation", hm.Generation},
			[2]string{"Entries", strconv.Itoa(hm.Entries)},
			[2]string{"Corrupt", strconv.Itoa(hm.Corrupt)},
		)
	} else {
		pairs = append(pairs, [2]string{"Handle map", "disabled"})
	}
	if err := output.KeyValues(os.Stdout, pairs); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(os.Stdout)
	return output.PrintTable(os.Stdout, report)
}

// collectStatus gathers health, sessions and handle map stats. A disabled
// handle map is not an error.
func collectStatus(ctx context.Context, client *apiclient.Client) (*StatusReport, error) {
	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("proxy unreachable: %w", err)
	}
	sessions, err := client.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Health: health.Backend, Uptime: health.Uptime, Sessions: *sessions}

	stats, err := client.HandleMapStats(ctx)
	var apiErr *apiclient.APIError
	switch {
	case err == nil:
		report.HandleMap = stats
	case errors.As(err, &apiErr) && apiErr.IsNotFound():
	default:
		return nil, err
	}
	return report, nil
}

func statusBearer(cfg *config.Config) (string, error) {
	if statusToken != "" {
		return statusToken, nil
	}
	if tok := os.Getenv("NFSPROXY_TOKEN"); tok != "" {
		return tok, nil
	}
	if !cfg.API.HasJWTSecret() {
		return "", fmt.Errorf("no token: pass --token, set NFSPROXY_TOKEN or configure api.jwt_secret")
	}
	svc, err := auth.NewJWTService(auth.JWTConfig{Secret: cfg.API.JWTSecret, TokenDuration: time.Minute})
	if err != nil {
		return "", err
	}
	tok, err := svc.Issue("nfsproxy-status", "viewer")
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}
