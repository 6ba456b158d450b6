package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/nfsproxy/internal/cli/output"
	"github.com/marmos91/nfsproxy/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the nfsproxy configuration file.

Checks syntax, required fields and value ranges, then warns about settings
that are valid but probably not intended.

Examples:
  nfsproxy config validate
  nfsproxy config validate --config /etc/nfsproxy/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file: %s\n", displayPath)
	_, _ = fmt.Fprintln(out, "Validation: OK")

	if warnings := configWarnings(cfg); len(warnings) > 0 {
		_, _ = fmt.Fprintln(out, "\nWarnings:")
		for _, w := range warnings {
			_, _ = fmt.Fprintf(out, "  - %s\n", w)
		}
	}

	sec := "unauthenticated"
	if cfg.RemoteServer.Security.ActiveKrb5 {
		sec = cfg.RemoteServer.Security.SecType
	}
	_, _ = fmt.Fprintln(out, "\nConfiguration summary:")
	return output.KeyValues(os.Stdout, [][2]string{
		{"Backend", cfg.RemoteServer.Endpoint()},
		{"Security", sec},
		{"Pool size", fmt.Sprintf("%d", cfg.RemoteServer.PoolSize)},
		{"Handle mapping", fmt.Sprintf("%t", cfg.HandleMap.Enabled)},
		{"Backup destination", cfg.Backup.Destination},
		{"API port", fmt.Sprintf("%d", cfg.API.Port)},
		{"Log level", cfg.Logging.Level},
	})
}

func configWarnings(cfg *config.Config) []string {
	var warnings []string
	if cfg.API.Enabled && !cfg.API.HasJWTSecret() {
		warnings = append(warnings, "api.jwt_secret is missing or shorter than 32 characters - the API will not start")
	}
	if !cfg.HandleMap.Enabled {
		warnings = append(warnings, "handle mapping is disabled - clients see backend handles, which change if the backend is replaced")
	}
	sec := cfg.RemoteServer.Security
	if sec.ActiveKrb5 && sec.KeytabPath == "" && os.Getenv("NFSPROXY_KRB5_KEYTAB") == "" {
		warnings = append(warnings, "Kerberos is enabled but no keytab is configured")
	}
	if cfg.Backup.Destination == "s3" && cfg.Backup.S3.Bucket == "" {
		warnings = append(warnings, "backup.destination is s3 but backup.s3.bucket is empty")
	}
	return warnings
}
