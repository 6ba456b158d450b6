package config

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/nfsproxy/internal/cli/output"
	"github.com/marmos91/nfsproxy/pkg/config"
)

var (
	showOutput  string
	showSecrets bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration",
	Long: `Display the configuration after defaults and NFSPROXY_* overrides.

Secrets are masked unless --show-secrets is given.

Examples:
  nfsproxy config show
  nfsproxy config show --output json`,
	RunE: runConfigShow,
}

func init() {
	showCmd.Flags().StringVarP(&showOutput, "output", "o", "yaml", "Output format (yaml|json)")
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print the JWT secret and S3 keys")
}

const masked = "********"

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}
	format, err := output.ParseFormat(showOutput)
	if err != nil {
		return err
	}

	if !showSecrets {
		if cfg.API.JWTSecret != "" {
			cfg.API.JWTSecret = masked
		}
		if cfg.Backup.S3.SecretAccessKey != "" {
			cfg.Backup.S3.SecretAccessKey = masked
		}
	}

	if format == output.FormatJSON {
		return output.PrintJSON(os.Stdout, cfg)
	}
	return output.PrintYAML(os.Stdout, cfg)
}
