package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/nfsproxy/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	Long: `Write a sample nfsproxy configuration file.

By default the file is created at $XDG_CONFIG_HOME/nfsproxy/config.yaml.
Use --config to choose another path.

Examples:
  nfsproxy config init
  nfsproxy config init --config /etc/nfsproxy/config.yaml --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	var err error
	if configPath != "" {
		err = config.InitConfigToPath(configPath, initForce)
	} else {
		configPath, err = config.InitConfig(initForce)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file created at: %s\n", configPath)
	_, _ = fmt.Fprintln(out, "\nNext steps:")
	_, _ = fmt.Fprintln(out, "  1. Set remote_server.address to your backend NFS server")
	_, _ = fmt.Fprintln(out, "  2. Check connectivity with: nfsproxy check")
	_, _ = fmt.Fprintf(out, "  3. Start the proxy with: nfsproxy start --config %s\n", configPath)
	_, _ = fmt.Fprintln(out, "\nA random JWT secret was generated for the admin API.")
	_, _ = fmt.Fprintln(out, "For production, override it from the environment:")
	_, _ = fmt.Fprintln(out, "    export NFSPROXY_API_JWT_SECRET=$(openssl rand -hex 32)")
	return nil
}
