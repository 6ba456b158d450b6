// Package commands implements the nfsproxy command line.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/nfsproxy/cmd/nfsproxy/commands/config"
	"github.com/marmos91/nfsproxy/cmd/nfsproxy/commands/handlemap"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "nfsproxy",
	Short: "nfsproxy - NFS proxy core",
	Long: `nfsproxy re-exports a remote NFS server. It keeps authenticated RPC
sessions to the backend and translates backend file handles into stable
local handles persisted across restarts.

Use "nfsproxy [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/nfsproxy/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(config.Cmd)
	rootCmd.AddCommand(handlemap.Cmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
