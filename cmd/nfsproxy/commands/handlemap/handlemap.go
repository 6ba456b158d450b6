// Package handlemap implements offline handle map administration. The proxy
// holds the databases' directory lock while running, so these commands fail
// fast against a live store; use the admin API instead.
package handlemap

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/nfsproxy/internal/logger"
	"github.com/marmos91/nfsproxy/pkg/config"
	"github.com/marmos91/nfsproxy/pkg/handlemap"
)

// Cmd is the handlemap subcommand.
var Cmd = &cobra.Command{
	Use:   "handlemap",
	Short: "Handle map administration (offline)",
	Long: `Inspect and maintain the persistent handle map while the proxy is stopped.

Subcommands:
  stats       Show generation, layout and per-shard entry counts
  lookup      Show the entry for a local handle
  invalidate  Remove the entry for a local handle
  rebuild     Rewrite the store, optionally with a new layout
  gc          Remove entries not accessed for a while
  backup      Archive a snapshot to the backup destination
  restore     Replace the store with an archived snapshot`,
}

func init() {
	Cmd.AddCommand(statsCmd)
	Cmd.AddCommand(lookupCmd)
	Cmd.AddCommand(invalidateCmd)
	Cmd.AddCommand(rebuildCmd)
	Cmd.AddCommand(gcCmd)
	Cmd.AddCommand(backupCmd)
	Cmd.AddCommand(restoreCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: "stderr"}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// withStore opens the configured store, runs fn and closes the store.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, s *handlemap.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := handlemap.Open(ctx, handlemap.ConfigFromSettings(cfg.HandleMap), nil)
	if err != nil {
		return fmt.Errorf("open handle map %s (is the proxy running?): %w", cfg.HandleMap.DatabasesDirectory, err)
	}
	runErr := fn(ctx, cfg, s)
	if err := s.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
