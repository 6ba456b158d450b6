package handlemap

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/nfsproxy/internal/cli/prompt"
	"github.com/marmos91/nfsproxy/pkg/config"
	"github.com/marmos91/nfsproxy/pkg/handlemap"
)

var (
	gcOlderThan time.Duration
	gcForce     bool
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove entries not accessed for a while",
	Long: `Remove every entry whose last access is older than --older-than.
Corrupt entries are left for rebuild.

Examples:
  nfsproxy handlemap gc --older-than 2160h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if gcOlderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		ok, err := prompt.ConfirmWithForce(fmt.Sprintf("Remove entries not accessed for %s", gcOlderThan), gcForce)
		if err != nil || !ok {
			return err
		}
		return withStore(cmd, func(ctx context.Context, _ *config.Config, s *handlemap.Store) error {
			removed, err := s.Collect(ctx, time.Now().Add(-gcOlderThan))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries\n", removed)
			return nil
		})
	},
}

func init() {
	gcCmd.Flags().DurationVar(&gcOlderThan, "older-than", 90*24*time.Hour, "Minimum idle time of removed entries")
	gcCmd.Flags().BoolVarP(&gcForce, "force", "f", false, "Skip confirmation")
}
