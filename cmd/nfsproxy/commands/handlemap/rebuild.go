package handlemap

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/nfsproxy/internal/cli/output"
	"github.com/marmos91/nfsproxy/internal/cli/prompt"
	"github.com/marmos91/nfsproxy/pkg/config"
	"github.com/marmos91/nfsproxy/pkg/handlemap"
)

var (
	rebuildDatabases int
	rebuildBuckets   int
	rebuildForce     bool
	rebuildOutput    string
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rewrite the store, optionally with a new layout",
	Long: `Copy every valid entry into a new generation and switch MANIFEST to it.
Entries that fail verification are dropped. Local handles do not change.

Examples:
  # Drop corrupt entries, keep the layout
  nfsproxy handlemap rebuild

  # Grow to 8 shards of 31 buckets
  nfsproxy handlemap rebuild --database-count 8 --hashtable-size 31`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(rebuildOutput)
		if err != nil {
			return err
		}
		ok, err := prompt.ConfirmWithForce("Rebuild the handle map", rebuildForce)
		if err != nil || !ok {
			return err
		}
		return withStore(cmd, func(ctx context.Context, _ *config.Config, s *handlemap.Store) error {
			res, err := s.Rebuild(ctx, handlemap.RebuildOptions{
				DatabaseCount: rebuildDatabases,
				HashtableSize: rebuildBuckets,
			})
			if err != nil {
				return err
			}
			return printRebuild(format, res)
		})
	},
}

func init() {
	rebuildCmd.Flags().IntVar(&rebuildDatabases, "database-count", 0, "New shard count (default: keep)")
	rebuildCmd.Flags().IntVar(&rebuildBuckets, "hashtable-size", 0, "New buckets per shard (default: keep)")
	rebuildCmd.Flags().BoolVarP(&rebuildForce, "force", "f", false, "Skip confirmation")
	rebuildCmd.Flags().StringVarP(&rebuildOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

func printRebuild(format output.Format, res *handlemap.RebuildResult) error {
	if format != output.FormatTable {
		return output.Print(os.Stdout, format, res)
	}
	return output.KeyValues(os.Stdout, [][2]string{
		{"Generation", fmt.Sprintf("%s (was %s)", res.Generation, res.Previous)},
		{"Layout", fmt.Sprintf("%d shards x %d buckets", res.DatabaseCount, res.HashtableSize)},
		{"Kept", fmt.Sprintf("%d", res.Kept)},
		{"Dropped", fmt.Sprintf("%d", res.Dropped)},
		{"Duration", res.Duration.String()},
	})
}
