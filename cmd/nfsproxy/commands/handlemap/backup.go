package handlemap

import (
	"context"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/marmos91/nfsproxy/internal/cli/output"
	"github.com/marmos91/nfsproxy/pkg/archive"
	"github.com/marmos91/nfsproxy/pkg/config"
	"github.com/marmos91/nfsproxy/pkg/handlemap"
)

var backupOutput string

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Archive a snapshot to the backup destination",
	Long: `Write a checksummed snapshot of the handle map to backup.directory or
the configured S3 bucket.

Examples:
  nfsproxy handlemap backup
  NFSPROXY_BACKUP_DESTINATION=s3 NFSPROXY_BACKUP_S3_BUCKET=ops nfsproxy handlemap backup`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(backupOutput)
		if err != nil {
			return err
		}
		return withStore(cmd, func(ctx context.Context, cfg *config.Config, s *handlemap.Store) error {
			sink, err := archive.NewSink(ctx, cfg.Backup)
			if err != nil {
				return err
			}
			res, err := archive.Backup(ctx, s, sink, cfg.HandleMap.TempDirectory)
			if err != nil {
				return err
			}
			if format != output.FormatTable {
				return output.Print(os.Stdout, format, res)
			}
			return output.KeyValues(os.Stdout, [][2]string{
				{"Snapshot", res.Name},
				{"Location", res.Location},
				{"Size", strconv.FormatInt(res.Size, 10)},
				{"Entries", strconv.Itoa(res.Snapshot.Entries)},
				{"Generation", res.Snapshot.Generation},
			})
		})
	},
}

func init() {
	backupCmd.Flags().StringVarP(&backupOutput, "output", "o", "table", "Output format (table|json|yaml)")
}
