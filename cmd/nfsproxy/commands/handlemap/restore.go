package handlemap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/nfsproxy/internal/cli/output"
	"github.com/marmos91/nfsproxy/internal/cli/prompt"
	"github.com/marmos91/nfsproxy/pkg/archive"
	"github.com/marmos91/nfsproxy/pkg/handlemap"
)

var (
	restoreForce  bool
	restoreList   bool
	restoreOutput string
)

var restoreCmd = &cobra.Command{
	Use:   "restore [snapshot]",
	Short: "Replace the store with an archived snapshot",
	Long: `Replace the handle map with a snapshot from the backup destination. Without
an argument the most recent snapshot is used. The current generation is
kept on disk until the restored one is committed.

Examples:
  # List available snapshots
  nfsproxy handlemap restore --list

  # Restore the latest snapshot
  nfsproxy handlemap restore

  # Restore a specific snapshot
  nfsproxy handlemap restore handlemap-20240115T100000Z-6f1c2b9e-0d4a-4c1e-9b8a-3f2d1e0c9b7a.snap`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(restoreOutput)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		sink, err := archive.NewSink(ctx, cfg.Backup)
		if err != nil {
			return err
		}

		if restoreList {
			objs, err := sink.List(ctx)
			if err != nil {
				return err
			}
			tbl := output.NewTable("NAME", "SIZE", "MODIFIED")
			for _, o := range objs {
				tbl.AddRow(o.Name, strconv.FormatInt(o.Size, 10), o.Modified.Local().Format(time.RFC3339))
			}
			return output.Print(os.Stdout, format, tbl)
		}

		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		label := "Replace the handle map with the latest snapshot from " + sink.Location()
		if name != "" {
			label = fmt.Sprintf("Replace the handle map with %s", name)
		}
		ok, err := prompt.ConfirmWithForce(label, restoreForce)
		if err != nil || !ok {
			return err
		}

		res, err := archive.Restore(ctx, sink, name, handlemap.ConfigFromSettings(cfg.HandleMap), nil)
		if err != nil {
			return err
		}
		return printRebuild(format, res)
	},
}

func init() {
	restoreCmd.Flags().BoolVarP(&restoreForce, "force", "f", false, "Skip confirmation")
	restoreCmd.Flags().BoolVar(&restoreList, "list", false, "List available snapshots and exit")
	restoreCmd.Flags().StringVarP(&restoreOutput, "output", "o", "table", "Output format (table|json|yaml)")
}
