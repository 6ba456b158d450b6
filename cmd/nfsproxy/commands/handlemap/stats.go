package handlemap

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/nfsproxy/internal/cli/output"
	"github.com/marmos91/nfsproxy/pkg/config"
	"github.com/marmos91/nfsproxy/pkg/handlemap"
)

var statsOutput string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show handle map statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(statsOutput)
		if err != nil {
			return err
		}
		return withStore(cmd, func(_ context.Context, _ *config.Config, s *handlemap.Store) error {
			st := s.Stats()
			if format != output.FormatTable {
				return output.Print(os.Stdout, format, st)
			}
			if err := output.KeyValues(os.Stdout, [][2]string{
				{"Generation", st.Generation},
				{"Created", st.Created.Local().Format(time.RFC3339)},
				{"Directory", st.Dir},
				{"Layout", fmt.Sprintf("%d shards x %d buckets", st.DatabaseCount, st.HashtableSize)},
				{"Entries", strconv.Itoa(st.Entries)},
				{"Corrupt", strconv.Itoa(st.Corrupt)},
			}); err != nil {
				return err
			}
			fmt.Println()
			return output.PrintTable(os.Stdout, shardTable(st.Shards))
		})
	},
}

func init() {
	statsCmd.Flags().StringVarP(&statsOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

type shardTable []handlemap.ShardStats

func (t shardTable) Headers() []string { return []string{"SHARD", "ENTRIES", "CORRUPT"} }

func (t shardTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, sh := range t {
		rows = append(rows, []string{strconv.Itoa(sh.Index), strconv.Itoa(sh.Entries), strconv.Itoa(sh.Corrupt)})
	}
	return rows
}
