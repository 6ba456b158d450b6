package handlemap

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/nfsproxy/internal/cli/output"
	"github.com/marmos91/nfsproxy/pkg/config"
	"github.com/marmos91/nfsproxy/pkg/handlemap"
)

var lookupOutput string

var lookupCmd = &cobra.Command{
	Use:   "lookup <local-handle-hex>",
	Short: "Show the entry for a local handle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		local, err := handlemap.ParseLocalHandleHex(args[0])
		if err != nil {
			return err
		}
		format, err := output.ParseFormat(lookupOutput)
		if err != nil {
			return err
		}
		return withStore(cmd, func(ctx context.Context, _ *config.Config, s *handlemap.Store) error {
			e, err := s.Lookup(ctx, local)
			if err != nil {
				return err
			}
			if format != output.FormatTable {
				return output.Print(os.Stdout, format, map[string]any{
					"local":       e.Local.String(),
					"remote":      e.Remote.String(),
					"shard":       e.Shard,
					"last_access": e.LastAccess.UTC(),
					"corrupt":     e.Corrupt,
				})
			}
			return output.KeyValues(os.Stdout, [][2]string{
				{"Local", e.Local.String()},
				{"Remote", e.Remote.String()},
				{"Shard", strconv.Itoa(e.Shard)},
				{"Last access", output.Age(e.LastAccess, time.Now()) + " ago"},
				{"Corrupt", strconv.FormatBool(e.Corrupt)},
			})
		})
	},
}

func init() {
	lookupCmd.Flags().StringVarP(&lookupOutput, "output", "o", "table", "Output format (table|json|yaml)")
}
