package handlemap

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/nfsproxy/internal/cli/prompt"
	"github.com/marmos91/nfsproxy/pkg/config"
	"github.com/marmos91/nfsproxy/pkg/handlemap"
)

var invalidateForce bool

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <local-handle-hex>",
	Short: "Remove the entry for a local handle",
	Long: `Remove one entry. Clients still holding the handle get a stale
handle error on their next use.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		local, err := handlemap.ParseLocalHandleHex(args[0])
		if err != nil {
			return err
		}
		ok, err := prompt.ConfirmWithForce(fmt.Sprintf("Invalidate handle %s", local), invalidateForce)
		if err != nil || !ok {
			return err
		}
		return withStore(cmd, func(ctx context.Context, _ *config.Config, s *handlemap.Store) error {
			if err := s.Invalidate(ctx, local); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Handle %s invalidated\n", local)
			return nil
		})
	},
}

func init() {
	invalidateCmd.Flags().BoolVarP(&invalidateForce, "force", "f", false, "Skip confirmation")
}
