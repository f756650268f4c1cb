package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/interchange-dev/packmirror/internal/pack"
)

// NewReindexCommand creates the reindex command.
func NewReindexCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the pack index from the record chunks",
		Long: `Rebuild index.jsonl by scanning every record chunk. The index is a
lookup cache only; rebuilding it never changes record data. Use after a
crash or manual edits left the index stale.

Exit codes:
  0 - Index rebuilt
  2 - Command error (missing pack, storage failure)

Examples:
  packmirror reindex --pack ./orders`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := pack.RebuildIndex(rootOpts.PackDir)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to rebuild index", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reindexed %d records\n", n)
			return nil
		},
	}

	return cmd
}
