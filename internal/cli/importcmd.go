package cli

import (
	"github.com/spf13/cobra"

	"github.com/interchange-dev/packmirror/internal/record"
)

// NewImportCommand creates the import command, a one-directional sync
// from the pack into the SQL mirror.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Copy pack records into the SQL mirror",
		Long: `Copy pack records into the SQL mirror. Rows already present by content
hash are skipped, so re-running a completed or interrupted import is
safe.

Exit codes:
  0 - Import converged
  1 - Unresolved conflict (strategy fail) or integrity failure
  2 - Command error (bad flags, missing pack, storage failure)

Examples:
  packmirror import --pack ./orders --db ./mirror.db
  packmirror import --pack ./orders --db ./mirror.db --dry-run`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd, record.DirectionJSONToSQL)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite mirror (or PACKMIRROR_DB)")
	cmd.Flags().StringVar(&opts.Conflict, "conflict", "", "prefer_newest, prefer_sql, prefer_json, or fail (default from manifest)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report planned writes without applying them")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "emit the report as JSON")

	return cmd
}
