package cli

import (
	"github.com/spf13/cobra"

	"github.com/interchange-dev/packmirror/internal/record"
)

// NewExportCommand creates the export command, a one-directional sync
// from the SQL mirror into the pack.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy SQL mirror rows into the pack",
		Long: `Copy mirror rows into the pack as append-only NDJSON records. Records
already present by content hash are skipped, so re-running a completed
or interrupted export is safe.

Exit codes:
  0 - Export converged
  1 - Unresolved conflict (strategy fail) or integrity failure
  2 - Command error (bad flags, missing pack, storage failure)

Examples:
  packmirror export --pack ./orders --db ./mirror.db
  packmirror export --pack ./orders --db ./mirror.db --dry-run --json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd, record.DirectionSQLToJSON)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite mirror (or PACKMIRROR_DB)")
	cmd.Flags().StringVar(&opts.Conflict, "conflict", "", "prefer_newest, prefer_sql, prefer_json, or fail (default from manifest)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report planned writes without applying them")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "emit the report as JSON")

	return cmd
}
