package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/interchange-dev/packmirror/internal/engine"
	"github.com/interchange-dev/packmirror/internal/record"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Database  string
	Direction string
	Conflict  string
	DryRun    bool
	JSON      bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the pack with its SQL mirror",
		Long: `Reconcile the pack and the SQL mirror by content hash. Records present
on exactly one side are copied to the other; natural keys with diverged
hash sets on both sides are conflicts, resolved per strategy. Re-running
a completed sync is a no-op.

Exit codes:
  0 - Sync converged
  1 - Unresolved conflict (strategy fail) or integrity failure
  2 - Command error (bad flags, missing pack, storage failure)

Examples:
  packmirror sync --pack ./orders --db ./mirror.db
  packmirror sync --pack ./orders --db ./mirror.db --direction json_to_sql --dry-run
  packmirror sync --pack ./orders --db ./mirror.db --conflict fail --json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd, "")
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite mirror (or PACKMIRROR_DB)")
	cmd.Flags().StringVar(&opts.Direction, "direction", "", "json_to_sql, sql_to_json, or bidirectional (default from manifest)")
	cmd.Flags().StringVar(&opts.Conflict, "conflict", "", "prefer_newest, prefer_sql, prefer_json, or fail (default from manifest)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report planned writes without applying them")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "emit the report as JSON")

	return cmd
}

// runSync executes a sync run. A non-empty forced direction pins the
// direction regardless of flags or manifest (import/export commands).
func runSync(opts *SyncOptions, cmd *cobra.Command, forced record.Direction) error {
	manifest, mir, err := openMirror(opts.PackDir, opts.Database, record.OpSync)
	if err != nil {
		return err
	}
	defer mir.Close()

	direction := forced
	if direction == "" {
		direction, err = pickDirection(opts.Direction, manifest)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid direction", err)
		}
	}
	strategy, err := pickStrategy(opts.Conflict, manifest)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid conflict strategy", err)
	}

	eng := engine.New(opts.PackDir, mir)
	report, syncErr := eng.Sync(context.Background(), engine.Options{
		Direction: direction,
		Strategy:  strategy,
		DryRun:    opts.DryRun,
	})

	if report != nil {
		if perr := printReport(cmd.OutOrStdout(), report, opts.JSON); perr != nil {
			return WrapExitError(ExitCommandError, "failed to render report", perr)
		}
	}
	return syncErr
}

func pickDirection(flag string, m record.Manifest) (record.Direction, error) {
	if flag != "" {
		return record.ParseDirection(flag)
	}
	if m.SyncPolicy.DirectionDefault != "" {
		return m.SyncPolicy.DirectionDefault, nil
	}
	return record.DirectionBidirectional, nil
}

func pickStrategy(flag string, m record.Manifest) (record.Strategy, error) {
	if flag != "" {
		return record.ParseStrategy(flag)
	}
	if m.SyncPolicy.ConflictStrategy != "" {
		return m.SyncPolicy.ConflictStrategy, nil
	}
	return record.StrategyPreferNewest, nil
}
