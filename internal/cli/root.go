// Package cli wires the packmirror commands: init, add, import, export,
// sync, pack, unpack, reindex.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/interchange-dev/packmirror/internal/logger"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	PackDir string
	Verbose bool
}

// NewRootCommand creates the root command for the packmirror CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "packmirror",
		Short: "Content-addressed interchange between JSON packs and a SQL mirror",
		Long: `packmirror moves exchange records bidirectionally between a
human-browsable JSON pack on disk and a relational mirror table, with
deterministic content hashing and idempotent reconciliation.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.SetVerbose(opts.Verbose)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.PackDir, "pack", ".", "path to the pack directory")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewAddCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewPackCommand(opts))
	cmd.AddCommand(NewUnpackCommand(opts))
	cmd.AddCommand(NewReindexCommand(opts))

	return cmd
}
