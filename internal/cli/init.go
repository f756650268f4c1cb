package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/interchange-dev/packmirror/internal/pack"
	"github.com/interchange-dev/packmirror/internal/record"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Dataset      string
	ExchangeType string
	SourceSystem string
	EntityType   string
	Description  string
	Owner        string
	Seed         string
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new pack directory",
		Long: `Initialize a pack directory: write manifest.json, an empty index, and
the records tree. Defaults can be pre-filled from a YAML seed file;
flags override seed values.

Exit codes:
  0 - Pack initialized
  2 - Command error (already initialized, invalid manifest)

Examples:
  packmirror init --pack ./orders --dataset orders --exchange-type http_api --source-system erp --entity-type order
  packmirror init --pack ./orders --seed ./orders.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Dataset, "dataset", "", "dataset name (required unless supplied by --seed)")
	cmd.Flags().StringVar(&opts.ExchangeType, "exchange-type", "", "exchange type recorded on new records")
	cmd.Flags().StringVar(&opts.SourceSystem, "source-system", "", "source system recorded on new records")
	cmd.Flags().StringVar(&opts.EntityType, "entity-type", "", "entity type recorded on new records")
	cmd.Flags().StringVar(&opts.Description, "description", "", "dataset description")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "dataset owner")
	cmd.Flags().StringVar(&opts.Seed, "seed", "", "YAML file with manifest defaults")

	return cmd
}

func runInit(opts *InitOptions, cmd *cobra.Command) error {
	m := record.DefaultManifest(opts.Dataset, opts.ExchangeType, opts.SourceSystem, opts.EntityType)

	if opts.Seed != "" {
		var err error
		m, err = loadManifestSeed(opts.Seed, m)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load seed", err)
		}
	}

	// Flags win over seed values.
	if opts.Dataset != "" {
		m.DatasetName = opts.Dataset
	}
	if opts.ExchangeType != "" {
		m.ExchangeType = opts.ExchangeType
	}
	if opts.SourceSystem != "" {
		m.SourceSystem = opts.SourceSystem
	}
	if opts.EntityType != "" {
		m.EntityType = opts.EntityType
	}
	if opts.Description != "" {
		m.Description = opts.Description
	}
	if opts.Owner != "" {
		m.Owner = opts.Owner
	}

	if err := pack.Init(opts.PackDir, m); err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize pack", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Initialized pack %s (dataset %s)\n", opts.PackDir, m.DatasetName)
	return nil
}
