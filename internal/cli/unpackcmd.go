package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/interchange-dev/packmirror/internal/archive"
)

// UnpackOptions holds flags for the unpack command.
type UnpackOptions struct {
	*RootOptions
	Out    string
	KeyEnv string
}

// NewUnpackCommand creates the unpack command.
func NewUnpackCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UnpackOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "unpack <archive>",
		Short: "Restore a pack directory from an archive",
		Long: `Restore a pack directory from an archive produced by pack. Encrypted
archives are detected automatically and decrypted with the passphrase
from the key environment variable. Decryption and extraction are staged
in memory: a wrong passphrase or corrupted archive writes nothing.

Exit codes:
  0 - Pack restored
  1 - Decryption failed (wrong passphrase, corrupted archive)
  2 - Command error (missing archive, missing key, write failure)

Examples:
  packmirror unpack ./orders.zip --out ./orders
  PACKMIRROR_KEY=secret packmirror unpack ./orders.zip.age --out ./orders`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnpack(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Out, "out", ".", "directory to restore into")
	cmd.Flags().StringVar(&opts.KeyEnv, "key-env", "PACKMIRROR_KEY", "environment variable holding the passphrase")

	return cmd
}

func runUnpack(opts *UnpackOptions, cmd *cobra.Command, archivePath string) error {
	passphrase := os.Getenv(opts.KeyEnv)

	if err := archive.Unpack(archivePath, opts.Out, passphrase); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Restored %s into %s\n", archivePath, opts.Out)
	return nil
}
