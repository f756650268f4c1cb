package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/interchange-dev/packmirror/internal/archive"
	"github.com/interchange-dev/packmirror/internal/record"
)

// PackOptions holds flags for the pack command.
type PackOptions struct {
	*RootOptions
	Out     string
	Encrypt bool
}

// NewPackCommand creates the pack command.
func NewPackCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PackOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Archive the pack directory into a portable file",
		Long: `Archive the entire pack directory (manifest, index, record chunks) into
a single deterministic zip. With encryption enabled (manifest policy or
--encrypt) the zip is sealed with a passphrase read from the environment
variable named by encryption_policy.key_source; the key is never written
into the archive.

Exit codes:
  0 - Archive written
  2 - Command error (missing pack, missing key, write failure)

Examples:
  packmirror pack --pack ./orders --out ./orders.zip
  PACKMIRROR_KEY=secret packmirror pack --pack ./orders --encrypt --out ./orders.zip.age`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPack(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Out, "out", "", "output archive path (default <dataset>.zip)")
	cmd.Flags().BoolVar(&opts.Encrypt, "encrypt", false, "encrypt the archive even if the manifest policy is off")

	return cmd
}

func runPack(opts *PackOptions, cmd *cobra.Command) error {
	m, err := record.LoadManifest(opts.PackDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load manifest", err)
	}
	if err := m.ValidateFor(record.OpPack); err != nil {
		return WrapExitError(ExitCommandError, "invalid manifest", err)
	}

	out := opts.Out
	if out == "" {
		out = m.DatasetName + ".zip"
	}

	passphrase := ""
	if opts.Encrypt || m.EncryptionPolicy.Enabled {
		keyEnv := m.EncryptionPolicy.KeySource
		if keyEnv == "" {
			keyEnv = "PACKMIRROR_KEY"
		}
		passphrase = os.Getenv(keyEnv)
		if passphrase == "" {
			return &ExitError{Code: ExitCommandError, Message: "encryption requested but " + keyEnv + " is empty"}
		}
	}

	if err := archive.Pack(opts.PackDir, out, passphrase); err != nil {
		return WrapExitError(ExitCommandError, "failed to write archive", err)
	}

	sealed := ""
	if passphrase != "" {
		sealed = " (encrypted)"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s%s\n", out, sealed)
	return nil
}
