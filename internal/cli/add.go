package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/interchange-dev/packmirror/internal/canon"
	"github.com/interchange-dev/packmirror/internal/logger"
	"github.com/interchange-dev/packmirror/internal/pack"
	"github.com/interchange-dev/packmirror/internal/record"
	"github.com/interchange-dev/packmirror/internal/redact"
)

// AddOptions holds flags for the add command.
type AddOptions struct {
	*RootOptions
	NaturalKey   string
	RequestFile  string
	ResponseFile string
	Tags         []string
	Runner       string
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Capture one exchange record into the pack",
		Long: `Capture a request/response pair as a new exchange record. The record
takes its exchange_type, source_system, and entity_type from the pack
manifest. When the manifest redaction policy is enabled, secrets are
scrubbed from both payloads before the content hash is computed, and the
rules that fired are listed in redactions_applied.

Use - to read a payload from stdin.

Exit codes:
  0 - Record appended
  2 - Command error (missing pack, invalid JSON, write failure)

Examples:
  packmirror add --pack ./orders --key order-17 --request req.json --response resp.json
  cat resp.json | packmirror add --pack ./orders --key order-17 --request req.json --response -`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdd(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.NaturalKey, "key", "", "natural key of the captured entity")
	cmd.Flags().StringVar(&opts.RequestFile, "request", "", "request payload JSON file, or - for stdin (required)")
	cmd.Flags().StringVar(&opts.ResponseFile, "response", "", "response payload JSON file, or - for stdin (required)")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "tag to attach (repeatable)")
	cmd.Flags().StringVar(&opts.Runner, "runner", "", "provenance runner label")
	_ = cmd.MarkFlagRequired("request")
	_ = cmd.MarkFlagRequired("response")

	return cmd
}

func runAdd(opts *AddOptions, cmd *cobra.Command) error {
	m, err := record.LoadManifest(opts.PackDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load manifest", err)
	}

	request, err := readPayload(opts.RequestFile, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read request payload", err)
	}
	response, err := readPayload(opts.ResponseFile, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read response payload", err)
	}

	// Redact before the record exists so the hash only ever covers
	// scrubbed content.
	var applied []string
	if m.RedactionPolicy.Enabled {
		redactor, err := redact.New(m.RedactionPolicy)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid redaction policy", err)
		}
		var reqMatches, respMatches []redact.Match
		request, reqMatches = redactor.Apply(request)
		response, respMatches = redactor.Apply(response)
		matches := append(reqMatches, respMatches...)
		applied = redact.RuleNames(matches)
		if logger.IsVerbose() {
			for _, match := range matches {
				logger.Debug("redacted %s at %s", match.Rule, match.Path)
			}
		}
	}

	host, _ := os.Hostname()
	rec, err := record.New(m.ExchangeType, m.SourceSystem, m.EntityType, opts.NaturalKey,
		request, response, record.Provenance{Runner: opts.Runner, Host: host})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build record", err)
	}
	rec.Tags = opts.Tags
	rec.RedactionsApplied = applied

	if err := pack.NewWriter(opts.PackDir).Append(rec); err != nil {
		return WrapExitError(ExitCommandError, "failed to append record", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", rec.ExchangeID, shortHash(rec.ContentSHA256))
	if len(applied) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Redactions applied: %v\n", applied)
	}
	return nil
}

func readPayload(path string, stdin io.Reader) (canon.Value, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return canon.FromJSON(data)
}
