package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/interchange-dev/packmirror/internal/engine"
	"github.com/interchange-dev/packmirror/internal/record"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // successful execution
	ExitFailure      = 1 // data-level failure (unresolved conflict, integrity error)
	ExitCommandError = 2 // command error (bad flags, missing pack, storage failure)
)

// ExitError carries a specific exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Errors carrying a
// taxonomy code map data-level categories to ExitFailure and storage
// categories to ExitCommandError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch record.CodeOf(err) {
	case record.CodeConflictUnresolved, record.CodeHashMismatch, record.CodeDecryptionFailed:
		return ExitFailure
	default:
		return ExitCommandError
	}
}

// printReport renders a SyncReport, machine-readable when asJSON is set.
func printReport(w io.Writer, report *engine.SyncReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	mode := "sync"
	if report.DryRun {
		mode = "dry-run sync"
	}
	fmt.Fprintf(w, "%s complete (%s, %s) in %dms\n", mode, report.Direction, report.Strategy, report.ElapsedMS)
	fmt.Fprintf(w, "  json_to_sql: inserted=%d updated=%d skipped=%d\n",
		report.JSONToSQL.Inserted, report.JSONToSQL.Updated, report.JSONToSQL.Skipped)
	fmt.Fprintf(w, "  sql_to_json: inserted=%d updated=%d skipped=%d\n",
		report.SQLToJSON.Inserted, report.SQLToJSON.Updated, report.SQLToJSON.Skipped)
	fmt.Fprintf(w, "  pack records: %d -> %d, sql rows: %d -> %d\n",
		report.PackRecordsBefore, report.PackRecordsAfter,
		report.SQLRowsBefore, report.SQLRowsAfter)

	for _, c := range report.Conflicts {
		if c.Winner == "" {
			fmt.Fprintf(w, "  conflict %s: json=%s(%s) sql=%s(%s) UNRESOLVED\n",
				c.NaturalKey, c.Pack.ExchangeID, shortHash(c.Pack.Hash), c.SQL.ExchangeID, shortHash(c.SQL.Hash))
			continue
		}
		fmt.Fprintf(w, "  conflict %s: json=%s(%s) sql=%s(%s) winner=%s\n",
			c.NaturalKey, c.Pack.ExchangeID, shortHash(c.Pack.Hash), c.SQL.ExchangeID, shortHash(c.SQL.Hash), c.Winner)
	}
	for _, e := range report.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
