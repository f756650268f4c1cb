package cli

import (
	"os"

	"github.com/interchange-dev/packmirror/internal/mirror"
	"github.com/interchange-dev/packmirror/internal/record"
)

// DatabaseEnv is the environment fallback for the --db flag.
const DatabaseEnv = "PACKMIRROR_DB"

// resolveDatabase returns the mirror database path from the flag or the
// PACKMIRROR_DB environment variable.
func resolveDatabase(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := os.Getenv(DatabaseEnv); env != "" {
		return env, nil
	}
	return "", &ExitError{Code: ExitCommandError, Message: "no database given: pass --db or set " + DatabaseEnv}
}

// openMirror loads the pack manifest, validates it for op, and opens the
// SQL mirror. The caller owns Close on the returned mirror.
func openMirror(packDir, dbFlag string, op record.Operation) (record.Manifest, *mirror.Mirror, error) {
	m, err := record.LoadManifest(packDir)
	if err != nil {
		return record.Manifest{}, nil, WrapExitError(ExitCommandError, "failed to load manifest", err)
	}
	if err := m.ValidateFor(op); err != nil {
		return record.Manifest{}, nil, WrapExitError(ExitCommandError, "invalid manifest", err)
	}

	dbPath, err := resolveDatabase(dbFlag)
	if err != nil {
		return record.Manifest{}, nil, err
	}
	mir, err := mirror.Open(dbPath, m.SQLTarget)
	if err != nil {
		return record.Manifest{}, nil, WrapExitError(ExitCommandError, "failed to open mirror database", err)
	}
	return m, mir, nil
}
