package cli

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interchange-dev/packmirror/internal/engine"
	"github.com/interchange-dev/packmirror/internal/record"
)

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"explicit exit error", &ExitError{Code: ExitFailure, Message: "boom"}, ExitFailure},
		{"wrapped exit error", WrapExitError(ExitCommandError, "open", errors.New("no such file")), ExitCommandError},
		{"conflict unresolved", record.NewConflictUnresolved("erp|order|o-1", "a", "b"), ExitFailure},
		{"hash mismatch", record.NewHashMismatch("a", "x", "y"), ExitFailure},
		{"decryption failed", record.NewDecryptionFailed(errors.New("bad mac")), ExitFailure},
		{"storage io", record.WrapStorageIO("write chunk", errors.New("disk full")), ExitCommandError},
		{"plain error", errors.New("anything"), ExitCommandError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestExitErrorUnwrap(t *testing.T) {
	inner := record.NewHashMismatch("a", "x", "y")
	err := WrapExitError(ExitCommandError, "verify", inner)

	assert.True(t, record.IsHashMismatch(err))
	assert.Contains(t, err.Error(), "verify")
}

func TestPrintReportText(t *testing.T) {
	report := &engine.SyncReport{
		Direction: record.DirectionBidirectional,
		Strategy:  record.StrategyPreferNewest,
		JSONToSQL: engine.DirectionCounts{Inserted: 2, Skipped: 1},
		SQLToJSON: engine.DirectionCounts{Inserted: 1},
		Conflicts: []engine.Conflict{{
			NaturalKey: "erp|order|o-1",
			Pack:       engine.ConflictSide{ExchangeID: "p-1", Hash: "aaaaaaaaaaaaaaaa"},
			SQL:        engine.ConflictSide{ExchangeID: "s-1", Hash: "bbbbbbbbbbbbbbbb"},
			Winner:     engine.SidePack,
		}},
	}

	buf := &bytes.Buffer{}
	require.NoError(t, printReport(buf, report, false))

	out := buf.String()
	assert.Contains(t, out, "json_to_sql: inserted=2 updated=0 skipped=1")
	assert.Contains(t, out, "winner=json")
	assert.Contains(t, out, "aaaaaaaaaaaa", "hashes are shortened")
	assert.NotContains(t, out, "aaaaaaaaaaaaaaaa")
}
