package engine

import (
	"time"

	"github.com/interchange-dev/packmirror/internal/record"
)

// Side names one end of the interchange.
type Side string

const (
	SidePack Side = "json"
	SideSQL  Side = "sql"
)

// ConflictSide identifies one side's representative record in a conflict.
type ConflictSide struct {
	ExchangeID string    `json:"exchange_id"`
	Hash       string    `json:"hash"`
	ObservedAt time.Time `json:"observed_at_utc"`
}

// Conflict is a natural key whose content hashes differ on both sides.
type Conflict struct {
	NaturalKey string       `json:"natural_key"`
	Pack       ConflictSide `json:"json"`
	SQL        ConflictSide `json:"sql"`

	// Winner is the side whose record was kept, empty when the run
	// aborted under the fail strategy.
	Winner Side `json:"winner,omitempty"`
}

// DirectionCounts tallies one direction of a run.
type DirectionCounts struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// SyncReport is the structured, deterministic outcome of an
// import/export/sync run.
type SyncReport struct {
	Direction record.Direction `json:"direction"`
	Strategy  record.Strategy  `json:"conflict_strategy"`
	DryRun    bool             `json:"dry_run"`

	JSONToSQL DirectionCounts `json:"json_to_sql"`
	SQLToJSON DirectionCounts `json:"sql_to_json"`

	Conflicts []Conflict `json:"conflicts"`
	Errors    []string   `json:"errors"`

	PackRecordsBefore int `json:"pack_records_before"`
	PackRecordsAfter  int `json:"pack_records_after"`
	SQLRowsBefore     int `json:"sql_rows_before"`
	SQLRowsAfter      int `json:"sql_rows_after"`

	ElapsedMS int64 `json:"elapsed_ms"`
}

// TotalWrites reports how many mutations the run performed (or would
// perform, under dry-run). Zero on the second of two back-to-back runs.
func (r *SyncReport) TotalWrites() int {
	return r.JSONToSQL.Inserted + r.JSONToSQL.Updated +
		r.SQLToJSON.Inserted + r.SQLToJSON.Updated
}
