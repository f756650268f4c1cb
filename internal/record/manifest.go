package record

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Direction selects which way records flow during a sync.
type Direction string

const (
	DirectionJSONToSQL     Direction = "json_to_sql"
	DirectionSQLToJSON     Direction = "sql_to_json"
	DirectionBidirectional Direction = "bidirectional"
)

// ParseDirection validates a direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionJSONToSQL, DirectionSQLToJSON, DirectionBidirectional:
		return Direction(s), nil
	default:
		return "", fmt.Errorf("invalid direction %q: must be one of json_to_sql, sql_to_json, bidirectional", s)
	}
}

// Strategy selects how natural-key conflicts are resolved.
type Strategy string

const (
	StrategyPreferNewest Strategy = "prefer_newest"
	StrategyPreferSQL    Strategy = "prefer_sql"
	StrategyPreferJSON   Strategy = "prefer_json"
	StrategyFail         Strategy = "fail"
)

// ParseStrategy validates a conflict strategy string.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyPreferNewest, StrategyPreferSQL, StrategyPreferJSON, StrategyFail:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("invalid conflict strategy %q: must be one of prefer_newest, prefer_sql, prefer_json, fail", s)
	}
}

// SQLTarget describes the mirror table a dataset syncs against.
type SQLTarget struct {
	Schema           string `json:"schema" yaml:"schema"`
	Table            string `json:"table" yaml:"table"`
	NaturalKeyColumn string `json:"natural_key_column" yaml:"natural_key_column"`
	HashColumn       string `json:"hash_column" yaml:"hash_column"`
}

// SyncPolicy carries per-dataset sync defaults.
type SyncPolicy struct {
	DirectionDefault Direction `json:"direction_default" yaml:"direction_default"`
	ConflictStrategy Strategy  `json:"conflict_strategy" yaml:"conflict_strategy"`
}

// RedactionPolicy configures pre-hash scrubbing.
type RedactionPolicy struct {
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	HeadersToRedact []string `json:"headers_to_redact" yaml:"headers_to_redact"`
	Patterns        []string `json:"patterns" yaml:"patterns"`
}

// EncryptionPolicy configures archive encryption. The key itself is
// supplied out-of-band (key_source names an environment variable) and is
// never embedded in the archive or manifest.
type EncryptionPolicy struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Algorithm string `json:"algorithm" yaml:"algorithm"`
	KeySource string `json:"key_source" yaml:"key_source"`
}

// Manifest is the per-dataset configuration. Loaded once per operation
// and passed by construction into every component; immutable for the
// duration of that operation.
type Manifest struct {
	DatasetName      string           `json:"dataset_name" yaml:"dataset_name"`
	Description      string           `json:"description" yaml:"description"`
	Owner            string           `json:"owner" yaml:"owner"`
	ExchangeType     string           `json:"exchange_type" yaml:"exchange_type"`
	SourceSystem     string           `json:"source_system" yaml:"source_system"`
	EntityType       string           `json:"entity_type" yaml:"entity_type"`
	SQLTarget        SQLTarget        `json:"sql_target" yaml:"sql_target"`
	SyncPolicy       SyncPolicy       `json:"sync_policy" yaml:"sync_policy"`
	RedactionPolicy  RedactionPolicy  `json:"redaction_policy" yaml:"redaction_policy"`
	EncryptionPolicy EncryptionPolicy `json:"encryption_policy" yaml:"encryption_policy"`
}

// DefaultManifest returns a manifest with the documented defaults:
// bidirectional sync, prefer_newest conflicts, redaction enabled,
// encryption disabled.
func DefaultManifest(datasetName, exchangeType, sourceSystem, entityType string) Manifest {
	return Manifest{
		DatasetName:  datasetName,
		ExchangeType: exchangeType,
		SourceSystem: sourceSystem,
		EntityType:   entityType,
		SQLTarget: SQLTarget{
			Schema:           "main",
			Table:            "exchange_records",
			NaturalKeyColumn: "natural_key",
			HashColumn:       "content_sha256",
		},
		SyncPolicy: SyncPolicy{
			DirectionDefault: DirectionBidirectional,
			ConflictStrategy: StrategyPreferNewest,
		},
		RedactionPolicy: RedactionPolicy{
			Enabled: true,
		},
		EncryptionPolicy: EncryptionPolicy{
			Enabled:   false,
			Algorithm: "age-scrypt",
			KeySource: "PACKMIRROR_KEY",
		},
	}
}

// Operation names a manifest-consuming operation for validation.
type Operation string

const (
	OpInit   Operation = "init"
	OpImport Operation = "import"
	OpExport Operation = "export"
	OpSync   Operation = "sync"
	OpPack   Operation = "pack"
	OpUnpack Operation = "unpack"
)

// sqlOperations are the operations that touch the SQL mirror.
var sqlOperations = map[Operation]bool{
	OpImport: true,
	OpExport: true,
	OpSync:   true,
}

// ValidateFor checks the fields required by op and fails closed before
// any storage I/O. Unrecognized extra fields in the manifest file are
// ignored on load (fail-open for forward compatibility).
func (m Manifest) ValidateFor(op Operation) error {
	if m.DatasetName == "" {
		return NewManifestInvalid("dataset_name is required")
	}

	if sqlOperations[op] {
		switch {
		case m.SQLTarget.Table == "":
			return NewManifestInvalid(fmt.Sprintf("sql_target.table is required for %s", op))
		case m.SQLTarget.NaturalKeyColumn == "":
			return NewManifestInvalid(fmt.Sprintf("sql_target.natural_key_column is required for %s", op))
		case m.SQLTarget.HashColumn == "":
			return NewManifestInvalid(fmt.Sprintf("sql_target.hash_column is required for %s", op))
		}
		if m.SyncPolicy.DirectionDefault != "" {
			if _, err := ParseDirection(string(m.SyncPolicy.DirectionDefault)); err != nil {
				return NewManifestInvalid(err.Error())
			}
		}
		if m.SyncPolicy.ConflictStrategy != "" {
			if _, err := ParseStrategy(string(m.SyncPolicy.ConflictStrategy)); err != nil {
				return NewManifestInvalid(err.Error())
			}
		}
	}

	if (op == OpPack || op == OpUnpack) && m.EncryptionPolicy.Enabled {
		if m.EncryptionPolicy.KeySource == "" {
			return NewManifestInvalid(fmt.Sprintf("encryption_policy.key_source is required for encrypted %s", op))
		}
	}

	return nil
}

// ManifestFileName is the manifest's location inside a pack directory.
const ManifestFileName = "manifest.json"

// LoadManifest reads and parses {dir}/manifest.json. Unknown fields are
// tolerated; missing required fields surface later via ValidateFor.
func LoadManifest(dir string) (Manifest, error) {
	path := filepath.Join(dir, ManifestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, WrapStorageIO(fmt.Sprintf("read manifest %s", path), err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, NewManifestInvalid(fmt.Sprintf("parse %s: %v", path, err))
	}
	return m, nil
}

// SaveManifest writes {dir}/manifest.json with stable indentation.
func (m Manifest) SaveManifest(dir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(dir, ManifestFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return WrapStorageIO(fmt.Sprintf("write manifest %s", path), err)
	}
	return nil
}
