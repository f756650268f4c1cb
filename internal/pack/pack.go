// Package pack implements the on-disk dataset format: a manifest, an
// append-only NDJSON index, and date-partitioned append-only record
// chunks. Records are never mutated in place; corrections are new
// records with a later observed_at_utc and the same natural key.
package pack

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/interchange-dev/packmirror/internal/record"
)

const (
	// IndexFileName is the append-only index inside a pack directory.
	IndexFileName = "index.jsonl"

	// RecordsDirName holds the chunk shards, partitioned records/yyyy/yyyy-mm-dd.
	RecordsDirName = "records"

	// DefaultChunkRecordLimit rotates a chunk after this many records.
	DefaultChunkRecordLimit = 1000
)

// Init creates a pack directory: manifest.json, an empty index, and the
// records tree. Fails if the directory already holds a manifest.
func Init(dir string, m record.Manifest) error {
	if err := m.ValidateFor(record.OpInit); err != nil {
		return err
	}

	manifestPath := filepath.Join(dir, record.ManifestFileName)
	if _, err := os.Stat(manifestPath); err == nil {
		return fmt.Errorf("pack already initialized: %s exists", manifestPath)
	}

	if err := os.MkdirAll(filepath.Join(dir, RecordsDirName), 0o755); err != nil {
		return record.WrapStorageIO("create records directory", err)
	}
	if err := m.SaveManifest(dir); err != nil {
		return err
	}

	indexPath := filepath.Join(dir, IndexFileName)
	f, err := os.OpenFile(indexPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return record.WrapStorageIO("create index", err)
	}
	return f.Close()
}

// chunkRelPath returns the chunk path relative to the pack root for a
// record's observed date and a chunk sequence number. Partitioning by
// observed_at_utc (not wall clock) keeps re-writes of the same records
// byte-reproducible.
func chunkRelPath(rec record.ExchangeRecord, seq int) string {
	day := rec.ObservedAt.UTC().Format("2006-01-02")
	year := rec.ObservedAt.UTC().Format("2006")
	return filepath.Join(RecordsDirName, year, day, fmt.Sprintf("chunk-%04d.ndjson", seq))
}
