// Package mirror is the relational side of the interchange engine: one
// row per exchange_id in a SQLite table, unique on content hash. Rows
// are never content-updated in place and never deleted; superseding
// records preserve history.
package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/interchange-dev/packmirror/internal/record"
)

// identRe constrains SQL identifiers taken from the manifest. Anything
// else is rejected before a statement is built.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Mirror wraps a SQLite database holding the mirror table described by a
// manifest's sql_target.
type Mirror struct {
	db      *sql.DB
	table   string
	keyCol  string
	hashCol string
}

// Open creates or opens the SQLite database at path and ensures the
// mirror table and its indexes exist. Idempotent.
//
// The connection is configured the way a single-writer embedded store
// wants: WAL journal, NORMAL synchronous, busy timeout, one connection.
func Open(path string, target record.SQLTarget) (*Mirror, error) {
	for name, v := range map[string]string{
		"table":              target.Table,
		"natural_key_column": target.NaturalKeyColumn,
		"hash_column":        target.HashColumn,
	} {
		if !identRe.MatchString(v) {
			return nil, record.NewManifestInvalid(fmt.Sprintf("sql_target.%s %q is not a valid identifier", name, v))
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, record.WrapStorageIO("open database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, record.WrapStorageIO("connect to database", err)
	}

	// SQLite allows one writer at a time; a single pooled connection
	// avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	m := &Mirror{
		db:      db,
		table:   target.Table,
		keyCol:  target.NaturalKeyColumn,
		hashCol: target.HashColumn,
	}

	if err := m.applyPragmas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := m.applySchema(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// Close closes the database connection.
func (m *Mirror) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

func (m *Mirror) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := m.db.Exec(pragma); err != nil {
			return record.WrapStorageIO(fmt.Sprintf("apply %s", pragma), err)
		}
	}
	return nil
}

// applySchema creates the mirror table and required indexes: unique on
// the hash column, non-unique on (source_system, entity_type, key) where
// the key is present.
func (m *Mirror) applySchema() error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    exchange_id     TEXT PRIMARY KEY,
    exchange_type   TEXT NOT NULL,
    source_system   TEXT NOT NULL,
    entity_type     TEXT NOT NULL,
    %[2]s           TEXT,
    observed_at_utc TEXT NOT NULL,
    %[3]s           TEXT NOT NULL,
    payload_json    TEXT NOT NULL,
    schema_version  INTEGER NOT NULL,
    created_at_utc  TEXT NOT NULL,
    updated_at_utc  TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_hash ON %[1]s(%[3]s);
CREATE INDEX IF NOT EXISTS idx_%[1]s_key ON %[1]s(source_system, entity_type, %[2]s)
    WHERE %[2]s IS NOT NULL;
`, m.table, m.keyCol, m.hashCol)

	if _, err := m.db.Exec(ddl); err != nil {
		return record.WrapStorageIO("apply mirror schema", err)
	}
	return nil
}

// Upsert inserts a record when its content hash is absent. When a row
// with the same hash already exists, only updated_at_utc is touched —
// content is never overwritten here. Natural-key conflicts (same key,
// different hash) are the sync engine's job, never resolved silently at
// this layer.
func (m *Mirror) Upsert(ctx context.Context, rec record.ExchangeRecord) (bool, error) {
	return m.upsertOn(ctx, m.db, rec)
}

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (m *Mirror) upsertOn(ctx context.Context, db execer, rec record.ExchangeRecord) (bool, error) {
	payload, err := rec.EncodeLine()
	if err != nil {
		return false, err
	}

	var naturalKey any
	if rec.NaturalKey != "" {
		naturalKey = rec.NaturalKey
	}
	now := time.Now().UTC().Format(record.TimeLayout)

	insert := fmt.Sprintf(`
		INSERT INTO %s
		(exchange_id, exchange_type, source_system, entity_type, %s,
		 observed_at_utc, %s, payload_json, schema_version,
		 created_at_utc, updated_at_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, m.table, m.keyCol, m.hashCol)

	res, err := db.ExecContext(ctx, insert,
		rec.ExchangeID,
		rec.ExchangeType,
		rec.SourceSystem,
		rec.EntityType,
		naturalKey,
		rec.ObservedAt.UTC().Format(record.TimeLayout),
		rec.ContentSHA256,
		string(payload),
		rec.SchemaVersion,
		now,
		now,
	)
	if err != nil {
		return false, record.WrapStorageIO("upsert record "+rec.ExchangeID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, record.WrapStorageIO("upsert rows affected", err)
	}
	if n > 0 {
		return true, nil
	}

	// Duplicate hash: audit timestamp only.
	touch := fmt.Sprintf("UPDATE %s SET updated_at_utc = ? WHERE %s = ?", m.table, m.hashCol)
	if _, err := db.ExecContext(ctx, touch, now, rec.ContentSHA256); err != nil {
		return false, record.WrapStorageIO("touch record "+rec.ExchangeID, err)
	}
	return false, nil
}

// UpsertBatch applies a batch of upserts inside one short-lived
// transaction and returns how many inserted. A failed batch rolls back
// only itself; prior committed batches stand.
func (m *Mirror) UpsertBatch(ctx context.Context, recs []record.ExchangeRecord) (int, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, record.WrapStorageIO("begin batch", err)
	}

	inserted := 0
	for _, rec := range recs {
		ok, err := m.upsertOn(ctx, tx, rec)
		if err != nil {
			tx.Rollback()
			return 0, err
		}
		if ok {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, record.WrapStorageIO("commit batch", err)
	}
	return inserted, nil
}

// Summary is the membership view the sync engine builds its decision
// sets from: identity without payload.
type Summary struct {
	Hash       string
	Key        string
	ExchangeID string
	ObservedAt time.Time
}

// Summaries returns hash-keyed membership for the whole mirror. Rows are
// read in deterministic order so reports are stable.
func (m *Mirror) Summaries(ctx context.Context) (map[string]Summary, error) {
	query := fmt.Sprintf(`
		SELECT %s, source_system, entity_type, COALESCE(%s, ''), exchange_id, observed_at_utc
		FROM %s
		ORDER BY %s ASC
	`, m.hashCol, m.keyCol, m.table, m.hashCol)

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, record.WrapStorageIO("query summaries", err)
	}
	defer rows.Close()

	out := make(map[string]Summary)
	for rows.Next() {
		var s Summary
		var source, entity, naturalKey, observedAt string
		if err := rows.Scan(&s.Hash, &source, &entity, &naturalKey, &s.ExchangeID, &observedAt); err != nil {
			return nil, record.WrapStorageIO("scan summary", err)
		}
		if naturalKey != "" {
			s.Key = source + "|" + entity + "|" + naturalKey
		}
		s.ObservedAt, err = time.Parse(record.TimeLayout, observedAt)
		if err != nil {
			return nil, fmt.Errorf("summary %s: bad observed_at_utc %q: %w", s.ExchangeID, observedAt, err)
		}
		out[s.Hash] = s
	}
	if err := rows.Err(); err != nil {
		return nil, record.WrapStorageIO("iterate summaries", err)
	}
	return out, nil
}

// Filter narrows a Scan. Zero value scans everything.
type Filter struct {
	SourceSystem string
	EntityType   string
	NaturalKey   string
}

// Scan streams records from the mirror in deterministic order, decoding
// each row's payload_json back into the envelope. Lazy: one row in
// memory at a time.
func (m *Mirror) Scan(ctx context.Context, f Filter, fn func(record.ExchangeRecord) error) error {
	var conds []string
	var args []any
	if f.SourceSystem != "" {
		conds = append(conds, "source_system = ?")
		args = append(args, f.SourceSystem)
	}
	if f.EntityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	if f.NaturalKey != "" {
		conds = append(conds, m.keyCol+" = ?")
		args = append(args, f.NaturalKey)
	}

	query := fmt.Sprintf("SELECT payload_json FROM %s", m.table)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY observed_at_utc ASC, exchange_id ASC"

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return record.WrapStorageIO("scan mirror", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return record.WrapStorageIO("scan payload", err)
		}
		rec, err := record.DecodeLine([]byte(payload))
		if err != nil {
			return err
		}
		if err := rec.VerifyHash(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return record.WrapStorageIO("iterate mirror", err)
	}
	return nil
}

// Count returns the number of mirror rows.
func (m *Mirror) Count(ctx context.Context) (int, error) {
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", m.table)
	if err := m.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, record.WrapStorageIO("count mirror rows", err)
	}
	return n, nil
}
