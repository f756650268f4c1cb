// Package engine implements bidirectional reconciliation between a pack
// and its SQL mirror. All insert/skip/conflict decisions are derived
// from content hashes, never from a resume cursor, so an interrupted run
// converges to the same end state when re-run.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/interchange-dev/packmirror/internal/logger"
	"github.com/interchange-dev/packmirror/internal/mirror"
	"github.com/interchange-dev/packmirror/internal/pack"
	"github.com/interchange-dev/packmirror/internal/record"
)

// DefaultBatchSize bounds the records per SQL transaction. Batches are
// short-lived so long syncs stay interruptible between them.
const DefaultBatchSize = 100

// Options configures one sync run.
type Options struct {
	Direction record.Direction
	Strategy  record.Strategy
	DryRun    bool
	BatchSize int
}

// Engine reconciles one pack directory with one SQL mirror.
type Engine struct {
	dir    string
	reader *pack.Reader
	writer *pack.Writer
	mirror *mirror.Mirror
}

// New creates an engine over an initialized pack and an open mirror.
func New(packDir string, m *mirror.Mirror) *Engine {
	return &Engine{
		dir:    packDir,
		reader: pack.NewReader(packDir),
		writer: pack.NewWriter(packDir),
		mirror: m,
	}
}

// summary is one side's membership entry.
type summary struct {
	hash       string
	key        string
	exchangeID string
	observedAt time.Time
}

// membership is one side's decision state: hash set plus newest record
// per composite key.
type membership struct {
	byHash map[string]summary
	// newestByKey tracks the newest record per composite key, used both
	// for conflict representatives and the supersession check.
	newestByKey map[string]summary
	// hashesByKey is every hash a key maps to on this side.
	hashesByKey map[string]map[string]bool
}

func newMembership() *membership {
	return &membership{
		byHash:      make(map[string]summary),
		newestByKey: make(map[string]summary),
		hashesByKey: make(map[string]map[string]bool),
	}
}

func (m *membership) add(s summary) {
	m.byHash[s.hash] = s
	if s.key == "" {
		return
	}
	if m.hashesByKey[s.key] == nil {
		m.hashesByKey[s.key] = make(map[string]bool)
	}
	m.hashesByKey[s.key][s.hash] = true

	cur, ok := m.newestByKey[s.key]
	if !ok || newer(s, cur) {
		m.newestByKey[s.key] = s
	}
}

// newer applies the deterministic ordering: later observed_at_utc wins,
// ties broken by lexical exchange_id.
func newer(a, b summary) bool {
	if !a.observedAt.Equal(b.observedAt) {
		return a.observedAt.After(b.observedAt)
	}
	return a.exchangeID > b.exchangeID
}

// Sync runs the reconciliation. The returned report is always non-nil;
// under the fail strategy a detected conflict is returned as a
// ConflictUnresolved error alongside the report, with already-applied
// unambiguous inserts left standing.
func (e *Engine) Sync(ctx context.Context, opts Options) (*SyncReport, error) {
	start := time.Now()
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	report := &SyncReport{
		Direction: opts.Direction,
		Strategy:  opts.Strategy,
		DryRun:    opts.DryRun,
		Conflicts: []Conflict{},
		Errors:    []string{},
	}

	toSQL := opts.Direction == record.DirectionJSONToSQL || opts.Direction == record.DirectionBidirectional
	toPack := opts.Direction == record.DirectionSQLToJSON || opts.Direction == record.DirectionBidirectional

	// Step 1: hash-keyed membership for both sides.
	packSide, sqlSide, packCount, sqlCount, err := e.memberships(ctx)
	if err != nil {
		return report, err
	}
	report.PackRecordsBefore = packCount
	report.SQLRowsBefore = sqlCount
	logger.Debug("membership: pack=%d sql=%d", len(packSide.byHash), len(sqlSide.byHash))

	// Step 3 (detection before application so conflicting hashes are
	// excluded from the unambiguous sets): keys whose hash sets differ
	// on both sides.
	conflictKeys := detectConflictKeys(packSide, sqlSide)
	conflictHash := make(map[string]bool)
	for _, k := range conflictKeys {
		for h := range exclusiveHashes(packSide, sqlSide, k) {
			conflictHash[h] = true
		}
		for h := range exclusiveHashes(sqlSide, packSide, k) {
			conflictHash[h] = true
		}
	}

	// Step 2: one-sided hashes outside conflict keys are unambiguous.
	insertToSQL, skippedToSQL := planInserts(packSide, sqlSide, conflictHash)
	insertToPack, skippedToPack := planInserts(sqlSide, packSide, conflictHash)

	if toSQL {
		report.JSONToSQL.Skipped = skippedToSQL
		if err := e.applyToSQL(ctx, insertToSQL, opts, &report.JSONToSQL); err != nil {
			report.Errors = append(report.Errors, err.Error())
			return e.finish(ctx, report, start, opts)
		}
	}
	if toPack {
		report.SQLToJSON.Skipped = skippedToPack
		if err := e.applyToPack(ctx, insertToPack, opts, &report.SQLToJSON); err != nil {
			report.Errors = append(report.Errors, err.Error())
			return e.finish(ctx, report, start, opts)
		}
	}

	// Conflict resolution phase.
	for _, key := range conflictKeys {
		conflict := buildConflict(key, packSide, sqlSide)

		if opts.Strategy == record.StrategyFail {
			// First conflict aborts the remainder of this phase; the
			// unambiguous inserts above stand.
			report.Conflicts = append(report.Conflicts, conflict)
			rpt, ferr := e.finish(ctx, report, start, opts)
			if ferr != nil {
				return rpt, ferr
			}
			return rpt, record.NewConflictUnresolved(key, conflict.Pack.ExchangeID, conflict.SQL.ExchangeID)
		}

		winner := resolve(opts.Strategy, conflict)
		conflict.Winner = winner
		report.Conflicts = append(report.Conflicts, conflict)

		if err := e.applyResolution(ctx, conflict, winner, toSQL, toPack, opts, report); err != nil {
			report.Errors = append(report.Errors, err.Error())
			return e.finish(ctx, report, start, opts)
		}
	}

	return e.finish(ctx, report, start, opts)
}

// memberships builds both sides' decision sets. The pack side streams
// lazily; only summaries are retained.
func (e *Engine) memberships(ctx context.Context) (*membership, *membership, int, int, error) {
	packSide := newMembership()
	packCount := 0
	err := e.reader.All(func(rec record.ExchangeRecord) error {
		packCount++
		packSide.add(summary{
			hash:       rec.ContentSHA256,
			key:        rec.CompositeKey(),
			exchangeID: rec.ExchangeID,
			observedAt: rec.ObservedAt,
		})
		return nil
	})
	if err != nil {
		return nil, nil, 0, 0, err
	}

	sqlSide := newMembership()
	sums, err := e.mirror.Summaries(ctx)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	for _, s := range sums {
		sqlSide.add(summary{
			hash:       s.Hash,
			key:        s.Key,
			exchangeID: s.ExchangeID,
			observedAt: s.ObservedAt,
		})
	}
	return packSide, sqlSide, packCount, len(sqlSide.byHash), nil
}

// detectConflictKeys returns, in sorted order for determinism, every
// composite key holding hashes exclusive to each side.
func detectConflictKeys(packSide, sqlSide *membership) []string {
	var keys []string
	for key := range packSide.hashesByKey {
		if _, ok := sqlSide.hashesByKey[key]; !ok {
			continue
		}
		// A key whose newest record is already shared is settled: the
		// remaining one-sided hashes are superseded history, not a
		// divergence, and planInserts skips them for the same reason.
		if packSide.newestByKey[key].hash == sqlSide.newestByKey[key].hash {
			continue
		}
		if len(exclusiveHashes(packSide, sqlSide, key)) > 0 &&
			len(exclusiveHashes(sqlSide, packSide, key)) > 0 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// exclusiveHashes returns the hashes side a holds for key that side b
// does not hold at all (any key).
func exclusiveHashes(a, b *membership, key string) map[string]bool {
	out := make(map[string]bool)
	for h := range a.hashesByKey[key] {
		if _, ok := b.byHash[h]; !ok {
			out[h] = true
		}
	}
	return out
}

// planInserts splits source-side hashes into inserts and skips from the
// target's point of view. A hash already on the target is a skip. A
// one-sided hash whose key is already represented on the target by a
// strictly newer record is superseded and skipped too — that is what
// makes a resolved conflict idempotent on the next run.
func planInserts(source, target *membership, conflictHash map[string]bool) (inserts map[string]bool, skipped int) {
	inserts = make(map[string]bool)
	for h, s := range source.byHash {
		if _, ok := target.byHash[h]; ok {
			skipped++
			continue
		}
		if conflictHash[h] {
			continue // resolved by the conflict phase
		}
		if s.key != "" {
			if newest, ok := target.newestByKey[s.key]; ok && newer(newest, s) {
				skipped++
				continue
			}
		}
		inserts[h] = true
	}
	return inserts, skipped
}

// buildConflict captures both sides' representative (newest exclusive)
// records for a conflicted key.
func buildConflict(key string, packSide, sqlSide *membership) Conflict {
	packRep := newestOf(packSide, exclusiveHashes(packSide, sqlSide, key))
	sqlRep := newestOf(sqlSide, exclusiveHashes(sqlSide, packSide, key))
	return Conflict{
		NaturalKey: key,
		Pack: ConflictSide{
			ExchangeID: packRep.exchangeID,
			Hash:       packRep.hash,
			ObservedAt: packRep.observedAt,
		},
		SQL: ConflictSide{
			ExchangeID: sqlRep.exchangeID,
			Hash:       sqlRep.hash,
			ObservedAt: sqlRep.observedAt,
		},
	}
}

func newestOf(side *membership, hashes map[string]bool) summary {
	var best summary
	found := false
	for h := range hashes {
		s := side.byHash[h]
		if !found || newer(s, best) {
			best = s
			found = true
		}
	}
	return best
}

// resolve picks the winning side under the given strategy.
func resolve(strategy record.Strategy, c Conflict) Side {
	switch strategy {
	case record.StrategyPreferSQL:
		return SideSQL
	case record.StrategyPreferJSON:
		return SidePack
	default: // prefer_newest
		a := summary{exchangeID: c.Pack.ExchangeID, observedAt: c.Pack.ObservedAt}
		b := summary{exchangeID: c.SQL.ExchangeID, observedAt: c.SQL.ObservedAt}
		if newer(a, b) {
			return SidePack
		}
		return SideSQL
	}
}

// applyResolution copies the winning record to the losing side, counted
// as an update on that direction. The loser is left in place: history is
// preserved, supersession is by a newer record, not deletion.
func (e *Engine) applyResolution(ctx context.Context, c Conflict, winner Side, toSQL, toPack bool, opts Options, report *SyncReport) error {
	switch winner {
	case SidePack:
		if !toSQL {
			report.JSONToSQL.Skipped++
			return nil
		}
		report.JSONToSQL.Updated++
		if opts.DryRun {
			return nil
		}
		rec, found, err := e.reader.FindByHash(c.Pack.Hash)
		if err != nil {
			return err
		}
		if !found {
			return record.WrapStorageIO("conflict winner vanished from pack", fmt.Errorf("hash %s", c.Pack.Hash))
		}
		_, err = e.mirror.Upsert(ctx, rec)
		return err

	default: // SideSQL
		if !toPack {
			report.SQLToJSON.Skipped++
			return nil
		}
		report.SQLToJSON.Updated++
		if opts.DryRun {
			return nil
		}
		var winnerRec record.ExchangeRecord
		found := false
		err := e.mirror.Scan(ctx, mirror.Filter{}, func(rec record.ExchangeRecord) error {
			if rec.ContentSHA256 == c.SQL.Hash {
				winnerRec = rec
				found = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !found {
			return record.WrapStorageIO("conflict winner vanished from mirror", fmt.Errorf("hash %s", c.SQL.Hash))
		}
		return e.writer.Append(winnerRec)
	}
}

// applyToSQL streams the pack once more and upserts the planned hashes
// in short-lived batched transactions.
func (e *Engine) applyToSQL(ctx context.Context, inserts map[string]bool, opts Options, counts *DirectionCounts) error {
	if len(inserts) == 0 {
		return nil
	}
	if opts.DryRun {
		counts.Inserted = len(inserts)
		return nil
	}

	batch := make([]record.ExchangeRecord, 0, opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := e.mirror.UpsertBatch(ctx, batch)
		if err != nil {
			return err
		}
		counts.Inserted += n
		logger.Debug("json_to_sql: committed batch of %d", len(batch))
		batch = batch[:0]
		return nil
	}

	err := e.reader.All(func(rec record.ExchangeRecord) error {
		if !inserts[rec.ContentSHA256] {
			return nil
		}
		delete(inserts, rec.ContentSHA256) // duplicates within the pack insert once
		batch = append(batch, rec)
		if len(batch) >= opts.BatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// applyToPack streams the mirror and appends the planned hashes to the
// pack.
func (e *Engine) applyToPack(ctx context.Context, inserts map[string]bool, opts Options, counts *DirectionCounts) error {
	if len(inserts) == 0 {
		return nil
	}
	if opts.DryRun {
		counts.Inserted = len(inserts)
		return nil
	}

	return e.mirror.Scan(ctx, mirror.Filter{}, func(rec record.ExchangeRecord) error {
		if !inserts[rec.ContentSHA256] {
			return nil
		}
		delete(inserts, rec.ContentSHA256)
		if err := e.writer.Append(rec); err != nil {
			return err
		}
		counts.Inserted++
		return nil
	})
}

// finish stamps elapsed time and post-run counts.
func (e *Engine) finish(ctx context.Context, report *SyncReport, start time.Time, opts Options) (*SyncReport, error) {
	if opts.DryRun {
		report.PackRecordsAfter = report.PackRecordsBefore
		report.SQLRowsAfter = report.SQLRowsBefore
	} else {
		n, err := e.reader.Count()
		if err != nil {
			return report, err
		}
		report.PackRecordsAfter = n

		rows, err := e.mirror.Count(ctx)
		if err != nil {
			return report, err
		}
		report.SQLRowsAfter = rows
	}

	report.ElapsedMS = time.Since(start).Milliseconds()
	return report, nil
}
