package pack

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interchange-dev/packmirror/internal/canon"
	"github.com/interchange-dev/packmirror/internal/record"
)

var testDay = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func testManifest() record.Manifest {
	return record.DefaultManifest("captures", "api_capture", "wiki", "article")
}

func initTestPack(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, Init(dir, testManifest()))
	return dir
}

func newTestRecord(t *testing.T, naturalKey, body string) record.ExchangeRecord {
	t.Helper()
	rec, err := record.New(
		"api_capture", "wiki", "article", naturalKey,
		canon.Object{"url": canon.String("https://example.org/" + naturalKey)},
		canon.Object{"body": canon.String(body)},
		record.Provenance{Runner: "test"},
	)
	require.NoError(t, err)
	rec.ObservedAt = testDay
	return rec
}

func TestInitCreatesLayout(t *testing.T) {
	dir := initTestPack(t)

	assert.FileExists(t, filepath.Join(dir, record.ManifestFileName))
	assert.FileExists(t, filepath.Join(dir, IndexFileName))
	assert.DirExists(t, filepath.Join(dir, RecordsDirName))

	// Re-initializing an existing pack must fail.
	assert.Error(t, Init(dir, testManifest()))
}

func TestAppendWritesDatePartitionedChunk(t *testing.T) {
	dir := initTestPack(t)
	w := NewWriter(dir)

	rec := newTestRecord(t, "Q1", "one")
	require.NoError(t, w.Append(rec))

	chunkPath := filepath.Join(dir, "records", "2026", "2026-03-14", "chunk-0000.ndjson")
	assert.FileExists(t, chunkPath)

	data, err := os.ReadFile(chunkPath)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1], "lines are LF-terminated")

	// One index line with the short-key schema.
	idxData, err := os.ReadFile(filepath.Join(dir, IndexFileName))
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(idxData[:len(idxData)-1], &entry))
	assert.Equal(t, rec.ContentSHA256, entry["h"])
	assert.Equal(t, "wiki|article|Q1", entry["k"])
	assert.Equal(t, rec.ExchangeID, entry["id"])
	assert.Equal(t, "records/2026/2026-03-14/chunk-0000.ndjson", entry["f"])
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := initTestPack(t)
	w := NewWriter(dir)

	want := []record.ExchangeRecord{
		newTestRecord(t, "Q1", "one"),
		newTestRecord(t, "Q2", "two"),
		newTestRecord(t, "Q3", "three"),
	}
	for _, rec := range want {
		require.NoError(t, w.Append(rec))
	}

	var got []record.ExchangeRecord
	require.NoError(t, NewReader(dir).All(func(rec record.ExchangeRecord) error {
		got = append(got, rec)
		return nil
	}))

	require.Len(t, got, 3)
	for i := range want {
		assert.Equal(t, want[i].ExchangeID, got[i].ExchangeID)
		assert.Equal(t, want[i].ContentSHA256, got[i].ContentSHA256)
	}
}

func TestChunkRotation(t *testing.T) {
	dir := initTestPack(t)
	w := NewWriter(dir)
	w.SetChunkLimit(2)

	for i, key := range []string{"Q1", "Q2", "Q3", "Q4", "Q5"} {
		require.NoError(t, w.Append(newTestRecord(t, key, key)), "append %d", i)
	}

	dayDir := filepath.Join(dir, "records", "2026", "2026-03-14")
	entries, err := os.ReadDir(dayDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"chunk-0000.ndjson", "chunk-0001.ndjson", "chunk-0002.ndjson"}, names)

	count, err := NewReader(dir).Count()
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestWriterResumesExistingChunkCounts(t *testing.T) {
	dir := initTestPack(t)

	w1 := NewWriter(dir)
	w1.SetChunkLimit(2)
	require.NoError(t, w1.Append(newTestRecord(t, "Q1", "one")))

	// A fresh writer (new process) must pick up where the old one left off.
	w2 := NewWriter(dir)
	w2.SetChunkLimit(2)
	require.NoError(t, w2.Append(newTestRecord(t, "Q2", "two")))
	require.NoError(t, w2.Append(newTestRecord(t, "Q3", "three")))

	dayDir := filepath.Join(dir, "records", "2026", "2026-03-14")
	entries, err := os.ReadDir(dayDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "third record rotates into a second chunk")
}

func TestPartialTrailingLineIgnoredOnRead(t *testing.T) {
	dir := initTestPack(t)
	w := NewWriter(dir)
	require.NoError(t, w.Append(newTestRecord(t, "Q1", "one")))

	// Simulate a crash mid-write: torn, LF-less fragment at the tail.
	chunkPath := filepath.Join(dir, "records", "2026", "2026-03-14", "chunk-0000.ndjson")
	f, err := os.OpenFile(chunkPath, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"exchange_id":"torn`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	count, err := NewReader(dir).Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count, "the completed line survives, the torn line is ignored")
}

func TestWriterStartsFreshChunkAfterTornTail(t *testing.T) {
	dir := initTestPack(t)
	w := NewWriter(dir)
	require.NoError(t, w.Append(newTestRecord(t, "Q1", "one")))

	chunkPath := filepath.Join(dir, "records", "2026", "2026-03-14", "chunk-0000.ndjson")
	f, err := os.OpenFile(chunkPath, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"torn`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// A restarted writer must not append after the torn fragment.
	w2 := NewWriter(dir)
	require.NoError(t, w2.Append(newTestRecord(t, "Q2", "two")))

	assert.FileExists(t, filepath.Join(dir, "records", "2026", "2026-03-14", "chunk-0001.ndjson"))

	count, err := NewReader(dir).Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestHashMismatchSurfacedOnRead(t *testing.T) {
	dir := initTestPack(t)
	w := NewWriter(dir)
	rec := newTestRecord(t, "Q1", "one")
	rec.ContentSHA256 = "1111111111111111111111111111111111111111111111111111111111111111"
	require.NoError(t, w.Append(rec))

	err := NewReader(dir).All(func(record.ExchangeRecord) error { return nil })
	require.Error(t, err)
	assert.True(t, record.IsHashMismatch(err))
}

func TestFindByHash(t *testing.T) {
	dir := initTestPack(t)
	w := NewWriter(dir)
	rec := newTestRecord(t, "Q1", "one")
	require.NoError(t, w.Append(rec))
	require.NoError(t, w.Append(newTestRecord(t, "Q2", "two")))

	got, found, err := NewReader(dir).FindByHash(rec.ContentSHA256)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec.ExchangeID, got.ExchangeID)

	_, found, err = NewReader(dir).FindByHash("deadbeef")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindByHashFallsBackWhenIndexMissing(t *testing.T) {
	dir := initTestPack(t)
	w := NewWriter(dir)
	rec := newTestRecord(t, "Q1", "one")
	require.NoError(t, w.Append(rec))

	require.NoError(t, os.Remove(filepath.Join(dir, IndexFileName)))

	got, found, err := NewReader(dir).FindByHash(rec.ContentSHA256)
	require.NoError(t, err)
	require.True(t, found, "the index is never a correctness dependency")
	assert.Equal(t, rec.ExchangeID, got.ExchangeID)
}

func TestFindByHashFallsBackWhenIndexStale(t *testing.T) {
	dir := initTestPack(t)
	w := NewWriter(dir)
	rec := newTestRecord(t, "Q1", "one")
	require.NoError(t, w.Append(rec))

	// Poison the index with an entry pointing at a nonexistent chunk for
	// a different record, then drop the real entry.
	stale := IndexEntry{
		Hash:       rec.ContentSHA256,
		Key:        rec.CompositeKey(),
		ExchangeID: rec.ExchangeID,
		ObservedAt: rec.ObservedAt.Format(record.TimeLayout),
		ChunkPath:  "records/2026/2026-03-14/chunk-0099.ndjson",
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFileName), append(data, '\n'), 0o644))

	got, found, err := NewReader(dir).FindByHash(rec.ContentSHA256)
	require.NoError(t, err)
	require.True(t, found, "a vanished indexed chunk falls back to full scan")
	assert.Equal(t, rec.ExchangeID, got.ExchangeID)

	// Pointing at a real chunk that lacks the hash falls back cleanly.
	stale.ChunkPath = "records/2026/2026-03-14/chunk-0000.ndjson"
	stale.Hash = "0000000000000000000000000000000000000000000000000000000000000000"
	data, err = json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFileName), append(data, '\n'), 0o644))

	got, found, err = NewReader(dir).FindByHash(rec.ContentSHA256)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec.ExchangeID, got.ExchangeID)
}

func TestFindByKeyReturnsNewest(t *testing.T) {
	dir := initTestPack(t)
	w := NewWriter(dir)

	older := newTestRecord(t, "Q1", "first capture")
	newer := newTestRecord(t, "Q1", "corrected capture")
	newer.ObservedAt = testDay.Add(2 * time.Hour)
	require.NoError(t, w.Append(older))
	require.NoError(t, w.Append(newer))

	got, found, err := NewReader(dir).FindByKey("wiki|article|Q1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, newer.ExchangeID, got.ExchangeID, "corrections supersede by observed_at_utc")
}

func TestRebuildIndexIsPureFunctionOfCorpus(t *testing.T) {
	dir := initTestPack(t)
	w := NewWriter(dir)
	for _, key := range []string{"Q1", "Q2", "Q3"} {
		require.NoError(t, w.Append(newTestRecord(t, key, key)))
	}

	original, err := os.ReadFile(filepath.Join(dir, IndexFileName))
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, IndexFileName)))
	n, err := RebuildIndex(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rebuilt, err := os.ReadFile(filepath.Join(dir, IndexFileName))
	require.NoError(t, err)
	assert.Equal(t, string(original), string(rebuilt), "rebuild reproduces the incremental index")
}

func TestLoadIndexMissing(t *testing.T) {
	entries, ok, err := LoadIndex(t.TempDir())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, entries)
}

func TestFindByKeyFallsBackWhenIndexStale(t *testing.T) {
	dir := initTestPack(t)
	w := NewWriter(dir)
	rec := newTestRecord(t, "Q1", "one")
	require.NoError(t, w.Append(rec))

	// The key's newest index entry points at a vanished chunk.
	stale := IndexEntry{
		Hash:       rec.ContentSHA256,
		Key:        rec.CompositeKey(),
		ExchangeID: rec.ExchangeID,
		ObservedAt: rec.ObservedAt.Format(record.TimeLayout),
		ChunkPath:  "records/2026/2026-03-14/chunk-0099.ndjson",
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFileName), append(data, '\n'), 0o644))

	got, found, err := NewReader(dir).FindByKey(rec.CompositeKey())
	require.NoError(t, err)
	require.True(t, found, "a vanished indexed chunk falls back to full scan")
	assert.Equal(t, rec.ExchangeID, got.ExchangeID)
}

func TestFindByKeyWithoutIndex(t *testing.T) {
	dir := initTestPack(t)
	w := NewWriter(dir)
	rec := newTestRecord(t, "Q1", "one")
	require.NoError(t, w.Append(rec))
	require.NoError(t, os.Remove(filepath.Join(dir, IndexFileName)))

	got, found, err := NewReader(dir).FindByKey(rec.CompositeKey())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec.ExchangeID, got.ExchangeID)
}

func TestNewestEntryForKey(t *testing.T) {
	entries := []IndexEntry{
		{Key: "wiki|article|Q1", ExchangeID: "b", ObservedAt: "2026-03-14T09:00:00.000000Z"},
		{Key: "wiki|article|Q1", ExchangeID: "a", ObservedAt: "2026-03-14T11:00:00.000000Z"},
		{Key: "wiki|article|Q2", ExchangeID: "c", ObservedAt: "2026-03-14T12:00:00.000000Z"},
		// Equal timestamps tie-break on lexical exchange_id.
		{Key: "wiki|article|Q1", ExchangeID: "Z", ObservedAt: "2026-03-14T11:00:00.000000Z"},
	}

	best, found := newestEntryForKey(entries, "wiki|article|Q1")
	require.True(t, found)
	assert.Equal(t, "a", best.ExchangeID, "latest observed_at wins, lexical id breaks ties")

	_, found = newestEntryForKey(entries, "wiki|article|Q9")
	assert.False(t, found)
}
