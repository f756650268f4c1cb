package pack

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/interchange-dev/packmirror/internal/logger"
	"github.com/interchange-dev/packmirror/internal/record"
)

// Reader provides lazy, restartable iteration over a pack's records.
// Safe to use concurrently with a writer: flushed lines are immutable,
// so a concurrent reader simply observes a prefix.
type Reader struct {
	dir string
}

// NewReader creates a reader over a pack directory.
func NewReader(dir string) *Reader {
	return &Reader{dir: dir}
}

// All streams every record in chunk-file directory order, verifying each
// record's declared hash against a recomputation. The callback's error
// stops iteration and propagates.
func (r *Reader) All(fn func(record.ExchangeRecord) error) error {
	return r.allFromCorpus(func(rec record.ExchangeRecord, _ string) error {
		return fn(rec)
	})
}

// Count returns the number of complete records in the corpus.
func (r *Reader) Count() (int, error) {
	n := 0
	err := r.All(func(record.ExchangeRecord) error {
		n++
		return nil
	})
	return n, err
}

// errStopScan stops corpus iteration early without signaling failure.
type errStopScan struct{}

func (errStopScan) Error() string { return "stop scan" }

// FindByHash locates a record by content hash. The index is consulted
// first; a missing, stale, or lying index falls back to a full scan.
// Returns (record, true, nil) when found.
func (r *Reader) FindByHash(hash string) (record.ExchangeRecord, bool, error) {
	entries, ok, err := LoadIndex(r.dir)
	if err != nil {
		return record.ExchangeRecord{}, false, err
	}
	if ok {
		for _, e := range entries {
			if e.Hash != hash {
				continue
			}
			rec, found, err := r.scanChunkFor(e.ChunkPath, func(rec record.ExchangeRecord) bool {
				return rec.ContentSHA256 == hash
			})
			if err != nil {
				// An index entry pointing at a vanished chunk is
				// staleness, not failure: fall through to the full scan.
				if errors.Is(err, fs.ErrNotExist) {
					logger.Warn("index points at missing chunk %s, falling back to full scan", e.ChunkPath)
					break
				}
				return record.ExchangeRecord{}, false, err
			}
			if found {
				return rec, true, nil
			}
			// Index pointed at a chunk that lacks the record: stale.
			logger.Warn("index entry for hash %s is stale, falling back to full scan", hash)
			break
		}
	}

	// Full scan: the index is an optimization, never a correctness
	// dependency.
	return r.scanAllFor(func(rec record.ExchangeRecord) bool {
		return rec.ContentSHA256 == hash
	})
}

// FindByKey locates the newest record for a composite key
// ("source|entity|natural_key"). Newest means latest observed_at_utc,
// ties broken by lexical exchange_id. The index is consulted first; a
// missing, stale, or lying index falls back to a full scan.
func (r *Reader) FindByKey(key string) (record.ExchangeRecord, bool, error) {
	if key == "" {
		return record.ExchangeRecord{}, false, nil
	}

	entries, ok, err := LoadIndex(r.dir)
	if err != nil {
		return record.ExchangeRecord{}, false, err
	}
	if ok {
		if e, hit := newestEntryForKey(entries, key); hit {
			rec, found, err := r.scanChunkFor(e.ChunkPath, func(rec record.ExchangeRecord) bool {
				return rec.ExchangeID == e.ExchangeID && rec.ContentSHA256 == e.Hash
			})
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return record.ExchangeRecord{}, false, err
			}
			if found {
				return rec, true, nil
			}
			logger.Warn("index entry for key %s is stale, falling back to full scan", key)
		}
	}

	var best record.ExchangeRecord
	found := false
	err = r.All(func(rec record.ExchangeRecord) error {
		if rec.CompositeKey() != key {
			return nil
		}
		if !found || Newer(rec, best) {
			best = rec
			found = true
		}
		return nil
	})
	if err != nil {
		return record.ExchangeRecord{}, false, err
	}
	return best, found, nil
}

// newestEntryForKey picks the newest index entry for a key. The
// fixed-width timestamp layout makes lexical order chronological, so
// entries compare without parsing.
func newestEntryForKey(entries []IndexEntry, key string) (IndexEntry, bool) {
	var best IndexEntry
	found := false
	for _, e := range entries {
		if e.Key != key {
			continue
		}
		if !found || e.ObservedAt > best.ObservedAt ||
			(e.ObservedAt == best.ObservedAt && e.ExchangeID > best.ExchangeID) {
			best = e
			found = true
		}
	}
	return best, found
}

// Newer reports whether a supersedes b: later observed_at_utc, with
// lexical exchange_id order breaking ties for determinism.
func Newer(a, b record.ExchangeRecord) bool {
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.After(b.ObservedAt)
	}
	return a.ExchangeID > b.ExchangeID
}

// scanAllFor runs a predicate over the whole corpus, stopping at the
// first hit.
func (r *Reader) scanAllFor(pred func(record.ExchangeRecord) bool) (record.ExchangeRecord, bool, error) {
	var hit record.ExchangeRecord
	found := false
	err := r.All(func(rec record.ExchangeRecord) error {
		if pred(rec) {
			hit = rec
			found = true
			return errStopScan{}
		}
		return nil
	})
	if err != nil {
		if _, stopped := err.(errStopScan); !stopped {
			return record.ExchangeRecord{}, false, err
		}
	}
	return hit, found, nil
}

// scanChunkFor runs a predicate over one chunk file.
func (r *Reader) scanChunkFor(relPath string, pred func(record.ExchangeRecord) bool) (record.ExchangeRecord, bool, error) {
	var hit record.ExchangeRecord
	found := false
	err := r.scanChunk(relPath, func(rec record.ExchangeRecord) error {
		if pred(rec) {
			hit = rec
			found = true
			return errStopScan{}
		}
		return nil
	})
	if err != nil {
		if _, stopped := err.(errStopScan); !stopped {
			return record.ExchangeRecord{}, false, err
		}
	}
	return hit, found, nil
}

// allFromCorpus iterates chunk files in sorted path order, yielding each
// record with the chunk's pack-relative path.
func (r *Reader) allFromCorpus(fn func(record.ExchangeRecord, string) error) error {
	recordsDir := filepath.Join(r.dir, RecordsDirName)

	var chunkPaths []string
	err := filepath.WalkDir(recordsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // empty pack
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".ndjson") {
			chunkPaths = append(chunkPaths, path)
		}
		return nil
	})
	if err != nil {
		return record.WrapStorageIO("walk records directory", err)
	}
	sort.Strings(chunkPaths)

	for _, path := range chunkPaths {
		relPath, err := filepath.Rel(r.dir, path)
		if err != nil {
			return record.WrapStorageIO("resolve chunk path", err)
		}
		if err := r.scanChunk(relPath, func(rec record.ExchangeRecord) error {
			return fn(rec, filepath.ToSlash(relPath))
		}); err != nil {
			return err
		}
	}
	return nil
}

// scanChunk streams one chunk file line by line. Partial trailing lines
// (no LF, from a crashed writer) are ignored. Every complete line is
// decoded and its hash verified; a mismatch surfaces as HashMismatch and
// is never silently corrected.
func (r *Reader) scanChunk(relPath string, fn func(record.ExchangeRecord) error) error {
	f, err := os.Open(filepath.Join(r.dir, relPath))
	if err != nil {
		return record.WrapStorageIO("open chunk "+relPath, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	for {
		line, err := br.ReadBytes('\n')
		if err == io.EOF {
			// A non-empty remainder is a partial trailing line: ignore.
			return nil
		}
		if err != nil {
			return record.WrapStorageIO("read chunk "+relPath, err)
		}

		line = line[:len(line)-1]
		if len(line) == 0 {
			continue
		}

		rec, err := record.DecodeLine(line)
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
}
