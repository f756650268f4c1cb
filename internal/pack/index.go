package pack

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/interchange-dev/packmirror/internal/record"
)

// IndexEntry is one line of index.jsonl. The index is a rebuildable
// cache over the chunk files, never a source of truth: readers fall back
// to a full scan whenever it is missing or stale.
type IndexEntry struct {
	Hash       string `json:"h"`
	Key        string `json:"k"`
	ExchangeID string `json:"id"`
	ObservedAt string `json:"t"`
	ChunkPath  string `json:"f"`
}

// entryFor derives the index line for a record stored at relPath.
func entryFor(rec record.ExchangeRecord, relPath string) IndexEntry {
	return IndexEntry{
		Hash:       rec.ContentSHA256,
		Key:        rec.CompositeKey(),
		ExchangeID: rec.ExchangeID,
		ObservedAt: rec.ObservedAt.UTC().Format(record.TimeLayout),
		ChunkPath:  filepath.ToSlash(relPath),
	}
}

// LoadIndex reads index.jsonl. A missing index returns (nil, false, nil):
// absence is not an error, it just forces full scans. Partial trailing
// lines are ignored, matching chunk-file semantics.
func LoadIndex(dir string) ([]IndexEntry, bool, error) {
	f, err := os.Open(filepath.Join(dir, IndexFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, record.WrapStorageIO("open index", err)
	}
	defer f.Close()

	var entries []IndexEntry
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			// No trailing LF: a crash interrupted the writer mid-line.
			// The completed prefix above is still valid.
			return entries, true, nil
		}
		if err != nil {
			return nil, false, record.WrapStorageIO("read index", err)
		}

		line = line[:len(line)-1]
		if len(line) == 0 {
			continue
		}
		var e IndexEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn or corrupted index line invalidates the cache but
			// not the corpus: signal "no usable index".
			return nil, false, nil
		}
		entries = append(entries, e)
	}
}

// appendIndexEntry appends one line to index.jsonl.
func appendIndexEntry(dir string, e IndexEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal index entry: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(filepath.Join(dir, IndexFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return record.WrapStorageIO("open index for append", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return record.WrapStorageIO("append index entry", err)
	}
	return nil
}

// RebuildIndex regenerates index.jsonl as a pure function of the chunk
// files and replaces the old index atomically. Safe to run any time the
// index is suspected stale.
func RebuildIndex(dir string) (int, error) {
	tmp, err := os.CreateTemp(dir, "index-rebuild-*")
	if err != nil {
		return 0, record.WrapStorageIO("create temp index", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	count := 0
	reader := NewReader(dir)
	err = reader.allFromCorpus(func(rec record.ExchangeRecord, relPath string) error {
		data, err := json.Marshal(entryFor(rec, relPath))
		if err != nil {
			return fmt.Errorf("marshal index entry: %w", err)
		}
		data = append(data, '\n')
		if _, err := w.Write(data); err != nil {
			return record.WrapStorageIO("write rebuilt index", err)
		}
		count++
		return nil
	})
	if err != nil {
		tmp.Close()
		return 0, err
	}

	if err := w.Flush(); err != nil {
		tmp.Close()
		return 0, record.WrapStorageIO("flush rebuilt index", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, record.WrapStorageIO("close rebuilt index", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, IndexFileName)); err != nil {
		return 0, record.WrapStorageIO("replace index", err)
	}
	return count, nil
}
