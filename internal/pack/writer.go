package pack

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/interchange-dev/packmirror/internal/record"
)

// Writer appends records to a pack. Single writer per pack: concurrent
// writers to the same dataset are unsupported; callers serialize writes
// per dataset. Concurrent readers are safe because completed lines are
// immutable.
type Writer struct {
	dir        string
	chunkLimit int

	// chunks caches per-day chunk state so appends do not rescan the
	// directory on every write.
	chunks map[string]*chunkState
}

type chunkState struct {
	seq   int // current chunk number
	count int // records in the current chunk
}

// NewWriter creates a writer over an initialized pack directory.
func NewWriter(dir string) *Writer {
	return &Writer{
		dir:        dir,
		chunkLimit: DefaultChunkRecordLimit,
		chunks:     make(map[string]*chunkState),
	}
}

// SetChunkLimit overrides the rotation threshold. Mainly for tests.
func (w *Writer) SetChunkLimit(n int) {
	if n > 0 {
		w.chunkLimit = n
	}
}

// Append writes one record: a canonical-JSON line to the day's current
// chunk (rotating when full), then the corresponding index line. Each
// write is a single O_APPEND of one LF-terminated line, so a crash can
// at worst leave a partial trailing line, which readers ignore.
func (w *Writer) Append(rec record.ExchangeRecord) error {
	line, err := rec.EncodeLine()
	if err != nil {
		return err
	}

	state, dayDir, err := w.dayState(rec)
	if err != nil {
		return err
	}
	if state.count >= w.chunkLimit {
		state.seq++
		state.count = 0
	}

	relPath := chunkRelPath(rec, state.seq)
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return record.WrapStorageIO("create chunk directory", err)
	}

	f, err := os.OpenFile(filepath.Join(w.dir, relPath), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return record.WrapStorageIO("open chunk", err)
	}
	_, writeErr := f.Write(append(line, '\n'))
	closeErr := f.Close()
	if writeErr != nil {
		return record.WrapStorageIO("append record", writeErr)
	}
	if closeErr != nil {
		return record.WrapStorageIO("close chunk", closeErr)
	}
	state.count++

	// Index second: a crash between the two writes leaves the index one
	// line behind, which readers treat as staleness, not corruption.
	return appendIndexEntry(w.dir, entryFor(rec, relPath))
}

// dayState loads (or initializes) the chunk state for a record's day
// partition by inspecting the existing chunk files once.
func (w *Writer) dayState(rec record.ExchangeRecord) (*chunkState, string, error) {
	day := rec.ObservedAt.UTC().Format("2006-01-02")
	year := rec.ObservedAt.UTC().Format("2006")
	dayDir := filepath.Join(w.dir, RecordsDirName, year, day)

	if state, ok := w.chunks[day]; ok {
		return state, dayDir, nil
	}

	state := &chunkState{seq: 0, count: 0}
	entries, err := os.ReadDir(dayDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, "", record.WrapStorageIO("scan chunk directory", err)
	}

	var chunkNames []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "chunk-") && strings.HasSuffix(name, ".ndjson") {
			chunkNames = append(chunkNames, name)
		}
	}
	if len(chunkNames) > 0 {
		sort.Strings(chunkNames)
		last := chunkNames[len(chunkNames)-1]
		var seq int
		if _, err := fmt.Sscanf(last, "chunk-%04d.ndjson", &seq); err == nil {
			state.seq = seq
		}
		count, clean, err := countCompleteLines(filepath.Join(dayDir, last))
		if err != nil {
			return nil, "", err
		}
		state.count = count
		if !clean {
			// The chunk ends in a torn partial line from a crashed
			// writer. Chunks are append-only, so rather than truncate or
			// write after the torn tail, start a fresh chunk; readers
			// already skip the partial line.
			state.seq++
			state.count = 0
		}
	}

	w.chunks[day] = state
	return state, dayDir, nil
}

// countCompleteLines counts LF-terminated lines in a chunk and reports
// whether the file ends cleanly (no partial trailing line).
func countCompleteLines(path string) (int, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, record.WrapStorageIO("open chunk for counting", err)
	}
	defer f.Close()

	count := 0
	r := bufio.NewReader(f)
	for {
		partial, err := r.ReadBytes('\n')
		if err == io.EOF {
			return count, len(partial) == 0, nil
		}
		if err != nil {
			return 0, false, record.WrapStorageIO("count chunk lines", err)
		}
		count++
	}
}
