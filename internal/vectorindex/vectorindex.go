// Package vectorindex implements the in-memory, journaled vector index that
// backs tool discovery: a persistent map from a tool's qualified name to its
// embedding and metadata, queried by cosine similarity.
//
// Mutations append to an on-disk journal; a compaction rewrites the snapshot
// file atomically (write temp + rename, mirroring the profile store) once the
// journal grows past a size threshold. Readers of Query never block each
// other; a writer holds the exclusive lock for the in-memory mutation, the
// journal append and its fsync, and any compaction the append triggers.
package vectorindex

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrModelMismatch is returned by Query when the index holds vectors from a
// different embedding model than the one the caller is querying with.
var ErrModelMismatch = errors.New("vectorindex: query model id does not match index model id")

// journalCompactionThreshold is the journal size, in entries, past which the
// next mutation triggers a compaction into the snapshot file.
const journalCompactionThreshold = 500

// Record is the persistent form of one indexed tool (spec's CacheRecord),
// extended with the presentation fields the finder needs (mcpName, localName,
// description, inputSchema) so that a restart can serve full find() results
// from the snapshot alone, before the indexer has re-listed anything.
type Record struct {
	QualifiedName   string          `json:"qualifiedName"`
	MCPName         string          `json:"mcpName"`
	LocalName       string          `json:"localName"`
	Description     string          `json:"description"`
	InputSchema     json.RawMessage `json:"inputSchema,omitempty"`
	EmbeddingModel  string          `json:"embeddingModelId"`
	TextHash        string          `json:"textHash"`
	Vector          []float32       `json:"vector"`
	InputSchemaHash string          `json:"inputSchemaHash"`
	LastSeen        time.Time       `json:"lastSeen"`
}

// Match pairs a qualified name with its cosine similarity to a query vector.
type Match struct {
	QualifiedName string
	Score         float64
}

// journalOp is one mutation appended to the on-disk journal.
type journalOp struct {
	Op     string  `json:"op"` // "upsert" | "remove"
	Record *Record `json:"record,omitempty"`
	Name   string  `json:"name,omitempty"`
}

// Index is a persistent, concurrency-safe vector index.
type Index struct {
	dir          string
	snapshotPath string
	journalPath  string

	mu        sync.RWMutex
	records   map[string]Record
	journalN  int
	journalFh *os.File
}

// Open loads the index's snapshot and journal from dir (created if absent)
// and returns a ready-to-use Index. dir typically points at a "cache"
// subdirectory of the base directory.
func Open(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vectorindex: create dir: %w", err)
	}
	idx := &Index{
		dir:          dir,
		snapshotPath: filepath.Join(dir, "index.snapshot"),
		journalPath:  filepath.Join(dir, "index.journal"),
		records:      make(map[string]Record),
	}
	if err := idx.loadSnapshot(); err != nil {
		return nil, err
	}
	n, err := idx.replayJournal()
	if err != nil {
		return nil, err
	}
	idx.journalN = n

	fh, err := os.OpenFile(idx.journalPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: open journal: %w", err)
	}
	idx.journalFh = fh

	if idx.journalN >= journalCompactionThreshold {
		if err := idx.compactLocked(); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func (idx *Index) loadSnapshot() error {
	data, err := os.ReadFile(idx.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("vectorindex: read snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("vectorindex: decode snapshot: %w", err)
	}
	for _, r := range records {
		idx.records[r.QualifiedName] = r
	}
	return nil
}

// replayJournal applies pending journal entries on top of the loaded
// snapshot and returns the number of entries replayed.
func (idx *Index) replayJournal() (int, error) {
	f, err := os.Open(idx.journalPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("vectorindex: open journal: %w", err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var op journalOp
		if err := json.Unmarshal(line, &op); err != nil {
			// Replay stops at the first line that does not decode. This
			// tolerates a truncated final line (crash mid-write); a corrupt
			// line further up also ends replay, and later lines are not applied.
			break
		}
		switch op.Op {
		case "upsert":
			if op.Record != nil {
				idx.records[op.Record.QualifiedName] = *op.Record
			}
		case "remove":
			delete(idx.records, op.Name)
		}
		n++
	}
	return n, sc.Err()
}

// Upsert replaces the record for rec.QualifiedName, appending the mutation
// to the journal and triggering compaction when the journal has grown past
// its threshold.
func (idx *Index) Upsert(rec Record) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.records[rec.QualifiedName] = rec
	if err := idx.appendJournal(journalOp{Op: "upsert", Record: &rec}); err != nil {
		return err
	}
	return idx.maybeCompactLocked()
}

// Remove deletes the record for qualifiedName, if present.
func (idx *Index) Remove(qualifiedName string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.records[qualifiedName]; !ok {
		return nil
	}
	delete(idx.records, qualifiedName)
	if err := idx.appendJournal(journalOp{Op: "remove", Name: qualifiedName}); err != nil {
		return err
	}
	return idx.maybeCompactLocked()
}

// Lookup returns the record for qualifiedName, if present, along with
// whether it was found.
func (idx *Index) Lookup(qualifiedName string) (Record, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	r, ok := idx.records[qualifiedName]
	return r, ok
}

// Fresh reports whether the index already holds an up-to-date record for
// qualifiedName produced by modelID from content hashing to textHash — the
// indexer's reuse check (spec §4.6 step 2).
func (idx *Index) Fresh(qualifiedName, modelID, textHash string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	r, ok := idx.records[qualifiedName]
	return ok && r.EmbeddingModel == modelID && r.TextHash == textHash
}

// All returns every indexed record, sorted by MCPName ascending then
// LocalName ascending (the finder's listing-mode ordering).
func (idx *Index) All() []Record {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]Record, 0, len(idx.records))
	for _, r := range idx.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MCPName != out[j].MCPName {
			return out[i].MCPName < out[j].MCPName
		}
		return out[i].LocalName < out[j].LocalName
	})
	return out
}

// Len reports how many records are currently indexed.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.records)
}

// Query returns the top-k records whose cosine similarity to queryVector is
// at least threshold, ordered by descending score with ties broken by
// ascending qualified name. modelID must match every indexed record's
// embedding model, or ErrModelMismatch is returned (mixing model ids in one
// index is forbidden per spec).
func (idx *Index) Query(queryVector []float32, modelID string, k int, threshold float64) ([]Match, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	matches := make([]Match, 0, len(idx.records))
	for name, r := range idx.records {
		if r.EmbeddingModel != modelID {
			return nil, fmt.Errorf("%w: record %q has model %q, query uses %q",
				ErrModelMismatch, name, r.EmbeddingModel, modelID)
		}
		score := cosine(queryVector, r.Vector)
		if score >= threshold {
			matches = append(matches, Match{QualifiedName: name, Score: score})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].QualifiedName < matches[j].QualifiedName
	})

	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Cosine computes cosine similarity between two vectors of equal length.
// Vectors produced by embeddings.Provider implementations are already unit
// length, so this reduces to a dot product, but the general form is used to
// tolerate providers that do not normalize. Exported for the confirmation
// gate (C8), which scores a tool against a modifier pattern the same way.
func Cosine(a, b []float32) float64 {
	return cosine(a, b)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func (idx *Index) appendJournal(op journalOp) error {
	line, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("vectorindex: encode journal op: %w", err)
	}
	line = append(line, '\n')
	if _, err := idx.journalFh.Write(line); err != nil {
		return fmt.Errorf("vectorindex: write journal: %w", err)
	}
	if err := idx.journalFh.Sync(); err != nil {
		return fmt.Errorf("vectorindex: sync journal: %w", err)
	}
	idx.journalN++
	return nil
}

func (idx *Index) maybeCompactLocked() error {
	if idx.journalN < journalCompactionThreshold {
		return nil
	}
	return idx.compactLocked()
}

// compactLocked rewrites the snapshot from the current in-memory state and
// truncates the journal. Callers must hold idx.mu.
func (idx *Index) compactLocked() error {
	records := make([]Record, 0, len(idx.records))
	for _, r := range idx.records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].QualifiedName < records[j].QualifiedName })

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("vectorindex: encode snapshot: %w", err)
	}
	if err := writeAtomic(idx.snapshotPath, data); err != nil {
		return err
	}

	if idx.journalFh != nil {
		_ = idx.journalFh.Close()
	}
	fh, err := os.OpenFile(idx.journalPath, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("vectorindex: truncate journal: %w", err)
	}
	idx.journalFh = fh
	idx.journalN = 0
	return nil
}

// Close flushes the journal handle. It does not force a compaction.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.journalFh == nil {
		return nil
	}
	return idx.journalFh.Close()
}

// writeAtomic writes data to path by writing to a temp file in the same
// directory and renaming it into place, so readers never observe a partial
// write.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".vectorindex-*.tmp")
	if err != nil {
		return fmt.Errorf("vectorindex: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("vectorindex: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("vectorindex: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vectorindex: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("vectorindex: rename temp file: %w", err)
	}
	return nil
}
