package vectorindex

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func unit(x, y, z float32) []float32 {
	v := []float32{x, y, z}
	return v
}

func TestUpsertAndQuery(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	if err := idx.Upsert(Record{
		QualifiedName:  "fs:write_file",
		EmbeddingModel: "hashvec-8",
		TextHash:       "h1",
		Vector:         unit(1, 0, 0),
		LastSeen:       time.Now(),
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Upsert(Record{
		QualifiedName:  "fs:read_file",
		EmbeddingModel: "hashvec-8",
		TextHash:       "h2",
		Vector:         unit(0, 1, 0),
		LastSeen:       time.Now(),
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, err := idx.Query(unit(1, 0, 0), "hashvec-8", 5, 0.5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 1 || matches[0].QualifiedName != "fs:write_file" {
		t.Fatalf("matches = %+v, want only fs:write_file", matches)
	}
	if matches[0].Score < 0.99 {
		t.Errorf("score = %v, want ~1.0", matches[0].Score)
	}
}

func TestAllSortedByMCPThenLocalName(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	records := []Record{
		{QualifiedName: "zeta:b", MCPName: "zeta", LocalName: "b", EmbeddingModel: "m"},
		{QualifiedName: "alpha:b", MCPName: "alpha", LocalName: "b", EmbeddingModel: "m"},
		{QualifiedName: "alpha:a", MCPName: "alpha", LocalName: "a", EmbeddingModel: "m"},
	}
	for _, r := range records {
		if err := idx.Upsert(r); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	all := idx.All()
	want := []string{"alpha:a", "alpha:b", "zeta:b"}
	if len(all) != len(want) {
		t.Fatalf("len(All()) = %d, want %d", len(all), len(want))
	}
	for i, w := range want {
		if all[i].QualifiedName != w {
			t.Errorf("All()[%d] = %s, want %s", i, all[i].QualifiedName, w)
		}
	}
}

func TestQueryTieBreakByNameAscending(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	for _, name := range []string{"zeta:tool", "alpha:tool", "mid:tool"} {
		if err := idx.Upsert(Record{
			QualifiedName:  name,
			EmbeddingModel: "m1",
			Vector:         unit(1, 0, 0),
		}); err != nil {
			t.Fatalf("Upsert(%s): %v", name, err)
		}
	}

	matches, err := idx.Query(unit(1, 0, 0), "m1", 10, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("len(matches) = %d, want 3", len(matches))
	}
	want := []string{"alpha:tool", "mid:tool", "zeta:tool"}
	for i, w := range want {
		if matches[i].QualifiedName != w {
			t.Errorf("matches[%d] = %s, want %s", i, matches[i].QualifiedName, w)
		}
	}
}

func TestQueryRejectsModelMismatch(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	if err := idx.Upsert(Record{QualifiedName: "a:b", EmbeddingModel: "model-v1", Vector: unit(1, 0, 0)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	_, err = idx.Query(unit(1, 0, 0), "model-v2", 5, 0)
	if !errors.Is(err, ErrModelMismatch) {
		t.Fatalf("err = %v, want ErrModelMismatch", err)
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	if err := idx.Upsert(Record{QualifiedName: "a:b", EmbeddingModel: "m", Vector: unit(1, 0, 0)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Remove("a:b"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := idx.Lookup("a:b"); ok {
		t.Fatal("record still present after Remove")
	}
	if idx.Len() != 0 {
		t.Errorf("Len() = %d, want 0", idx.Len())
	}
}

func TestFreshReuseCheck(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	if err := idx.Upsert(Record{
		QualifiedName:  "a:b",
		EmbeddingModel: "m1",
		TextHash:       "hash-1",
		Vector:         unit(1, 0, 0),
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if !idx.Fresh("a:b", "m1", "hash-1") {
		t.Error("expected Fresh to report reusable record")
	}
	if idx.Fresh("a:b", "m1", "hash-2") {
		t.Error("expected Fresh to report stale record on text hash change")
	}
	if idx.Fresh("a:b", "m2", "hash-1") {
		t.Error("expected Fresh to report stale record on model change")
	}
	if idx.Fresh("missing:tool", "m1", "hash-1") {
		t.Error("expected Fresh to report false for unknown record")
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := idx.Upsert(Record{QualifiedName: "a:b", EmbeddingModel: "m", Vector: unit(1, 0, 0)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx2.Close()

	if _, ok := idx2.Lookup("a:b"); !ok {
		t.Fatal("record did not survive reopen via journal replay")
	}
}

func TestCompactionProducesSnapshotAndTruncatesJournal(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	for i := 0; i < journalCompactionThreshold+5; i++ {
		name := "mcp:tool" + string(rune('a'+i%26))
		if err := idx.Upsert(Record{QualifiedName: name, EmbeddingModel: "m", Vector: unit(1, 0, 0)}); err != nil {
			t.Fatalf("Upsert #%d: %v", i, err)
		}
	}

	if idx.journalN >= journalCompactionThreshold {
		t.Errorf("journalN = %d, want compaction to have reset it below threshold", idx.journalN)
	}

	snapshotPath := filepath.Join(dir, "index.snapshot")
	if _, err := os.Stat(snapshotPath); err != nil {
		t.Fatalf("snapshot missing after compaction: %v", err)
	}
}
