package finder

import (
	"context"
	"testing"

	"github.com/portel-dev/ncp/internal/vectorindex"
	"github.com/portel-dev/ncp/pkg/provider/embeddings/mock"
)

func seedIndex(t *testing.T) (*vectorindex.Index, *mock.Provider) {
	t.Helper()
	idx, err := vectorindex.Open(t.TempDir())
	if err != nil {
		t.Fatalf("vectorindex.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	records := []vectorindex.Record{
		{QualifiedName: "fs:write_file", MCPName: "fs", LocalName: "write_file", Description: "Write a file", EmbeddingModel: "m", Vector: []float32{1, 0, 0}},
		{QualifiedName: "fs:read_file", MCPName: "fs", LocalName: "read_file", Description: "Read a file", EmbeddingModel: "m", Vector: []float32{0.33, 0.94, 0}},
		{QualifiedName: "weather:forecast", MCPName: "weather", LocalName: "forecast", Description: "Get a forecast", EmbeddingModel: "m", Vector: []float32{0, 1, 0}},
	}
	for _, r := range records {
		if err := idx.Upsert(r); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	return idx, &mock.Provider{ModelIDValue: "m"}
}

func TestListingModeReturnsSortedByMCPThenLocalName(t *testing.T) {
	idx, provider := seedIndex(t)
	f := New(idx, provider)

	res, err := f.Find(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if res.Searched {
		t.Error("Searched = true for empty query, want false")
	}
	want := []string{"fs:read_file", "fs:write_file", "weather:forecast"}
	if len(res.Entries) != len(want) {
		t.Fatalf("len(Entries) = %d, want %d", len(res.Entries), len(want))
	}
	for i, w := range want {
		if res.Entries[i].QualifiedName != w {
			t.Errorf("Entries[%d] = %s, want %s", i, res.Entries[i].QualifiedName, w)
		}
		if res.Entries[i].Confidence != 1.0 {
			t.Errorf("Entries[%d].Confidence = %v, want 1.0", i, res.Entries[i].Confidence)
		}
	}
}

func TestListingModeWithMCPFilter(t *testing.T) {
	idx, provider := seedIndex(t)
	f := New(idx, provider)

	res, err := f.Find(context.Background(), Request{MCPFilter: "fs"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("len(Entries) = %d, want 2", len(res.Entries))
	}
	for _, e := range res.Entries {
		if e.MCPName != "fs" {
			t.Errorf("entry %s has MCPName %s, want fs", e.QualifiedName, e.MCPName)
		}
	}
}

func TestSearchModeRanksByCosineSimilarity(t *testing.T) {
	idx, provider := seedIndex(t)
	provider.EmbedResult = []float32{1, 0, 0}
	f := New(idx, provider)

	res, err := f.Find(context.Background(), Request{Query: "write a file", ConfidenceThreshold: 0.4})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !res.Searched {
		t.Error("Searched = false for non-empty query, want true")
	}
	if len(res.Entries) != 1 || res.Entries[0].QualifiedName != "fs:write_file" {
		t.Fatalf("Entries = %+v, want only fs:write_file", res.Entries)
	}
}

func TestQueryEqualToMCPNameDegeneratesToListing(t *testing.T) {
	idx, provider := seedIndex(t)
	f := New(idx, provider)

	res, err := f.Find(context.Background(), Request{Query: "FS"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if res.Searched {
		t.Error("Searched = true for mcp-name query, want degenerate listing (false)")
	}
	if len(res.Entries) != 2 {
		t.Fatalf("len(Entries) = %d, want 2", len(res.Entries))
	}
	if len(provider.EmbedCalls) != 0 {
		t.Errorf("embed was called %d times, want 0 for the mcp-name degenerate case", len(provider.EmbedCalls))
	}
}

func TestDepthControlsPresentationOnly(t *testing.T) {
	idx, provider := seedIndex(t)
	f := New(idx, provider)

	res, err := f.Find(context.Background(), Request{Depth: DepthName})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	for _, e := range res.Entries {
		if e.Description != "" {
			t.Errorf("entry %s has Description at DepthName, want empty", e.QualifiedName)
		}
	}

	res2, err := f.Find(context.Background(), Request{Depth: DepthDescription})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(res2.Entries) != len(res.Entries) {
		t.Fatalf("candidate set changed with depth: %d vs %d", len(res2.Entries), len(res.Entries))
	}
	for _, e := range res2.Entries {
		if e.Description == "" {
			t.Errorf("entry %s missing Description at DepthDescription", e.QualifiedName)
		}
	}
}

func TestPaginationAppliedAfterRanking(t *testing.T) {
	idx, provider := seedIndex(t)
	f := New(idx, provider)

	page1, err := f.Find(context.Background(), Request{Limit: 1, Page: 1})
	if err != nil {
		t.Fatalf("Find page1: %v", err)
	}
	page2, err := f.Find(context.Background(), Request{Limit: 1, Page: 2})
	if err != nil {
		t.Fatalf("Find page2: %v", err)
	}
	if len(page1.Entries) != 1 || len(page2.Entries) != 1 {
		t.Fatalf("expected one entry per page, got %d and %d", len(page1.Entries), len(page2.Entries))
	}
	if page1.Entries[0].QualifiedName == page2.Entries[0].QualifiedName {
		t.Error("page1 and page2 returned the same entry")
	}
}
