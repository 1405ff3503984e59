package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/portel-dev/ncp/internal/childproc"
	"github.com/portel-dev/ncp/internal/downstream"
	"github.com/portel-dev/ncp/internal/profile"
	"github.com/portel-dev/ncp/internal/vectorindex"
	"github.com/portel-dev/ncp/pkg/provider/embeddings/mock"
)

// toolsListScript hands back a fixed two-tool catalogue for every tools/list
// call and an empty result for anything else.
const toolsListScript = `
read line
printf '{"jsonrpc":"2.0","id":1,"result":{"capabilities":{}}}\n'
while read line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"read_file","description":"Read a file from disk","inputSchema":{}},{"name":"write_file","description":"Write a file to disk","inputSchema":{}}]}}\n' "$id"
done
`

func newTestManager(t *testing.T) *downstream.Manager {
	t.Helper()
	dir := t.TempDir()
	store, err := profile.Open(dir, "all")
	if err != nil {
		t.Fatalf("profile.Open: %v", err)
	}
	if err := store.UpsertDescriptor(profile.MCPDescriptor{
		Name:      "fs",
		Transport: profile.TransportStdio,
		Command:   "sh",
		Args:      []string{"-c", toolsListScript},
		Enabled:   true,
	}); err != nil {
		t.Fatalf("UpsertDescriptor: %v", err)
	}
	return downstream.New(store, childproc.ClientInfo{Name: "ncp", Version: "test"}, "tid-indexer")
}

func TestRunIndexesAllToolsFromEnabledMCP(t *testing.T) {
	mgr := newTestManager(t)
	defer mgr.Close()

	vi, err := vectorindex.Open(t.TempDir())
	if err != nil {
		t.Fatalf("vectorindex.Open: %v", err)
	}
	defer vi.Close()

	provider := &mock.Provider{EmbedResult: []float32{1, 0, 0}, ModelIDValue: "mock-v1"}

	ix := New(mgr, vi, provider, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ix.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if vi.Len() != 2 {
		t.Fatalf("indexed %d tools, want 2", vi.Len())
	}
	if _, ok := vi.Lookup("fs:read_file"); !ok {
		t.Error("fs:read_file not indexed")
	}
	if _, ok := vi.Lookup("fs:write_file"); !ok {
		t.Error("fs:write_file not indexed")
	}

	prog := ix.Progress()
	if !prog.Done {
		t.Error("Progress().Done = false after Run returned")
	}
	if prog.Indexed != 2 {
		t.Errorf("Progress().Indexed = %d, want 2", prog.Indexed)
	}
}

func TestRunReusesFreshRecordsWithoutReembedding(t *testing.T) {
	mgr := newTestManager(t)
	defer mgr.Close()

	vi, err := vectorindex.Open(t.TempDir())
	if err != nil {
		t.Fatalf("vectorindex.Open: %v", err)
	}
	defer vi.Close()

	provider := &mock.Provider{EmbedResult: []float32{1, 0, 0}, ModelIDValue: "mock-v1"}
	ix := New(mgr, vi, provider, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ix.Run(ctx); err != nil {
		t.Fatalf("Run (first pass): %v", err)
	}
	firstCallCount := len(provider.EmbedCalls)

	if err := ix.Run(ctx); err != nil {
		t.Fatalf("Run (second pass): %v", err)
	}
	if got := len(provider.EmbedCalls); got != firstCallCount {
		t.Errorf("second pass issued %d new embed calls, want 0 (total %d, was %d)", got-firstCallCount, got, firstCallCount)
	}
}

func TestRunSkipsUnreachableMCPWithoutFailing(t *testing.T) {
	dir := t.TempDir()
	store, err := profile.Open(dir, "all")
	if err != nil {
		t.Fatalf("profile.Open: %v", err)
	}
	if err := store.UpsertDescriptor(profile.MCPDescriptor{
		Name:      "broken",
		Transport: profile.TransportStdio,
		Command:   "sh",
		Args:      []string{"-c", "exit 1"},
		Enabled:   true,
	}); err != nil {
		t.Fatalf("UpsertDescriptor: %v", err)
	}
	mgr := downstream.New(store, childproc.ClientInfo{Name: "ncp", Version: "test"}, "tid")
	defer mgr.Close()

	vi, err := vectorindex.Open(t.TempDir())
	if err != nil {
		t.Fatalf("vectorindex.Open: %v", err)
	}
	defer vi.Close()

	provider := &mock.Provider{EmbedResult: []float32{1, 0, 0}, ModelIDValue: "mock-v1"}
	ix := New(mgr, vi, provider, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ix.Run(ctx); err != nil {
		t.Fatalf("Run should not fail on an unreachable MCP: %v", err)
	}
	if vi.Len() != 0 {
		t.Errorf("indexed %d tools from a broken MCP, want 0", vi.Len())
	}
}
