// Package indexer implements the background tool indexer (C6): it enumerates
// every enabled downstream MCP through the connection manager, embeds each
// tool's description, and upserts the result into the vector index.
//
// Indexing is background and non-blocking — [Indexer.Run] is started once
// from the composition root and never blocks find/run handling; callers
// observe progress via [Indexer.Progress].
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/portel-dev/ncp/internal/downstream"
	"github.com/portel-dev/ncp/internal/observe"
	"github.com/portel-dev/ncp/internal/vectorindex"
	"github.com/portel-dev/ncp/pkg/provider/embeddings"
)

// maxConcurrentMCPs bounds how many downstream MCPs are indexed in parallel.
const maxConcurrentMCPs = 4

// rawTool is the shape of one entry in a downstream tools/list response.
type rawTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []rawTool `json:"tools"`
}

// Progress reports the indexer's current standing.
type Progress struct {
	// Done reports whether the most recent indexing pass has completed.
	Done bool

	// Indexed is the number of tools successfully embedded and upserted so
	// far in the current or most recent pass.
	Indexed int

	// Current is the name of the MCP currently being indexed, if any.
	Current string
}

// Indexer drives discovery and embedding of every enabled downstream MCP's
// tools into the vector index.
type Indexer struct {
	manager  *downstream.Manager
	index    *vectorindex.Index
	provider embeddings.Provider
	metrics  *observe.Metrics

	mu       sync.Mutex
	progress Progress
}

// New constructs an Indexer. metrics may be nil, in which case indexing
// counters are not recorded.
func New(manager *downstream.Manager, index *vectorindex.Index, provider embeddings.Provider, metrics *observe.Metrics) *Indexer {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Indexer{
		manager:  manager,
		index:    index,
		provider: provider,
		metrics:  metrics,
		progress: Progress{Done: true},
	}
}

// Progress returns a snapshot of the indexer's current state.
func (ix *Indexer) Progress() Progress {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.progress
}

// Run performs one full indexing pass over every enabled descriptor,
// bounded to maxConcurrentMCPs concurrent downstream enumerations. An
// unreachable MCP contributes zero tools and does not abort the pass; its
// failure is logged. An MCP that never started has no session, so it does
// not appear in the connection manager's health snapshot.
//
// Run blocks until the pass completes or ctx is cancelled; callers that want
// non-blocking indexing should invoke it from its own goroutine, as the
// composition root does on startup.
func (ix *Indexer) Run(ctx context.Context) error {
	ix.mu.Lock()
	ix.progress = Progress{Done: false}
	ix.mu.Unlock()

	defer func() {
		ix.mu.Lock()
		ix.progress.Done = true
		ix.progress.Current = ""
		ix.mu.Unlock()
	}()

	names := ix.manager.List()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentMCPs)

	for _, name := range names {
		g.Go(func() error {
			ix.indexOne(gctx, name)
			return nil
		})
	}

	return g.Wait()
}

// indexOne discovers and embeds every tool of a single downstream MCP.
// Failures enumerating or embedding are logged and skipped rather than
// propagated — one unreachable or misbehaving MCP never aborts the pass.
func (ix *Indexer) indexOne(ctx context.Context, mcpName string) {
	ix.mu.Lock()
	ix.progress.Current = mcpName
	ix.mu.Unlock()

	raw, err := ix.manager.ForwardCall(ctx, mcpName, "tools/list", nil, nil, "ncp-indexer")
	if err != nil {
		slog.Warn("indexer: tools/list failed", "mcp", mcpName, "error", err)
		return
	}

	var list toolsListResult
	if err := json.Unmarshal(raw, &list); err != nil {
		slog.Warn("indexer: malformed tools/list response", "mcp", mcpName, "error", err)
		return
	}

	for _, tool := range list.Tools {
		if ctx.Err() != nil {
			return
		}
		ix.indexTool(ctx, mcpName, tool)
	}
}

// indexTool embeds and upserts a single tool, reusing the existing vector
// when the (qualifiedName, textHash, modelId) triple is unchanged.
func (ix *Indexer) indexTool(ctx context.Context, mcpName string, tool rawTool) {
	qualifiedName := mcpName + ":" + tool.Name
	textHash := hashText(tool.Description + "\x00" + qualifiedName)
	modelID := ix.provider.ModelID()

	if ix.index.Fresh(qualifiedName, modelID, textHash) {
		return
	}

	start := time.Now()
	embedText := tool.Description + " " + qualifiedName
	vec, err := ix.provider.Embed(ctx, embedText)
	if err != nil {
		slog.Warn("indexer: embed failed", "tool", qualifiedName, "error", err)
		ix.metrics.RecordEmbeddingError(ctx, mcpName)
		return
	}

	rec := vectorindex.Record{
		QualifiedName:   qualifiedName,
		MCPName:         mcpName,
		LocalName:       tool.Name,
		Description:     tool.Description,
		InputSchema:     tool.InputSchema,
		EmbeddingModel:  modelID,
		TextHash:        textHash,
		Vector:          vec,
		InputSchemaHash: hashText(string(tool.InputSchema)),
		LastSeen:        time.Now(),
	}
	if err := ix.index.Upsert(rec); err != nil {
		slog.Warn("indexer: upsert failed", "tool", qualifiedName, "error", err)
		return
	}

	ix.metrics.IndexDuration.Record(ctx, time.Since(start).Seconds())
	ix.metrics.RecordToolIndexed(ctx, mcpName)

	ix.mu.Lock()
	ix.progress.Indexed++
	ix.mu.Unlock()
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
