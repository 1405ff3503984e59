// Package finder implements the tool finder (C7): it translates a find()
// request into a ranked, paginated listing of indexed tools, either by
// listing everything (no query) or by embedding the query and ranking
// candidates from the vector index by cosine similarity.
package finder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/portel-dev/ncp/internal/vectorindex"
	"github.com/portel-dev/ncp/pkg/provider/embeddings"
)

// Depth controls how much of each entry is rendered. It never affects which
// tools are selected, only how much detail is returned for each.
type Depth int

const (
	// DepthName renders only the qualified tool name.
	DepthName Depth = 0
	// DepthDescription renders name and description.
	DepthDescription Depth = 1
	// DepthFull renders name, description, and input schema.
	DepthFull Depth = 2
)

// DefaultSearchLimit is the page size used when a query is present and the
// caller did not specify one.
const DefaultSearchLimit = 5

// DefaultListingLimit is the page size used when listing (no query) and the
// caller did not specify one.
const DefaultListingLimit = 20

// DefaultConfidenceThreshold is the minimum cosine similarity a search
// candidate must meet to be included, absent an explicit override.
const DefaultConfidenceThreshold = 0.35

// headroom pads the vector index query's k so that ranking + pagination has
// enough candidates to draw subsequent pages from.
const headroom = 10

// Request is one find() call's parameters.
type Request struct {
	// Query is the natural-language search text. Empty means listing mode.
	Query string

	// Page is 1-indexed; values < 1 are treated as 1.
	Page int

	// Limit is the page size; 0 selects the mode-appropriate default.
	Limit int

	// Depth controls presentation detail; defaults to DepthFull.
	Depth Depth

	// ConfidenceThreshold is the minimum similarity score in search mode;
	// 0 selects DefaultConfidenceThreshold. Ignored in listing mode.
	ConfidenceThreshold float64

	// MCPFilter restricts results to tools of one downstream MCP, matched
	// case-insensitively, exact or by prefix.
	MCPFilter string
}

// Entry is one tool in a find() result.
type Entry struct {
	QualifiedName string
	MCPName       string
	LocalName     string
	Description   string
	InputSchema   json.RawMessage
	Confidence    float64
}

// Result is the outcome of a find() call.
type Result struct {
	Entries []Entry

	// Searched reports whether Query drove ranking (true) or the result is
	// a plain listing (false) — including the mcp-name-as-filter
	// degenerate case.
	Searched bool

	// Page and Limit echo back the effective pagination applied.
	Page, Limit int
}

// Finder answers find() requests against a vector index.
type Finder struct {
	index    *vectorindex.Index
	provider embeddings.Provider
}

// New constructs a Finder over index, embedding queries with provider.
func New(index *vectorindex.Index, provider embeddings.Provider) *Finder {
	return &Finder{index: index, provider: provider}
}

// Find resolves req against the current index contents.
func (f *Finder) Find(ctx context.Context, req Request) (Result, error) {
	page := req.Page
	if page < 1 {
		page = 1
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		limit := req.Limit
		if limit <= 0 {
			limit = DefaultListingLimit
		}
		return f.list(req.MCPFilter, req.Depth, page, limit), nil
	}

	if mcpName, ok := f.matchingMCPName(query); ok {
		limit := req.Limit
		if limit <= 0 {
			limit = DefaultListingLimit
		}
		return f.list(mcpName, req.Depth, page, limit), nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	threshold := req.ConfidenceThreshold
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}

	vec, err := f.provider.Embed(ctx, query)
	if err != nil {
		return Result{}, fmt.Errorf("finder: embed query: %w", err)
	}

	k := limit*page + headroom
	matches, err := f.index.Query(vec, f.provider.ModelID(), k, threshold)
	if err != nil {
		return Result{}, fmt.Errorf("finder: query index: %w", err)
	}

	entries := make([]Entry, 0, len(matches))
	for _, m := range matches {
		rec, ok := f.index.Lookup(m.QualifiedName)
		if !ok {
			continue
		}
		entries = append(entries, toEntry(rec, m.Score, req.Depth))
	}

	return Result{
		Entries:  paginate(entries, page, limit),
		Searched: true,
		Page:     page,
		Limit:    limit,
	}, nil
}

// Lookup returns the description of a single indexed tool by its qualified
// name ("mcp:tool"), used by run() to feed the confirmation gate without it
// needing its own index dependency.
func (f *Finder) Lookup(qualifiedName string) (string, bool) {
	rec, ok := f.index.Lookup(qualifiedName)
	if !ok {
		return "", false
	}
	return rec.Description, true
}

// matchingMCPName reports whether query exactly matches (case-insensitive)
// the name of a downstream MCP currently represented in the index, in which
// case the search degenerates to listing that MCP (spec §4.7).
func (f *Finder) matchingMCPName(query string) (string, bool) {
	lower := strings.ToLower(query)
	for _, rec := range f.index.All() {
		if strings.ToLower(rec.MCPName) == lower {
			return rec.MCPName, true
		}
	}
	return "", false
}

// list returns a deterministic, paginated listing of every indexed tool,
// optionally filtered by mcpFilter (exact or prefix match on mcpName).
// Listed entries always report full confidence; depth still governs how much
// detail each entry carries.
func (f *Finder) list(mcpFilter string, depth Depth, page, limit int) Result {
	all := f.index.All()

	var entries []Entry
	filterLower := strings.ToLower(mcpFilter)
	for _, rec := range all {
		if mcpFilter != "" && !strings.HasPrefix(strings.ToLower(rec.MCPName), filterLower) {
			continue
		}
		entries = append(entries, toEntry(rec, 1.0, depth))
	}

	return Result{
		Entries:  paginate(entries, page, limit),
		Searched: false,
		Page:     page,
		Limit:    limit,
	}
}

// paginate applies 1-indexed page/limit slicing to entries, already ranked.
func paginate(entries []Entry, page, limit int) []Entry {
	start := (page - 1) * limit
	if start >= len(entries) {
		return nil
	}
	end := start + limit
	if end > len(entries) {
		end = len(entries)
	}
	return entries[start:end]
}

func toEntry(rec vectorindex.Record, confidence float64, depth Depth) Entry {
	e := Entry{
		QualifiedName: rec.QualifiedName,
		MCPName:       rec.MCPName,
		LocalName:     rec.LocalName,
		Confidence:    confidence,
	}
	if depth >= DepthDescription {
		e.Description = rec.Description
	}
	if depth >= DepthFull {
		e.InputSchema = rec.InputSchema
	}
	return e
}
