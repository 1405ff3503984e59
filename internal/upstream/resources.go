package upstream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sort"
	"sync"
	"time"

	"github.com/portel-dev/ncp/internal/rpcframe"
)

const (
	resourceGettingStarted = "ncp://help/getting-started"
	resourceHealth         = "ncp://status/health"
	resourceAutoImport     = "ncp://status/auto-import"
)

// resourceCache memoizes resources/list for a short ttl so that a client
// that re-lists on every tool call doesn't re-enumerate every downstream MCP
// each time.
type resourceCache struct {
	ttl time.Duration

	mu       sync.Mutex
	entries  []ResourceSummary
	computed time.Time
}

func newResourceCache(ttl time.Duration) *resourceCache {
	return &resourceCache{ttl: ttl}
}

func (c *resourceCache) get(compute func() []ResourceSummary) []ResourceSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.computed) < c.ttl && c.entries != nil {
		return c.entries
	}
	c.entries = compute()
	c.computed = time.Now()
	return c.entries
}

// promptDescriptor is one prompts/list entry.
type promptDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type promptsListResult struct {
	Prompts []promptDescriptor `json:"prompts"`
}

// NCP itself exposes no prompts of its own; prompts/list is a pure
// pass-through aggregation of every downstream MCP's own prompts, by
// convention prefixed "mcp:name" the same way tools are.
func (s *Server) handlePromptsList(ctx context.Context) (any, *rpcframe.Error) {
	var all []promptDescriptor
	for _, name := range s.deps.Manager.List() {
		raw, err := s.deps.Manager.ForwardCall(ctx, name, "prompts/list", nil, nil, s.currentClientName())
		if err != nil {
			continue
		}
		var res promptsListResult
		if err := json.Unmarshal(raw, &res); err != nil {
			continue
		}
		for _, p := range res.Prompts {
			all = append(all, promptDescriptor{Name: name + ":" + p.Name, Description: p.Description})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return promptsListResult{Prompts: all}, nil
}

type promptsGetParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (s *Server) handlePromptsGet(ctx context.Context, req *rpcframe.Request) (any, *rpcframe.Error) {
	var params promptsGetParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, invalidParamsError(err)
	}
	mcpName, localName, ok := splitToolID(params.Name)
	if !ok {
		return nil, &rpcframe.Error{Code: rpcframe.CodeInvalidParams, Message: "invalid prompt identifier, expected \"mcp:prompt\""}
	}

	raw, err := s.deps.Manager.ForwardCall(ctx, mcpName, "prompts/get",
		map[string]any{"name": localName, "arguments": params.Arguments}, nil, s.currentClientName())
	if err != nil {
		return nil, &rpcframe.Error{Code: rpcframe.CodeInternalError, Message: "prompts/get failed: " + err.Error()}
	}

	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &rpcframe.Error{Code: rpcframe.CodeInternalError, Message: "prompts/get: malformed downstream response"}
	}
	return result, nil
}

func (s *Server) handleResourcesList(ctx context.Context) (any, *rpcframe.Error) {
	entries := s.resources.get(func() []ResourceSummary {
		return s.collectResources(ctx)
	})
	return struct {
		Resources []ResourceSummary `json:"resources"`
	}{Resources: entries}, nil
}

func (s *Server) collectResources(ctx context.Context) []ResourceSummary {
	entries := []ResourceSummary{
		{URI: resourceGettingStarted, Name: "Getting started with NCP", MimeType: "text/markdown"},
		{URI: resourceHealth, Name: "Process health", MimeType: "application/json"},
		{URI: resourceAutoImport, Name: "Auto-import summary", MimeType: "application/json"},
	}

	if s.deps.Scheduler != nil {
		entries = append(entries, s.deps.Scheduler.ListResources()...)
	}

	for _, name := range s.deps.Manager.List() {
		raw, err := s.deps.Manager.ForwardCall(ctx, name, "resources/list", nil, nil, s.currentClientName())
		if err != nil {
			continue
		}
		var res struct {
			Resources []ResourceSummary `json:"resources"`
		}
		if err := json.Unmarshal(raw, &res); err != nil {
			continue
		}
		for _, r := range res.Resources {
			entries = append(entries, ResourceSummary{URI: name + ":" + r.URI, Name: r.Name, MimeType: r.MimeType})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].URI < entries[j].URI })
	return entries
}

type resourcesReadParams struct {
	URI string `json:"uri"`
}

type resourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

func (s *Server) handleResourcesRead(ctx context.Context, req *rpcframe.Request) (any, *rpcframe.Error) {
	var params resourcesReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, invalidParamsError(err)
	}

	switch params.URI {
	case resourceGettingStarted:
		return wrapText(params.URI, "text/markdown", gettingStartedText), nil
	case resourceHealth:
		return wrapText(params.URI, "application/json", s.healthSnapshot()), nil
	case resourceAutoImport:
		if s.deps.AutoImport == nil {
			return wrapText(params.URI, "application/json", `{"ran":false}`), nil
		}
		return wrapText(params.URI, "application/json", `{"ran":true}`), nil
	}

	if s.deps.Scheduler != nil {
		if raw, ok := s.deps.Scheduler.ReadResource(params.URI); ok {
			return wrapText(params.URI, "application/json", string(raw)), nil
		}
	}

	mcpName, localURI, ok := splitToolID(params.URI)
	if !ok {
		return nil, &rpcframe.Error{Code: rpcframe.CodeInvalidParams, Message: "unknown resource: " + params.URI}
	}
	raw, err := s.deps.Manager.ForwardCall(ctx, mcpName, "resources/read", map[string]any{"uri": localURI}, nil, s.currentClientName())
	if err != nil {
		return nil, &rpcframe.Error{Code: rpcframe.CodeInternalError, Message: "resources/read failed: " + err.Error()}
	}
	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &rpcframe.Error{Code: rpcframe.CodeInternalError, Message: "resources/read: malformed downstream response"}
	}
	return result, nil
}

func wrapText(uri, mimeType, text string) any {
	return struct {
		Contents []resourceContent `json:"contents"`
	}{Contents: []resourceContent{{URI: uri, MimeType: mimeType, Text: text}}}
}

const gettingStartedText = `# NCP

NCP fronts every configured downstream MCP server behind exactly two tools:

- find: search or list indexed tools across all connected servers.
- run: execute a tool, identified as "mcp:tool", with its parameters.
`

// healthSnapshot renders the same checker set the composition root wires up
// for the auxiliary diagnostics listener, via deps.HealthChecker — no
// ambient global, no divergence between the two surfaces.
func (s *Server) healthSnapshot() string {
	rec := httptest.NewRecorder()
	s.deps.HealthChecker.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	return rec.Body.String()
}
