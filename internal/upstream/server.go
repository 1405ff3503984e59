// Package upstream implements the upstream-facing side of NCP (C9): a
// JSON-RPC 2.0 server, framed identically to the downstream side via
// internal/rpcframe, that exposes exactly two tools (find and run) to the
// AI assistant driving it, while fanning run() out across every configured
// downstream MCP.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/portel-dev/ncp/internal/confirm"
	"github.com/portel-dev/ncp/internal/downstream"
	"github.com/portel-dev/ncp/internal/finder"
	"github.com/portel-dev/ncp/internal/health"
	"github.com/portel-dev/ncp/internal/indexer"
	"github.com/portel-dev/ncp/internal/observe"
	"github.com/portel-dev/ncp/internal/rpcframe"
)

// protocolVersion is the fixed MCP protocol version NCP advertises.
const protocolVersion = "2024-11-05"

// shutdownGrace bounds how long Serve waits for in-flight requests to
// finish after the upstream closes its side of stdin (EOF).
const shutdownGrace = 5 * time.Second

// SchedulerView lets the server surface scheduled jobs as ncp:// resources
// and dispatch the built-in "ncp:schedule"/"ncp:unschedule" pseudo-tools,
// without importing the scheduler package's full mutation surface.
type SchedulerView interface {
	ListResources() []ResourceSummary
	ReadResource(uri string) (json.RawMessage, bool)

	// CreateJob parses schedule and action, persists a new job, and returns
	// its JSON document. Duplicate and parse failures are returned as err.
	CreateJob(name, schedule, action string) (json.RawMessage, error)

	// CancelJob removes a job outright.
	CancelJob(id string) error
}

// AutoImporter is triggered asynchronously from initialize.
type AutoImporter interface {
	TriggerAsync(ctx context.Context, clientName string)
}

// ResourceSummary is one entry in a resources/list response.
type ResourceSummary struct {
	URI      string `json:"uri"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
}

// Deps bundles every collaborator the server dispatches to. Scheduler and
// AutoImport may be nil; the server degrades gracefully (no scheduled-job
// resources, no auto-import trigger) when they are absent.
type Deps struct {
	Finder        *finder.Finder
	Manager       *downstream.Manager
	Gate          *confirm.Gate
	Indexer       *indexer.Indexer
	Scheduler     SchedulerView
	AutoImport    AutoImporter
	Metrics       *observe.Metrics
	HealthChecker *health.Handler
}

// Server drives one upstream JSON-RPC connection for the lifetime of the
// process.
type Server struct {
	conn *rpcframe.Conn
	deps Deps

	mu         sync.RWMutex
	clientName string

	resources *resourceCache

	wg sync.WaitGroup
}

// New constructs a Server that reads requests from r and writes responses to
// w, both newline-framed JSON-RPC 2.0.
func New(r io.Reader, w io.Writer, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.HealthChecker == nil {
		deps.HealthChecker = health.New()
	}
	return &Server{
		conn:      rpcframe.New(r, w),
		deps:      deps,
		resources: newResourceCache(5 * time.Second),
	}
}

// Serve reads and dispatches requests until EOF or a read error. ctx is
// passed to every request handler; Serve does not watch it between reads, so
// cancelling ctx does not end a Serve that is waiting on a read. Request
// handlers run concurrently; responses are serialized by the underlying
// [rpcframe.Conn]. On EOF, Serve awaits in-flight handlers for up to
// shutdownGrace before returning, guaranteeing that any request already read
// gets a response written before the process exits.
func (s *Server) Serve(ctx context.Context) error {
	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return s.drain()
			}
			var rpcErr *rpcframe.Error
			if errors.As(err, &rpcErr) {
				_ = s.conn.WriteResponse(&rpcframe.Response{ID: rpcframe.IntID(0), Error: rpcErr})
				continue
			}
			return err
		}

		switch msg.Kind {
		case rpcframe.KindRequest:
			req := msg.Request
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleRequest(ctx, req)
			}()
		case rpcframe.KindNotification:
			s.handleNotification(msg.Notification)
		case rpcframe.KindResponse:
			// The upstream client never issues requests of its own to us in
			// this protocol surface; an unsolicited response is ignored.
		}
	}
}

// drain waits for in-flight handlers to finish, bounded by shutdownGrace.
func (s *Server) drain() error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		slog.Warn("upstream: shutdown grace period elapsed with requests still in flight")
	}
	return nil
}

// SetScheduler wires the scheduler in after construction, breaking the
// construction-order cycle between the server (which the scheduler notifies)
// and the scheduler (which the server dispatches "ncp:schedule" to).
func (s *Server) SetScheduler(sv SchedulerView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps.Scheduler = sv
}

// NotifyResourceUpdated emits a notifications/resources/updated message to
// the upstream client. It implements the scheduler's Notifier capability
// without the server depending on the scheduler package.
func (s *Server) NotifyResourceUpdated(uri string, payload any) {
	params, err := rpcframe.MarshalParams(map[string]any{"uri": uri, "payload": payload})
	if err != nil {
		slog.Warn("upstream: failed marshaling resource update", "uri", uri, "error", err)
		return
	}
	note := &rpcframe.Notification{Method: "notifications/resources/updated", Params: params}
	if err := s.conn.WriteNotification(note); err != nil {
		slog.Warn("upstream: failed writing resource update notification", "uri", uri, "error", err)
	}
}

func (s *Server) handleNotification(note *rpcframe.Notification) {
	switch note.Method {
	case "notifications/initialized":
		// Acknowledged implicitly; nothing to do.
	default:
		slog.Debug("upstream: unhandled notification", "method", note.Method)
	}
}

func (s *Server) handleRequest(ctx context.Context, req *rpcframe.Request) {
	var result any
	var rpcErr *rpcframe.Error

	switch req.Method {
	case "initialize":
		result, rpcErr = s.handleInitialize(ctx, req)
	case "tools/list":
		result = toolsListResult{Tools: []toolDescriptor{findToolDescriptor(), runToolDescriptor()}}
	case "tools/call":
		result, rpcErr = s.handleToolsCall(ctx, req)
	case "prompts/list":
		result, rpcErr = s.handlePromptsList(ctx)
	case "prompts/get":
		result, rpcErr = s.handlePromptsGet(ctx, req)
	case "resources/list":
		result, rpcErr = s.handleResourcesList(ctx)
	case "resources/read":
		result, rpcErr = s.handleResourcesRead(ctx, req)
	default:
		rpcErr = methodNotFoundError(req.Method)
	}

	resp := &rpcframe.Response{ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		data, err := json.Marshal(result)
		if err != nil {
			resp.Error = &rpcframe.Error{Code: rpcframe.CodeInternalError, Message: "internal: " + err.Error()}
		} else {
			resp.Result = data
		}
	}

	if err := s.conn.WriteResponse(resp); err != nil {
		slog.Warn("upstream: failed writing response", "method", req.Method, "error", err)
	}
}

type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ClientInfo      clientInfo      `json:"clientInfo"`
	Meta            json.RawMessage `json:"_meta,omitempty"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      clientInfo     `json:"serverInfo"`
	Meta            map[string]any `json:"_meta,omitempty"`
}

func (s *Server) handleInitialize(ctx context.Context, req *rpcframe.Request) (any, *rpcframe.Error) {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, invalidParamsError(err)
		}
	}

	s.mu.Lock()
	s.clientName = params.ClientInfo.Name
	s.mu.Unlock()

	if s.deps.AutoImport != nil {
		s.deps.AutoImport.TriggerAsync(ctx, params.ClientInfo.Name)
	}

	result := initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: map[string]any{
			"tools":     map[string]any{},
			"prompts":   map[string]any{},
			"resources": map[string]any{},
		},
		ServerInfo: clientInfo{Name: "ncp", Version: "dev"},
	}
	if meta := echoedMeta(params.Meta); meta != nil {
		result.Meta = meta
	}
	return result, nil
}

// echoedMeta extracts session_id (if present) from an inbound _meta object
// so it can be echoed back verbatim in a response's own _meta.
func echoedMeta(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil
	}
	sessionID, ok := meta["session_id"]
	if !ok {
		return nil
	}
	return map[string]any{"session_id": sessionID}
}

func invalidParamsError(err error) *rpcframe.Error {
	return &rpcframe.Error{Code: rpcframe.CodeInvalidParams, Message: "invalid params: " + err.Error()}
}

func methodNotFoundError(method string) *rpcframe.Error {
	known := []string{"initialize", "tools/list", "tools/call", "prompts/list", "prompts/get", "resources/list", "resources/read"}
	suggestion := closestWithinDistance(method, known, 2)
	msg := "method not found: " + method
	if suggestion != "" {
		msg += " (did you mean \"" + suggestion + "\"?)"
	}
	return &rpcframe.Error{Code: rpcframe.CodeMethodNotFound, Message: msg}
}

// currentClientName returns the name reported by the upstream client's initialize
// call, or "unknown" if initialize has not yet completed.
func (s *Server) currentClientName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.clientName == "" {
		return "unknown"
	}
	return s.clientName
}
