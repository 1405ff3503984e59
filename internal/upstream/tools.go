package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/portel-dev/ncp/internal/confirm"
	"github.com/portel-dev/ncp/internal/finder"
	"github.com/portel-dev/ncp/internal/rpcframe"
)

// toolDescriptor is the MCP tools/list entry shape.
type toolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []toolDescriptor `json:"tools"`
}

func findToolDescriptor() toolDescriptor {
	return toolDescriptor{
		Name:        "find",
		Description: "Search for or list tools available across every connected MCP server.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"description":         map[string]any{"type": "string"},
				"limit":               map[string]any{"type": "integer"},
				"page":                map[string]any{"type": "integer", "minimum": 1},
				"confidence_threshold": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
				"depth":               map[string]any{"type": "integer", "enum": []int{0, 1, 2}},
			},
		},
	}
}

func runToolDescriptor() toolDescriptor {
	return toolDescriptor{
		Name:        "run",
		Description: "Execute a tool on a connected MCP server, identified as \"mcp:tool\".",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tool":          map[string]any{"type": "string"},
				"parameters":    map[string]any{"type": "object"},
				"dry_run":       map[string]any{"type": "boolean"},
				"_userResponse": map[string]any{"type": "string"},
			},
			"required": []string{"tool"},
		},
	}
}

// toolsCallParams is the params shape of a tools/call request. Meta carries
// the caller's own _meta object (e.g. session_id) verbatim through to the
// downstream forwarded call, alongside name/arguments per MCP convention.
type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Meta      json.RawMessage `json:"_meta,omitempty"`
}

// contentPart is one element of an MCP tools/call result's content array.
type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type toolsCallResult struct {
	Content []contentPart `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

func textResult(text string) toolsCallResult {
	return toolsCallResult{Content: []contentPart{{Type: "text", Text: text}}}
}

func (s *Server) handleToolsCall(ctx context.Context, req *rpcframe.Request) (any, *rpcframe.Error) {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, invalidParamsError(err)
	}

	switch params.Name {
	case "find":
		return s.handleFind(ctx, params.Arguments)
	case "run":
		return s.handleRun(ctx, params.Arguments, params.Meta)
	default:
		return nil, methodNotFoundError(params.Name)
	}
}

type findArgs struct {
	Description         string  `json:"description"`
	Limit                int     `json:"limit"`
	Page                 int     `json:"page"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	Depth                int     `json:"depth"`
}

func (s *Server) handleFind(ctx context.Context, raw json.RawMessage) (any, *rpcframe.Error) {
	var args findArgs
	args.Depth = int(finder.DepthFull)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, invalidParamsError(err)
		}
	}

	res, err := s.deps.Finder.Find(ctx, finder.Request{
		Query:               args.Description,
		Limit:                args.Limit,
		Page:                 args.Page,
		Depth:                finder.Depth(args.Depth),
		ConfidenceThreshold: args.ConfidenceThreshold,
	})
	if err != nil {
		return nil, &rpcframe.Error{Code: rpcframe.CodeInternalError, Message: "find failed: " + err.Error()}
	}

	indexingInProgress := false
	if s.deps.Indexer != nil {
		indexingInProgress = !s.deps.Indexer.Progress().Done
	}

	return textResult(renderFindResult(res, indexingInProgress)), nil
}

type runArgs struct {
	Tool         string          `json:"tool"`
	Parameters   json.RawMessage `json:"parameters"`
	DryRun       bool            `json:"dry_run"`
	UserResponse string          `json:"_userResponse"`
}

func (s *Server) handleRun(ctx context.Context, raw, rawMeta json.RawMessage) (any, *rpcframe.Error) {
	var args runArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidParamsError(err)
	}

	var meta map[string]any
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &meta); err != nil {
			return nil, invalidParamsError(err)
		}
	}

	mcpName, localName, ok := splitToolID(args.Tool)
	if !ok {
		return nil, &rpcframe.Error{
			Code:    rpcframe.CodeInvalidParams,
			Message: fmt.Sprintf("invalid tool identifier %q, expected \"mcp:tool\"", args.Tool),
		}
	}

	var params map[string]any
	if len(args.Parameters) > 0 {
		if err := json.Unmarshal(args.Parameters, &params); err != nil {
			return nil, invalidParamsError(err)
		}
	}

	if mcpName == "ncp" {
		return s.handleBuiltinRun(localName, params)
	}

	if args.DryRun {
		return textResult(fmt.Sprintf("dry run: would call %q on %q with parameters %s", localName, mcpName, string(args.Parameters))), nil
	}

	description := ""
	if rec, ok := s.deps.Finder.Lookup(args.Tool); ok {
		description = rec
	}

	if s.deps.Gate != nil {
		gateErr := s.deps.Gate.Evaluate(ctx, args.Tool, description, params, args.UserResponse)
		if gateErr != nil {
			return nil, gateErrorToRPC(gateErr)
		}
	}

	result, err := s.deps.Manager.ForwardCall(ctx, mcpName, "tools/call",
		map[string]any{"name": localName, "arguments": params}, meta, s.currentClientName())
	if err != nil {
		return nil, &rpcframe.Error{Code: rpcframe.CodeInternalError, Message: "run failed: " + err.Error(), Data: map[string]any{"tool": args.Tool}}
	}

	return relayDownstreamResult(result), nil
}

// handleBuiltinRun dispatches the "ncp:" pseudo-MCP's own tools (schedule,
// unschedule) without forwarding anywhere downstream.
func (s *Server) handleBuiltinRun(localName string, params map[string]any) (any, *rpcframe.Error) {
	if s.deps.Scheduler == nil {
		return nil, &rpcframe.Error{Code: rpcframe.CodeMethodNotFound, Message: "scheduler is not configured"}
	}

	switch localName {
	case "schedule":
		name, _ := params["name"].(string)
		schedule, _ := params["schedule"].(string)
		action, _ := params["action"].(string)
		raw, err := s.deps.Scheduler.CreateJob(name, schedule, action)
		if err != nil {
			return nil, &rpcframe.Error{Code: rpcframe.CodeInvalidParams, Message: "schedule failed: " + err.Error()}
		}
		return textResult(string(raw)), nil
	case "unschedule":
		id, _ := params["id"].(string)
		if err := s.deps.Scheduler.CancelJob(id); err != nil {
			return nil, &rpcframe.Error{Code: rpcframe.CodeInvalidParams, Message: "unschedule failed: " + err.Error()}
		}
		return textResult(fmt.Sprintf("cancelled job %q", id)), nil
	default:
		return nil, methodNotFoundError("ncp:" + localName)
	}
}

// splitToolID splits "mcp:tool" at its first colon.
func splitToolID(toolID string) (mcpName, localName string, ok bool) {
	idx := strings.IndexByte(toolID, ':')
	if idx <= 0 || idx == len(toolID)-1 {
		return "", "", false
	}
	return toolID[:idx], toolID[idx+1:], true
}

// relayDownstreamResult forwards a downstream tools/call result's content
// verbatim, wrapping a bare string as a single text part for backward
// compatibility.
func relayDownstreamResult(raw json.RawMessage) toolsCallResult {
	var structured toolsCallResult
	if err := json.Unmarshal(raw, &structured); err == nil && len(structured.Content) > 0 {
		return structured
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return textResult(s)
	}
	return textResult(string(raw))
}

func gateErrorToRPC(err error) *rpcframe.Error {
	var required *confirm.RequiredError
	if errors.As(err, &required) {
		return &rpcframe.Error{
			Code:    rpcframe.CodeConfirmationRequired,
			Message: required.Error(),
			Data: map[string]any{
				"tool":        required.ToolID,
				"description": required.Description,
				"parameters":  required.Params,
				"pattern":     required.Pattern,
				"confidence":  required.Confidence,
			},
		}
	}
	var cancelled *confirm.CancelledError
	if errors.As(err, &cancelled) {
		return &rpcframe.Error{
			Code:    rpcframe.CodeOperationCancelled,
			Message: cancelled.Error(),
			Data:    map[string]any{"tool": cancelled.ToolID},
		}
	}
	return &rpcframe.Error{Code: rpcframe.CodeInternalError, Message: "confirmation gate: " + err.Error()}
}
