// Package confirm implements the confirmation gate (C8): before a run() is
// forwarded downstream, it decides whether the target tool looks
// destructive enough to require explicit user consent, by scoring the tool
// against a configured "modifier pattern" via cosine similarity.
package confirm

import (
	"context"
	"fmt"

	"github.com/portel-dev/ncp/internal/profile"
	"github.com/portel-dev/ncp/internal/vectorindex"
	"github.com/portel-dev/ncp/pkg/provider/embeddings"
)

// RequiredError is returned when a run() needs explicit user consent before
// proceeding. The upstream server surfaces it as a -32001 ConfirmationRequired
// JSON-RPC error carrying these fields.
type RequiredError struct {
	ToolID      string
	Description string
	Pattern     string
	Params      map[string]any
	Confidence  float64
}

func (e *RequiredError) Error() string {
	return fmt.Sprintf("confirm: %q requires confirmation (confidence %.2f)", e.ToolID, e.Confidence)
}

// CancelledError is returned when a user response is present and is neither
// "yes" nor "always" (for example "no"). An absent response is not treated
// as a cancellation: the gate scores the tool again and may return a
// RequiredError. The upstream server surfaces CancelledError as a -32000
// OperationCancelled JSON-RPC error.
type CancelledError struct {
	ToolID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("confirm: run of %q was cancelled by the user", e.ToolID)
}

// UserResponse is the client's answer to a previously surfaced
// RequiredError, carried back on the retried run() call as _userResponse.
type UserResponse string

const (
	ResponseYes    UserResponse = "yes"
	ResponseAlways UserResponse = "always"
	ResponseNo     UserResponse = "no"
)

// Gate evaluates whether a run() may proceed.
type Gate struct {
	store    *profile.Store
	provider embeddings.Provider
}

// New constructs a Gate backed by store's GlobalSettings (enablement,
// modifier pattern, threshold, whitelist) and provider for scoring.
func New(store *profile.Store, provider embeddings.Provider) *Gate {
	return &Gate{store: store, provider: provider}
}

// Evaluate decides whether toolID may run. A nil return means proceed. A
// non-nil return is either a *RequiredError (the caller must re-invoke with
// a decision from the user) or a *CancelledError (abort outright).
//
// userResponse is the raw _userResponse field from the run() call, if any.
// The whitelist is persisted synchronously on ResponseAlways before Evaluate
// returns, so the tool is guaranteed never to need confirmation again once
// this call returns nil.
func (g *Gate) Evaluate(ctx context.Context, toolID, description string, params map[string]any, userResponse string) error {
	settings := g.store.Settings()
	cfg := settings.ConfirmBeforeRun
	if !cfg.Enabled {
		return nil
	}
	if contains(cfg.Whitelist, toolID) {
		return nil
	}

	if userResponse != "" {
		switch UserResponse(userResponse) {
		case ResponseYes:
			return nil
		case ResponseAlways:
			if err := g.store.AddToWhitelist(toolID); err != nil {
				return fmt.Errorf("confirm: persist whitelist: %w", err)
			}
			return nil
		default:
			return &CancelledError{ToolID: toolID}
		}
	}

	patternVec, err := g.provider.Embed(ctx, cfg.ModifierPattern)
	if err != nil {
		return fmt.Errorf("confirm: embed modifier pattern: %w", err)
	}
	toolVec, err := g.provider.Embed(ctx, toolID+" "+description)
	if err != nil {
		return fmt.Errorf("confirm: embed tool: %w", err)
	}

	similarity := vectorindex.Cosine(patternVec, toolVec)
	if similarity < cfg.VectorThreshold {
		return nil
	}

	return &RequiredError{
		ToolID:      toolID,
		Description: description,
		Pattern:     cfg.ModifierPattern,
		Params:      params,
		Confidence:  similarity,
	}
}

func contains(whitelist []string, toolID string) bool {
	for _, w := range whitelist {
		if w == toolID {
			return true
		}
	}
	return false
}
