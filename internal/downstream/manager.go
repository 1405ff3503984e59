// Package downstream implements the connection manager (C3): a keyed pool of
// [childproc.Process] sessions, single-flight coalesced startup, circuit
// breaker gated retry of idempotent discovery calls, and _meta passthrough
// with NCP tracking fields.
package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/portel-dev/ncp/internal/childproc"
	"github.com/portel-dev/ncp/internal/profile"
	"github.com/portel-dev/ncp/internal/resilience"
)

// idempotentDiscoveryMethods are the only methods eligible for a single
// transparent restart+retry after SessionLost. tools/call is never retried
// because it may have side effects.
var idempotentDiscoveryMethods = map[string]bool{
	"tools/list":     true,
	"resources/list": true,
	"prompts/list":   true,
}

// SessionHealth is the externally visible health of one downstream session.
type SessionHealth struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	LastError string    `json:"lastError,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// Manager owns the pool of downstream sessions keyed by descriptor name.
// Safe for concurrent use.
type Manager struct {
	store *profile.Store

	clientInfo atomic.Pointer[childproc.ClientInfo]
	trackingID string

	mu       sync.RWMutex
	sessions map[string]*childproc.Process
	breakers map[string]*resilience.CircuitBreaker

	sf singleflight.Group

	initTimeout time.Duration
}

// New creates a Manager backed by store, using clientInfo for every new
// session's initialize handshake and trackingID to stamp every forwarded
// call's _meta.ncp_tracking_id.
func New(store *profile.Store, clientInfo childproc.ClientInfo, trackingID string) *Manager {
	m := &Manager{
		store:       store,
		sessions:    make(map[string]*childproc.Process),
		breakers:    make(map[string]*resilience.CircuitBreaker),
		trackingID:  trackingID,
		initTimeout: 10 * time.Second,
	}
	m.clientInfo.Store(&clientInfo)
	return m
}

// SetClientInfo rewrites the clientInfo used by the initialize handshake of
// every new session from now on. Existing sessions keep their own handshake
// and are not restarted.
func (m *Manager) SetClientInfo(info childproc.ClientInfo) {
	m.clientInfo.Store(&info)
}

// breakerFor returns (creating if needed) the circuit breaker gating restart
// attempts for a given descriptor name.
func (m *Manager) breakerFor(name string) *resilience.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "downstream:" + name,
		MaxFailures: 3,
	})
	m.breakers[name] = b
	return b
}

// GetSession returns the existing Ready session for name, starting one if
// necessary. Concurrent callers for the same name coalesce onto a single
// startup attempt via singleflight.
func (m *Manager) GetSession(ctx context.Context, name string) (*childproc.Process, error) {
	m.mu.RLock()
	if s, ok := m.sessions[name]; ok && s.State() == childproc.StateReady {
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	v, err, _ := m.sf.Do(name, func() (any, error) {
		m.mu.RLock()
		if s, ok := m.sessions[name]; ok && s.State() == childproc.StateReady {
			m.mu.RUnlock()
			return s, nil
		}
		m.mu.RUnlock()
		return m.start(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*childproc.Process), nil
}

func (m *Manager) start(ctx context.Context, name string) (*childproc.Process, error) {
	desc, ok := m.store.Descriptor(name)
	if !ok {
		return nil, fmt.Errorf("downstream: unknown mcp %q", name)
	}
	if !desc.Enabled {
		return nil, fmt.Errorf("downstream: mcp %q is disabled", name)
	}

	info := *m.clientInfo.Load()
	s, err := childproc.Start(ctx, childproc.Config{
		Name:        desc.Name,
		Command:     desc.Command,
		Args:        desc.Args,
		Env:         desc.Env,
		WorkingDir:  desc.WorkingDir,
		InitTimeout: m.initTimeout,
	}, info)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[name] = s
	m.mu.Unlock()
	return s, nil
}

// List returns the names of every enabled descriptor in the profile store;
// disabled descriptors are left out.
func (m *Manager) List() []string {
	descs := m.store.EnabledDescriptors()
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	return names
}

// HealthSnapshot returns the current health of every session currently held
// in the pool. A descriptor whose startup failed has no session and is not
// listed; a session replaced by a retry is no longer listed.
func (m *Manager) HealthSnapshot() []SessionHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionHealth, 0, len(m.sessions))
	for name, s := range m.sessions {
		h := SessionHealth{Name: name, State: s.State().String(), StartedAt: s.StartedAt()}
		if err := s.LastError(); err != nil {
			h.LastError = err.Error()
		}
		out = append(out, h)
	}
	return out
}

// ForwardCall attaches _meta to params (never overwriting a caller-supplied
// session_id) and forwards method to the named downstream. It retries once,
// transparently, for idempotent discovery methods after SessionLost,
// provided the descriptor is still enabled; tools/call is never retried.
func (m *Manager) ForwardCall(ctx context.Context, name, method string, params map[string]any, meta map[string]any, clientName string) (json.RawMessage, error) {
	fullParams := buildParams(params, meta, m.trackingID, clientName)

	sess, err := m.GetSession(ctx, name)
	if err != nil {
		return nil, err
	}

	result, err := sess.Call(ctx, method, fullParams)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, childproc.ErrSessionLost) {
		return nil, err
	}
	if !idempotentDiscoveryMethods[method] {
		return nil, err
	}

	desc, ok := m.store.Descriptor(name)
	if !ok || !desc.Enabled {
		return nil, err
	}

	breaker := m.breakerFor(name)
	var retryResult json.RawMessage
	retryErr := breaker.Execute(func() error {
		m.mu.Lock()
		delete(m.sessions, name)
		m.mu.Unlock()

		newSess, startErr := m.GetSession(ctx, name)
		if startErr != nil {
			return startErr
		}
		res, callErr := newSess.Call(ctx, method, fullParams)
		if callErr != nil {
			return callErr
		}
		retryResult = res
		return nil
	})
	if retryErr != nil {
		return nil, retryErr
	}
	return retryResult, nil
}

// buildParams merges the caller-supplied params and _meta, stamping the NCP
// tracking fields without ever overwriting a client-supplied session_id.
func buildParams(params map[string]any, meta map[string]any, trackingID, clientName string) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}

	fullMeta := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		fullMeta[k] = v
	}
	fullMeta["ncp_tracking_id"] = trackingID
	fullMeta["ncp_client"] = clientName
	out["_meta"] = fullMeta
	return out
}

// Close closes every managed session. Errors are collected and joined.
func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := make([]*childproc.Process, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
