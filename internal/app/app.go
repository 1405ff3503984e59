// Package app wires every NCP subsystem into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run drives the upstream JSON-RPC server until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithManager,
// WithEmbeddingsProvider, WithVectorIndex). When an option is not provided,
// New creates a real implementation from settings.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/portel-dev/ncp/internal/autoimport"
	"github.com/portel-dev/ncp/internal/childproc"
	"github.com/portel-dev/ncp/internal/confirm"
	"github.com/portel-dev/ncp/internal/downstream"
	"github.com/portel-dev/ncp/internal/finder"
	"github.com/portel-dev/ncp/internal/health"
	"github.com/portel-dev/ncp/internal/indexer"
	"github.com/portel-dev/ncp/internal/observe"
	"github.com/portel-dev/ncp/internal/profile"
	"github.com/portel-dev/ncp/internal/scheduler"
	"github.com/portel-dev/ncp/internal/settings"
	"github.com/portel-dev/ncp/internal/upstream"
	"github.com/portel-dev/ncp/internal/vectorindex"
	"github.com/portel-dev/ncp/pkg/provider/embeddings"
	"github.com/portel-dev/ncp/pkg/provider/embeddings/hashvec"
	"github.com/portel-dev/ncp/pkg/provider/embeddings/ollama"
	"github.com/portel-dev/ncp/pkg/provider/embeddings/openai"
)

// clientName and clientVersion identify NCP itself to every downstream MCP
// server during the initialize handshake.
const (
	clientName    = "ncp"
	clientVersion = "dev"
)

// App owns every subsystem's lifetime and drives the upstream server.
type App struct {
	settings settings.Settings

	store      *profile.Store
	provider   embeddings.Provider
	index      *vectorindex.Index
	manager    *downstream.Manager
	ix         *indexer.Indexer
	find       *finder.Finder
	gate       *confirm.Gate
	sched      *scheduler.Scheduler
	importer   *autoimport.Importer
	metrics    *observe.Metrics
	health     *health.Handler
	srv        *upstream.Server

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New, used to inject test doubles.
type Option func(*App)

// WithManager injects a downstream connection manager instead of creating
// one from settings.
func WithManager(m *downstream.Manager) Option {
	return func(a *App) { a.manager = m }
}

// WithEmbeddingsProvider injects an embeddings provider instead of selecting
// one from settings.EmbeddingsProvider.
func WithEmbeddingsProvider(p embeddings.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithVectorIndex injects a vector index instead of opening one under
// settings.WorkingDir.
func WithVectorIndex(idx *vectorindex.Index) Option {
	return func(a *App) { a.index = idx }
}

// New wires every subsystem together against r (stdin) and w (stdout), the
// upstream JSON-RPC 2.0 transport. All initialization is synchronous except
// the background indexer sweep, started by Run, and auto-import, started by
// the upstream server when it handles initialize.
func New(ctx context.Context, st settings.Settings, r *os.File, w *os.File, opts ...Option) (*App, error) {
	a := &App{settings: st}
	for _, o := range opts {
		o(a)
	}

	metrics := observe.DefaultMetrics()
	a.metrics = metrics

	if err := a.initProfile(); err != nil {
		return nil, fmt.Errorf("app: init profile: %w", err)
	}
	if err := a.initEmbeddings(); err != nil {
		return nil, fmt.Errorf("app: init embeddings: %w", err)
	}
	if err := a.initVectorIndex(); err != nil {
		return nil, fmt.Errorf("app: init vector index: %w", err)
	}
	a.initDownstream()
	a.initIndexer()
	a.find = finder.New(a.index, a.provider)
	a.gate = confirm.New(a.store, a.provider)
	if err := a.initScheduler(); err != nil {
		return nil, fmt.Errorf("app: init scheduler: %w", err)
	}
	a.importer = autoimport.New(a.store, "")
	a.health = health.New(a.downstreamHealthChecker())

	a.srv = upstream.New(r, w, upstream.Deps{
		Finder:        a.find,
		Manager:       a.manager,
		Gate:          a.gate,
		Indexer:       a.ix,
		AutoImport:    a.importer,
		Metrics:       a.metrics,
		HealthChecker: a.health,
	})
	a.srv.SetScheduler(a.sched)
	a.sched.SetNotifier(a.srv)

	if st.DiagAddr != "" {
		a.initDiagServer(st.DiagAddr)
	}

	return a, nil
}

func (a *App) initProfile() error {
	store, err := profile.Open(a.settings.WorkingDir, a.settings.Profile)
	if err != nil {
		return err
	}
	a.store = store
	return nil
}

// initEmbeddings selects the embeddings provider named by settings, falling
// back to the dependency-free hashing provider if none is injected or
// configured.
func (a *App) initEmbeddings() error {
	if a.provider != nil {
		return nil
	}

	switch a.settings.EmbeddingsProvider {
	case "openai":
		var opts []openai.Option
		if a.settings.EmbeddingsBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(a.settings.EmbeddingsBaseURL))
		}
		model := a.settings.EmbeddingsModel
		if model == "" {
			model = "text-embedding-3-small"
		}
		p, err := openai.New(a.settings.EmbeddingsAPIKey, model, opts...)
		if err != nil {
			return fmt.Errorf("create openai embeddings provider: %w", err)
		}
		a.provider = p

	case "ollama":
		var opts []ollama.Option
		model := a.settings.EmbeddingsModel
		if model == "" {
			model = "nomic-embed-text"
		}
		p, err := ollama.New(a.settings.EmbeddingsBaseURL, model, opts...)
		if err != nil {
			return fmt.Errorf("create ollama embeddings provider: %w", err)
		}
		a.provider = p

	default:
		a.provider = hashvec.New(hashvec.DefaultDimensions)
	}

	slog.Info("embeddings provider selected", "provider", a.settings.EmbeddingsProvider, "model", a.provider.ModelID())
	return nil
}

func (a *App) initVectorIndex() error {
	if a.index != nil {
		return nil
	}
	idx, err := vectorindex.Open(filepath.Join(a.settings.WorkingDir, "cache"))
	if err != nil {
		return err
	}
	a.index = idx
	a.closers = append(a.closers, idx.Close)
	return nil
}

func (a *App) initDownstream() {
	if a.manager != nil {
		return
	}
	info := childproc.ClientInfo{Name: clientName, Version: clientVersion}
	trackingID := uuid.NewString()
	mgr := downstream.New(a.store, info, trackingID)
	a.manager = mgr
	a.closers = append(a.closers, mgr.Close)
}

func (a *App) initIndexer() {
	a.ix = indexer.New(a.manager, a.index, a.provider, a.metrics)
}

func (a *App) initScheduler() error {
	sched, err := scheduler.Open(a.settings.WorkingDir, nil)
	if err != nil {
		return err
	}
	a.sched = sched
	a.closers = append(a.closers, func() error {
		sched.Close()
		return nil
	})
	return nil
}

// downstreamHealthChecker reports failure when any downstream session is in
// the "failed" state. It backs both the ncp://status/health resource and
// the auxiliary diagnostics listener, so the two surfaces never diverge.
func (a *App) downstreamHealthChecker() health.Checker {
	return health.Checker{
		Name: "downstream",
		Check: func(ctx context.Context) error {
			for _, h := range a.manager.HealthSnapshot() {
				if h.State == "failed" {
					return fmt.Errorf("session %q is failed: %s", h.Name, h.LastError)
				}
			}
			return nil
		},
	}
}

func (a *App) initDiagServer(addr string) {
	mux := http.NewServeMux()
	a.health.Register(mux)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Warn("diagnostics server stopped", "error", err)
		}
	}()
	a.closers = append(a.closers, func() error {
		return srv.Close()
	})
}

// Run starts the indexer's background sweep and drives the upstream server
// until stdin reaches EOF or a read from it fails. ctx reaches the indexer
// and every request handler; cancelling it does not end a Serve that is
// waiting on stdin.
func (a *App) Run(ctx context.Context) error {
	go func() {
		if err := a.ix.Run(ctx); err != nil {
			slog.Warn("indexer stopped", "error", err)
		}
	}()

	slog.Info("ncp ready", "profile", a.settings.Profile, "working_dir", a.settings.WorkingDir)
	return a.srv.Serve(ctx)
}

// Manager returns the downstream connection manager. Exposed for tests and
// diagnostics tooling that needs to inspect live sessions.
func (a *App) Manager() *downstream.Manager { return a.manager }

// Scheduler returns the job scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Shutdown tears down every subsystem in reverse-init order.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
