// Package app wires all Callwarden subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until ctx is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithSessionStore,
// WithClassifier, etc.). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/callwarden/callwarden/internal/analysis"
	"github.com/callwarden/callwarden/internal/api"
	"github.com/callwarden/callwarden/internal/config"
	"github.com/callwarden/callwarden/internal/health"
	"github.com/callwarden/callwarden/internal/livecache"
	"github.com/callwarden/callwarden/internal/observe"
	"github.com/callwarden/callwarden/internal/source"
	"github.com/callwarden/callwarden/pkg/classifier"
	clmock "github.com/callwarden/callwarden/pkg/classifier/mock"
	"github.com/callwarden/callwarden/pkg/classifier/scamdetect"
	"github.com/callwarden/callwarden/pkg/store"
	stmock "github.com/callwarden/callwarden/pkg/store/mock"
	"github.com/callwarden/callwarden/pkg/store/postgres"
)

// shutdownGrace bounds the HTTP server drain during shutdown.
const shutdownGrace = 10 * time.Second

// App owns all subsystem lifetimes for the Callwarden server.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	store      store.SessionStore
	classifier classifier.Classifier
	source     source.Provider
	cache      *livecache.Cache
	metrics    *observe.Metrics
	manager    *analysis.Manager
	server     *http.Server

	// dbPing is non-nil when a real database backs the store.
	dbPing func(context.Context) error

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session store instead of creating one from config.
func WithSessionStore(s store.SessionStore) Option {
	return func(a *App) { a.store = s }
}

// WithClassifier injects a classifier instead of creating one from config.
func WithClassifier(c classifier.Classifier) Option {
	return func(a *App) { a.classifier = c }
}

// WithSourceProvider injects a source provider instead of the file provider.
func WithSourceProvider(p source.Provider) Option {
	return func(a *App) { a.source = p }
}

// WithMetrics injects a metrics set instead of using the global default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Session store ─────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Classifier client ─────────────────────────────────────────────
	if err := a.initClassifier(); err != nil {
		return nil, fmt.Errorf("app: init classifier: %w", err)
	}

	// ── 3. Source provider ───────────────────────────────────────────────
	if a.source == nil {
		a.source = &source.FileProvider{Root: cfg.Storage.AssetRoot}
	}

	// ── 4. Live cache + metrics ──────────────────────────────────────────
	a.cache = livecache.New(cfg.Analysis.ScamThreshold)
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 5. Analysis manager ──────────────────────────────────────────────
	a.manager = analysis.NewManager(analysis.ManagerConfig{
		Config:     cfg,
		Classifier: a.classifier,
		Store:      a.store,
		Source:     a.source,
		Cache:      a.cache,
		Metrics:    a.metrics,
	})

	// ── 6. HTTP server ───────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// initStore sets up the PostgreSQL session store, or the in-memory one when
// no DSN is configured.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}

	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		slog.Warn("no postgres_dsn configured; using in-memory session store")
		a.store = &stmock.SessionStore{}
		return nil
	}

	st, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = st
	a.dbPing = st.Ping
	a.closers = append(a.closers, func() error {
		st.Close()
		return nil
	})
	return nil
}

// initClassifier creates the configured classifier client.
func (a *App) initClassifier() error {
	if a.classifier != nil {
		return nil // injected
	}

	switch a.cfg.Classifier.Name {
	case "scamdetect":
		var opts []scamdetect.Option
		if a.cfg.Classifier.BaseURL != "" {
			opts = append(opts, scamdetect.WithBaseURL(a.cfg.Classifier.BaseURL))
		}
		if a.cfg.Classifier.Model != "" {
			opts = append(opts, scamdetect.WithModel(a.cfg.Classifier.Model))
		}
		c, err := scamdetect.New(a.cfg.Classifier.APIKey, opts...)
		if err != nil {
			return err
		}
		a.classifier = c
		return nil

	case "mock":
		slog.Warn("using mock classifier; every segment scores zero")
		a.classifier = &clmock.Classifier{}
		return nil

	default:
		return fmt.Errorf("unknown classifier %q", a.cfg.Classifier.Name)
	}
}

// initHTTP builds the routed handler and the server around it.
func (a *App) initHTTP() {
	var checks []health.Check
	if a.dbPing != nil {
		checks = append(checks, health.Check{Name: "database", Probe: a.dbPing})
	}

	srv := api.NewServer(api.ServerConfig{
		Manager: a.manager,
		Health:  health.New(checks...),
		Metrics: a.metrics,
	})
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Manager exposes the analysis manager, mainly for tests.
func (a *App) Manager() *analysis.Manager { return a.manager }

// Run serves the HTTP API and blocks until ctx is cancelled or the listener
// fails. In-progress sessions are cancelled during the drain.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.cfg.Server.ListenAddr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		a.manager.StopAll()

		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.server.Shutdown(drainCtx); err != nil {
			slog.Warn("http drain incomplete", "err", err)
		}
		return nil
	})

	return g.Wait()
}

// Shutdown tears down the remaining subsystems in order. Safe to call more
// than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
