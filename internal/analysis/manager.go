// Package analysis orchestrates scam-call analysis sessions. A [Manager]
// owns the full per-session lifecycle: source acquisition, per-session key
// derivation, paced segmentation, concurrent dispatch, live cache updates,
// and final aggregation + persistence.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/callwarden/callwarden/internal/aggregate"
	"github.com/callwarden/callwarden/internal/config"
	"github.com/callwarden/callwarden/internal/dispatch"
	"github.com/callwarden/callwarden/internal/envelope"
	"github.com/callwarden/callwarden/internal/livecache"
	"github.com/callwarden/callwarden/internal/observe"
	"github.com/callwarden/callwarden/internal/resilience"
	"github.com/callwarden/callwarden/internal/segment"
	"github.com/callwarden/callwarden/internal/source"
	"github.com/callwarden/callwarden/pkg/classifier"
	"github.com/callwarden/callwarden/pkg/store"
)

// ErrSessionNotRunning is returned by [Manager.Stop] when no in-progress
// session exists for the identifier (unknown, or already finalized).
var ErrSessionNotRunning = errors.New("analysis: session not running")

// StartRequest describes one analysis run to begin.
type StartRequest struct {
	// SourceID identifies the audio source, e.g. the originating number.
	SourceID string

	// AssetRef locates the recording for the source provider.
	AssetRef string
}

// ManagerConfig holds all dependencies for a [Manager].
type ManagerConfig struct {
	Config     *config.Config
	Classifier classifier.Classifier
	Store      store.SessionStore
	Source     source.Provider
	Cache      *livecache.Cache

	// Metrics instruments the pipeline. May be nil.
	Metrics *observe.Metrics
}

// Manager runs analysis sessions. Any number of sessions run independently
// in parallel; there is no global lock across sessions beyond the registry
// map guarding Start/Stop bookkeeping. All exported methods are safe for
// concurrent use.
type Manager struct {
	cfg        *config.Config
	classifier classifier.Classifier
	store      store.SessionStore
	source     source.Provider
	cache      *livecache.Cache
	metrics    *observe.Metrics

	breaker  *resilience.Breaker
	inflight *semaphore.Weighted

	mu       sync.Mutex
	sessions map[string]*session
}

// session is the Manager's bookkeeping for one in-progress run.
type session struct {
	id       string
	sourceID string
	cancel   context.CancelFunc
	tracker  *dispatch.Tracker

	// done is closed once the session is finalized.
	done chan struct{}
}

// NewManager creates a Manager with the given dependencies.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		cfg:        cfg.Config,
		classifier: cfg.Classifier,
		store:      cfg.Store,
		source:     cfg.Source,
		cache:      cfg.Cache,
		metrics:    cfg.Metrics,
		sessions:   make(map[string]*session),
	}
	m.breaker = resilience.New(resilience.Config{
		Name:        "classifier",
		MaxFailures: cfg.Config.Analysis.Breaker.MaxFailures,
		ResetAfter:  cfg.Config.Analysis.Breaker.ResetTimeout,
		ProbeBudget: cfg.Config.Analysis.Breaker.HalfOpenMax,
	})
	if n := cfg.Config.Analysis.MaxInflight; n > 0 {
		m.inflight = semaphore.NewWeighted(int64(n))
	}
	return m
}

// Start begins a new analysis session for req and returns its identifier.
// It acquires the source first, so an unreadable recording fails fast with
// [source.ErrSourceUnavailable] before any segment is emitted or persisted
// state created. The analysis itself proceeds on background goroutines;
// Start returns as soon as the session is registered.
func (m *Manager) Start(ctx context.Context, req StartRequest) (string, error) {
	stream, err := m.source.Acquire(ctx, req.AssetRef)
	if err != nil {
		return "", fmt.Errorf("analysis: acquire source: %w", err)
	}

	// Derive the session key before creating any persisted or cached state,
	// so a sealing setup failure leaves nothing behind.
	sealer, err := envelope.NewSealer(m.cfg.Crypto.Secret, m.cfg.Crypto.KDFIterations)
	if err != nil {
		return "", fmt.Errorf("analysis: derive session key: %w", err)
	}

	id := uuid.NewString()

	if err := m.store.CreateSession(ctx, store.Session{
		ID:        id,
		SourceID:  req.SourceID,
		StartedAt: time.Now(),
	}); err != nil {
		return "", fmt.Errorf("analysis: create session: %w", err)
	}

	m.cache.Init(id)

	// The session outlives the Start request: derive its context from the
	// background, not from ctx.
	runCtx, cancel := context.WithCancel(context.Background())

	sess := &session{
		id:       id,
		sourceID: req.SourceID,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	sess.tracker = dispatch.NewTracker(dispatch.TrackerConfig{
		SessionID:  id,
		SourceID:   req.SourceID,
		Sealer:     sealer,
		Classifier: m.classifier,
		Timeout:    m.cfg.Analysis.DispatchTimeout,
		Breaker:    m.breaker,
		Inflight:   m.inflight,
		Metrics:    m.metrics,
		OnResult:   func(r dispatch.SegmentResult) { m.applyResult(r) },
	})

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(runCtx, 1)
	}
	slog.Info("analysis session started",
		"session_id", id,
		"source_id", req.SourceID,
		"duration", stream.Duration,
		"segment_length", m.cfg.Analysis.SegmentLength,
	)

	go m.run(runCtx, sess, stream)
	return id, nil
}

// run drives one session to completion: paced segmentation, the join on all
// dispatch operations, and finalization.
func (m *Manager) run(ctx context.Context, sess *session, stream source.Stream) {
	ctx, span := observe.StartSpan(ctx, "analysis.session")
	defer span.End()

	sched := &segment.Scheduler{
		SegmentLength: m.cfg.Analysis.SegmentLength,
		PacingFactor:  m.cfg.Analysis.PacingFactor,
	}

	err := sched.Run(ctx, stream, func(seg segment.Segment) {
		sess.tracker.Spawn(ctx, seg)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("scheduler stopped early", "session_id", sess.id, "err", err)
	}

	// Join on every spawned operation. Cancelled operations resolve with a
	// failure marker, and each live one enforces its own timeout, so this
	// wait is finite. Deliberately not bound to ctx: a stopped session still
	// drains its operations before aggregation.
	if err := sess.tracker.Wait(context.Background()); err != nil {
		slog.Error("tracker wait failed", "session_id", sess.id, "err", err)
	}

	m.finalize(sess)
}

// applyResult folds one resolved segment into the live cache.
func (m *Manager) applyResult(r dispatch.SegmentResult) {
	err := m.cache.Apply(r.SessionID, livecache.Update{
		SegmentIndex: r.Index,
		Probability:  r.Probability,
		Failed:       r.Failed(),
	})
	if err != nil {
		slog.Warn("cache update dropped", "session_id", r.SessionID, "segment_index", r.Index, "err", err)
		return
	}
	if m.metrics != nil {
		m.metrics.CacheUpdates.Add(context.Background(), 1)
	}
}

// finalize merges all retained results into the final aggregate, persists
// it, and retires the session from the registry. The live cache entry stays
// available for polling clients; cleanup of terminal entries is the owning
// process's concern (e.g. a TTL sweep).
func (m *Manager) finalize(sess *session) {
	results := sess.tracker.Finalize()
	agg := aggregate.Merge(sess.id, results, m.cfg.Analysis.ScamThreshold)

	rec := store.FinalRecord{
		CompletedAt:   time.Now(),
		IsScam:        agg.IsScam,
		Probability:   agg.Probability,
		Keywords:      agg.Keywords,
		Transcription: agg.Transcription,
		Windows:       make([]store.Window, len(agg.Windows)),
		Degraded:      agg.Degraded,
	}
	for i, w := range agg.Windows {
		rec.Windows[i] = store.Window(w)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.store.FinalizeSession(ctx, sess.id, rec); err != nil {
		slog.Error("persist final aggregate", "session_id", sess.id, "err", err)
	}

	m.mu.Lock()
	delete(m.sessions, sess.id)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, -1)
	}
	slog.Info("analysis session finalized",
		"session_id", sess.id,
		"probability", agg.Probability,
		"is_scam", agg.IsScam,
		"windows", len(agg.Windows),
		"degraded", agg.Degraded,
	)
	close(sess.done)
}

// Stop cancels an in-progress session: the scheduler cuts no further
// segments and every pending dispatch operation is cancelled at its
// suspension point. Cancelled segments are counted as failed in the final
// aggregate; segments never emitted are excluded entirely. Stop returns
// once cancellation is signalled — finalization still runs asynchronously.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotRunning
	}

	slog.Info("stopping analysis session", "session_id", id)
	sess.cancel()
	sess.tracker.Cancel()
	return nil
}

// Status returns the live cache snapshot for the session.
func (m *Manager) Status(id string) (livecache.Status, error) {
	return m.cache.Get(id)
}

// Result returns the final aggregate for a completed session.
func (m *Manager) Result(ctx context.Context, id string) (store.FinalRecord, error) {
	return m.store.GetFinal(ctx, id)
}

// Session returns the persisted session row.
func (m *Manager) Session(ctx context.Context, id string) (store.Session, error) {
	return m.store.GetSession(ctx, id)
}

// Running reports the number of in-progress sessions.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// AwaitCompletion blocks until the session with id has been finalized or
// ctx is done. Sessions unknown to the registry are treated as already
// complete.
func (m *Manager) AwaitCompletion(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-sess.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll cancels every in-progress session. Used during shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(id); err != nil && !errors.Is(err, ErrSessionNotRunning) {
			slog.Warn("stop session", "session_id", id, "err", err)
		}
	}
}
