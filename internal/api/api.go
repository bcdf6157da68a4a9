// Package api exposes the analysis service over HTTP.
//
//	POST /sessions              — start an analysis session
//	POST /sessions/{id}/stop    — cancel an in-progress session
//	GET  /sessions/{id}         — session row (running or completed)
//	GET  /sessions/{id}/live    — live monotone status snapshot
//	GET  /sessions/{id}/result  — final aggregate of a completed session
//	GET  /sessions/{id}/watch   — WebSocket stream of live status updates
//	GET  /healthz, /readyz      — probes
//	GET  /metrics               — Prometheus scrape endpoint
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callwarden/callwarden/internal/analysis"
	"github.com/callwarden/callwarden/internal/health"
	"github.com/callwarden/callwarden/internal/livecache"
	"github.com/callwarden/callwarden/internal/observe"
	"github.com/callwarden/callwarden/internal/source"
	"github.com/callwarden/callwarden/pkg/store"
)

// watchInterval is the cache poll cadence for /watch connections.
const watchInterval = 250 * time.Millisecond

// Server holds the HTTP handlers for the analysis service.
type Server struct {
	manager *analysis.Manager
	health  *health.Handler
	metrics *observe.Metrics
}

// ServerConfig holds the Server's dependencies.
type ServerConfig struct {
	Manager *analysis.Manager
	Health  *health.Handler

	// Metrics instruments request handling. May be nil.
	Metrics *observe.Metrics
}

// NewServer creates a Server.
func NewServer(cfg ServerConfig) *Server {
	return &Server{manager: cfg.Manager, health: cfg.Health, metrics: cfg.Metrics}
}

// Handler returns the routed HTTP handler, wrapped with the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleStart)
	mux.HandleFunc("POST /sessions/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /sessions/{id}/live", s.handleLive)
	mux.HandleFunc("GET /sessions/{id}/result", s.handleResult)
	mux.HandleFunc("GET /sessions/{id}/watch", s.handleWatch)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.health != nil {
		s.health.Register(mux)
	}
	return observe.Middleware(s.metrics)(mux)
}

type startRequest struct {
	SourceID string `json:"source_id"`
	AssetRef string `json:"asset_ref"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SourceID == "" {
		http.Error(w, "source_id is required", http.StatusBadRequest)
		return
	}
	if req.AssetRef == "" {
		http.Error(w, "asset_ref is required", http.StatusBadRequest)
		return
	}

	id, err := s.manager.Start(r.Context(), analysis.StartRequest{
		SourceID: req.SourceID,
		AssetRef: req.AssetRef,
	})
	if err != nil {
		if errors.Is(err, source.ErrSourceUnavailable) {
			http.Error(w, "source unavailable: "+err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, "failed to start session: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{SessionID: id})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Stop(id); err != nil {
		if errors.Is(err, analysis.ErrSessionNotRunning) {
			http.Error(w, "session not running", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to stop session: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type sessionResponse struct {
	SessionID   string     `json:"session_id"`
	SourceID    string     `json:"source_id"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	IsScam      *bool      `json:"is_scam,omitempty"`
	Probability *float64   `json:"probability,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load session: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:   sess.ID,
		SourceID:    sess.SourceID,
		StartedAt:   sess.StartedAt,
		CompletedAt: sess.CompletedAt,
		IsScam:      sess.IsScam,
		Probability: sess.Probability,
	})
}

// liveResponse is the wire form of a live cache snapshot.
type liveResponse struct {
	Probability  float64   `json:"probability"`
	IsScam       bool      `json:"is_scam"`
	SegmentIndex int       `json:"chunk_index"`
	Degraded     bool      `json:"degraded"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func liveView(st livecache.Status) liveResponse {
	return liveResponse{
		Probability:  st.Probability,
		IsScam:       st.IsScam,
		SegmentIndex: st.SegmentIndex,
		Degraded:     st.Degraded,
		UpdatedAt:    st.UpdatedAt,
	}
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	st, err := s.manager.Status(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, livecache.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to read live status: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, liveView(st))
}

type resultResponse struct {
	SessionID     string         `json:"session_id"`
	CompletedAt   time.Time      `json:"completed_at"`
	IsScam        bool           `json:"is_scam"`
	Probability   float64        `json:"probability"`
	Keywords      []string       `json:"keywords"`
	Transcription string         `json:"transcription"`
	Windows       []store.Window `json:"windows"`
	Degraded      bool           `json:"degraded"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.manager.Result(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Distinguish a session that is still running from one that
			// never existed.
			if _, sessErr := s.manager.Session(r.Context(), id); sessErr == nil {
				http.Error(w, "session still in progress", http.StatusConflict)
				return
			}
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load result: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{
		SessionID:     id,
		CompletedAt:   rec.CompletedAt,
		IsScam:        rec.IsScam,
		Probability:   rec.Probability,
		Keywords:      rec.Keywords,
		Transcription: rec.Transcription,
		Windows:       rec.Windows,
		Degraded:      rec.Degraded,
	})
}

// handleWatch upgrades to a WebSocket and pushes the live status whenever it
// changes, ending with the terminal snapshot once the session finalizes.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.manager.Status(id); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "session_id", id, "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "watch aborted")

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.manager.AwaitCompletion(ctx, id)
	}()

	var last liveResponse
	push := func() error {
		st, err := s.manager.Status(id)
		if err != nil {
			return err
		}
		view := liveView(st)
		if view == last {
			return nil
		}
		last = view
		return wsjson.Write(ctx, conn, view)
	}

	if err := push(); err != nil {
		return
	}

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := push(); err != nil {
				return
			}
		case <-done:
			// Final snapshot, then a clean close.
			if err := push(); err != nil {
				return
			}
			conn.Close(websocket.StatusNormalClosure, "session complete")
			return
		case <-ctx.Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
