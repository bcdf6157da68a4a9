// Package health serves liveness and readiness probes.
//
//   - /healthz — liveness; a process that can serve HTTP is alive.
//   - /readyz  — readiness; 200 only while every registered [Check] passes.
//
// Both respond with a JSON object carrying a top-level "status" field ("ok"
// or "fail"); /readyz additionally reports each named check's outcome.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds a single readiness check.
const probeTimeout = 5 * time.Second

// Check is one named readiness probe, e.g. "database" or "classifier". Probe
// returns nil while the dependency is usable and must respect ctx.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

type response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The check list is fixed at
// construction; Handler is safe for concurrent use.
type Handler struct {
	checks []Check
}

// New creates a Handler evaluating the given checks, in order, on every
// /readyz request.
func New(checks ...Check) *Handler {
	c := make([]Check, len(checks))
	copy(c, checks)
	return &Handler{checks: c}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz runs every check and returns 200 only when all pass, 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checks))
	ready := true

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := c.Probe(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ready = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := response{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
