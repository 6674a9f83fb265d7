package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"changecache/internal/tracker"
)

// ReadinessChecker defines minimal readiness check for dependencies
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// StatsProvider exposes the change cache state for health output
type StatsProvider interface {
	Stats() tracker.Stats
}

type HealthHandler struct {
	checker ReadinessChecker
	stats   StatsProvider
}

func NewHealthHandler(checker ReadinessChecker, stats StatsProvider) *HealthHandler {
	return &HealthHandler{checker: checker, stats: stats}
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "ts": time.Now().UTC()})
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if h.checker != nil {
		if err := h.checker.Ready(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "unready", "error": err.Error()})
			return
		}
	}
	body := map[string]any{"status": "ready", "ts": time.Now().UTC()}
	if h.stats != nil {
		body["change_cache"] = h.stats.Stats()
	}
	_ = json.NewEncoder(w).Encode(body)
}
