package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"krds-cache/internal/cache/backend"
	"krds-cache/internal/cache/manager"
	"krds-cache/internal/cache/monitor"
	"krds-cache/internal/cacheerrors"
	"krds-cache/internal/logging"
)

// CacheService is the slice of the manager the HTTP layer depends on.
type CacheService interface {
	Get(ctx context.Context, key string) (interface{}, bool, error)
	Set(ctx context.Context, key string, value interface{}, opts manager.Options) error
	Invalidate(ctx context.Context, opts manager.InvalidateOptions) (int, error)
	Stats(ctx context.Context) map[string]backend.Stats
	GetMonitor() *monitor.Monitor
}

// Handlers holds the HTTP handlers for the cache service.
type Handlers struct {
	cache  CacheService
	logger logging.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(cache CacheService, logger logging.Logger) *Handlers {
	return &Handlers{cache: cache, logger: logger}
}

// Register wires all routes onto the router.
func (h *Handlers) Register(router *mux.Router) {
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/cache/metrics", h.Metrics).Methods(http.MethodGet)
	router.HandleFunc("/cache/summary", h.Summary).Methods(http.MethodGet)
	router.HandleFunc("/cache/trends", h.Trends).Methods(http.MethodGet)
	router.HandleFunc("/cache/alerts", h.Alerts).Methods(http.MethodGet)
	router.HandleFunc("/cache/stats", h.Stats).Methods(http.MethodGet)
	router.HandleFunc("/cache/invalidate", h.Invalidate).Methods(http.MethodPost)
	router.HandleFunc("/artifacts/{key}", h.GetArtifact).Methods(http.MethodGet)
	router.HandleFunc("/artifacts/{key}", h.PutArtifact).Methods(http.MethodPut)
	router.HandleFunc("/artifacts/{key}", h.DeleteArtifact).Methods(http.MethodDelete)
}

// Health reports service liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Metrics returns the monitor's current snapshot.
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.GetMonitor().GetCurrentMetrics())
}

// Summary returns the human-oriented performance digest.
func (h *Handlers) Summary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.GetMonitor().GetPerformanceSummary())
}

// Trends returns metric direction and change versus the prior window.
func (h *Handlers) Trends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.GetMonitor().AnalyzeTrends())
}

// Alerts returns the currently firing alerts.
func (h *Handlers) Alerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.GetMonitor().ActiveAlerts())
}

// Stats returns per-backend entry counts and byte usage.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Stats(r.Context()))
}

// GetArtifact serves one cached artifact or 404 when absent.
func (h *Handlers) GetArtifact(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	value, found, err := h.cache.Get(r.Context(), key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not cached"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "value": value})
}

// putArtifactRequest is the PUT body.
type putArtifactRequest struct {
	Value    interface{} `json:"value"`
	TTLMs    int64       `json:"ttl_ms,omitempty"`
	Strategy string      `json:"strategy,omitempty"`
	Tags     []string    `json:"tags,omitempty"`
	Priority string      `json:"priority,omitempty"`
	Backend  string      `json:"backend,omitempty"`
}

// PutArtifact stores an artifact with optional per-entry options.
func (h *Handlers) PutArtifact(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var req putArtifactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	opts := manager.Options{
		TTL:         time.Duration(req.TTLMs) * time.Millisecond,
		Strategy:    req.Strategy,
		Tags:        req.Tags,
		Priority:    manager.Priority(req.Priority),
		BackendHint: req.Backend,
	}
	if err := h.cache.Set(r.Context(), key, req.Value, opts); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "status": "cached"})
}

// DeleteArtifact removes one artifact from every backend.
func (h *Handlers) DeleteArtifact(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	removed, err := h.cache.Invalidate(r.Context(), manager.InvalidateOptions{Keys: []string{key}})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

// invalidateRequest is the POST /cache/invalidate body.
type invalidateRequest struct {
	Tags []string `json:"tags,omitempty"`
	Keys []string `json:"keys,omitempty"`
}

// Invalidate removes all entries matching the given tags or keys.
func (h *Handlers) Invalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.Tags) == 0 && len(req.Keys) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "at least one tag or key is required"})
		return
	}

	removed, err := h.cache.Invalidate(r.Context(), manager.InvalidateOptions{Tags: req.Tags, Keys: req.Keys})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

// writeError maps cache error kinds onto HTTP statuses.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	h.logger.Error("cache operation failed", err)

	status := http.StatusInternalServerError
	switch cacheerrors.GetKind(err) {
	case cacheerrors.KindAllBackendsUnavailable, cacheerrors.KindBackendUnavailable:
		status = http.StatusServiceUnavailable
	case cacheerrors.KindSerialization:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
