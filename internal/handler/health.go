package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthChecker is anything readiness can ping.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

const readyTimeout = 5 * time.Second

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	deps map[string]HealthChecker
}

// NewHealthHandler takes the metadata store, the cache and the payload store.
// Nil entries are reported as "not configured" and do not fail readiness.
func NewHealthHandler(db, cache, blobs HealthChecker) *HealthHandler {
	return &HealthHandler{deps: map[string]HealthChecker{
		"postgres": db,
		"redis":    cache,
		"storage":  blobs,
	}}
}

// HealthResponse is the probe body.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz answers GET /healthz without touching dependencies.
func (h *HealthHandler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Readyz answers GET /readyz. All configured dependencies are pinged in
// parallel; any failure gives 503.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		g      errgroup.Group
		checks = make(map[string]string, len(h.deps))
		failed bool
	)
	for name, dep := range h.deps {
		if dep == nil {
			checks[name] = "not configured"
			continue
		}
		// Failures are recorded, not returned, so one slow or broken
		// dependency does not hide the others.
		g.Go(func() error {
			result := "ok"
			if err := dep.Ping(ctx); err != nil {
				result = "error: " + err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			checks[name] = result
			failed = failed || result != "ok"
			return nil
		})
	}
	_ = g.Wait()

	if failed {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Checks: checks})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Checks: checks})
}
