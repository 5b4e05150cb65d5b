package health

import (
	"context"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hilthontt/dropchat/internal/infrastructure/json"
)

const checkTimeout = 2 * time.Second

// Check reports whether a backing dependency is reachable.
type Check func(ctx context.Context) error

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
}

type Handler struct {
	startTime time.Time
	draining  atomic.Bool
	checks    map[string]Check
}

func NewHandler(checks map[string]Check) *Handler {
	return &Handler{
		startTime: time.Now(),
		checks:    checks,
	}
}

// Drain makes every probe report unhealthy so load balancers stop routing
// new streams here during shutdown.
func (h *Handler) Drain() {
	h.draining.Store(true)
}

func (h *Handler) response(status string) healthResponse {
	return healthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	}
}

// GetHealth is the liveness probe.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		_ = json.Write(w, http.StatusServiceUnavailable, h.response("unhealthy"))
		return
	}

	_ = json.Write(w, http.StatusOK, h.response("ok"))
}

// GetReady additionally runs every dependency check.
func (h *Handler) GetReady(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		_ = json.Write(w, http.StatusServiceUnavailable, h.response("unhealthy"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := h.response("ok")
	resp.Checks = make(map[string]string, len(names))
	status := http.StatusOK
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	_ = json.Write(w, status, resp)
}
