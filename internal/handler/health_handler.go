package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/riftforge/gpu-orchestrator/internal/pkg/response"
)

// Pinger is the narrow surface the health check uses to verify the
// KV backend is reachable (satisfied by *database.Redis).
type Pinger interface {
	Ping(ctx context.Context) error
}

// BreakerReporter is the narrow surface the health check uses to
// surface the upstream provider's circuit-breaker state per endpoint
// group (satisfied by *provider.Client).
type BreakerReporter interface {
	BreakerState() map[string]string
}

// HealthHandler backs GET /health: reports the process
// uptime and the liveness of every dependency it can cheaply check,
// returning 503 if any of them is down.
type HealthHandler struct {
	queue     Pinger
	provider  BreakerReporter
	startedAt time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(queue Pinger, provider BreakerReporter) *HealthHandler {
	return &HealthHandler{queue: queue, provider: provider, startedAt: time.Now().UTC()}
}

type serviceStatus struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type healthResponse struct {
	Status     string                   `json:"status"`
	Services   map[string]serviceStatus `json:"services"`
	Uptime     string                   `json:"uptime"`
	Generated  time.Time                `json:"generatedAt"`
}

// Check handles GET /health.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := map[string]serviceStatus{}
	healthy := true

	if err := h.queue.Ping(ctx); err != nil {
		services["queue"] = serviceStatus{Status: "down", Detail: err.Error()}
		healthy = false
	} else {
		services["queue"] = serviceStatus{Status: "up"}
	}

	for group, state := range h.provider.BreakerState() {
		svc := serviceStatus{Status: "up"}
		if state == "open" {
			svc = serviceStatus{Status: "degraded", Detail: "circuit open"}
		}
		services["upstream:"+group] = svc
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	response.JSON(w, code, healthResponse{
		Status:    status,
		Services:  services,
		Uptime:    time.Since(h.startedAt).String(),
		Generated: time.Now().UTC(),
	})
}
