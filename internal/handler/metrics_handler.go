package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/riftforge/gpu-orchestrator/internal/metrics"
	"github.com/riftforge/gpu-orchestrator/internal/pkg/response"
)

// MetricsHandler backs the JSON metrics snapshot routes: a
// view of the in-process registry mounted under /metrics/stats
// in cmd/server, leaving the bare /metrics path for the raw Prometheus
// scrape endpoint (promhttp.Handler), since that wire format isn't
// JSON and doesn't belong behind the response envelope.
type MetricsHandler struct {
	registry *metrics.Registry
}

// NewMetricsHandler creates a new metrics handler.
func NewMetricsHandler(registry *metrics.Registry) *MetricsHandler {
	return &MetricsHandler{registry: registry}
}

// Routes returns a chi router with metrics routes.
func (h *MetricsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Snapshot)
	r.Get("/endpoints", h.Endpoints)
	r.Get("/jobs", h.Jobs)
	r.Get("/system", h.System)
	return r
}

// Snapshot handles GET /metrics/stats.
func (h *MetricsHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.registry.GetSnapshot())
}

// Endpoints handles GET /metrics/stats/endpoints.
func (h *MetricsHandler) Endpoints(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.registry.GetSnapshot().Endpoints)
}

// Jobs handles GET /metrics/stats/jobs.
func (h *MetricsHandler) Jobs(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.registry.GetSnapshot().Jobs)
}

// System handles GET /metrics/stats/system.
func (h *MetricsHandler) System(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.registry.GetSnapshot().System)
}
