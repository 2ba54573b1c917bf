package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/riftforge/gpu-orchestrator/internal/models"
	apierrors "github.com/riftforge/gpu-orchestrator/internal/pkg/errors"
	"github.com/riftforge/gpu-orchestrator/internal/pkg/response"
)

// jobTypes is the closed set of valid {type} path values the admin
// queue routes accept, mirroring internal/queue's own knownTypes.
var jobTypes = map[string]models.JobType{
	string(models.JobCreateInstance):  models.JobCreateInstance,
	string(models.JobMonitorStartup):  models.JobMonitorStartup,
	string(models.JobMonitorInstance): models.JobMonitorInstance,
	string(models.JobHealthCheck):     models.JobHealthCheck,
	string(models.JobSendWebhook):     models.JobSendWebhook,
	string(models.JobMigrateBatch):    models.JobMigrateBatch,
	string(models.JobMigrateInstance): models.JobMigrateInstance,
}

// QueueController is the narrow backpressure surface the admin
// routes drive (satisfied by *worker.Pool).
type QueueController interface {
	Pause(jobType models.JobType)
	Resume(jobType models.JobType)
}

// AdminHandler backs the supplemental admin backpressure routes:
// POST /admin/queue/{type}/pause and /resume.
type AdminHandler struct {
	pool QueueController
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(pool QueueController) *AdminHandler {
	return &AdminHandler{pool: pool}
}

// Routes returns a chi router with admin queue routes.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/queue/{type}/pause", h.Pause)
	r.Post("/queue/{type}/resume", h.Resume)
	return r
}

// Pause handles POST /admin/queue/{type}/pause.
func (h *AdminHandler) Pause(w http.ResponseWriter, r *http.Request) {
	jt, ok := h.resolveJobType(w, r)
	if !ok {
		return
	}
	h.pool.Pause(jt)
	response.OK(w, map[string]string{"type": string(jt), "status": "paused"})
}

// Resume handles POST /admin/queue/{type}/resume.
func (h *AdminHandler) Resume(w http.ResponseWriter, r *http.Request) {
	jt, ok := h.resolveJobType(w, r)
	if !ok {
		return
	}
	h.pool.Resume(jt)
	response.OK(w, map[string]string{"type": string(jt), "status": "resumed"})
}

func (h *AdminHandler) resolveJobType(w http.ResponseWriter, r *http.Request) (models.JobType, bool) {
	raw := chi.URLParam(r, "type")
	jt, ok := jobTypes[raw]
	if !ok {
		response.Error(w, r, apierrors.NewValidationError("type", "unknown job type "+raw))
		return "", false
	}
	return jt, true
}
