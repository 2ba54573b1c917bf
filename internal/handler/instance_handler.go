// Package handler provides HTTP handlers for the GPU orchestrator API:
// one Routes() chi.Router per resource, thin request-decode/
// response-encode wrappers around a service interface, errors routed
// through response.Error so every handler gets the same
// {data,error,meta} envelope.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/riftforge/gpu-orchestrator/internal/instance"
	"github.com/riftforge/gpu-orchestrator/internal/models"
	"github.com/riftforge/gpu-orchestrator/internal/orchestrator"
	apierrors "github.com/riftforge/gpu-orchestrator/internal/pkg/errors"
	"github.com/riftforge/gpu-orchestrator/internal/pkg/response"
)

// OrchestratorService is the narrow surface InstanceHandler calls
// (satisfied by *orchestrator.Orchestrator).
type OrchestratorService interface {
	CreateInstance(ctx context.Context, req orchestrator.CreateInstanceRequest) (*orchestrator.CreateInstanceResult, error)
	GetInstance(ctx context.Context, id string) (*models.InstanceState, error)
	ListInstancesComprehensive(ctx context.Context, opts instance.ListOptions) (*instance.ComprehensiveListing, error)
	StartInstance(ctx context.Context, identifier string, searchBy orchestrator.SearchBy) (*orchestrator.StartStopResult, error)
	StopInstance(ctx context.Context, identifier string, searchBy orchestrator.SearchBy) (*orchestrator.StartStopResult, error)
}

// AuditLister is the narrow audit-trail surface the supplemental
// GET /instances/:id/audit route reads through (satisfied by
// *audit.PostgresRepository). A nil AuditLister makes the route
// respond 404, matching the rest of the codebase's "a missing
// optional collaborator isn't wired" stance.
type AuditLister interface {
	List(ctx context.Context, query models.AuditLogQuery) ([]*models.AuditLog, error)
}

// InstanceHandler handles instance lifecycle HTTP requests.
type InstanceHandler struct {
	orch  OrchestratorService
	audit AuditLister
}

// NewInstanceHandler creates a new instance handler. auditLister may be
// nil if the deployment didn't wire Postgres.
func NewInstanceHandler(orch OrchestratorService, auditLister AuditLister) *InstanceHandler {
	return &InstanceHandler{orch: orch, audit: auditLister}
}

// Routes returns a chi router with instance routes.
func (h *InstanceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/start", h.Start)
	r.Post("/{id}/stop", h.Stop)
	r.Get("/{id}/audit", h.Audit)
	return r
}

// createInstanceHTTPRequest is the HTTP request body for POST /instances.
type createInstanceHTTPRequest struct {
	Name        string `json:"name"`
	ProductName string `json:"productName"`
	TemplateID  string `json:"templateId"`
	GPUNum      int    `json:"gpuNum"`
	RootfsSize  int    `json:"rootfsSize"`
	Region      string `json:"region"`
	WebhookURL  string `json:"webhookUrl"`
}

// Create handles POST /instances.
func (h *InstanceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createInstanceHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, apierrors.ErrBadRequest.WithMessage("invalid request body"))
		return
	}

	result, err := h.orch.CreateInstance(r.Context(), orchestrator.CreateInstanceRequest{
		Name:        req.Name,
		ProductName: req.ProductName,
		TemplateID:  req.TemplateID,
		GPUNum:      req.GPUNum,
		RootfsSize:  req.RootfsSize,
		Region:      req.Region,
		WebhookURL:  req.WebhookURL,
	})
	if err != nil {
		response.Error(w, r, err)
		return
	}

	response.Created(w, map[string]any{
		"instanceId":       result.InstanceID,
		"status":           result.Status,
		"estimatedReadyAt": result.EstimatedReadyAt,
	})
}

// Get handles GET /instances/{id}.
func (h *InstanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := h.orch.GetInstance(r.Context(), id)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, st)
}

// List handles GET /instances, supporting the query params
// `includeUpstreamOnly` and `syncLocalState`.
func (h *InstanceHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := instance.ListOptions{
		SyncLocalState:      parseBoolQuery(r, "syncLocalState"),
		IncludeUpstreamOnly: parseBoolQuery(r, "includeUpstreamOnly"),
	}
	listing, err := h.orch.ListInstancesComprehensive(r.Context(), opts)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, listing)
}

// Start handles POST /instances/{id}/start.
func (h *InstanceHandler) Start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := h.orch.StartInstance(r.Context(), id, orchestrator.SearchByID)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, map[string]any{
		"operationId":      result.OperationID,
		"status":           result.Status,
		"estimatedReadyAt": result.EstimatedReadyAt,
	})
}

// Stop handles POST /instances/{id}/stop.
func (h *InstanceHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := h.orch.StopInstance(r.Context(), id, orchestrator.SearchByID)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, map[string]any{
		"operationId":      result.OperationID,
		"status":           result.Status,
		"estimatedReadyAt": result.EstimatedReadyAt,
	})
}

// Audit handles GET /instances/{id}/audit, a supplemental route
// backed by internal/audit's Postgres-backed trail.
func (h *InstanceHandler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		response.NotFound(w, r, "audit trail")
		return
	}
	id := chi.URLParam(r, "id")
	resourceType := models.ResourceTypeInstance
	limit := 100
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}

	logs, err := h.audit.List(r.Context(), models.AuditLogQuery{
		ResourceType: &resourceType,
		ResourceID:   &id,
		Limit:        limit,
	})
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, logs)
}

func parseBoolQuery(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	if err != nil {
		return false
	}
	return v
}
