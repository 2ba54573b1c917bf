// Package orchestrator is the thin coordinator sitting above the
// domain services: it validates a request, resolves a product and
// template, persists the initial InstanceState, and hands lifecycle
// work off to the job queue. It calls the provider itself only for the
// synchronous start/stop acknowledgement and for GetInstance's refresh
// of connection details.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/riftforge/gpu-orchestrator/internal/instance"
	"github.com/riftforge/gpu-orchestrator/internal/models"
	apierrors "github.com/riftforge/gpu-orchestrator/internal/pkg/errors"
	"github.com/riftforge/gpu-orchestrator/internal/pkg/ulid"
	"github.com/riftforge/gpu-orchestrator/internal/provider"
	"github.com/riftforge/gpu-orchestrator/internal/selector"
)

// ProductSelector is the narrow product-selection surface createInstance
// needs (satisfied by *selector.Selector).
type ProductSelector interface {
	GetOptimalProductWithFallback(ctx context.Context, productName, preferredRegionName string, regions []models.RegionConfig, gpuType string) (*selector.Result, error)
}

// TemplateResolver is the narrow template-resolution surface
// createInstance needs (satisfied by *template.Resolver).
type TemplateResolver interface {
	GetTemplateConfiguration(ctx context.Context, id string) (*models.TemplateConfig, error)
}

// InstanceStore is the narrow instance-state surface this package
// writes through (satisfied by *instance.Store).
type InstanceStore interface {
	Create(ctx context.Context, st models.InstanceState) error
	Get(ctx context.Context, id string) (*models.InstanceState, error)
	UpdateInstanceState(ctx context.Context, id string, patch instance.Patch) (*models.InstanceState, error)
}

// ComprehensiveLister is the narrow merge surface
// listInstancesComprehensive delegates to (satisfied by *instance.Lister).
type ComprehensiveLister interface {
	ListInstancesComprehensive(ctx context.Context, opts instance.ListOptions) (*instance.ComprehensiveListing, error)
}

// Enqueuer is the narrow job-queue surface every operation below uses
// to hand lifecycle work off to the worker pool (satisfied by
// *queue.Queue).
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType models.JobType, payload any, priority models.Priority, maxAttempts int, idempotencyKey string) (id string, created bool, err error)
}

// ProviderLifecycle is the narrow upstream-provider surface start/stop
// use directly — everything else about an instance's lifecycle flows
// through jobs. Satisfied by *provider.Client, whose retry/breaker
// handling already covers the "call the provider with retry"
// requirement.
type ProviderLifecycle interface {
	StartInstance(ctx context.Context, upstreamID string) error
	StopInstance(ctx context.Context, upstreamID string) error
	GetInstance(ctx context.Context, upstreamID string) (*provider.Instance, error)
}

// AuditRecorder is the narrow supplemental audit-trail surface the
// orchestrator writes through (satisfied by *audit.Recorder). A nil
// AuditRecorder is valid and simply records nothing.
type AuditRecorder interface {
	Record(ctx context.Context, event models.AuditEvent, resourceType models.ResourceType, resourceID string, actorType models.ActorType, actorID string, details any)
}

// SearchBy selects how startInstance/stopInstance resolve their
// identifier argument.
type SearchBy string

const (
	SearchByID   SearchBy = "id"
	SearchByName SearchBy = "name"
)

// refreshableStatuses are the lifecycle states where the upstream view
// may have changed since the last write, so getInstance refreshes
// connection/port info against the provider before returning. Status
// itself is never overwritten here — only a job handler that knows the
// legal transitions (internal/instance.transitions.go) may change it.
var refreshableStatuses = map[models.InstanceStatus]bool{
	models.StatusStarting:       true,
	models.StatusHealthChecking: true,
	models.StatusReady:          true,
	models.StatusStopping:       true,
	models.StatusMigrating:      true,
}

var instanceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("instancename", func(fl validator.FieldLevel) bool {
		return instanceNamePattern.MatchString(fl.Field().String())
	})
	return v
}

// validatableCreate mirrors CreateInstanceRequest with validator tags,
// the exact bounds accepted on POST /instances.
type validatableCreate struct {
	Name        string `validate:"required,min=1,max=100,instancename"`
	ProductName string `validate:"required,min=1,max=200"`
	TemplateID  string `validate:"required"`
	GPUNum      int    `validate:"min=1,max=8"`
	RootfsSize  int    `validate:"min=20,max=1000"`
	WebhookURL  string `validate:"omitempty,url"`
}

// CreateInstanceRequest is the validated body of POST /instances.
type CreateInstanceRequest struct {
	Name        string
	ProductName string
	TemplateID  string
	GPUNum      int
	RootfsSize  int
	Region      string // preferred region name, optional
	WebhookURL  string
}

// CreateInstanceResult is what createInstance hands back to the caller.
type CreateInstanceResult struct {
	InstanceID       string
	Status           models.InstanceStatus
	EstimatedReadyAt time.Time
}

// StartStopResult is what startInstance/stopInstance hand back.
type StartStopResult struct {
	OperationID      string
	Status           models.InstanceStatus
	EstimatedReadyAt time.Time
}

// Config tunes the orchestrator's defaults and estimates.
type Config struct {
	Logger                  *slog.Logger
	Regions                 []models.RegionConfig
	DefaultGPUNum           int
	DefaultRootfsSize       int
	DefaultMaxAttempts      int
	StartupMaxWaitMs        int64
	EstimatedCreateDuration time.Duration
	EstimatedStartDuration  time.Duration
	EstimatedStopDuration   time.Duration
}

// Orchestrator is the top-level coordinator: one constructor-injected
// collaborator per upstream concern, narrow interfaces throughout so
// tests substitute fakes instead of a live Redis/HTTP stack.
type Orchestrator struct {
	selector  ProductSelector
	templates TemplateResolver
	store     InstanceStore
	lister    ComprehensiveLister
	queue     Enqueuer
	provider  ProviderLifecycle
	audit     AuditRecorder
	logger    *slog.Logger

	regions                 []models.RegionConfig
	defaultGPUNum           int
	defaultRootfsSize       int
	defaultMaxAttempts      int
	startupMaxWaitMs        int64
	estimatedCreateDuration time.Duration
	estimatedStartDuration  time.Duration
	estimatedStopDuration   time.Duration
}

// New constructs an Orchestrator.
func New(
	sel ProductSelector,
	templates TemplateResolver,
	store InstanceStore,
	lister ComprehensiveLister,
	queue Enqueuer,
	prov ProviderLifecycle,
	auditRecorder AuditRecorder,
	cfg Config,
) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gpuNum := cfg.DefaultGPUNum
	if gpuNum == 0 {
		gpuNum = 1
	}
	rootfsSize := cfg.DefaultRootfsSize
	if rootfsSize == 0 {
		rootfsSize = 60
	}
	maxAttempts := cfg.DefaultMaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	maxWaitMs := cfg.StartupMaxWaitMs
	if maxWaitMs == 0 {
		maxWaitMs = 300000
	}
	createDur := cfg.EstimatedCreateDuration
	if createDur == 0 {
		createDur = 2 * time.Minute
	}
	startDur := cfg.EstimatedStartDuration
	if startDur == 0 {
		startDur = time.Minute
	}
	stopDur := cfg.EstimatedStopDuration
	if stopDur == 0 {
		stopDur = 30 * time.Second
	}

	return &Orchestrator{
		selector:                sel,
		templates:               templates,
		store:                   store,
		lister:                  lister,
		queue:                   queue,
		provider:                prov,
		audit:                   auditRecorder,
		logger:                  logger,
		regions:                 cfg.Regions,
		defaultGPUNum:           gpuNum,
		defaultRootfsSize:       rootfsSize,
		defaultMaxAttempts:      maxAttempts,
		startupMaxWaitMs:        maxWaitMs,
		estimatedCreateDuration: createDur,
		estimatedStartDuration:  startDur,
		estimatedStopDuration:   stopDur,
	}
}

// CreateInstance validates the request, selects a product,
// resolve the cheapest available product across regions, resolve and
// validate the template, write the initial CREATING record, and
// enqueue the provisioning job.
func (o *Orchestrator) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*CreateInstanceResult, error) {
	if req.GPUNum == 0 {
		req.GPUNum = o.defaultGPUNum
	}
	if req.RootfsSize == 0 {
		req.RootfsSize = o.defaultRootfsSize
	}
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	picked, err := o.selector.GetOptimalProductWithFallback(ctx, req.ProductName, req.Region, o.regions, "")
	if err != nil {
		return nil, err
	}

	tplCfg, err := o.templates.GetTemplateConfiguration(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}

	id := ulid.New()
	st := models.InstanceState{
		ID:         id,
		Name:       req.Name,
		Status:     models.StatusCreating,
		ProductID:  picked.Product.ID,
		Region:     picked.RegionUsed,
		GPUNum:     req.GPUNum,
		RootfsSize: req.RootfsSize,
		TemplateID: tplCfg.ID,
		Ports:      tplCfg.Ports,
		Envs:       tplCfg.Envs,
		WebhookURL: req.WebhookURL,
	}
	if err := o.store.Create(ctx, st); err != nil {
		return nil, err
	}

	payload := models.CreateInstancePayload{
		InstanceID:     id,
		Name:           req.Name,
		ProductID:      picked.Product.ID,
		TemplateConfig: *tplCfg,
		GPUNum:         req.GPUNum,
		RootfsSize:     req.RootfsSize,
		Region:         picked.RegionUsed,
		WebhookURL:     req.WebhookURL,
	}
	if _, _, err := o.queue.Enqueue(ctx, models.JobCreateInstance, payload, models.PriorityNormal, o.defaultMaxAttempts, ""); err != nil {
		// Roll the record forward to FAILED rather than leaving an
		// orphaned CREATING record with no job behind it.
		_, _ = o.store.UpdateInstanceState(ctx, id, func(s *models.InstanceState) {
			s.Status = models.StatusFailed
			s.LastError = err.Error()
		})
		return nil, err
	}

	o.logger.Info("instance creation enqueued",
		"instanceId", id, "productId", picked.Product.ID, "region", picked.RegionUsed)
	o.recordAudit(ctx, models.AuditEventInstanceCreated, models.ResourceTypeInstance, id, map[string]string{
		"productId": picked.Product.ID, "region": picked.RegionUsed,
	})

	return &CreateInstanceResult{
		InstanceID:       id,
		Status:           models.StatusCreating,
		EstimatedReadyAt: time.Now().UTC().Add(o.estimatedCreateDuration),
	}, nil
}

// GetInstance reads the state
// record (which itself checks the instance-details cache first), and
// if the instance is in a lifecycle stage where upstream is
// authoritative, refresh connection/port info against the provider.
func (o *Orchestrator) GetInstance(ctx context.Context, id string) (*models.InstanceState, error) {
	st, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !refreshableStatuses[st.Status] || st.UpstreamID == "" {
		return st, nil
	}

	live, err := o.provider.GetInstance(ctx, st.UpstreamID)
	if err != nil {
		o.logger.Warn("refresh against provider failed, returning last known state",
			"instanceId", id, "upstreamId", st.UpstreamID, "error", err.Error())
		return st, nil
	}

	updated, err := o.store.UpdateInstanceState(ctx, id, func(s *models.InstanceState) {
		s.Connection = live.Connection
		s.Ports = live.Ports
	})
	if err != nil {
		return st, nil
	}
	return updated, nil
}

// ListInstancesComprehensive is pure delegation to the instance
// lister's local/upstream merge listing.
func (o *Orchestrator) ListInstancesComprehensive(ctx context.Context, opts instance.ListOptions) (*instance.ComprehensiveListing, error) {
	return o.lister.ListInstancesComprehensive(ctx, opts)
}

// StartInstance resolves the
// identifier, assert EXITED, call the provider synchronously, move to
// STARTING, and enqueue a monitor job to observe the rest of the
// lifecycle.
func (o *Orchestrator) StartInstance(ctx context.Context, identifier string, searchBy SearchBy) (*StartStopResult, error) {
	st, err := o.resolveInstance(ctx, identifier, searchBy)
	if err != nil {
		return nil, err
	}
	if st.Status != models.StatusExited {
		return nil, apierrors.NewConflictError(
			fmt.Sprintf("instance %s is %s, not EXITED", st.ID, st.Status))
	}

	operationID := ulid.New()
	if err := o.provider.StartInstance(ctx, st.UpstreamID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	updated, err := o.store.UpdateInstanceState(ctx, st.ID, func(s *models.InstanceState) {
		s.Status = models.StatusStarting
		s.StartupOperationID = operationID
		s.Timestamps.StartedAt = &now
	})
	if err != nil {
		return nil, err
	}

	payload := models.MonitorPayload{
		InstanceID: updated.ID,
		UpstreamID: updated.UpstreamID,
		WebhookURL: updated.WebhookURL,
		StartTime:  now,
		MaxWaitMs:  o.startupMaxWaitMs,
	}
	idemKey := fmt.Sprintf("monitor:%s:%s", updated.ID, operationID)
	if _, _, err := o.queue.Enqueue(ctx, models.JobMonitorInstance, payload, models.PriorityNormal, o.defaultMaxAttempts, idemKey); err != nil {
		return nil, err
	}

	o.recordAudit(ctx, models.AuditEventInstanceStarted, models.ResourceTypeInstance, st.ID, map[string]string{"operationId": operationID})

	return &StartStopResult{
		OperationID:      operationID,
		Status:           models.StatusStarting,
		EstimatedReadyAt: now.Add(o.estimatedStartDuration),
	}, nil
}

// StopInstance is symmetric to
// StartInstance — asserts READY, calls the provider, moves to
// STOPPING, and enqueues a monitor job to observe the transition to
// EXITED.
func (o *Orchestrator) StopInstance(ctx context.Context, identifier string, searchBy SearchBy) (*StartStopResult, error) {
	st, err := o.resolveInstance(ctx, identifier, searchBy)
	if err != nil {
		return nil, err
	}
	if st.Status != models.StatusReady {
		return nil, apierrors.NewConflictError(
			fmt.Sprintf("instance %s is %s, not READY", st.ID, st.Status))
	}

	operationID := ulid.New()
	if err := o.provider.StopInstance(ctx, st.UpstreamID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	updated, err := o.store.UpdateInstanceState(ctx, st.ID, func(s *models.InstanceState) {
		s.Status = models.StatusStopping
		s.Timestamps.StoppedAt = &now
	})
	if err != nil {
		return nil, err
	}

	payload := models.MonitorPayload{
		InstanceID: updated.ID,
		UpstreamID: updated.UpstreamID,
		WebhookURL: updated.WebhookURL,
		StartTime:  now,
		MaxWaitMs:  o.startupMaxWaitMs,
	}
	idemKey := fmt.Sprintf("monitor:%s:%s", updated.ID, operationID)
	if _, _, err := o.queue.Enqueue(ctx, models.JobMonitorInstance, payload, models.PriorityNormal, o.defaultMaxAttempts, idemKey); err != nil {
		return nil, err
	}

	o.recordAudit(ctx, models.AuditEventInstanceStopped, models.ResourceTypeInstance, st.ID, map[string]string{"operationId": operationID})

	return &StartStopResult{
		OperationID:      operationID,
		Status:           models.StatusStopping,
		EstimatedReadyAt: now.Add(o.estimatedStopDuration),
	}, nil
}

// recordAudit is a nil-safe wrapper around o.audit.Record — an
// Orchestrator constructed without an AuditRecorder (e.g. in tests, or
// a deployment that opts out of the audit trail) still works.
func (o *Orchestrator) recordAudit(ctx context.Context, event models.AuditEvent, resourceType models.ResourceType, resourceID string, details any) {
	if o.audit == nil {
		return
	}
	o.audit.Record(ctx, event, resourceType, resourceID, models.ActorTypeUser, "", details)
}

// resolveInstance looks identifier up by local id directly, or by a
// bounded name search over the comprehensive listing when searchBy is
// SearchByName — "bounded" because it scans one cached/merged listing
// rather than issuing a fresh provider call per candidate.
func (o *Orchestrator) resolveInstance(ctx context.Context, identifier string, searchBy SearchBy) (*models.InstanceState, error) {
	if searchBy != SearchByName {
		return o.store.Get(ctx, identifier)
	}

	listing, err := o.lister.ListInstancesComprehensive(ctx, instance.ListOptions{})
	if err != nil {
		return nil, err
	}
	for _, row := range listing.Items {
		if row.InstanceState.Name == identifier {
			st := row.InstanceState
			return &st, nil
		}
	}
	return nil, apierrors.NewNotFoundError(fmt.Sprintf("instance named %q", identifier))
}

func validateCreateRequest(req CreateInstanceRequest) error {
	v := validatableCreate{
		Name:        req.Name,
		ProductName: req.ProductName,
		TemplateID:  req.TemplateID,
		GPUNum:      req.GPUNum,
		RootfsSize:  req.RootfsSize,
		WebhookURL:  req.WebhookURL,
	}
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs []apierrors.FieldError
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			fieldErrs = append(fieldErrs, apierrors.FieldError{
				Field:  fe.Field(),
				Reason: fieldErrorMessage(fe),
			})
		}
	} else {
		fieldErrs = append(fieldErrs, apierrors.FieldError{Field: "", Reason: err.Error()})
	}
	return apierrors.NewValidationErrors(fieldErrs)
}

func fieldErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return "must be a valid URL"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "instancename":
		return "must match [A-Za-z0-9_-]+"
	default:
		return "failed validation: " + fe.Tag()
	}
}
