package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/riftforge/gpu-orchestrator/internal/instance"
	"github.com/riftforge/gpu-orchestrator/internal/migration"
	"github.com/riftforge/gpu-orchestrator/internal/models"
	apierrors "github.com/riftforge/gpu-orchestrator/internal/pkg/errors"
	"github.com/riftforge/gpu-orchestrator/internal/provider"
	"github.com/riftforge/gpu-orchestrator/internal/queue"
	"github.com/riftforge/gpu-orchestrator/internal/webhook"
)

// upstreamRunningStatuses / upstreamTerminalFailureStatuses classify the
// provider's free-form status string during a MONITOR_STARTUP poll.
var (
	upstreamRunningStatuses = map[string]bool{
		"RUNNING": true,
	}
	upstreamFailureStatuses = map[string]bool{
		"FAILED":     true,
		"ERROR":      true,
		"TERMINATED": true,
	}
	upstreamExitedStatuses = map[string]bool{
		"EXITED":  true,
		"STOPPED": true,
	}
)

// ProviderClient is the narrow upstream-provider surface the handlers
// call (satisfied by *provider.Client).
type ProviderClient interface {
	CreateInstance(ctx context.Context, p provider.CreateInstanceParams) (string, error)
	GetInstance(ctx context.Context, upstreamID string) (*provider.Instance, error)
	MigrateInstance(ctx context.Context, upstreamID, targetRegion string) (string, error)
}

// WebhookSender is the narrow webhook-delivery surface the handlers
// call (satisfied by *webhook.Deliverer).
type WebhookSender interface {
	Deliver(ctx context.Context, url string, event models.WebhookEvent, idempotencyKey string) (webhook.Outcome, error)
}

// Prober is the narrow readiness-probe surface the handlers call
// (satisfied by *prober.Prober).
type Prober interface {
	ProbeAll(ctx context.Context, endpoints []models.Endpoint, cfg models.ProbeConfig) *models.HealthCheck
}

// InstanceStore is the narrow instance-state surface the handlers read
// and write through (satisfied by *instance.Store).
type InstanceStore interface {
	Get(ctx context.Context, id string) (*models.InstanceState, error)
	UpdateInstanceState(ctx context.Context, id string, patch instance.Patch) (*models.InstanceState, error)
	ListAll(ctx context.Context) ([]models.InstanceState, error)
}

// Enqueuer is the narrow job-queue surface the handlers hand follow-up
// work off to (satisfied by *queue.Queue).
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType models.JobType, payload any, priority models.Priority, maxAttempts int, idempotencyKey string) (id string, created bool, err error)
}

// MigrationRunner is the narrow migration-tick surface MIGRATE_BATCH
// delegates to (satisfied by *migration.Scheduler).
type MigrationRunner interface {
	RunTick(ctx context.Context, lister migration.CandidateLister, counter migration.ProcessingCounter, tickBucket string) (*migration.TickStats, error)
}

// AuditRecorder is the narrow supplemental audit-trail surface the
// handlers write through (satisfied by *audit.Recorder). A nil
// AuditRecorder is valid and simply records nothing, same contract as
// internal/orchestrator.AuditRecorder.
type AuditRecorder interface {
	Record(ctx context.Context, event models.AuditEvent, resourceType models.ResourceType, resourceID string, actorType models.ActorType, actorID string, details any)
}

// HandlerConfig tunes the handlers' defaults.
type HandlerConfig struct {
	Logger                *slog.Logger
	ProbeConfig           models.ProbeConfig
	DefaultMaxAttempts    int
	MonitorMaxAttempts    int
	DefaultMigrateRegion  string
}

// Handlers implements one worker.Handler per job type,
// each a thin coordinator over the narrow interfaces above — the same
// DI shape as internal/orchestrator.Orchestrator.
type Handlers struct {
	provider  ProviderClient
	webhook   WebhookSender
	prober    Prober
	store     InstanceStore
	queue     Enqueuer
	migration MigrationRunner
	candidateLister migration.CandidateLister
	procCounter     migration.ProcessingCounter
	audit     AuditRecorder
	logger    *slog.Logger

	probeConfig          models.ProbeConfig
	defaultMaxAttempts   int
	monitorMaxAttempts   int
	defaultMigrateRegion string
}

// NewHandlers constructs a Handlers, defaulting tunables the same way
// internal/orchestrator.New does.
func NewHandlers(
	prov ProviderClient,
	wh WebhookSender,
	pr Prober,
	store InstanceStore,
	q Enqueuer,
	mig MigrationRunner,
	candidateLister migration.CandidateLister,
	procCounter migration.ProcessingCounter,
	auditRecorder AuditRecorder,
	cfg HandlerConfig,
) *Handlers {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := cfg.DefaultMaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	monitorMaxAttempts := cfg.MonitorMaxAttempts
	if monitorMaxAttempts == 0 {
		// Polling happens by returning a retryable error and letting the
		// queue's nack/backoff loop re-pop this same job — the real
		// bound on how long that runs is payload.MaxWaitMs, not attempt
		// count, so this just needs to be high enough to never be the
		// limiting factor.
		monitorMaxAttempts = 2000
	}
	probeCfg := cfg.ProbeConfig
	if probeCfg.TimeoutMs == 0 {
		probeCfg.TimeoutMs = 5000
	}
	if probeCfg.RetryAttempts == 0 {
		probeCfg.RetryAttempts = 5
	}
	if probeCfg.RetryDelayMs == 0 {
		probeCfg.RetryDelayMs = 2000
	}
	if probeCfg.MaxWaitMs == 0 {
		probeCfg.MaxWaitMs = 120000
	}

	return &Handlers{
		provider:             prov,
		webhook:              wh,
		prober:               pr,
		store:                store,
		queue:                q,
		migration:            mig,
		candidateLister:      candidateLister,
		procCounter:          procCounter,
		audit:                auditRecorder,
		logger:               logger,
		probeConfig:          probeCfg,
		defaultMaxAttempts:   maxAttempts,
		monitorMaxAttempts:   monitorMaxAttempts,
		defaultMigrateRegion: cfg.DefaultMigrateRegion,
	}
}

// recordAudit is a nil-safe wrapper around h.audit.Record — Handlers
// built without an AuditRecorder (tests, or a deployment that opts out
// of the audit trail) still work.
func (h *Handlers) recordAudit(ctx context.Context, event models.AuditEvent, resourceType models.ResourceType, resourceID string, details any) {
	if h.audit == nil {
		return
	}
	h.audit.Record(ctx, event, resourceType, resourceID, models.ActorTypeSystem, "", details)
}

// CreateInstance is the CREATE_INSTANCE handler: calls the provider to
// provision the instance, moves the record to STARTING once the
// provider has accepted it, and enqueues the startup monitor.
func (h *Handlers) CreateInstance(ctx context.Context, job *models.Job) error {
	var payload models.CreateInstancePayload
	if err := queue.DecodePayload(job, &payload); err != nil {
		return err
	}

	upstreamID, err := h.provider.CreateInstance(ctx, provider.CreateInstanceParams{
		Name:       payload.Name,
		ProductID:  payload.ProductID,
		Region:     payload.Region,
		GPUNum:     payload.GPUNum,
		RootfsSize: payload.RootfsSize,
		Template:   payload.TemplateConfig,
	})
	if err != nil {
		return h.failInstance(ctx, job, payload.InstanceID, payload.WebhookURL, fmt.Errorf("create instance upstream: %w", err))
	}

	if _, err := h.store.UpdateInstanceState(ctx, payload.InstanceID, func(s *models.InstanceState) {
		s.UpstreamID = upstreamID
		s.Status = models.StatusStarting
	}); err != nil {
		return err
	}

	monitorPayload := models.MonitorPayload{
		InstanceID: payload.InstanceID,
		UpstreamID: upstreamID,
		WebhookURL: payload.WebhookURL,
		StartTime:  time.Now().UTC(),
		MaxWaitMs:  h.probeConfig.MaxWaitMs,
	}
	idemKey := fmt.Sprintf("monitor-startup:%s", payload.InstanceID)
	_, _, err = h.queue.Enqueue(ctx, models.JobMonitorStartup, monitorPayload, models.PriorityNormal, h.monitorMaxAttempts, idemKey)
	return err
}

// MonitorInstance is the MONITOR_STARTUP / MONITOR_INSTANCE handler:
// it polls the provider and, depending on whether the instance is
// starting up or shutting down, advances the state machine once the
// provider reaches the expected terminal status — otherwise it returns
// a retryable error so the queue reschedules this same poll.
func (h *Handlers) MonitorInstance(ctx context.Context, job *models.Job) error {
	var payload models.MonitorPayload
	if err := queue.DecodePayload(job, &payload); err != nil {
		return err
	}

	st, err := h.store.Get(ctx, payload.InstanceID)
	if err != nil {
		return err
	}

	live, err := h.provider.GetInstance(ctx, payload.UpstreamID)
	if err != nil {
		return h.monitorRetryOrFail(ctx, job, payload, fmt.Errorf("poll instance upstream: %w", err))
	}

	status := strings.ToUpper(live.Status)
	if st.Status == models.StatusStopping {
		return h.monitorStopping(ctx, job, payload, status, live)
	}
	return h.monitorStartup(ctx, job, payload, status, live)
}

func (h *Handlers) monitorStartup(ctx context.Context, job *models.Job, payload models.MonitorPayload, status string, live *provider.Instance) error {
	switch {
	case upstreamRunningStatuses[status]:
		if _, err := h.store.UpdateInstanceState(ctx, payload.InstanceID, func(s *models.InstanceState) {
			s.Status = models.StatusHealthChecking
			s.Connection = live.Connection
			s.Ports = live.Ports
		}); err != nil {
			return err
		}
		hcPayload := models.HealthCheckPayload{
			InstanceID: payload.InstanceID,
			Endpoints:  endpointsFor(live),
			Config:     h.probeConfig,
		}
		idemKey := fmt.Sprintf("health-check:%s", payload.InstanceID)
		_, _, err := h.queue.Enqueue(ctx, models.JobHealthCheck, hcPayload, models.PriorityNormal, h.defaultMaxAttempts, idemKey)
		return err
	case upstreamFailureStatuses[status]:
		return h.terminalFailInstance(ctx, payload.InstanceID, payload.WebhookURL,
			fmt.Errorf("provider reported status %s while starting", status))
	default:
		return h.monitorRetryOrFail(ctx, job, payload, fmt.Errorf("instance not yet running (status=%s)", status))
	}
}

func (h *Handlers) monitorStopping(ctx context.Context, job *models.Job, payload models.MonitorPayload, status string, live *provider.Instance) error {
	switch {
	case upstreamExitedStatuses[status]:
		now := time.Now().UTC()
		_, err := h.store.UpdateInstanceState(ctx, payload.InstanceID, func(s *models.InstanceState) {
			s.Status = models.StatusExited
			s.Timestamps.StoppedAt = &now
		})
		return err
	case upstreamFailureStatuses[status]:
		return h.terminalFailInstance(ctx, payload.InstanceID, payload.WebhookURL,
			fmt.Errorf("provider reported status %s while stopping", status))
	default:
		return h.monitorRetryOrFail(ctx, job, payload, fmt.Errorf("instance not yet exited (status=%s)", status))
	}
}

// monitorRetryOrFail returns cause so the worker pool nacks and
// reschedules this poll, unless payload.MaxWaitMs has already elapsed —
// in which case it marks the instance FAILED and returns a terminal
// error instead.
func (h *Handlers) monitorRetryOrFail(ctx context.Context, job *models.Job, payload models.MonitorPayload, cause error) error {
	if time.Since(payload.StartTime) >= time.Duration(payload.MaxWaitMs)*time.Millisecond {
		return h.terminalFailInstance(ctx, payload.InstanceID, payload.WebhookURL,
			fmt.Errorf("exceeded maxWaitMs=%d: %w", payload.MaxWaitMs, cause))
	}
	return apierrors.ErrTimeout.WithMessage(cause.Error())
}

// HealthCheck is the HEALTH_CHECK handler: runs the prober against
// the instance's configured endpoints, marking READY on success and
// FAILED on a readiness timeout.
func (h *Handlers) HealthCheck(ctx context.Context, job *models.Job) error {
	var payload models.HealthCheckPayload
	if err := queue.DecodePayload(job, &payload); err != nil {
		return err
	}

	st, err := h.store.Get(ctx, payload.InstanceID)
	if err != nil {
		return err
	}

	result := h.prober.ProbeAll(ctx, payload.Endpoints, payload.Config)

	if result.Status == models.EndpointOK {
		now := time.Now().UTC()
		if _, err := h.store.UpdateInstanceState(ctx, payload.InstanceID, func(s *models.InstanceState) {
			s.Status = models.StatusReady
			s.HealthCheck = result
			s.Timestamps.ReadyAt = &now
		}); err != nil {
			return err
		}
		h.enqueueWebhook(ctx, payload.InstanceID, st.UpstreamID, st.WebhookURL, models.EventInstanceReady, result)
		return nil
	}

	if _, err := h.store.UpdateInstanceState(ctx, payload.InstanceID, func(s *models.InstanceState) {
		s.HealthCheck = result
	}); err != nil {
		return err
	}
	return h.terminalFailInstance(ctx, payload.InstanceID, st.WebhookURL,
		errors.New("readiness probe did not succeed within its allotted retries"))
}

// SendWebhook is the SEND_WEBHOOK handler: delivers one notification
// via the webhook deliverer and maps its outcome onto the ack/nack
// contract.
func (h *Handlers) SendWebhook(ctx context.Context, job *models.Job) error {
	var payload models.SendWebhookPayload
	if err := queue.DecodePayload(job, &payload); err != nil {
		return err
	}

	outcome, err := h.webhook.Deliver(ctx, payload.URL, payload.Payload, job.ID)
	switch outcome {
	case webhook.OutcomeDelivered:
		h.recordAudit(ctx, models.AuditEventWebhookDelivered, models.ResourceTypeWebhook, payload.Payload.InstanceID, map[string]string{"event": payload.Payload.Event, "url": payload.URL})
		return nil
	case webhook.OutcomeTerminal:
		h.recordAudit(ctx, models.AuditEventWebhookFailed, models.ResourceTypeWebhook, payload.Payload.InstanceID, map[string]string{"event": payload.Payload.Event, "url": payload.URL, "error": err.Error()})
		return apierrors.ErrUpstream4xx.WithMessage(err.Error())
	default:
		return apierrors.ErrUpstream5xx.WithMessage(err.Error())
	}
}

// MigrateBatch is the MIGRATE_BATCH handler: delegates straight to
// the migration scheduler's scanner body.
func (h *Handlers) MigrateBatch(ctx context.Context, job *models.Job) error {
	var payload models.MigrateBatchPayload
	if err := queue.DecodePayload(job, &payload); err != nil {
		return err
	}
	_, err := h.migration.RunTick(ctx, h.candidateLister, h.procCounter, payload.TickBucket)
	return err
}

// MigrateInstance is the MIGRATE_INSTANCE handler: asks the provider to
// relocate one instance, then updates the matching InstanceState with
// its (possibly new) upstream id.
func (h *Handlers) MigrateInstance(ctx context.Context, job *models.Job) error {
	var payload models.MigrateInstancePayload
	if err := queue.DecodePayload(job, &payload); err != nil {
		return err
	}

	st, err := h.findByUpstreamID(ctx, payload.UpstreamID)
	if err != nil {
		return err
	}

	if _, err := h.store.UpdateInstanceState(ctx, st.ID, func(s *models.InstanceState) {
		s.Status = models.StatusMigrating
	}); err != nil {
		return err
	}

	// The state diagram allows only MIGRATING -> EXITED or MIGRATING ->
	// FAILED: a migrated instance comes back up through the normal
	// EXITED -> STARTING path rather than resuming straight into READY.
	newUpstreamID, err := h.provider.MigrateInstance(ctx, payload.UpstreamID, h.defaultMigrateRegion)
	if err != nil {
		return h.failInstance(ctx, job, st.ID, st.WebhookURL, fmt.Errorf("migrate instance upstream: %w", err))
	}

	now := time.Now().UTC()
	if _, err := h.store.UpdateInstanceState(ctx, st.ID, func(s *models.InstanceState) {
		s.UpstreamID = newUpstreamID
		s.Status = models.StatusExited
		s.Timestamps.StoppedAt = &now
	}); err != nil {
		return err
	}

	h.recordAudit(ctx, models.AuditEventInstanceMigrated, models.ResourceTypeInstance, st.ID, map[string]string{
		"reason":             payload.Reason,
		"previousUpstreamId": payload.UpstreamID,
		"newUpstreamId":      newUpstreamID,
	})
	h.enqueueWebhook(ctx, st.ID, newUpstreamID, st.WebhookURL, models.EventInstanceMigrated, map[string]string{
		"reason":             payload.Reason,
		"previousUpstreamId": payload.UpstreamID,
	})
	return nil
}

func (h *Handlers) findByUpstreamID(ctx context.Context, upstreamID string) (*models.InstanceState, error) {
	all, err := h.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].UpstreamID == upstreamID {
			return &all[i], nil
		}
	}
	return nil, apierrors.NewNotFoundError(fmt.Sprintf("instance with upstream id %s", upstreamID))
}

// failInstance is used from CREATE_INSTANCE and MIGRATE_INSTANCE: while
// cause is retryable and this is not the job's last attempt it returns
// cause unchanged so the pool nacks and retries; otherwise it hands off
// to terminalFailInstance.
func (h *Handlers) failInstance(ctx context.Context, job *models.Job, instanceID, webhookURL string, cause error) error {
	if ClassifyRetryable(cause) && job.Attempts+1 < job.MaxAttempts {
		return cause
	}
	return h.terminalFailInstance(ctx, instanceID, webhookURL, cause)
}

// terminalFailInstance moves an instance to FAILED and enqueues the
// failure webhook. Called only once a handler has decided the failure
// is final — either the provider rejected it outright or the worker
// pool's retry budget for this job is exhausted.
func (h *Handlers) terminalFailInstance(ctx context.Context, instanceID, webhookURL string, cause error) error {
	now := time.Now().UTC()
	_, err := h.store.UpdateInstanceState(ctx, instanceID, func(s *models.InstanceState) {
		s.Status = models.StatusFailed
		s.LastError = cause.Error()
		s.Timestamps.FailedAt = &now
	})
	if err != nil {
		h.logger.Error("failed to persist FAILED state", "instanceId", instanceID, "error", err)
	}
	h.recordAudit(ctx, models.AuditEventInstanceFailed, models.ResourceTypeInstance, instanceID, map[string]string{"error": cause.Error()})
	h.enqueueWebhook(ctx, instanceID, "", webhookURL, models.EventInstanceFailed, cause.Error())
	return cause
}

// enqueueWebhook best-effort enqueues a SEND_WEBHOOK job; a missing
// webhookURL means the caller didn't subscribe to notifications, which
// is not itself an error.
func (h *Handlers) enqueueWebhook(ctx context.Context, instanceID, upstreamID, webhookURL, event string, details any) {
	if webhookURL == "" {
		return
	}
	payload := models.SendWebhookPayload{
		URL: webhookURL,
		Payload: models.WebhookEvent{
			Event:      event,
			InstanceID: instanceID,
			UpstreamID: upstreamID,
			Timestamp:  time.Now().UTC(),
			Details:    details,
		},
	}
	idemKey := fmt.Sprintf("webhook:%s:%s", instanceID, event)
	if _, _, err := h.queue.Enqueue(ctx, models.JobSendWebhook, payload, models.PriorityNormal, h.defaultMaxAttempts, idemKey); err != nil {
		h.logger.Error("failed to enqueue webhook", "instanceId", instanceID, "event", event, "error", err)
	}
}

// endpointsFor derives the readiness-probe endpoint list from the
// provider's reported connection/ports — a minimal TCP-reachability
// probe per exposed port, since the provider doesn't hand back
// per-endpoint health paths.
func endpointsFor(live *provider.Instance) []models.Endpoint {
	if live.Connection == nil {
		return nil
	}
	host := hostFromConnection(live.Connection)
	if host == "" {
		return nil
	}
	endpoints := make([]models.Endpoint, 0, len(live.Ports))
	for _, p := range live.Ports {
		protocol := "tcp"
		path := ""
		if p.Type == models.PortHTTP || p.Type == models.PortHTTPS {
			protocol = string(p.Type)
			path = "/"
		}
		endpoints = append(endpoints, models.Endpoint{
			Host:     host,
			Port:     p.Port,
			Path:     path,
			Protocol: protocol,
		})
	}
	return endpoints
}

func hostFromConnection(c *models.Connection) string {
	for _, candidate := range []string{c.SSH, c.Jupyter, c.WebTerminal} {
		if candidate == "" {
			continue
		}
		if host := hostFromURLish(candidate); host != "" {
			return host
		}
	}
	return ""
}

// hostFromURLish extracts the host portion of a scheme://host:port or
// user@host:port-shaped connection string without pulling in a full
// URL parse, since SSH targets aren't valid net/url inputs.
func hostFromURLish(s string) string {
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.Index(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.IndexAny(s, ":/"); i >= 0 {
		s = s[:i]
	}
	return s
}
