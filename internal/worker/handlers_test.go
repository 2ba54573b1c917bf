package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftforge/gpu-orchestrator/internal/instance"
	"github.com/riftforge/gpu-orchestrator/internal/migration"
	"github.com/riftforge/gpu-orchestrator/internal/models"
	apierrors "github.com/riftforge/gpu-orchestrator/internal/pkg/errors"
	"github.com/riftforge/gpu-orchestrator/internal/provider"
	"github.com/riftforge/gpu-orchestrator/internal/webhook"
)

type fakeProviderClient struct {
	createID  string
	createErr error
	getResult *provider.Instance
	getErr    error
	migrateID string
	migrateErr error
}

func (f *fakeProviderClient) CreateInstance(ctx context.Context, p provider.CreateInstanceParams) (string, error) {
	return f.createID, f.createErr
}

func (f *fakeProviderClient) GetInstance(ctx context.Context, upstreamID string) (*provider.Instance, error) {
	return f.getResult, f.getErr
}

func (f *fakeProviderClient) MigrateInstance(ctx context.Context, upstreamID, targetRegion string) (string, error) {
	return f.migrateID, f.migrateErr
}

type fakeWebhookSender struct {
	outcome webhook.Outcome
	err     error
	calls   int
}

func (f *fakeWebhookSender) Deliver(ctx context.Context, url string, event models.WebhookEvent, idempotencyKey string) (webhook.Outcome, error) {
	f.calls++
	return f.outcome, f.err
}

type fakeProber struct {
	result *models.HealthCheck
}

func (f *fakeProber) ProbeAll(ctx context.Context, endpoints []models.Endpoint, cfg models.ProbeConfig) *models.HealthCheck {
	return f.result
}

type fakeHandlerStore struct {
	instances map[string]*models.InstanceState
	updateErr error
}

func newFakeHandlerStore() *fakeHandlerStore {
	return &fakeHandlerStore{instances: map[string]*models.InstanceState{}}
}

func (f *fakeHandlerStore) Get(ctx context.Context, id string) (*models.InstanceState, error) {
	st, ok := f.instances[id]
	if !ok {
		return nil, apierrors.NewNotFoundError("instance")
	}
	cp := *st
	return &cp, nil
}

func (f *fakeHandlerStore) UpdateInstanceState(ctx context.Context, id string, patch instance.Patch) (*models.InstanceState, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	st, ok := f.instances[id]
	if !ok {
		return nil, apierrors.NewNotFoundError("instance")
	}
	patch(st)
	cp := *st
	return &cp, nil
}

func (f *fakeHandlerStore) ListAll(ctx context.Context) ([]models.InstanceState, error) {
	out := make([]models.InstanceState, 0, len(f.instances))
	for _, st := range f.instances {
		out = append(out, *st)
	}
	return out, nil
}

type fakeHandlerQueue struct {
	calls []models.JobType
	err   error
}

func (f *fakeHandlerQueue) Enqueue(ctx context.Context, jobType models.JobType, payload any, priority models.Priority, maxAttempts int, idempotencyKey string) (string, bool, error) {
	f.calls = append(f.calls, jobType)
	if f.err != nil {
		return "", false, f.err
	}
	return "job-1", true, nil
}

type fakeMigrationRunner struct {
	stats *migration.TickStats
	err   error
}

func (f *fakeMigrationRunner) RunTick(ctx context.Context, lister migration.CandidateLister, counter migration.ProcessingCounter, tickBucket string) (*migration.TickStats, error) {
	return f.stats, f.err
}

type fakeCandidateLister struct{}

func (fakeCandidateLister) ListMigrationCandidates(ctx context.Context) ([]models.MigrationCandidate, error) {
	return nil, nil
}

type fakeProcessingCounter struct{}

func (fakeProcessingCounter) ProcessingCount(ctx context.Context, jobType models.JobType) (int64, error) {
	return 0, nil
}

func newTestHandlers(store *fakeHandlerStore, prov *fakeProviderClient, wh *fakeWebhookSender, pr *fakeProber, q *fakeHandlerQueue, mig *fakeMigrationRunner) *Handlers {
	return NewHandlers(prov, wh, pr, store, q, mig, fakeCandidateLister{}, fakeProcessingCounter{}, nil, HandlerConfig{})
}

func jobWithPayload(jobType models.JobType, payload any) *models.Job {
	return &models.Job{ID: "job-1", Type: jobType, Payload: payload, Attempts: 0, MaxAttempts: 3}
}

func TestCreateInstanceHandlerHappyPath(t *testing.T) {
	store := newFakeHandlerStore()
	store.instances["inst-1"] = &models.InstanceState{ID: "inst-1", Status: models.StatusCreating}
	prov := &fakeProviderClient{createID: "up-1"}
	q := &fakeHandlerQueue{}
	h := newTestHandlers(store, prov, &fakeWebhookSender{}, &fakeProber{}, q, &fakeMigrationRunner{})

	job := jobWithPayload(models.JobCreateInstance, models.CreateInstancePayload{InstanceID: "inst-1", Name: "test"})
	err := h.CreateInstance(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, models.StatusStarting, store.instances["inst-1"].Status)
	assert.Equal(t, "up-1", store.instances["inst-1"].UpstreamID)
	require.Len(t, q.calls, 1)
	assert.Equal(t, models.JobMonitorStartup, q.calls[0])
}

func TestCreateInstanceHandlerMarksFailedWhenProviderRejectsNonRetryably(t *testing.T) {
	store := newFakeHandlerStore()
	store.instances["inst-1"] = &models.InstanceState{ID: "inst-1", Status: models.StatusCreating}
	prov := &fakeProviderClient{createErr: apierrors.ErrUpstream4xx.WithMessage("rejected")}
	q := &fakeHandlerQueue{}
	h := newTestHandlers(store, prov, &fakeWebhookSender{}, &fakeProber{}, q, &fakeMigrationRunner{})

	job := jobWithPayload(models.JobCreateInstance, models.CreateInstancePayload{InstanceID: "inst-1", WebhookURL: "https://example.com/hook"})
	err := h.CreateInstance(context.Background(), job)
	require.Error(t, err)

	assert.Equal(t, models.StatusFailed, store.instances["inst-1"].Status)
	require.Len(t, q.calls, 1)
	assert.Equal(t, models.JobSendWebhook, q.calls[0])
}

func TestCreateInstanceHandlerRetriesOnTransientFailure(t *testing.T) {
	store := newFakeHandlerStore()
	store.instances["inst-1"] = &models.InstanceState{ID: "inst-1", Status: models.StatusCreating}
	prov := &fakeProviderClient{createErr: apierrors.ErrNetwork.WithMessage("timeout")}
	q := &fakeHandlerQueue{}
	h := newTestHandlers(store, prov, &fakeWebhookSender{}, &fakeProber{}, q, &fakeMigrationRunner{})

	job := jobWithPayload(models.JobCreateInstance, models.CreateInstancePayload{InstanceID: "inst-1"})
	job.Attempts = 0
	job.MaxAttempts = 3
	err := h.CreateInstance(context.Background(), job)
	require.Error(t, err)

	assert.Equal(t, models.StatusCreating, store.instances["inst-1"].Status)
	assert.Empty(t, q.calls)
}

func TestMonitorInstanceStartupEnqueuesHealthCheckWhenRunning(t *testing.T) {
	store := newFakeHandlerStore()
	store.instances["inst-1"] = &models.InstanceState{ID: "inst-1", Status: models.StatusStarting}
	prov := &fakeProviderClient{getResult: &provider.Instance{Status: "RUNNING", Connection: &models.Connection{SSH: "root@10.0.0.5:22"}, Ports: []models.Port{{Port: 22, Type: models.PortTCP}}}}
	q := &fakeHandlerQueue{}
	h := newTestHandlers(store, prov, &fakeWebhookSender{}, &fakeProber{}, q, &fakeMigrationRunner{})

	payload := models.MonitorPayload{InstanceID: "inst-1", UpstreamID: "up-1", StartTime: time.Now().UTC(), MaxWaitMs: 60000}
	job := jobWithPayload(models.JobMonitorStartup, payload)
	err := h.MonitorInstance(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, models.StatusHealthChecking, store.instances["inst-1"].Status)
	require.Len(t, q.calls, 1)
	assert.Equal(t, models.JobHealthCheck, q.calls[0])
}

func TestMonitorInstanceStartupReturnsRetryableWhenStillPending(t *testing.T) {
	store := newFakeHandlerStore()
	store.instances["inst-1"] = &models.InstanceState{ID: "inst-1", Status: models.StatusStarting}
	prov := &fakeProviderClient{getResult: &provider.Instance{Status: "PENDING"}}
	h := newTestHandlers(store, prov, &fakeWebhookSender{}, &fakeProber{}, &fakeHandlerQueue{}, &fakeMigrationRunner{})

	payload := models.MonitorPayload{InstanceID: "inst-1", UpstreamID: "up-1", StartTime: time.Now().UTC(), MaxWaitMs: 60000}
	job := jobWithPayload(models.JobMonitorStartup, payload)
	err := h.MonitorInstance(context.Background(), job)
	require.Error(t, err)
	assert.True(t, ClassifyRetryable(err))
	assert.Equal(t, models.StatusStarting, store.instances["inst-1"].Status)
}

func TestMonitorInstanceStartupFailsAfterMaxWaitElapsed(t *testing.T) {
	store := newFakeHandlerStore()
	store.instances["inst-1"] = &models.InstanceState{ID: "inst-1", Status: models.StatusStarting}
	prov := &fakeProviderClient{getResult: &provider.Instance{Status: "PENDING"}}
	q := &fakeHandlerQueue{}
	h := newTestHandlers(store, prov, &fakeWebhookSender{}, &fakeProber{}, q, &fakeMigrationRunner{})

	payload := models.MonitorPayload{InstanceID: "inst-1", UpstreamID: "up-1", WebhookURL: "https://example.com/hook", StartTime: time.Now().UTC().Add(-time.Hour), MaxWaitMs: 1000}
	job := jobWithPayload(models.JobMonitorStartup, payload)
	err := h.MonitorInstance(context.Background(), job)
	require.Error(t, err)

	assert.Equal(t, models.StatusFailed, store.instances["inst-1"].Status)
	require.Len(t, q.calls, 1)
	assert.Equal(t, models.JobSendWebhook, q.calls[0])
}

func TestMonitorInstanceStoppingMarksExited(t *testing.T) {
	store := newFakeHandlerStore()
	store.instances["inst-1"] = &models.InstanceState{ID: "inst-1", Status: models.StatusStopping}
	prov := &fakeProviderClient{getResult: &provider.Instance{Status: "EXITED"}}
	h := newTestHandlers(store, prov, &fakeWebhookSender{}, &fakeProber{}, &fakeHandlerQueue{}, &fakeMigrationRunner{})

	payload := models.MonitorPayload{InstanceID: "inst-1", UpstreamID: "up-1", StartTime: time.Now().UTC(), MaxWaitMs: 60000}
	job := jobWithPayload(models.JobMonitorInstance, payload)
	err := h.MonitorInstance(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExited, store.instances["inst-1"].Status)
}

func TestHealthCheckMarksReadyOnSuccess(t *testing.T) {
	store := newFakeHandlerStore()
	store.instances["inst-1"] = &models.InstanceState{ID: "inst-1", Status: models.StatusHealthChecking, WebhookURL: "https://example.com/hook"}
	pr := &fakeProber{result: &models.HealthCheck{Status: models.EndpointOK}}
	q := &fakeHandlerQueue{}
	h := newTestHandlers(store, &fakeProviderClient{}, &fakeWebhookSender{}, pr, q, &fakeMigrationRunner{})

	job := jobWithPayload(models.JobHealthCheck, models.HealthCheckPayload{InstanceID: "inst-1"})
	err := h.HealthCheck(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, models.StatusReady, store.instances["inst-1"].Status)
	require.NotNil(t, store.instances["inst-1"].Timestamps.ReadyAt)
	require.Len(t, q.calls, 1)
	assert.Equal(t, models.JobSendWebhook, q.calls[0])
}

func TestHealthCheckMarksFailedOnProbeFailure(t *testing.T) {
	store := newFakeHandlerStore()
	store.instances["inst-1"] = &models.InstanceState{ID: "inst-1", Status: models.StatusHealthChecking}
	pr := &fakeProber{result: &models.HealthCheck{Status: models.EndpointFailed}}
	h := newTestHandlers(store, &fakeProviderClient{}, &fakeWebhookSender{}, pr, &fakeHandlerQueue{}, &fakeMigrationRunner{})

	job := jobWithPayload(models.JobHealthCheck, models.HealthCheckPayload{InstanceID: "inst-1"})
	err := h.HealthCheck(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, store.instances["inst-1"].Status)
}

func TestSendWebhookMapsOutcomesToAckNack(t *testing.T) {
	cases := []struct {
		outcome     webhook.Outcome
		wantErr     bool
		wantRetry   bool
	}{
		{webhook.OutcomeDelivered, false, false},
		{webhook.OutcomeTerminal, true, false},
		{webhook.OutcomeRetryable, true, true},
	}
	for _, tc := range cases {
		wh := &fakeWebhookSender{outcome: tc.outcome, err: errors.New("delivery issue")}
		h := newTestHandlers(newFakeHandlerStore(), &fakeProviderClient{}, wh, &fakeProber{}, &fakeHandlerQueue{}, &fakeMigrationRunner{})
		job := jobWithPayload(models.JobSendWebhook, models.SendWebhookPayload{URL: "https://example.com/hook"})
		err := h.SendWebhook(context.Background(), job)
		if tc.wantErr {
			require.Error(t, err)
			assert.Equal(t, tc.wantRetry, ClassifyRetryable(err))
		} else {
			require.NoError(t, err)
		}
	}
}

func TestMigrateBatchDelegatesToScheduler(t *testing.T) {
	mig := &fakeMigrationRunner{stats: &migration.TickStats{CandidatesFound: 2}}
	h := newTestHandlers(newFakeHandlerStore(), &fakeProviderClient{}, &fakeWebhookSender{}, &fakeProber{}, &fakeHandlerQueue{}, mig)

	job := jobWithPayload(models.JobMigrateBatch, models.MigrateBatchPayload{TickBucket: "2026-07-31T12:00"})
	err := h.MigrateBatch(context.Background(), job)
	require.NoError(t, err)
}

func TestMigrateInstanceMovesToExitedOnSuccess(t *testing.T) {
	store := newFakeHandlerStore()
	store.instances["inst-1"] = &models.InstanceState{ID: "inst-1", UpstreamID: "up-1", Status: models.StatusReady}
	prov := &fakeProviderClient{migrateID: "up-2"}
	q := &fakeHandlerQueue{}
	h := newTestHandlers(store, prov, &fakeWebhookSender{}, &fakeProber{}, q, &fakeMigrationRunner{})

	job := jobWithPayload(models.JobMigrateInstance, models.MigrateInstancePayload{UpstreamID: "up-1", Reason: "spot_reclaim"})
	err := h.MigrateInstance(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, models.StatusExited, store.instances["inst-1"].Status)
	assert.Equal(t, "up-2", store.instances["inst-1"].UpstreamID)
}

func TestMigrateInstanceNotFoundByUpstreamID(t *testing.T) {
	store := newFakeHandlerStore()
	h := newTestHandlers(store, &fakeProviderClient{}, &fakeWebhookSender{}, &fakeProber{}, &fakeHandlerQueue{}, &fakeMigrationRunner{})

	job := jobWithPayload(models.JobMigrateInstance, models.MigrateInstancePayload{UpstreamID: "missing"})
	err := h.MigrateInstance(context.Background(), job)
	require.Error(t, err)
}
