package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftforge/gpu-orchestrator/internal/instance"
	"github.com/riftforge/gpu-orchestrator/internal/models"
	apierrors "github.com/riftforge/gpu-orchestrator/internal/pkg/errors"
	"github.com/riftforge/gpu-orchestrator/internal/provider"
	"github.com/riftforge/gpu-orchestrator/internal/selector"
)

type fakeSelector struct {
	result *selector.Result
	err    error
}

func (f *fakeSelector) GetOptimalProductWithFallback(ctx context.Context, productName, preferredRegionName string, regions []models.RegionConfig, gpuType string) (*selector.Result, error) {
	return f.result, f.err
}

type fakeTemplates struct {
	cfg *models.TemplateConfig
	err error
}

func (f *fakeTemplates) GetTemplateConfiguration(ctx context.Context, id string) (*models.TemplateConfig, error) {
	return f.cfg, f.err
}

type fakeStore struct {
	instances map[string]*models.InstanceState
	createErr error
	updateErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{instances: map[string]*models.InstanceState{}}
}

func (f *fakeStore) Create(ctx context.Context, st models.InstanceState) error {
	if f.createErr != nil {
		return f.createErr
	}
	cp := st
	f.instances[st.ID] = &cp
	return nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (*models.InstanceState, error) {
	st, ok := f.instances[id]
	if !ok {
		return nil, apierrors.NewNotFoundError("instance")
	}
	cp := *st
	return &cp, nil
}

func (f *fakeStore) UpdateInstanceState(ctx context.Context, id string, patch instance.Patch) (*models.InstanceState, error) {
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

type fakeLister struct {
	listing *instance.ComprehensiveListing
	err     error
}

func (f *fakeLister) ListInstancesComprehensive(ctx context.Context, opts instance.ListOptions) (*instance.ComprehensiveListing, error) {
	return f.listing, f.err
}

type fakeQueue struct {
	calls []models.JobType
	err   error
}

func (f *fakeQueue) Enqueue(ctx context.Context, jobType models.JobType, payload any, priority models.Priority, maxAttempts int, idempotencyKey string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	f.calls = append(f.calls, jobType)
	return "job-1", true, nil
}

type fakeProvider struct {
	startErr error
	stopErr  error
	getErr   error
	instance *provider.Instance
}

func (f *fakeProvider) StartInstance(ctx context.Context, upstreamID string) error { return f.startErr }
func (f *fakeProvider) StopInstance(ctx context.Context, upstreamID string) error  { return f.stopErr }
func (f *fakeProvider) GetInstance(ctx context.Context, upstreamID string) (*provider.Instance, error) {
	return f.instance, f.getErr
}

func validCreateRequest() CreateInstanceRequest {
	return CreateInstanceRequest{
		Name:        "gpu-1",
		ProductName: "RTX-4090",
		TemplateID:  "tpl-42",
	}
}

func TestCreateInstanceHappyPath(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	orch := New(
		&fakeSelector{result: &selector.Result{Product: models.Product{ID: "prod-1"}, RegionUsed: "region-02"}},
		&fakeTemplates{cfg: &models.TemplateConfig{ID: "tpl-42", ImageURL: "https://example.com/img"}},
		store, &fakeLister{}, queue, &fakeProvider{}, nil, Config{},
	)

	result, err := orch.CreateInstance(context.Background(), validCreateRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreating, result.Status)
	assert.NotEmpty(t, result.InstanceID)

	stored, ok := store.instances[result.InstanceID]
	require.True(t, ok)
	assert.Equal(t, "region-02", stored.Region)
	assert.Equal(t, "prod-1", stored.ProductID)
	require.Len(t, queue.calls, 1)
	assert.Equal(t, models.JobCreateInstance, queue.calls[0])
}

func TestCreateInstanceValidationFailure(t *testing.T) {
	orch := New(&fakeSelector{}, &fakeTemplates{}, newFakeStore(), &fakeLister{}, &fakeQueue{}, &fakeProvider{}, nil, Config{})

	req := CreateInstanceRequest{Name: "bad name!", ProductName: "", TemplateID: "", GPUNum: 10, RootfsSize: 5}
	_, err := orch.CreateInstance(context.Background(), req)
	require.Error(t, err)

	apiErr, ok := err.(*apierrors.APIError)
	require.True(t, ok)
	details, ok := apiErr.Details.([]apierrors.FieldError)
	require.True(t, ok)
	assert.Len(t, details, 5)
}

func TestCreateInstanceDoesNotEnqueueOnProductSelectionFailure(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	orch := New(&fakeSelector{err: errors.New("no product")}, &fakeTemplates{}, store, &fakeLister{}, queue, &fakeProvider{}, nil, Config{})

	_, err := orch.CreateInstance(context.Background(), validCreateRequest())
	require.Error(t, err)
	assert.Empty(t, queue.calls)
	assert.Empty(t, store.instances)
}

func TestCreateInstanceMarksFailedWhenEnqueueFails(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{err: errors.New("queue down")}
	orch := New(
		&fakeSelector{result: &selector.Result{Product: models.Product{ID: "prod-1"}, RegionUsed: "region-01"}},
		&fakeTemplates{cfg: &models.TemplateConfig{ID: "tpl-42"}},
		store, &fakeLister{}, queue, &fakeProvider{}, nil, Config{},
	)

	_, err := orch.CreateInstance(context.Background(), validCreateRequest())
	require.Error(t, err)

	require.Len(t, store.instances, 1)
	for _, st := range store.instances {
		assert.Equal(t, models.StatusFailed, st.Status)
	}
}

func TestStartInstanceRequiresExitedStatus(t *testing.T) {
	store := newFakeStore()
	store.instances["inst-1"] = &models.InstanceState{ID: "inst-1", Status: models.StatusReady, UpstreamID: "up-1"}
	orch := New(&fakeSelector{}, &fakeTemplates{}, store, &fakeLister{}, &fakeQueue{}, &fakeProvider{}, nil, Config{})

	_, err := orch.StartInstance(context.Background(), "inst-1", SearchByID)
	require.Error(t, err)
	apiErr, ok := err.(*apierrors.APIError)
	require.True(t, ok)
	assert.Equal(t, apierrors.KindConflict, apiErr.Kind)
}

func TestStartInstanceHappyPath(t *testing.T) {
	store := newFakeStore()
	store.instances["inst-1"] = &models.InstanceState{ID: "inst-1", Status: models.StatusExited, UpstreamID: "up-1"}
	queue := &fakeQueue{}
	orch := New(&fakeSelector{}, &fakeTemplates{}, store, &fakeLister{}, queue, &fakeProvider{}, nil, Config{})

	result, err := orch.StartInstance(context.Background(), "inst-1", SearchByID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarting, result.Status)
	assert.NotEmpty(t, result.OperationID)

	assert.Equal(t, models.StatusStarting, store.instances["inst-1"].Status)
	require.Len(t, queue.calls, 1)
	assert.Equal(t, models.JobMonitorInstance, queue.calls[0])
}

func TestStartInstanceSurfacesProviderError(t *testing.T) {
	store := newFakeStore()
	store.instances["inst-1"] = &models.InstanceState{ID: "inst-1", Status: models.StatusExited, UpstreamID: "up-1"}
	queue := &fakeQueue{}
	orch := New(&fakeSelector{}, &fakeTemplates{}, store, &fakeLister{}, queue, &fakeProvider{startErr: errors.New("upstream down")}, nil, Config{})

	_, err := orch.StartInstance(context.Background(), "inst-1", SearchByID)
	require.Error(t, err)
	assert.Empty(t, queue.calls)
	assert.Equal(t, models.StatusExited, store.instances["inst-1"].Status, "status must not change when the provider call fails")
}

func TestStopInstanceRequiresReadyStatus(t *testing.T) {
	store := newFakeStore()
	store.instances["inst-1"] = &models.InstanceState{ID: "inst-1", Status: models.StatusExited, UpstreamID: "up-1"}
	orch := New(&fakeSelector{}, &fakeTemplates{}, store, &fakeLister{}, &fakeQueue{}, &fakeProvider{}, nil, Config{})

	_, err := orch.StopInstance(context.Background(), "inst-1", SearchByID)
	require.Error(t, err)
}

func TestStopInstanceHappyPath(t *testing.T) {
	store := newFakeStore()
	store.instances["inst-1"] = &models.InstanceState{ID: "inst-1", Status: models.StatusReady, UpstreamID: "up-1"}
	queue := &fakeQueue{}
	orch := New(&fakeSelector{}, &fakeTemplates{}, store, &fakeLister{}, queue, &fakeProvider{}, nil, Config{})

	result, err := orch.StopInstance(context.Background(), "inst-1", SearchByID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopping, result.Status)
	assert.Equal(t, models.StatusStopping, store.instances["inst-1"].Status)
	require.Len(t, queue.calls, 1)
}

func TestStartInstanceResolvesByName(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	lister := &fakeLister{listing: &instance.ComprehensiveListing{
		Items: []instance.MergedRow{
			{InstanceState: models.InstanceState{ID: "inst-1", Name: "gpu-1", Status: models.StatusExited, UpstreamID: "up-1"}},
		},
	}}
	store.instances["inst-1"] = &models.InstanceState{ID: "inst-1", Name: "gpu-1", Status: models.StatusExited, UpstreamID: "up-1"}
	orch := New(&fakeSelector{}, &fakeTemplates{}, store, lister, queue, &fakeProvider{}, nil, Config{})

	result, err := orch.StartInstance(context.Background(), "gpu-1", SearchByName)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarting, result.Status)
}

func TestStartInstanceByNameNotFound(t *testing.T) {
	orch := New(&fakeSelector{}, &fakeTemplates{}, newFakeStore(), &fakeLister{listing: &instance.ComprehensiveListing{}}, &fakeQueue{}, &fakeProvider{}, nil, Config{})

	_, err := orch.StartInstance(context.Background(), "missing", SearchByName)
	require.Error(t, err)
	apiErr, ok := err.(*apierrors.APIError)
	require.True(t, ok)
	assert.Equal(t, apierrors.KindNotFound, apiErr.Kind)
}

func TestGetInstanceRefreshesConnectionWhenLive(t *testing.T) {
	store := newFakeStore()
	store.instances["inst-1"] = &models.InstanceState{ID: "inst-1", Status: models.StatusReady, UpstreamID: "up-1"}
	prov := &fakeProvider{instance: &provider.Instance{
		UpstreamID: "up-1",
		Status:     "RUNNING",
		Connection: &models.Connection{SSH: "ssh://host:22"},
	}}
	orch := New(&fakeSelector{}, &fakeTemplates{}, store, &fakeLister{}, &fakeQueue{}, prov, nil, Config{})

	got, err := orch.GetInstance(context.Background(), "inst-1")
	require.NoError(t, err)
	require.NotNil(t, got.Connection)
	assert.Equal(t, "ssh://host:22", got.Connection.SSH)
	assert.Equal(t, models.StatusReady, got.Status, "refresh must not overwrite status outside a job-driven transition")
}

func TestGetInstanceSkipsRefreshForTerminalStatus(t *testing.T) {
	store := newFakeStore()
	store.instances["inst-1"] = &models.InstanceState{ID: "inst-1", Status: models.StatusFailed}
	prov := &fakeProvider{getErr: errors.New("should not be called")}
	orch := New(&fakeSelector{}, &fakeTemplates{}, store, &fakeLister{}, &fakeQueue{}, prov, nil, Config{})

	got, err := orch.GetInstance(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestGetInstanceToleratesProviderRefreshFailure(t *testing.T) {
	store := newFakeStore()
	store.instances["inst-1"] = &models.InstanceState{ID: "inst-1", Status: models.StatusReady, UpstreamID: "up-1"}
	prov := &fakeProvider{getErr: errors.New("upstream flaky")}
	orch := New(&fakeSelector{}, &fakeTemplates{}, store, &fakeLister{}, &fakeQueue{}, prov, nil, Config{})

	got, err := orch.GetInstance(context.Background(), "inst-1")
	require.NoError(t, err, "a failed refresh should return the last known state, not an error")
	assert.Equal(t, models.StatusReady, got.Status)
}

func TestListInstancesComprehensiveDelegates(t *testing.T) {
	lister := &fakeLister{listing: &instance.ComprehensiveListing{Counts: instance.Counts{Merged: 3}}}
	orch := New(&fakeSelector{}, &fakeTemplates{}, newFakeStore(), lister, &fakeQueue{}, &fakeProvider{}, nil, Config{})

	got, err := orch.ListInstancesComprehensive(context.Background(), instance.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, got.Counts.Merged)
}
