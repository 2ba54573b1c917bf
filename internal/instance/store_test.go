package instance

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftforge/gpu-orchestrator/internal/cache"
	"github.com/riftforge/gpu-orchestrator/internal/database"
	"github.com/riftforge/gpu-orchestrator/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg := cache.NewRegistry(60 * time.Second)
	t.Cleanup(reg.Close)
	return New(database.NewRedisFromClient(client), reg)
}

func TestCreateThenGetRoundTrips(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st := models.InstanceState{ID: "inst-1", Name: "box", Status: models.StatusCreating}
	require.NoError(t, store.Create(ctx, st))

	got, err := store.Get(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "box", got.Name)
	assert.Equal(t, models.StatusCreating, got.Status)
	assert.False(t, got.Timestamps.CreatedAt.IsZero())
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, models.InstanceState{ID: "dup", Status: models.StatusCreating}))
	err := store.Create(ctx, models.InstanceState{ID: "dup", Status: models.StatusCreating})
	assert.Error(t, err)
}

func TestUpdateInstanceStateAppliesValidTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, models.InstanceState{ID: "inst-2", Status: models.StatusCreating}))

	updated, err := store.UpdateInstanceState(ctx, "inst-2", func(s *models.InstanceState) {
		s.Status = models.StatusStarting
		s.UpstreamID = "up-1"
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarting, updated.Status)
	assert.Equal(t, "up-1", updated.UpstreamID)
}

func TestUpdateInstanceStateRejectsInvalidTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, models.InstanceState{ID: "inst-3", Status: models.StatusCreating}))

	_, err := store.UpdateInstanceState(ctx, "inst-3", func(s *models.InstanceState) {
		s.Status = models.StatusReady
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID_TRANSITION")
}

func TestUpdateInstanceStateInvalidatesDetailsCache(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, models.InstanceState{ID: "inst-4", Status: models.StatusCreating}))

	_, err := store.Get(ctx, "inst-4")
	require.NoError(t, err)
	assert.True(t, store.cache.Get(cache.NameInstanceDetails).Has("inst-4"))

	_, err = store.UpdateInstanceState(ctx, "inst-4", func(s *models.InstanceState) {
		s.Status = models.StatusStarting
	})
	require.NoError(t, err)
	assert.False(t, store.cache.Get(cache.NameInstanceDetails).Has("inst-4"), "patch must invalidate the details cache entry")
}

func TestListAllReturnsEveryRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, models.InstanceState{ID: "a", Status: models.StatusCreating}))
	require.NoError(t, store.Create(ctx, models.InstanceState{ID: "b", Status: models.StatusCreating}))

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
