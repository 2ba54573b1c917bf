package worker

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftforge/gpu-orchestrator/internal/database"
	"github.com/riftforge/gpu-orchestrator/internal/models"
	apierrors "github.com/riftforge/gpu-orchestrator/internal/pkg/errors"
	"github.com/riftforge/gpu-orchestrator/internal/queue"
)

func newTestPool(t *testing.T, cfg Config) (*Pool, *queue.Queue) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := queue.New(database.NewRedisFromClient(client), queue.Config{BaseRetryDelay: 10 * time.Millisecond, MaxRetryDelay: time.Second})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	pool := New(q, cfg, logger, nil)
	return pool, q
}

func TestPoolRunsHandlerAndAcks(t *testing.T) {
	pool, q := newTestPool(t, Config{})
	var calls int32
	pool.RegisterHandler(models.JobHealthCheck, func(ctx context.Context, job *models.Job) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	defer func() {
		cancel()
		_ = pool.Shutdown(context.Background())
	}()

	_, _, err := q.Enqueue(context.Background(), models.JobHealthCheck, map[string]string{"k": "v"}, models.PriorityNormal, 3, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background())
		require.NoError(t, err)
		return stats[models.JobHealthCheck].Processing == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolNacksOnRetryableError(t *testing.T) {
	pool, q := newTestPool(t, Config{})
	var calls int32
	pool.RegisterHandler(models.JobHealthCheck, func(ctx context.Context, job *models.Job) error {
		atomic.AddInt32(&calls, 1)
		return apierrors.ErrUpstream5xx
	})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	defer func() {
		cancel()
		_ = pool.Shutdown(context.Background())
	}()

	_, _, err := q.Enqueue(context.Background(), models.JobHealthCheck, map[string]string{"k": "v"}, models.PriorityNormal, 3, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, statErr := q.Stats(context.Background())
		require.NoError(t, statErr)
		return stats[models.JobHealthCheck].Scheduled == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestPoolPauseStopsNewWorkForType(t *testing.T) {
	pool, q := newTestPool(t, Config{})
	var calls int32
	pool.RegisterHandler(models.JobHealthCheck, func(ctx context.Context, job *models.Job) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	pool.Pause(models.JobHealthCheck)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	defer func() {
		cancel()
		_ = pool.Shutdown(context.Background())
	}()

	_, _, err := q.Enqueue(context.Background(), models.JobHealthCheck, map[string]string{"k": "v"}, models.PriorityNormal, 3, "")
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls), "paused type must not be popped")

	pool.Resume(models.JobHealthCheck)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolShutdownWaitsForInFlightHandler(t *testing.T) {
	pool, q := newTestPool(t, Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	var completed int32
	pool.RegisterHandler(models.JobHealthCheck, func(ctx context.Context, job *models.Job) error {
		close(started)
		<-release
		atomic.AddInt32(&completed, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	_, _, err := q.Enqueue(context.Background(), models.JobHealthCheck, map[string]string{"k": "v"}, models.PriorityNormal, 3, "")
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownDone <- pool.Shutdown(context.Background())
	}()

	cancel()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned before in-flight handler finished")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return after handler completed")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&completed))
}
