package migration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftforge/gpu-orchestrator/internal/models"
)

type fakeLister struct {
	candidates []models.MigrationCandidate
	err        error
}

func (f *fakeLister) ListMigrationCandidates(ctx context.Context) ([]models.MigrationCandidate, error) {
	return f.candidates, f.err
}

type fakeCounter struct {
	count int64
	err   error
}

func (f *fakeCounter) ProcessingCount(ctx context.Context, jobType models.JobType) (int64, error) {
	return f.count, f.err
}

type fakeEnqueuer struct {
	mu          sync.Mutex
	seen        map[string]string // idempotencyKey -> id
	calls       []string
	maxAttempts []int
	nextID      int
	failNext    bool
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{seen: map[string]string{}}
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, jobType models.JobType, payload any, priority models.Priority, maxAttempts int, idempotencyKey string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, string(jobType))
	f.maxAttempts = append(f.maxAttempts, maxAttempts)
	if f.failNext {
		return "", false, errors.New("enqueue failed")
	}
	if idempotencyKey != "" {
		if id, ok := f.seen[idempotencyKey]; ok {
			return id, false, nil
		}
	}
	f.nextID++
	id := string(rune('a' + f.nextID))
	if idempotencyKey != "" {
		f.seen[idempotencyKey] = id
	}
	return id, true, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunTickEnqueuesOnePerCandidate(t *testing.T) {
	q := newFakeEnqueuer()
	s := New(q, Config{MaxConcurrentMigrations: 5}, testLogger())
	lister := &fakeLister{candidates: []models.MigrationCandidate{
		{UpstreamID: "up-1", Reason: "spot_reclaim"},
		{UpstreamID: "up-2", Reason: "spot_reclaim"},
	}}
	counter := &fakeCounter{count: 0}

	stats, err := s.RunTick(context.Background(), lister, counter, "2026-07-31T12:00")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CandidatesFound)
	assert.Equal(t, 2, stats.Enqueued)
	assert.Equal(t, 0, stats.SkippedDuplicate)
	assert.Equal(t, 0, stats.SkippedConcurrency)
}

func TestRunTickSkipsDuplicateCandidateViaIdempotencyKey(t *testing.T) {
	q := newFakeEnqueuer()
	s := New(q, Config{MaxConcurrentMigrations: 5}, testLogger())
	lister := &fakeLister{candidates: []models.MigrationCandidate{
		{UpstreamID: "up-1", Reason: "spot_reclaim"},
	}}
	counter := &fakeCounter{count: 0}

	_, err := s.RunTick(context.Background(), lister, counter, "2026-07-31T12:00")
	require.NoError(t, err)
	stats2, err := s.RunTick(context.Background(), lister, counter, "2026-07-31T12:01")
	require.NoError(t, err)

	assert.Equal(t, 0, stats2.Enqueued)
	assert.Equal(t, 1, stats2.SkippedDuplicate)
}

func TestRunTickRespectsMaxConcurrentMigrations(t *testing.T) {
	q := newFakeEnqueuer()
	s := New(q, Config{MaxConcurrentMigrations: 2}, testLogger())
	lister := &fakeLister{candidates: []models.MigrationCandidate{
		{UpstreamID: "up-1"}, {UpstreamID: "up-2"}, {UpstreamID: "up-3"},
	}}
	counter := &fakeCounter{count: 2}

	stats, err := s.RunTick(context.Background(), lister, counter, "2026-07-31T12:00")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Enqueued)
	assert.Equal(t, 3, stats.SkippedConcurrency)
}

func TestRunTickDryRunDoesNotEnqueue(t *testing.T) {
	q := newFakeEnqueuer()
	s := New(q, Config{MaxConcurrentMigrations: 5, DryRun: true}, testLogger())
	lister := &fakeLister{candidates: []models.MigrationCandidate{{UpstreamID: "up-1"}}}
	counter := &fakeCounter{count: 0}

	stats, err := s.RunTick(context.Background(), lister, counter, "2026-07-31T12:00")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CandidatesFound)
	assert.Equal(t, 0, stats.Enqueued)
	assert.Empty(t, q.calls)
}

func TestRunTickMaxAttemptsFollowsRetryFailedMigrations(t *testing.T) {
	lister := &fakeLister{candidates: []models.MigrationCandidate{{UpstreamID: "up-1"}}}
	counter := &fakeCounter{count: 0}

	retryQ := newFakeEnqueuer()
	retryScheduler := New(retryQ, Config{MaxConcurrentMigrations: 5, RetryFailedMigrations: true}, testLogger())
	_, err := retryScheduler.RunTick(context.Background(), lister, counter, "2026-07-31T12:00")
	require.NoError(t, err)
	require.Len(t, retryQ.maxAttempts, 1)
	assert.Equal(t, 3, retryQ.maxAttempts[0])

	failFastQ := newFakeEnqueuer()
	failFastScheduler := New(failFastQ, Config{MaxConcurrentMigrations: 5, RetryFailedMigrations: false}, testLogger())
	_, err = failFastScheduler.RunTick(context.Background(), lister, counter, "2026-07-31T12:00")
	require.NoError(t, err)
	require.Len(t, failFastQ.maxAttempts, 1)
	assert.Equal(t, 1, failFastQ.maxAttempts[0])
}

func TestRunTickRecordsListCandidatesError(t *testing.T) {
	q := newFakeEnqueuer()
	s := New(q, Config{MaxConcurrentMigrations: 5}, testLogger())
	lister := &fakeLister{err: errors.New("provider unavailable")}
	counter := &fakeCounter{count: 0}

	stats, err := s.RunTick(context.Background(), lister, counter, "2026-07-31T12:00")
	assert.Error(t, err)
	assert.Equal(t, 1, stats.ErrorsByType["list_candidates"])
}
