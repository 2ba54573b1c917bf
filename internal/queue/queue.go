package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/riftforge/gpu-orchestrator/internal/database"
	apierrors "github.com/riftforge/gpu-orchestrator/internal/pkg/errors"
	"github.com/riftforge/gpu-orchestrator/internal/pkg/serializer"
	"github.com/riftforge/gpu-orchestrator/internal/pkg/ulid"
	"github.com/riftforge/gpu-orchestrator/internal/models"
)

// knownTypes is the closed set of job types the coordinator sweeps
// across in PromoteDue/ReclaimExpiredLeases/Stats.
var knownTypes = []models.JobType{
	models.JobCreateInstance,
	models.JobMonitorStartup,
	models.JobMonitorInstance,
	models.JobHealthCheck,
	models.JobSendWebhook,
	models.JobMigrateBatch,
	models.JobMigrateInstance,
}

// popScript atomically moves the single highest-scored member of the
// ready index into the processing index, so two workers racing a pop
// can never both win the same job.
const popScript = `
local ready = KEYS[1]
local processing = KEYS[2]
local leaseExpiresAt = ARGV[1]
local members = redis.call('ZREVRANGE', ready, 0, 0)
if #members == 0 then
	return nil
end
local jobId = members[1]
redis.call('ZREM', ready, jobId)
redis.call('ZADD', processing, leaseExpiresAt, jobId)
return jobId
`

// Queue is the durable, Redis-backed job queue.
type Queue struct {
	redis *database.Redis

	baseRetryDelay time.Duration
	maxRetryDelay  time.Duration
}

// Config tunes retry backoff shape (the nack formula below).
type Config struct {
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
}

// New constructs a Queue over an existing Redis connection.
func New(redis *database.Redis, cfg Config) *Queue {
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 5 * time.Minute
	}
	return &Queue{redis: redis, baseRetryDelay: cfg.BaseRetryDelay, maxRetryDelay: cfg.MaxRetryDelay}
}

// Enqueue writes the job body and inserts it into the ready index,
// returning its ID and whether a new job was actually created. If
// idemKey is non-empty and a job with the same key+type already
// exists, the existing job's ID is returned with created=false instead
// of creating a duplicate.
func (q *Queue) Enqueue(ctx context.Context, jobType models.JobType, payload any, priority models.Priority, maxAttempts int, idemKey string) (id string, created bool, err error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	if idemKey != "" {
		idKey := idempotencyKey(string(jobType), idemKey)
		existingID, getErr := q.redis.Get(ctx, idKey)
		if getErr == nil && existingID != "" {
			return existingID, false, nil
		}
		if getErr != nil && !database.IsNotFound(getErr) {
			return "", false, apierrors.ErrUnavailable.WithMessage(getErr.Error())
		}
	}

	newID := ulid.New()
	now := time.Now().UTC()
	job := models.Job{
		ID:             newID,
		Type:           jobType,
		Payload:        payload,
		Status:         models.JobPending,
		Priority:       priority,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		IdempotencyKey: idemKey,
	}

	if err := q.writeBody(ctx, job); err != nil {
		return "", false, err
	}

	score := readyScore(int(priority), now.UnixMilli())
	if err := q.redis.ZAdd(ctx, readyKey(string(jobType)), score, newID); err != nil {
		return "", false, apierrors.ErrUnavailable.WithMessage(err.Error())
	}

	if idemKey != "" {
		_, _ = q.redis.SetNX(ctx, idempotencyKey(string(jobType), idemKey), newID, 24*time.Hour)
	}

	return newID, true, nil
}

// Pop atomically claims the highest-priority ready job of jobType,
// stamping a lease that expires after leaseDuration. Returns nil, nil
// if no job is ready.
func (q *Queue) Pop(ctx context.Context, jobType models.JobType, leaseDuration time.Duration) (*models.Job, error) {
	leaseExpiresAt := time.Now().Add(leaseDuration)
	result, err := q.redis.Client().Eval(ctx, popScript,
		[]string{readyKey(string(jobType)), processingKey(string(jobType))},
		leaseExpiresAt.UnixMilli(),
	).Result()
	if err != nil {
		if database.IsNotFound(err) {
			return nil, nil
		}
		return nil, apierrors.ErrUnavailable.WithMessage(err.Error())
	}
	if result == nil {
		return nil, nil
	}
	jobID, ok := result.(string)
	if !ok || jobID == "" {
		return nil, nil
	}

	job, err := q.readBody(ctx, jobType, jobID)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobProcessing
	now := time.Now().UTC()
	job.ProcessedAt = &now
	job.LeaseExpiresAt = &leaseExpiresAt
	if err := q.writeBody(ctx, *job); err != nil {
		return nil, err
	}
	return job, nil
}

// Ack marks jobID COMPLETED and removes it from the processing index.
func (q *Queue) Ack(ctx context.Context, jobType models.JobType, jobID string) error {
	job, err := q.readBody(ctx, jobType, jobID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.Status = models.JobCompleted
	job.CompletedAt = &now
	job.LeaseExpiresAt = nil

	if err := q.writeBody(ctx, *job); err != nil {
		return err
	}
	if err := q.redis.ZRem(ctx, processingKey(string(jobType)), jobID); err != nil {
		return apierrors.ErrUnavailable.WithMessage(err.Error())
	}
	return nil
}

// Nack records a failed attempt. If retryable and attempts remain, the
// job is rescheduled with exponential backoff + jitter; otherwise it is
// marked FAILED (the nack formula below).
func (q *Queue) Nack(ctx context.Context, jobType models.JobType, jobID string, jobErr error, retryable bool) error {
	job, err := q.readBody(ctx, jobType, jobID)
	if err != nil {
		return err
	}
	job.Attempts++
	if jobErr != nil {
		job.Error = jobErr.Error()
	}

	if err := q.redis.ZRem(ctx, processingKey(string(jobType)), jobID); err != nil {
		return apierrors.ErrUnavailable.WithMessage(err.Error())
	}

	if retryable && job.Attempts < job.MaxAttempts {
		delay := backoffWithJitter(q.baseRetryDelay, q.maxRetryDelay, job.Attempts)
		nextRetryAt := time.Now().Add(delay)
		job.Status = models.JobPending
		job.NextRetryAt = &nextRetryAt
		job.LeaseExpiresAt = nil

		if err := q.writeBody(ctx, *job); err != nil {
			return err
		}
		if err := q.redis.ZAdd(ctx, scheduledKey(string(jobType)), float64(nextRetryAt.UnixMilli()), jobID); err != nil {
			return apierrors.ErrUnavailable.WithMessage(err.Error())
		}
		return nil
	}

	job.Status = models.JobFailed
	job.LeaseExpiresAt = nil
	return q.writeBody(ctx, *job)
}

// PromoteDue moves every scheduled job across all known types whose
// nextRetryAt has elapsed back into its ready index, returning the
// count promoted.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, jt := range knownTypes {
		n, err := q.promoteDueForType(ctx, jt, now)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (q *Queue) promoteDueForType(ctx context.Context, jobType models.JobType, now time.Time) (int, error) {
	due, err := q.redis.ZRangeByScore(ctx, scheduledKey(string(jobType)), 0, float64(now.UnixMilli()), 0)
	if err != nil {
		return 0, apierrors.ErrUnavailable.WithMessage(err.Error())
	}
	count := 0
	for _, jobID := range due {
		job, err := q.readBody(ctx, jobType, jobID)
		if err != nil {
			continue // body missing/corrupt; skip rather than fail the whole sweep
		}
		if err := q.redis.ZRem(ctx, scheduledKey(string(jobType)), jobID); err != nil {
			return count, apierrors.ErrUnavailable.WithMessage(err.Error())
		}
		score := readyScore(int(job.Priority), job.CreatedAt.UnixMilli())
		if err := q.redis.ZAdd(ctx, readyKey(string(jobType)), score, jobID); err != nil {
			return count, apierrors.ErrUnavailable.WithMessage(err.Error())
		}
		count++
	}
	return count, nil
}

// ReclaimExpiredLeases returns every processing job across all known
// types whose lease has elapsed back to ready, incrementing attempts
// as an implicit nack. A job that has exhausted its
// attempts this way is marked FAILED instead of requeued, to avoid an
// unbounded reclaim loop.
func (q *Queue) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, jt := range knownTypes {
		n, err := q.reclaimExpiredForType(ctx, jt, now)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (q *Queue) reclaimExpiredForType(ctx context.Context, jobType models.JobType, now time.Time) (int, error) {
	expired, err := q.redis.ZRangeByScore(ctx, processingKey(string(jobType)), 0, float64(now.UnixMilli()), 0)
	if err != nil {
		return 0, apierrors.ErrUnavailable.WithMessage(err.Error())
	}
	count := 0
	for _, jobID := range expired {
		job, err := q.readBody(ctx, jobType, jobID)
		if err != nil {
			_ = q.redis.ZRem(ctx, processingKey(string(jobType)), jobID)
			continue
		}
		job.Attempts++
		job.LeaseExpiresAt = nil

		if err := q.redis.ZRem(ctx, processingKey(string(jobType)), jobID); err != nil {
			return count, apierrors.ErrUnavailable.WithMessage(err.Error())
		}

		if job.Attempts >= job.MaxAttempts {
			job.Status = models.JobFailed
			job.Error = "lease expired and attempts exhausted"
			if err := q.writeBody(ctx, *job); err != nil {
				return count, err
			}
			count++
			continue
		}

		job.Status = models.JobPending
		if err := q.writeBody(ctx, *job); err != nil {
			return count, err
		}
		score := readyScore(int(job.Priority), job.CreatedAt.UnixMilli())
		if err := q.redis.ZAdd(ctx, readyKey(string(jobType)), score, jobID); err != nil {
			return count, apierrors.ErrUnavailable.WithMessage(err.Error())
		}
		count++
	}
	return count, nil
}

// TypeStats is the per-type aggregate Stats returns.
type TypeStats struct {
	Ready      int64
	Scheduled  int64
	Processing int64
}

// Stats returns ready/scheduled/processing counts per known job type.
func (q *Queue) Stats(ctx context.Context) (map[models.JobType]TypeStats, error) {
	out := make(map[models.JobType]TypeStats, len(knownTypes))
	for _, jt := range knownTypes {
		ready, err := q.redis.ZCard(ctx, readyKey(string(jt)))
		if err != nil {
			return nil, apierrors.ErrUnavailable.WithMessage(err.Error())
		}
		scheduled, err := q.redis.ZCard(ctx, scheduledKey(string(jt)))
		if err != nil {
			return nil, apierrors.ErrUnavailable.WithMessage(err.Error())
		}
		processing, err := q.redis.ZCard(ctx, processingKey(string(jt)))
		if err != nil {
			return nil, apierrors.ErrUnavailable.WithMessage(err.Error())
		}
		out[jt] = TypeStats{Ready: ready, Scheduled: scheduled, Processing: processing}
	}
	return out, nil
}

// ProcessingCount returns how many jobType jobs are currently leased —
// used by the migration scheduler to respect maxConcurrentMigrations
// for the migration scheduler's batch tick.
func (q *Queue) ProcessingCount(ctx context.Context, jobType models.JobType) (int64, error) {
	n, err := q.redis.ZCard(ctx, processingKey(string(jobType)))
	if err != nil {
		return 0, apierrors.ErrUnavailable.WithMessage(err.Error())
	}
	return n, nil
}

// DecodePayload re-marshals a job's generic Payload (decoded as
// map[string]any by the serializer, since Go can't recover a concrete
// type behind an `any` field from JSON alone) into dest, a pointer to
// the job type's specific payload struct.
func DecodePayload(job *models.Job, dest any) error {
	b, err := json.Marshal(job.Payload)
	if err != nil {
		return apierrors.ErrSerialization.WithMessage(err.Error())
	}
	if err := json.Unmarshal(b, dest); err != nil {
		return apierrors.ErrSerialization.WithMessage(err.Error())
	}
	return nil
}

func (q *Queue) writeBody(ctx context.Context, job models.Job) error {
	encoded, err := serializer.Serialize(job)
	if err != nil {
		return apierrors.ErrSerialization.WithMessage(err.Error())
	}
	if err := q.redis.HSet(ctx, bodyKey(string(job.Type)), job.ID, encoded); err != nil {
		return apierrors.ErrUnavailable.WithMessage(err.Error())
	}
	return nil
}

func (q *Queue) readBody(ctx context.Context, jobType models.JobType, jobID string) (*models.Job, error) {
	raw, err := q.redis.HGet(ctx, bodyKey(string(jobType)), jobID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, apierrors.NewNotFoundError(fmt.Sprintf("job %s", jobID))
		}
		return nil, apierrors.ErrUnavailable.WithMessage(err.Error())
	}
	var job models.Job
	if err := serializer.DeserializeInto(raw, &job); err != nil {
		return nil, apierrors.ErrSerialization.WithMessage(err.Error())
	}
	return &job, nil
}

// backoffWithJitter implements the nack delay formula:
// min(maxDelay, base*2^(attempts-1)) + jitter, jitter up to 20% of the
// computed delay.
func backoffWithJitter(base, max time.Duration, attempts int) time.Duration {
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay > max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay + jitter
}
