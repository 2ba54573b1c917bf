// Package migration implements the migration scheduler:
// a cron-driven ticker that enqueues a single MIGRATE_BATCH scan per
// tick, whose handler (internal/worker) fans candidates out into
// individual MIGRATE_INSTANCE jobs.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/riftforge/gpu-orchestrator/internal/models"
)

// Enqueuer is the narrow queue surface the scheduler needs (satisfied
// by *internal/queue.Queue).
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType models.JobType, payload any, priority models.Priority, maxAttempts int, idempotencyKey string) (id string, created bool, err error)
}

// Config tunes the scheduler.
type Config struct {
	Enabled                 bool
	ScheduleInterval        time.Duration
	JobTimeout              time.Duration
	MaxConcurrentMigrations int
	DryRun                  bool
	RetryFailedMigrations   bool
}

// TickStats is the per-tick metrics record.
type TickStats struct {
	TickBucket        string
	CandidatesFound   int
	Enqueued          int
	SkippedDuplicate  int
	SkippedConcurrency int
	DurationMs        int64
	ErrorsByType      map[string]int
}

// Scheduler owns the cron ticker and records a rolling error-rate
// window for the 50% alert threshold.
type Scheduler struct {
	cfg    Config
	queue  Enqueuer
	logger *slog.Logger
	cron   *cron.Cron

	mu         sync.Mutex
	recentTicks []bool // true = tick had at least one error; rolling 15-minute window
	lastStats   *TickStats
}

// New constructs a Scheduler. Enqueue of the per-tick MIGRATE_BATCH job
// happens from the cron callback; the scan itself runs in
// internal/worker's MIGRATE_BATCH handler, which calls RunTick.
func New(q Enqueuer, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = 15 * time.Minute
	}
	if cfg.MaxConcurrentMigrations <= 0 {
		cfg.MaxConcurrentMigrations = 5
	}
	return &Scheduler{cfg: cfg, queue: q, logger: logger}
}

// Start launches the cron ticker. A no-op if cfg.Enabled is false.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("migration scheduler disabled")
		return nil
	}

	s.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)))
	spec := fmt.Sprintf("@every %s", s.cfg.ScheduleInterval)
	_, err := s.cron.AddFunc(spec, func() { s.onTick(ctx) })
	if err != nil {
		return fmt.Errorf("migration: schedule cron job: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron ticker, waiting for any in-flight callback.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Scheduler) onTick(ctx context.Context) {
	bucket := tickBucket(time.Now())
	idempotencyKey := fmt.Sprintf("migrate-batch:%s", bucket)

	if s.cfg.DryRun {
		s.logger.Info("migration scheduler dry run: would enqueue MIGRATE_BATCH", "tickBucket", bucket)
		return
	}

	_, _, err := s.queue.Enqueue(ctx, models.JobMigrateBatch, models.MigrateBatchPayload{TickBucket: bucket}, models.PriorityLow, 1, idempotencyKey)
	if err != nil {
		s.logger.Error("failed to enqueue migrate batch", "error", err)
		s.recordTick(true)
		return
	}
	s.recordTick(false)
}

// tickBucket quantizes a timestamp down to the schedule granularity so
// repeated cron firings in the same window share an idempotency key —
// minute resolution is fine-grained enough for the default 15-minute
// interval while still being readable in logs.
func tickBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04")
}

// recordTick maintains a rolling 15-minute error window (approximated
// as the last N ticks, N = 15min / ScheduleInterval + 1). No alert
// threshold is applied here. Alerting itself (paging, webhooks) is
// out of scope — this just exposes ErrorRate for a metrics exporter or
// admin endpoint to read.
func (s *Scheduler) recordTick(hadError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	windowSize := int(15*time.Minute/s.cfg.ScheduleInterval) + 1
	s.recentTicks = append(s.recentTicks, hadError)
	if len(s.recentTicks) > windowSize {
		s.recentTicks = s.recentTicks[len(s.recentTicks)-windowSize:]
	}
}

// ErrorRate returns the fraction of recent ticks that failed to
// enqueue, over the rolling window recordTick maintains.
func (s *Scheduler) ErrorRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recentTicks) == 0 {
		return 0
	}
	errs := 0
	for _, e := range s.recentTicks {
		if e {
			errs++
		}
	}
	return float64(errs) / float64(len(s.recentTicks))
}

// LastStats returns the most recent RunTick result, or nil if none has
// run yet.
func (s *Scheduler) LastStats() *TickStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStats
}

func (s *Scheduler) setLastStats(stats *TickStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStats = stats
}
