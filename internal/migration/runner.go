package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/riftforge/gpu-orchestrator/internal/models"
)

// CandidateLister is the narrow provider surface RunTick needs
// (satisfied by internal/provider.Client).
type CandidateLister interface {
	ListMigrationCandidates(ctx context.Context) ([]models.MigrationCandidate, error)
}

// ProcessingCounter reports how many MIGRATE_INSTANCE jobs are
// currently leased, so RunTick can respect maxConcurrentMigrations
// (satisfied directly by internal/queue.Queue's ProcessingCount).
type ProcessingCounter interface {
	ProcessingCount(ctx context.Context, jobType models.JobType) (int64, error)
}

// RunTick is the MIGRATE_BATCH job body (the MIGRATE_BATCH
// handler delegates here): scan candidates, enqueue one MIGRATE_INSTANCE
// per candidate up to the concurrency budget, skipping duplicates via
// idempotency key.
func (s *Scheduler) RunTick(ctx context.Context, lister CandidateLister, counter ProcessingCounter, tickBucket string) (*TickStats, error) {
	start := time.Now()
	stats := &TickStats{TickBucket: tickBucket, ErrorsByType: map[string]int{}}

	candidates, err := lister.ListMigrationCandidates(ctx)
	if err != nil {
		stats.ErrorsByType["list_candidates"]++
		stats.DurationMs = time.Since(start).Milliseconds()
		s.setLastStats(stats)
		return stats, err
	}
	stats.CandidatesFound = len(candidates)

	if s.cfg.DryRun {
		s.logger.Info("migration dry run: candidates found", "count", len(candidates), "tickBucket", tickBucket)
		stats.DurationMs = time.Since(start).Milliseconds()
		s.setLastStats(stats)
		return stats, nil
	}

	for _, c := range candidates {
		inFlight, err := counter.ProcessingCount(ctx, models.JobMigrateInstance)
		if err != nil {
			stats.ErrorsByType["count_processing"]++
			continue
		}
		if int(inFlight) >= s.cfg.MaxConcurrentMigrations {
			stats.SkippedConcurrency++
			continue
		}

		maxAttempts := 1
		if s.cfg.RetryFailedMigrations {
			maxAttempts = 3
		}

		idempotencyKey := fmt.Sprintf("migrate:%s", c.UpstreamID)
		payload := models.MigrateInstancePayload{UpstreamID: c.UpstreamID, Reason: c.Reason}
		_, created, err := s.queue.Enqueue(ctx, models.JobMigrateInstance, payload, models.PriorityNormal, maxAttempts, idempotencyKey)
		if err != nil {
			stats.ErrorsByType["enqueue"]++
			continue
		}
		if created {
			stats.Enqueued++
		} else {
			stats.SkippedDuplicate++
		}
	}

	stats.DurationMs = time.Since(start).Milliseconds()
	s.setLastStats(stats)
	return stats, nil
}
