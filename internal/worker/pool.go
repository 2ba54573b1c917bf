// Package worker implements the job worker pool: a
// dispatcher with one coordinator loop per registered job type, each
// popping from internal/queue under a bounded concurrency budget and
// running the type's registered Handler under a deadline.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/riftforge/gpu-orchestrator/internal/metrics"
	"github.com/riftforge/gpu-orchestrator/internal/models"
	apierrors "github.com/riftforge/gpu-orchestrator/internal/pkg/errors"
	"github.com/riftforge/gpu-orchestrator/internal/queue"
)

// Handler processes one job. A returned error is classified via
// ClassifyRetryable to decide whether the queue nacks it retryable.
type Handler func(ctx context.Context, job *models.Job) error

// Config tunes the coordinator loops (defaults live in
// config.QueueConfig; this mirrors the fields worker needs directly so
// the package doesn't import internal/config).
type Config struct {
	LeaseDuration    time.Duration
	DefaultTimeout   time.Duration
	PollInterval     time.Duration
	GlobalMaxJobs    int
	PerTypeLimits    map[models.JobType]int
	PerTypeTimeouts  map[models.JobType]time.Duration
}

// Pool runs the registered handlers against a Queue.
type Pool struct {
	queue  *queue.Queue
	cfg    Config
	logger *slog.Logger
	metrics *metrics.Registry

	mu       sync.Mutex
	handlers map[models.JobType]Handler
	paused   map[models.JobType]bool

	globalSem chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Pool. Call RegisterHandler for every job type before
// Start.
func New(q *queue.Queue, cfg Config, logger *slog.Logger, reg *metrics.Registry) *Pool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 60 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	if cfg.GlobalMaxJobs <= 0 {
		cfg.GlobalMaxJobs = 50
	}
	return &Pool{
		queue:     q,
		cfg:       cfg,
		logger:    logger,
		metrics:   reg,
		handlers:  make(map[models.JobType]Handler),
		paused:    make(map[models.JobType]bool),
		globalSem: make(chan struct{}, cfg.GlobalMaxJobs),
	}
}

// RegisterHandler binds a Handler to a job type. Must be called before
// Start; not safe to call concurrently with Start.
func (p *Pool) RegisterHandler(jobType models.JobType, h Handler) {
	p.handlers[jobType] = h
}

// Pause stops a job type's coordinator from popping new work; in-flight
// jobs of that type are unaffected. Part of the admin backpressure
// surface.
func (p *Pool) Pause(jobType models.JobType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused[jobType] = true
}

// Resume reverses Pause.
func (p *Pool) Resume(jobType models.JobType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused[jobType] = false
}

func (p *Pool) isPaused(jobType models.JobType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused[jobType]
}

// Start launches one coordinator goroutine per registered handler plus
// a shared sweeper goroutine for promoteDue/reclaimExpiredLeases.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	p.wg.Add(1)
	go p.runSweeper(ctx)

	for jobType, handler := range p.handlers {
		limit := p.cfg.PerTypeLimits[jobType]
		if limit <= 0 {
			limit = 5
		}
		timeout := p.cfg.PerTypeTimeouts[jobType]
		if timeout <= 0 {
			timeout = p.cfg.DefaultTimeout
		}
		sem := make(chan struct{}, limit)
		p.wg.Add(1)
		go p.runCoordinator(ctx, jobType, handler, sem, timeout)
	}
}

// Shutdown signals every coordinator to stop popping new work and waits
// for in-flight handlers to finish, up to ctx's deadline (see
// step 5, the drain/graceful-shutdown property P12).
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()

	waitDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) runSweeper(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if _, err := p.queue.PromoteDue(ctx, now); err != nil {
				p.logger.Error("promoteDue failed", "error", err)
			}
			if n, err := p.queue.ReclaimExpiredLeases(ctx, now); err != nil {
				p.logger.Error("reclaimExpiredLeases failed", "error", err)
			} else if n > 0 {
				p.logger.Warn("reclaimed expired leases", "count", n)
			}
		}
	}
}

func (p *Pool) runCoordinator(ctx context.Context, jobType models.JobType, handler Handler, sem chan struct{}, timeout time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var inFlight sync.WaitGroup
	defer inFlight.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if p.isPaused(jobType) {
			continue
		}

		for {
			select {
			case sem <- struct{}{}:
			default:
				goto nextTick
			}
			select {
			case p.globalSem <- struct{}{}:
			default:
				<-sem
				goto nextTick
			}

			job, err := p.queue.Pop(ctx, jobType, p.cfg.LeaseDuration)
			if err != nil {
				p.logger.Error("pop failed", "jobType", jobType, "error", err)
				<-sem
				<-p.globalSem
				goto nextTick
			}
			if job == nil {
				<-sem
				<-p.globalSem
				goto nextTick
			}

			inFlight.Add(1)
			go func(job *models.Job) {
				defer inFlight.Done()
				defer func() { <-sem }()
				defer func() { <-p.globalSem }()
				p.runJob(ctx, jobType, handler, job, timeout)
			}(job)
		}
	nextTick:
	}
}

func (p *Pool) runJob(ctx context.Context, jobType models.JobType, handler Handler, job *models.Job, timeout time.Duration) {
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := handler(jobCtx, job)
	duration := time.Since(start)

	// Ack/Nack run on a fresh background context rather than the
	// coordinator's ctx: Shutdown cancels that ctx to stop new pops, but
	// a handler that already finished still needs its result recorded,
	// not dropped because the pool is draining.
	settleCtx, settleCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer settleCancel()

	if err == nil {
		if p.metrics != nil {
			p.metrics.RecordJob(string(jobType), true, duration)
		}
		if ackErr := p.queue.Ack(settleCtx, jobType, job.ID); ackErr != nil {
			p.logger.Error("ack failed", "jobType", jobType, "jobId", job.ID, "error", ackErr)
		}
		return
	}

	if p.metrics != nil {
		p.metrics.RecordJob(string(jobType), false, duration)
	}

	retryable := ClassifyRetryable(err)
	if nackErr := p.queue.Nack(settleCtx, jobType, job.ID, err, retryable); nackErr != nil {
		p.logger.Error("nack failed", "jobType", jobType, "jobId", job.ID, "error", nackErr)
	}
	p.logger.Warn("job failed", "jobType", jobType, "jobId", job.ID, "attempts", job.Attempts+1, "retryable", retryable, "error", err)
}

// ClassifyRetryable reports whether err should be treated as transient.
// A typed *apierrors.APIError defers to its Kind; any other error is
// treated as retryable by default, since an unclassified failure (a
// panic-recovered error, a context deadline from a slow dependency) is
// more often transient than a genuine terminal rejection.
func ClassifyRetryable(err error) bool {
	var apiErr *apierrors.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}
