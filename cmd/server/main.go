// Package main is the entry point for the GPU orchestrator API server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/riftforge/gpu-orchestrator/internal/audit"
	"github.com/riftforge/gpu-orchestrator/internal/cache"
	"github.com/riftforge/gpu-orchestrator/internal/config"
	"github.com/riftforge/gpu-orchestrator/internal/database"
	"github.com/riftforge/gpu-orchestrator/internal/handler"
	"github.com/riftforge/gpu-orchestrator/internal/instance"
	"github.com/riftforge/gpu-orchestrator/internal/metrics"
	ownmiddleware "github.com/riftforge/gpu-orchestrator/internal/middleware"
	"github.com/riftforge/gpu-orchestrator/internal/migration"
	"github.com/riftforge/gpu-orchestrator/internal/models"
	"github.com/riftforge/gpu-orchestrator/internal/orchestrator"
	"github.com/riftforge/gpu-orchestrator/internal/prober"
	"github.com/riftforge/gpu-orchestrator/internal/provider"
	"github.com/riftforge/gpu-orchestrator/internal/queue"
	"github.com/riftforge/gpu-orchestrator/internal/selector"
	"github.com/riftforge/gpu-orchestrator/internal/template"
	"github.com/riftforge/gpu-orchestrator/internal/webhook"
	"github.com/riftforge/gpu-orchestrator/internal/worker"
)

// providerInstanceAdapter reconciles internal/provider.Client's
// []provider.Instance listing with the []instance.ProviderInstance
// shape internal/instance.Lister depends on. It is the only place the
// two packages' concrete types meet, keeping both decoupled from each
// other everywhere else.
type providerInstanceAdapter struct {
	client *provider.Client
}

func (a providerInstanceAdapter) ListInstances(ctx context.Context) ([]instance.ProviderInstance, error) {
	raw, err := a.client.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]instance.ProviderInstance, len(raw))
	for i, r := range raw {
		out[i] = instance.ProviderInstance{
			UpstreamID: r.UpstreamID,
			Status:     r.Status,
			Connection: r.Connection,
			Ports:      r.Ports,
		}
	}
	return out, nil
}

func main() {
	logLevel := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := logLevel.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		log.Fatalf("invalid log level: %v", err)
	}
	if os.Getenv("DEBUG") == "true" {
		logLevel.Set(slog.LevelDebug)
	}

	logger.Info("starting gpu orchestrator",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	// Audit trail store (spec's supplemental GET /instances/:id/audit).
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer db.Close()
	logger.Info("connected to postgres")

	if err := db.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("failed to run audit log migrations: %v", err)
	}
	logger.Info("audit log migrations applied")

	// Job queue / instance state store backend.
	redisConn, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisConn.Close()
	logger.Info("connected to redis")

	caches := cache.NewRegistry(cfg.Cache.MergedInstancesTTL)
	defer caches.Close()

	metricsRegistry := metrics.NewRegistry(prometheus.DefaultRegisterer)
	stopSampler := make(chan struct{})
	metricsRegistry.StartSystemSampler(stopSampler)
	defer close(stopSampler)

	providerClient := provider.New(provider.Config{
		APIKey:           cfg.Upstream.APIKey,
		BaseURL:          cfg.Upstream.BaseURL,
		RequestTimeout:   cfg.Upstream.RequestTimeout,
		MaxRetryAttempts: cfg.Upstream.MaxRetryAttempts,
		RetryBaseDelay:   cfg.Upstream.RetryBaseDelay,
		RetryMaxDelay:    cfg.Upstream.RetryMaxDelay,
		BreakerThreshold: cfg.Upstream.BreakerThreshold,
		BreakerCooldown:  cfg.Upstream.BreakerCooldown,
	}, logger)

	productSelector := selector.New(providerClient, caches.Get(cache.NameProducts))
	templateResolver := template.New(providerClient)
	webhookDeliverer := webhook.New(webhook.Config{
		Timeout:    cfg.Webhook.Timeout,
		Secret:     cfg.Webhook.Secret,
		MaxRetries: cfg.Webhook.MaxRetries,
	})
	readinessProber := prober.New()

	jobQueue := queue.New(redisConn, queue.Config{
		BaseRetryDelay: time.Second,
		MaxRetryDelay:  5 * time.Minute,
	})

	instanceStore := instance.New(redisConn, caches)
	instanceLister := instance.NewLister(instanceStore, providerInstanceAdapter{client: providerClient}, caches)

	migrationScheduler := migration.New(jobQueue, migration.Config{
		Enabled:                 cfg.Migration.Enabled,
		ScheduleInterval:        cfg.Migration.ScheduleInterval,
		JobTimeout:              cfg.Migration.JobTimeout,
		MaxConcurrentMigrations: cfg.Migration.MaxConcurrentMigrations,
		DryRun:                  cfg.Migration.DryRun,
		RetryFailedMigrations:   cfg.Migration.RetryFailedMigrations,
	}, logger)

	auditRepo := audit.NewPostgresRepository(db.Pool())
	auditRecorder := audit.NewRecorder(auditRepo, logger)

	workerHandlers := worker.NewHandlers(
		providerClient,
		webhookDeliverer,
		readinessProber,
		instanceStore,
		jobQueue,
		migrationScheduler,
		providerClient,
		jobQueue,
		auditRecorder,
		worker.HandlerConfig{
			Logger:               logger,
			ProbeConfig:          models.ProbeConfig{TimeoutMs: cfg.Probe.TimeoutMs, RetryAttempts: cfg.Probe.RetryAttempts, RetryDelayMs: cfg.Probe.RetryDelayMs, MaxWaitMs: cfg.Probe.MaxWaitMs},
			DefaultMaxAttempts:   3,
			DefaultMigrateRegion: cfg.Upstream.DefaultRegion,
		},
	)

	workerPool := worker.New(jobQueue, worker.Config{
		LeaseDuration:  cfg.Queue.LeaseDuration,
		DefaultTimeout: cfg.Queue.JobTimeout,
		PollInterval:   cfg.Queue.PollInterval,
		GlobalMaxJobs:  cfg.Queue.MaxConcurrentJobs,
		PerTypeLimits:  concurrencyByType(cfg.Queue.Concurrency),
	}, logger, metricsRegistry)

	workerPool.RegisterHandler(models.JobCreateInstance, workerHandlers.CreateInstance)
	workerPool.RegisterHandler(models.JobMonitorStartup, workerHandlers.MonitorInstance)
	workerPool.RegisterHandler(models.JobMonitorInstance, workerHandlers.MonitorInstance)
	workerPool.RegisterHandler(models.JobHealthCheck, workerHandlers.HealthCheck)
	workerPool.RegisterHandler(models.JobSendWebhook, workerHandlers.SendWebhook)
	workerPool.RegisterHandler(models.JobMigrateBatch, workerHandlers.MigrateBatch)
	workerPool.RegisterHandler(models.JobMigrateInstance, workerHandlers.MigrateInstance)

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	workerPool.Start(workerCtx)
	logger.Info("worker pool started")

	if err := migrationScheduler.Start(workerCtx); err != nil {
		logger.Error("failed to start migration scheduler", slog.String("error", err.Error()))
	}

	orch := orchestrator.New(
		productSelector,
		templateResolver,
		instanceStore,
		instanceLister,
		jobQueue,
		providerClient,
		auditRecorder,
		orchestrator.Config{
			Logger:             logger,
			Regions:            cfg.Regions,
			DefaultMaxAttempts: 3,
			StartupMaxWaitMs:   cfg.Probe.MaxWaitMs,
		},
	)

	router := buildRouter(logger, metricsRegistry, orch, auditRepo, caches, providerClient, redisConn, workerPool)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", slog.String("signal", sig.String()))

	cancelWorker()
	if err := workerPool.Shutdown(context.Background()); err != nil {
		logger.Error("worker pool shutdown error", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server shutdown error: %v", err)
	}

	logger.Info("server stopped gracefully")
}

// concurrencyByType converts config's string-keyed per-type
// concurrency map into worker.Config's models.JobType-keyed form.
func concurrencyByType(cfg map[string]int) map[models.JobType]int {
	out := make(map[models.JobType]int, len(cfg))
	for k, v := range cfg {
		out[models.JobType(k)] = v
	}
	return out
}

func buildRouter(
	logger *slog.Logger,
	metricsRegistry *metrics.Registry,
	orch *orchestrator.Orchestrator,
	auditRepo audit.Repository,
	caches *cache.Registry,
	providerClient *provider.Client,
	redisConn *database.Redis,
	workerPool *worker.Pool,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(ownmiddleware.Logging(logger))
	r.Use(ownmiddleware.Metrics(metricsRegistry))
	r.Use(chimiddleware.Recoverer)

	instanceHandler := handler.NewInstanceHandler(orch, auditRepo)
	healthHandler := handler.NewHealthHandler(redisConn, providerClient)
	cacheHandler := handler.NewCacheHandler(caches)
	metricsHandler := handler.NewMetricsHandler(metricsRegistry)
	adminHandler := handler.NewAdminHandler(workerPool)

	r.Mount("/instances", instanceHandler.Routes())
	r.Get("/health", healthHandler.Check)
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/metrics/stats", metricsHandler.Routes())
	r.Route("/cache", func(r chi.Router) {
		r.Get("/stats", cacheHandler.Stats)
		r.Post("/clear", cacheHandler.Clear)
		r.Post("/cleanup", cacheHandler.Cleanup)
	})
	r.Mount("/admin", adminHandler.Routes())

	return r
}
