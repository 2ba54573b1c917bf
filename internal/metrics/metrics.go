// Package metrics aggregates the request/job/cache/system counters and
// histograms the orchestrator exposes, backed by Prometheus client
// types via the same promauto registration pattern used elsewhere in
// this codebase for counters and histograms.
//
// The Prometheus collectors use internal atomics; the in-memory
// snapshot aggregates behind GetSnapshot are guarded by one mutex that
// RecordHTTPRequest, RecordJob, SetJobQueueSize and GetSnapshot each
// hold briefly.
package metrics

import (
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry wraps the Prometheus collectors backing the JSON metrics
// snapshot view, plus a periodic system-metrics sampler.
type Registry struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	jobsProcessedTotal *prometheus.CounterVec
	jobsFailedTotal    *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	jobQueueSize       *prometheus.GaugeVec

	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheSets      *prometheus.CounterVec
	cacheDeletes   *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheSize      *prometheus.GaugeVec

	memoryBytes prometheus.Gauge
	cpuPercent  prometheus.Gauge
	uptime      prometheus.Gauge

	startedAt time.Time

	mu          sync.Mutex
	endpoints   map[string]*endpointStats
	jobTypes    map[string]*jobStats
}

type endpointStats struct {
	Count           int64
	TotalDurationMs float64
	Min, Max        float64
	StatusCodes     map[int]int64
}

type jobStats struct {
	Processed         int64
	Failed            int64
	TotalProcessingMs float64
	Min, Max          float64
	QueueSize         int64
}

// NewRegistry constructs every collector and registers it against reg.
// Pass prometheus.DefaultRegisterer in production (cmd/server/main.go);
// tests pass a fresh prometheus.NewRegistry() so repeated construction
// doesn't panic on duplicate collector registration.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	r := &Registry{
		startedAt: time.Now(),
		endpoints: make(map[string]*endpointStats),
		jobTypes:  make(map[string]*jobStats),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gpuorch_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gpuorch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),

		jobsProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gpuorch_jobs_processed_total",
			Help: "Total number of jobs completed successfully, by type.",
		}, []string{"type"}),
		jobsFailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gpuorch_jobs_failed_total",
			Help: "Total number of jobs that ended FAILED, by type.",
		}, []string{"type"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gpuorch_job_processing_duration_seconds",
			Help:    "Job handler processing duration in seconds, by type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		jobQueueSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpuorch_job_queue_size",
			Help: "Current ready+scheduled queue depth, by type.",
		}, []string{"type"}),

		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gpuorch_cache_hits_total", Help: "Cache hits by cache name.",
		}, []string{"cache"}),
		cacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gpuorch_cache_misses_total", Help: "Cache misses by cache name.",
		}, []string{"cache"}),
		cacheSets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gpuorch_cache_sets_total", Help: "Cache sets by cache name.",
		}, []string{"cache"}),
		cacheDeletes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gpuorch_cache_deletes_total", Help: "Cache deletes by cache name.",
		}, []string{"cache"}),
		cacheEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gpuorch_cache_evictions_total", Help: "Cache LRU evictions by cache name.",
		}, []string{"cache"}),
		cacheSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpuorch_cache_size", Help: "Current entry count by cache name.",
		}, []string{"cache"}),

		memoryBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gpuorch_process_memory_bytes", Help: "Resident Go heap memory in bytes.",
		}),
		cpuPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gpuorch_process_goroutines", Help: "Current goroutine count (used as a lightweight load proxy).",
		}),
		uptime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gpuorch_uptime_seconds", Help: "Seconds since process start.",
		}),
	}
	return r
}

// StartSystemSampler launches the 30s system-metrics sampler. Stops
// when ctx-like stop channel is closed by the caller (cmd/server/main.go
// ties this to process lifetime).
func (r *Registry) StartSystemSampler(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sampleSystem()
			case <-stop:
				return
			}
		}
	}()
}

func (r *Registry) sampleSystem() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	r.memoryBytes.Set(float64(ms.HeapAlloc))
	r.cpuPercent.Set(float64(runtime.NumGoroutine()))
	r.uptime.Set(time.Since(r.startedAt).Seconds())
}

// RecordHTTPRequest records one completed HTTP request.
func (r *Registry) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	r.httpRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	r.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	key := method + " " + path
	e, ok := r.endpoints[key]
	if !ok {
		e = &endpointStats{StatusCodes: make(map[int]int64), Min: duration.Seconds() * 1000}
		r.endpoints[key] = e
	}
	ms := duration.Seconds() * 1000
	e.Count++
	e.TotalDurationMs += ms
	if e.Min == 0 || ms < e.Min {
		e.Min = ms
	}
	if ms > e.Max {
		e.Max = ms
	}
	e.StatusCodes[status]++
}

// RecordJob records the outcome of one processed job.
func (r *Registry) RecordJob(jobType string, success bool, duration time.Duration) {
	if success {
		r.jobsProcessedTotal.WithLabelValues(jobType).Inc()
	} else {
		r.jobsFailedTotal.WithLabelValues(jobType).Inc()
	}
	r.jobDuration.WithLabelValues(jobType).Observe(duration.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.jobTypes[jobType]
	if !ok {
		s = &jobStats{Min: duration.Seconds() * 1000}
		r.jobTypes[jobType] = s
	}
	ms := duration.Seconds() * 1000
	if success {
		s.Processed++
	} else {
		s.Failed++
	}
	s.TotalProcessingMs += ms
	if s.Min == 0 || ms < s.Min {
		s.Min = ms
	}
	if ms > s.Max {
		s.Max = ms
	}
}

// SetJobQueueSize records the current ready+scheduled depth for a job
// type. The worker pool does not call it.
func (r *Registry) SetJobQueueSize(jobType string, size int64) {
	r.jobQueueSize.WithLabelValues(jobType).Set(float64(size))
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.jobTypes[jobType]
	if !ok {
		s = &jobStats{}
		r.jobTypes[jobType] = s
	}
	s.QueueSize = size
}

// RecordCacheHit/Miss/Set/Delete/Eviction feed the cache-name labeled
// Prometheus counters. internal/cache keeps its own counters and does
// not call these, and the JSON snapshot has no cache section.
func (r *Registry) RecordCacheHit(name string)      { r.cacheHits.WithLabelValues(name).Inc() }
func (r *Registry) RecordCacheMiss(name string)     { r.cacheMisses.WithLabelValues(name).Inc() }
func (r *Registry) RecordCacheSet(name string)      { r.cacheSets.WithLabelValues(name).Inc() }
func (r *Registry) RecordCacheDelete(name string)   { r.cacheDeletes.WithLabelValues(name).Inc() }
func (r *Registry) RecordCacheEviction(name string) { r.cacheEvictions.WithLabelValues(name).Inc() }

// SetCacheSize records the current entry count for a named cache.
func (r *Registry) SetCacheSize(name string, size int) {
	r.cacheSize.WithLabelValues(name).Set(float64(size))
}

// Snapshot is the JSON-friendly view returned by GET /metrics/stats.
type Snapshot struct {
	Endpoints map[string]EndpointSnapshot `json:"endpoints"`
	Jobs      map[string]JobSnapshot      `json:"jobs"`
	System    SystemSnapshot              `json:"system"`
}

// EndpointSnapshot is the per-endpoint aggregate.
type EndpointSnapshot struct {
	Count           int64         `json:"count"`
	TotalDurationMs float64       `json:"totalDurationMs"`
	Min             float64       `json:"min"`
	Max             float64       `json:"max"`
	StatusCodes     map[string]int64 `json:"statusCodes"`
}

// JobSnapshot is the per-job-type aggregate.
type JobSnapshot struct {
	Processed         int64   `json:"processed"`
	Failed            int64   `json:"failed"`
	TotalProcessingMs float64 `json:"totalProcessingMs"`
	Min               float64 `json:"min"`
	Max               float64 `json:"max"`
	QueueSize         int64   `json:"queueSize"`
}

// SystemSnapshot is the system resource sample.
type SystemSnapshot struct {
	MemoryBytes uint64  `json:"memoryBytes"`
	CPUPct      float64 `json:"cpuPct"`
	UptimeSec   float64 `json:"uptimeSec"`
}

// GetSnapshot returns the current aggregate view for GET /metrics/stats.
func (r *Registry) GetSnapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	endpoints := make(map[string]EndpointSnapshot, len(r.endpoints))
	for k, e := range r.endpoints {
		codes := make(map[string]int64, len(e.StatusCodes))
		for code, n := range e.StatusCodes {
			codes[strconv.Itoa(code)] = n
		}
		endpoints[k] = EndpointSnapshot{
			Count: e.Count, TotalDurationMs: e.TotalDurationMs,
			Min: e.Min, Max: e.Max, StatusCodes: codes,
		}
	}

	jobs := make(map[string]JobSnapshot, len(r.jobTypes))
	for k, s := range r.jobTypes {
		jobs[k] = JobSnapshot{
			Processed: s.Processed, Failed: s.Failed,
			TotalProcessingMs: s.TotalProcessingMs,
			Min: s.Min, Max: s.Max, QueueSize: s.QueueSize,
		}
	}

	return Snapshot{
		Endpoints: endpoints,
		Jobs:      jobs,
		System: SystemSnapshot{
			MemoryBytes: ms.HeapAlloc,
			CPUPct:      float64(runtime.NumGoroutine()),
			UptimeSec:   time.Since(r.startedAt).Seconds(),
		},
	}
}

// Reset clears the in-memory snapshot aggregates (not the Prometheus
// collectors, which have no public reset). Intended for tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = make(map[string]*endpointStats)
	r.jobTypes = make(map[string]*jobStats)
}
