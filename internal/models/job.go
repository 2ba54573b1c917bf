// Package models holds the domain types shared across the orchestration
// core: jobs, instance state, products, templates, and regions.
package models

import "time"

// JobType identifies a unit of deferred work. Enqueue does not check
// the type; the queue's sweeps and Stats cover only the seven types
// listed below.
type JobType string

const (
	JobCreateInstance   JobType = "CREATE_INSTANCE"
	JobMonitorStartup   JobType = "MONITOR_STARTUP"
	JobMonitorInstance  JobType = "MONITOR_INSTANCE"
	JobHealthCheck      JobType = "HEALTH_CHECK"
	JobSendWebhook      JobType = "SEND_WEBHOOK"
	JobMigrateBatch     JobType = "MIGRATE_BATCH"
	JobMigrateInstance  JobType = "MIGRATE_INSTANCE"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// Priority controls pop ordering within a job type; higher runs first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 10
	PriorityHigh   Priority = 20
)

// Job is a unit of deferred work persisted in the queue.
type Job struct {
	ID             string    `json:"id"`
	Type           JobType   `json:"type"`
	Payload        any       `json:"payload"`
	Status         JobStatus `json:"status"`
	Priority       Priority  `json:"priority"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"maxAttempts"`
	CreatedAt      time.Time `json:"createdAt"`
	ProcessedAt    *time.Time `json:"processedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	NextRetryAt    *time.Time `json:"nextRetryAt,omitempty"`
	Error          string    `json:"error,omitempty"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
}

// CreateInstancePayload is the CREATE_INSTANCE job body.
type CreateInstancePayload struct {
	InstanceID     string         `json:"instanceId"`
	Name           string         `json:"name"`
	ProductID      string         `json:"productId"`
	TemplateConfig TemplateConfig `json:"templateConfig"`
	GPUNum         int            `json:"gpuNum"`
	RootfsSize     int            `json:"rootfsSize"`
	Region         string         `json:"region"`
	WebhookURL     string         `json:"webhookUrl,omitempty"`
}

// MonitorPayload is the MONITOR_STARTUP / MONITOR_INSTANCE job body.
type MonitorPayload struct {
	InstanceID string    `json:"instanceId"`
	UpstreamID string    `json:"upstreamId"`
	WebhookURL string    `json:"webhookUrl,omitempty"`
	StartTime  time.Time `json:"startTime"`
	MaxWaitMs  int64     `json:"maxWaitMs"`
}

// HealthCheckPayload is the HEALTH_CHECK job body.
type HealthCheckPayload struct {
	InstanceID string       `json:"instanceId"`
	Endpoints  []Endpoint   `json:"endpoints"`
	Config     ProbeConfig  `json:"config"`
}

// SendWebhookPayload is the SEND_WEBHOOK job body.
type SendWebhookPayload struct {
	URL      string            `json:"url"`
	Payload  WebhookEvent      `json:"payload"`
	Headers  map[string]string `json:"headers,omitempty"`
	SecretID string            `json:"secretId,omitempty"`
}

// MigrateBatchPayload is the MIGRATE_BATCH job body.
type MigrateBatchPayload struct {
	TickBucket string `json:"tickBucket"`
}

// MigrateInstancePayload is the MIGRATE_INSTANCE job body.
type MigrateInstancePayload struct {
	UpstreamID string `json:"upstreamId"`
	Reason     string `json:"reason"`
}

// WebhookEvent is the outgoing notification body.
type WebhookEvent struct {
	Event      string    `json:"event"`
	InstanceID string    `json:"instanceId"`
	UpstreamID string    `json:"upstreamId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Details    any       `json:"details,omitempty"`
}

const (
	EventInstanceReady     = "instance.ready"
	EventInstanceFailed    = "instance.failed"
	EventInstanceMigrated  = "instance.migrated"
)
