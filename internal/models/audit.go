package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActorType represents the kind of entity that performed an audited
// action — a human operator through the HTTP API, or the worker pool
// acting on its own lifecycle decisions.
type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeAPIKey ActorType = "api_key"
	ActorTypeSystem ActorType = "system"
)

// AuditEvent is the type of an audited occurrence in an instance's
// lifecycle, an outbound webhook delivery, or a queue admin action.
type AuditEvent string

const (
	AuditEventInstanceCreated  AuditEvent = "instance.created"
	AuditEventInstanceStarted  AuditEvent = "instance.started"
	AuditEventInstanceStopped  AuditEvent = "instance.stopped"
	AuditEventInstanceReady    AuditEvent = "instance.ready"
	AuditEventInstanceFailed   AuditEvent = "instance.failed"
	AuditEventInstanceMigrated AuditEvent = "instance.migrated"

	AuditEventWebhookDelivered AuditEvent = "webhook.delivered"
	AuditEventWebhookFailed    AuditEvent = "webhook.failed"

	AuditEventQueuePaused  AuditEvent = "queue.paused"
	AuditEventQueueResumed AuditEvent = "queue.resumed"
)

// ResourceType identifies what kind of resource an AuditLog entry is
// about.
type ResourceType string

const (
	ResourceTypeInstance ResourceType = "instance"
	ResourceTypeWebhook  ResourceType = "webhook"
	ResourceTypeQueue    ResourceType = "queue"
)

// AuditLog is one persisted audit trail entry.
type AuditLog struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	Event        AuditEvent      `json:"event" db:"event"`
	ActorID      string          `json:"actorId,omitempty" db:"actor_id"`
	ActorType    ActorType       `json:"actorType" db:"actor_type"`
	ResourceType ResourceType    `json:"resourceType" db:"resource_type"`
	ResourceID   string          `json:"resourceId" db:"resource_id"`
	Metadata     json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time       `json:"createdAt" db:"created_at"`
}

// AuditLogQuery is the filter set for listing audit entries — backs
// both the repository layer and the GET /instances/:id/audit handler.
type AuditLogQuery struct {
	ResourceType *ResourceType
	ResourceID   *string
	Event        *AuditEvent
	StartTime    *time.Time
	EndTime      *time.Time
	Limit        int
}
