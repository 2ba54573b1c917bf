package audit

import (
	"context"
	"log/slog"

	"github.com/riftforge/gpu-orchestrator/internal/models"
)

// Recorder wraps a Repository with the best-effort write pattern the
// rest of this codebase uses for webhooks: a failed audit write never
// fails the operation it's describing, it just gets logged.
type Recorder struct {
	repo   Repository
	logger *slog.Logger
}

// NewRecorder constructs a Recorder. A nil repo is valid and makes
// Record a no-op, so callers that don't wire Postgres (tests, or a
// deployment that opts out of the audit trail) don't need a stub.
func NewRecorder(repo Repository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, logger: logger}
}

// Record persists one audit entry. Errors are logged, not returned —
// the audit trail is observability, not a correctness dependency for
// the lifecycle operation that triggered it.
func (r *Recorder) Record(ctx context.Context, event models.AuditEvent, resourceType models.ResourceType, resourceID string, actorType models.ActorType, actorID string, details any) {
	if r == nil || r.repo == nil {
		return
	}
	log := &models.AuditLog{
		Event:        event,
		ActorID:      actorID,
		ActorType:    actorType,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     marshalDetails(details),
	}
	if err := r.repo.Create(ctx, log); err != nil {
		r.logger.Error("failed to record audit log", "event", event, "resourceId", resourceID, "error", err)
	}
}
