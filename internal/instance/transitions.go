package instance

import "github.com/riftforge/gpu-orchestrator/internal/models"

// validTransitions encodes the instance status state machine.
// A transition absent from this map (for the "from" state) or not
// present in its target set is rejected by Store.UpdateInstanceState
// with a conflict error whose message starts with INVALID_TRANSITION.
var validTransitions = map[models.InstanceStatus]map[models.InstanceStatus]bool{
	models.StatusCreating: {
		models.StatusStarting: true,
		models.StatusFailed:   true,
	},
	models.StatusStarting: {
		models.StatusHealthChecking: true,
		models.StatusFailed:         true,
		models.StatusMigrating:      true,
	},
	models.StatusHealthChecking: {
		models.StatusReady:     true,
		models.StatusFailed:    true,
		models.StatusMigrating: true,
	},
	models.StatusReady: {
		models.StatusStopping:  true,
		models.StatusFailed:    true,
		models.StatusMigrating: true,
	},
	models.StatusStopping: {
		models.StatusExited: true,
		models.StatusFailed: true,
	},
	models.StatusExited: {
		models.StatusStarting:  true,
		models.StatusMigrating: true,
	},
	models.StatusMigrating: {
		models.StatusExited: true,
		models.StatusFailed: true,
	},
	// Failed is terminal: no outgoing transitions.
}

// isValidTransition reports whether moving from `from` to `to` is
// legal. A no-op (from == to) is always allowed, since patches often
// only touch non-status fields.
func isValidTransition(from, to models.InstanceStatus) bool {
	if from == to {
		return true
	}
	if from == "" {
		return true // first write, creating the record
	}
	return validTransitions[from][to]
}

// isTerminal reports whether status has no further legal transitions
// out of it (READY, EXITED, FAILED).
func isTerminal(status models.InstanceStatus) bool {
	return status == models.StatusReady || status == models.StatusExited || status == models.StatusFailed
}
