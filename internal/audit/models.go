package audit

import "time"

// Category routes events to the right retention and review policy.
type Category string

const (
	// CategoryCompliance covers consent lifecycle and compliance decisions.
	// These events are HIPAA-relevant and retained indefinitely.
	CategoryCompliance Category = "compliance"
	// CategoryOps covers job runtime and circuit breaker events.
	CategoryOps Category = "ops"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Timestamp     time.Time
	Category      Category
	Actor         string
	Action        string
	EntityID      string
	FromState     string
	ToState       string
	CorrelationID string
	Reason        string
}

// StateTransition builds the event every consent transition emits.
func StateTransition(entityID, from, to, actor string) Event {
	return Event{
		Category:  CategoryCompliance,
		Actor:     actor,
		Action:    "state_transition",
		EntityID:  entityID,
		FromState: from,
		ToState:   to,
	}
}

// JobFailure builds the event recorded when an asynchronous job errors.
// Callers see only the correlation id; the reason stays in the audit log.
func JobFailure(jobID, correlationID, reason string) Event {
	return Event{
		Category:      CategoryOps,
		Actor:         "queue",
		Action:        "job_failed",
		EntityID:      jobID,
		CorrelationID: correlationID,
		Reason:        reason,
	}
}
