// Package queue implements the durable, priority-ordered job queue driving
// consent processing, matching, settlement, and notification dispatch.
//
// Job ids are deterministic over {type, entity id} so at most one instance
// per entity is in flight: re-enqueueing while a job is WAITING, ACTIVE, or
// DELAYED returns the existing job. Within one entity, jobs therefore run in
// submission order; across entities only priority affects scheduling.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of asynchronous work a job performs.
type Type string

const (
	TypeConsentCreate Type = "CONSENT_CREATE"
	TypeConsentUpdate Type = "CONSENT_UPDATE"
	TypeConsentRevoke Type = "CONSENT_REVOKE"
	TypeMatch         Type = "MATCH"
	TypeTransaction   Type = "TRANSACTION"
	TypeNotification  Type = "NOTIFICATION"
)

// IsValid checks if the job type is one of the supported enum values.
func (t Type) IsValid() bool {
	switch t {
	case TypeConsentCreate, TypeConsentUpdate, TypeConsentRevoke,
		TypeMatch, TypeTransaction, TypeNotification:
		return true
	}
	return false
}

func (t Type) String() string { return string(t) }

// Priority orders dequeueing: HIGH before MEDIUM before LOW, FIFO within a
// tier.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Rank returns the dequeue order of the priority; lower dequeues first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// IsValid checks if the priority is one of the supported enum values.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

func (p Priority) String() string { return string(p) }

// Priorities lists all tiers in dequeue order.
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting   State = "WAITING"
	StateActive    State = "ACTIVE"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateDelayed   State = "DELAYED"
)

// InFlight reports whether a job in this state blocks re-enqueueing of the
// same {type, entity id}.
func (s State) InFlight() bool {
	return s == StateWaiting || s == StateActive || s == StateDelayed
}

func (s State) String() string { return string(s) }

// BackoffKind selects the retry delay policy.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// maxBackoffDelay caps exponential growth.
const maxBackoffDelay = 5 * time.Minute

// Backoff describes the retry delay policy of a job.
type Backoff struct {
	Kind  BackoffKind   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// NextDelay computes the delay before retry number attempt (1-based).
// Exponential doubles per attempt (base, 2x, 4x, ...) capped at five
// minutes; fixed always returns the base delay.
func (b Backoff) NextDelay(attempt int) time.Duration {
	if b.Kind != BackoffExponential {
		return b.Delay
	}
	d := b.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoffDelay {
			return maxBackoffDelay
		}
	}
	return d
}

// Metadata travels with every job for audit and correlation.
type Metadata struct {
	CorrelationID string `json:"correlation_id"`
	HIPAARelevant bool   `json:"hipaa_relevant"`
	AuditRequired bool   `json:"audit_required"`
}

// Job is a unit of asynchronous work. Mutated only by the queue runtime;
// operations address jobs by id rather than holding references into the
// queue.
type Job struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	EntityID    string          `json:"entity_id"`
	Payload     json.RawMessage `json:"payload"`
	Priority    Priority        `json:"priority"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     Backoff         `json:"backoff"`
	Metadata    Metadata        `json:"metadata"`

	// RunAt is when a DELAYED job becomes runnable.
	RunAt time.Time `json:"run_at,omitempty"`
	// Seq preserves FIFO order within a priority tier.
	Seq uint64 `json:"seq"`
	// LastError holds the error kind and correlation id of the most recent
	// failure; collaborator internals never land here.
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// jobNamespace scopes deterministic job ids.
var jobNamespace = uuid.MustParse("5d6c7a18-9e4f-4b2a-b6d3-2f8a1c0e9b47")

// NewJobID derives the deterministic job id for {type, entityID}. The same
// pair always yields the same id, which is what guarantees at-most-one
// in-flight instance per entity.
func NewJobID(t Type, entityID string) string {
	return uuid.NewSHA1(jobNamespace, []byte(string(t)+":"+entityID)).String()
}

// Per-type defaults.

// RetentionFor returns how long a terminal job is kept for audit before
// purging: 24h for notifications, 7 days for everything touching consents
// or money.
func RetentionFor(t Type) time.Duration {
	if t == TypeNotification {
		return 24 * time.Hour
	}
	return 7 * 24 * time.Hour
}

// TimeoutFor returns the hard execution timeout per job type. A handler
// exceeding it is treated as failed and retried per its backoff policy.
func TimeoutFor(t Type) time.Duration {
	switch t {
	case TypeMatch:
		return 60 * time.Second
	case TypeNotification:
		return 10 * time.Second
	default:
		return 30 * time.Second
	}
}

// DefaultBackoffFor returns the retry policy per job type. Settlement uses
// exponential backoff from 5s; notifications retry on a fixed cadence.
func DefaultBackoffFor(t Type) Backoff {
	switch t {
	case TypeTransaction:
		return Backoff{Kind: BackoffExponential, Delay: 5 * time.Second}
	case TypeNotification:
		return Backoff{Kind: BackoffFixed, Delay: 30 * time.Second}
	default:
		return Backoff{Kind: BackoffExponential, Delay: 2 * time.Second}
	}
}

// DefaultMaxAttempts is the retry budget when the caller does not set one.
const DefaultMaxAttempts = 3
