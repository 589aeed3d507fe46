package audit

import "context"

// Store is the append-only persistence contract for audit events.
// Implementations: memory (tests, dev) and the Postgres outbox (production,
// drained to Kafka by the outbox worker).
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByEntity(ctx context.Context, entityID string) ([]Event, error)
}
