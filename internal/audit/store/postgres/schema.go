package postgres

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_outbox (
		id UUID PRIMARY KEY,
		category TEXT NOT NULL,
		entity_id TEXT,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		published_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_outbox_unpublished
		ON audit_outbox (created_at) WHERE published_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_audit_outbox_entity
		ON audit_outbox (entity_id, created_at)`,
}

// EnsureSchema creates the outbox table and indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply audit schema: %w", err)
		}
	}
	return nil
}
