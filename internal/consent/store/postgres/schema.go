package postgres

import (
	"context"
	"fmt"
)

// schema is applied on startup. Statements are idempotent so repeated
// application is safe.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS consents (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		company_id UUID NOT NULL,
		request_id UUID NOT NULL,
		permissions JSONB NOT NULL,
		valid_from TIMESTAMPTZ NOT NULL,
		valid_to TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		blockchain_ref TEXT,
		compliance JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_consents_user ON consents (user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_consents_request ON consents (request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_consents_expiring ON consents (valid_to)
		WHERE status NOT IN ('REVOKED', 'EXPIRED')`,
}

// EnsureSchema creates the consents table and indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply consent schema: %w", err)
		}
	}
	return nil
}
