// Package postgres implements the audit store with a transactional outbox.
// Events are written to the outbox table and published to Kafka by the outbox
// worker; the Kafka topic is the long-term source of truth for audit events.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"healthex/internal/audit"
)

type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store that writes to the outbox.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// outboxPayload is the JSON structure published to Kafka. Field names match
// audit.Event for deserialization by downstream consumers.
type outboxPayload struct {
	ID            string `json:"ID"`
	Category      string `json:"Category"`
	Timestamp     string `json:"Timestamp"`
	Actor         string `json:"Actor,omitempty"`
	Action        string `json:"Action"`
	EntityID      string `json:"EntityID,omitempty"`
	FromState     string `json:"FromState,omitempty"`
	ToState       string `json:"ToState,omitempty"`
	CorrelationID string `json:"CorrelationID,omitempty"`
	Reason        string `json:"Reason,omitempty"`
}

// Append writes an audit event to the outbox table for Kafka publishing.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	eventID := uuid.New()

	payload := outboxPayload{
		ID:            eventID.String(),
		Category:      string(event.Category),
		Timestamp:     event.Timestamp.Format(time.RFC3339Nano),
		Actor:         event.Actor,
		Action:        event.Action,
		EntityID:      event.EntityID,
		FromState:     event.FromState,
		ToState:       event.ToState,
		CorrelationID: event.CorrelationID,
		Reason:        event.Reason,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}

	const q = `
		INSERT INTO audit_outbox (id, category, entity_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.ExecContext(ctx, q, eventID, string(event.Category), event.EntityID, body, event.Timestamp); err != nil {
		return fmt.Errorf("insert audit outbox: %w", err)
	}
	return nil
}

// ListByEntity reads back events for one entity, oldest first.
func (s *Store) ListByEntity(ctx context.Context, entityID string) ([]audit.Event, error) {
	const q = `
		SELECT payload FROM audit_outbox
		WHERE entity_id = $1
		ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, entityID)
	if err != nil {
		return nil, fmt.Errorf("query audit outbox: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan audit outbox row: %w", err)
		}
		var p outboxPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("unmarshal audit payload: %w", err)
		}
		ts, _ := time.Parse(time.RFC3339Nano, p.Timestamp)
		events = append(events, audit.Event{
			Timestamp:     ts,
			Category:      audit.Category(p.Category),
			Actor:         p.Actor,
			Action:        p.Action,
			EntityID:      p.EntityID,
			FromState:     p.FromState,
			ToState:       p.ToState,
			CorrelationID: p.CorrelationID,
			Reason:        p.Reason,
		})
	}
	return events, rows.Err()
}

// NextUnpublished claims up to limit unpublished outbox rows for the outbox
// worker, oldest first.
func (s *Store) NextUnpublished(ctx context.Context, limit int) ([]OutboxRow, error) {
	const q = `
		SELECT id, payload FROM audit_outbox
		WHERE published_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query unpublished outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		var r OutboxRow
		if err := rows.Scan(&r.ID, &r.Payload); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkPublished stamps rows that reached Kafka.
func (s *Store) MarkPublished(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark published: %w", err)
	}
	defer tx.Rollback()

	const q = `UPDATE audit_outbox SET published_at = $1 WHERE id = $2`
	now := time.Now()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, q, now, id); err != nil {
			return fmt.Errorf("mark outbox published: %w", err)
		}
	}
	return tx.Commit()
}

// OutboxRow is one unpublished audit event awaiting Kafka delivery.
type OutboxRow struct {
	ID      uuid.UUID
	Payload []byte
}
