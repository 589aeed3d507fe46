// Package postgres persists consents. Permissions and compliance info are
// stored as JSONB; status changes always travel through the state machine so
// the store never enforces lifecycle rules itself.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"healthex/internal/consent"
	"healthex/pkg/domain"
	"healthex/pkg/platform/sentinel"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const consentColumns = `id, user_id, company_id, request_id, permissions, valid_from, valid_to, status, blockchain_ref, compliance, created_at, updated_at`

func (s *Store) Save(ctx context.Context, c *consent.Consent) error {
	perms, err := json.Marshal(c.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	compliance, err := json.Marshal(c.Compliance)
	if err != nil {
		return fmt.Errorf("marshal compliance: %w", err)
	}

	const q = `
		INSERT INTO consents (` + consentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, q,
		uuid.UUID(c.ID), uuid.UUID(c.UserID), uuid.UUID(c.CompanyID), uuid.UUID(c.RequestID),
		perms, c.ValidFrom, c.ValidTo, string(c.Status), nullable(c.BlockchainRef),
		compliance, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert consent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrAlreadyExists
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id domain.ConsentID) (*consent.Consent, error) {
	const q = `SELECT ` + consentColumns + ` FROM consents WHERE id = $1`
	return scanConsent(s.db.QueryRowContext(ctx, q, uuid.UUID(id)))
}

func (s *Store) Update(ctx context.Context, c *consent.Consent) error {
	perms, err := json.Marshal(c.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	compliance, err := json.Marshal(c.Compliance)
	if err != nil {
		return fmt.Errorf("marshal compliance: %w", err)
	}

	const q = `
		UPDATE consents
		SET permissions = $2, valid_from = $3, valid_to = $4, status = $5,
		    blockchain_ref = $6, compliance = $7, updated_at = $8
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q,
		uuid.UUID(c.ID), perms, c.ValidFrom, c.ValidTo, string(c.Status),
		nullable(c.BlockchainRef), compliance, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update consent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *Store) ListByUser(ctx context.Context, userID domain.UserID) ([]*consent.Consent, error) {
	const q = `SELECT ` + consentColumns + ` FROM consents WHERE user_id = $1 ORDER BY created_at`
	return s.list(ctx, q, uuid.UUID(userID))
}

func (s *Store) ListByRequest(ctx context.Context, requestID domain.RequestID) ([]*consent.Consent, error) {
	const q = `SELECT ` + consentColumns + ` FROM consents WHERE request_id = $1 ORDER BY created_at`
	return s.list(ctx, q, uuid.UUID(requestID))
}

func (s *Store) ListExpiring(ctx context.Context, before time.Time) ([]*consent.Consent, error) {
	const q = `
		SELECT ` + consentColumns + ` FROM consents
		WHERE valid_to < $1 AND status NOT IN ('REVOKED', 'EXPIRED')
		ORDER BY valid_to`
	return s.list(ctx, q, before)
}

func (s *Store) list(ctx context.Context, query string, arg any) ([]*consent.Consent, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query consents: %w", err)
	}
	defer rows.Close()

	var out []*consent.Consent
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConsent(row rowScanner) (*consent.Consent, error) {
	var (
		c                 consent.Consent
		id, userID        uuid.UUID
		companyID, reqID  uuid.UUID
		perms, compliance []byte
		status            string
		ref               sql.NullString
	)
	err := row.Scan(&id, &userID, &companyID, &reqID, &perms, &c.ValidFrom, &c.ValidTo,
		&status, &ref, &compliance, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan consent: %w", err)
	}

	c.ID = domain.ConsentID(id)
	c.UserID = domain.UserID(userID)
	c.CompanyID = domain.CompanyID(companyID)
	c.RequestID = domain.RequestID(reqID)
	c.Status = consent.Status(status)
	c.BlockchainRef = ref.String
	if err := json.Unmarshal(perms, &c.Permissions); err != nil {
		return nil, fmt.Errorf("unmarshal permissions: %w", err)
	}
	if err := json.Unmarshal(compliance, &c.Compliance); err != nil {
		return nil, fmt.Errorf("unmarshal compliance: %w", err)
	}
	return &c, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
