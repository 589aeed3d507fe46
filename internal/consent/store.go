package consent

import (
	"context"
	"time"

	"healthex/pkg/domain"
)

// Store is the persistence contract for consents. Stores return sentinel
// errors; the service translates them into domain errors.
type Store interface {
	Save(ctx context.Context, c *Consent) error
	Get(ctx context.Context, id domain.ConsentID) (*Consent, error)
	Update(ctx context.Context, c *Consent) error
	ListByUser(ctx context.Context, userID domain.UserID) ([]*Consent, error)
	ListByRequest(ctx context.Context, requestID domain.RequestID) ([]*Consent, error)
	// ListExpiring returns non-terminal consents whose window ends before the
	// given time; the scheduler expires them.
	ListExpiring(ctx context.Context, before time.Time) ([]*Consent, error)
}
