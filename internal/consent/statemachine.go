package consent

import (
	"context"
	"log/slog"
	"time"

	"healthex/internal/audit"
	derrors "healthex/pkg/domain-errors"
)

// Auditor records state transitions. Compliance-category events are
// fail-closed: a transition that cannot be audited does not happen.
type Auditor interface {
	Emit(ctx context.Context, event audit.Event) error
}

// StateMachine validates and applies consent lifecycle transitions. It is
// the only code allowed to change a consent's status.
type StateMachine struct {
	auditor Auditor
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures the StateMachine.
type Option func(*StateMachine)

// WithLogger sets a logger for transition events.
func WithLogger(logger *slog.Logger) Option {
	return func(m *StateMachine) { m.logger = logger }
}

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *StateMachine) { m.now = now }
}

// NewStateMachine creates a state machine emitting transitions to auditor.
func NewStateMachine(auditor Auditor, opts ...Option) *StateMachine {
	m := &StateMachine{
		auditor: auditor,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ValidateGrant checks every grant rule and reports all violations at once.
// No early abort: a caller fixing input sees the complete list, not rule one.
func (m *StateMachine) ValidateGrant(c *Consent) error {
	var violations []derrors.Violation
	add := func(rule, message string) {
		violations = append(violations, derrors.Violation{Rule: rule, Message: message})
	}

	if c.UserID.IsNil() {
		add("MISSING_USER_ID", "user id is required")
	}
	if c.CompanyID.IsNil() {
		add("MISSING_COMPANY_ID", "company id is required")
	}
	if c.RequestID.IsNil() {
		add("MISSING_REQUEST_ID", "request id is required")
	}

	if len(c.Permissions.ResourceTypes) == 0 {
		add("MISSING_RESOURCE_TYPES", "at least one resource type is required")
	}
	for _, rt := range c.Permissions.ResourceTypes {
		if !AllowedResourceType(rt) {
			add("INVALID_RESOURCE_TYPE", "resource type not permitted: "+rt)
		}
	}

	if !c.Permissions.AccessLevel.IsValid() {
		add("INVALID_ACCESS_LEVEL", "access level must be READ, WRITE or READ_WRITE")
	}
	if !c.Permissions.Purpose.IsValid() {
		add("INVALID_PURPOSE", "unsupported processing purpose")
	}

	if !c.ValidFrom.Before(c.ValidTo) {
		add("INVALID_WINDOW", "valid_from must precede valid_to")
	} else {
		duration := c.ValidTo.Sub(c.ValidFrom)
		if duration < MinDuration || duration > MaxDuration {
			add("INVALID_DURATION", "consent duration must be between 1 and 365 days")
		}
	}
	if c.ValidTo.Before(m.now()) {
		add("WINDOW_IN_PAST", "consent window must not lie entirely in the past")
	}

	if c.BlockchainRef != "" && !ValidBlockchainRef(c.BlockchainRef) {
		add("INVALID_LEDGER_REF", "blockchain reference must be 64 hex characters")
	}

	if len(violations) > 0 {
		return derrors.NewValidation("consent grant rejected", violations)
	}
	return nil
}

// Grant validates the consent and moves it into PENDING.
func (m *StateMachine) Grant(ctx context.Context, c *Consent, actor string) error {
	if err := m.ValidateGrant(c); err != nil {
		return err
	}
	c.Status = StatusPending
	c.CreatedAt = m.now()
	c.UpdatedAt = c.CreatedAt
	return m.emit(ctx, c, "", StatusPending, actor)
}

// Activate moves a PENDING consent to ACTIVE. The ledger collaborator must
// have recorded the grant first; activation without a valid blockchain
// reference is a compliance failure, not a validation one.
func (m *StateMachine) Activate(ctx context.Context, c *Consent, actor string) error {
	if !ValidBlockchainRef(c.BlockchainRef) {
		return derrors.New(derrors.CodeCompliance, "ledger write incomplete: consent has no valid blockchain reference")
	}
	return m.transition(ctx, c, StatusActive, actor)
}

// Revoke moves the consent to REVOKED. Revoking an already-revoked consent
// is a no-op success.
func (m *StateMachine) Revoke(ctx context.Context, c *Consent, actor string) error {
	if c.Status == StatusRevoked {
		return nil
	}
	return m.transition(ctx, c, StatusRevoked, actor)
}

// Expire moves the consent to EXPIRED. Idempotent like Revoke; expiring a
// revoked consent is also a no-op since REVOKED is terminal and audited.
func (m *StateMachine) Expire(ctx context.Context, c *Consent, actor string) error {
	if c.Status.Terminal() {
		return nil
	}
	return m.transition(ctx, c, StatusExpired, actor)
}

// Suspend pauses an ACTIVE consent.
func (m *StateMachine) Suspend(ctx context.Context, c *Consent, actor string) error {
	return m.transition(ctx, c, StatusSuspended, actor)
}

// Resume reactivates a SUSPENDED consent.
func (m *StateMachine) Resume(ctx context.Context, c *Consent, actor string) error {
	if c.Status != StatusSuspended {
		return derrors.Newf(derrors.CodeConflict, "cannot resume consent in state %s", c.Status)
	}
	return m.transition(ctx, c, StatusActive, actor)
}

// MarkUnderReview parks any non-terminal consent for manual review.
func (m *StateMachine) MarkUnderReview(ctx context.Context, c *Consent, actor string) error {
	if c.Status.Terminal() {
		return derrors.Newf(derrors.CodeConflict, "cannot review consent in terminal state %s", c.Status)
	}
	return m.transition(ctx, c, StatusUnderReview, actor)
}

// ResolveReview concludes a review: back to PENDING or forward to REVOKED.
func (m *StateMachine) ResolveReview(ctx context.Context, c *Consent, target Status, actor string) error {
	if c.Status != StatusUnderReview {
		return derrors.Newf(derrors.CodeConflict, "consent is not under review (state %s)", c.Status)
	}
	if target != StatusPending && target != StatusRevoked {
		return derrors.Newf(derrors.CodeBadRequest, "review resolves to PENDING or REVOKED, not %s", target)
	}
	return m.transition(ctx, c, target, actor)
}

func (m *StateMachine) transition(ctx context.Context, c *Consent, target Status, actor string) error {
	from := c.Status
	if !from.CanTransition(target) {
		return derrors.Newf(derrors.CodeConflict, "illegal consent transition %s -> %s", from, target)
	}
	c.Status = target
	c.UpdatedAt = m.now()
	return m.emit(ctx, c, from, target, actor)
}

func (m *StateMachine) emit(ctx context.Context, c *Consent, from, to Status, actor string) error {
	event := audit.StateTransition(c.ID.String(), from.String(), to.String(), actor)
	event.Timestamp = m.now()
	if err := m.auditor.Emit(ctx, event); err != nil {
		// Fail closed: an unaudited compliance transition must not stand.
		c.Status = from
		return derrors.Wrap(err, derrors.CodeInternal, "audit write failed")
	}
	if m.logger != nil {
		m.logger.InfoContext(ctx, "consent transition",
			"consent_id", c.ID.String(),
			"from", from.String(),
			"to", to.String(),
			"actor", actor,
		)
	}
	return nil
}
