// Package service orchestrates the consent lifecycle: synchronous
// validation and compliance gating at the boundary, asynchronous anchoring
// and transitions through the job queue.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"healthex/internal/collaborators/ledger"
	"healthex/internal/compliance"
	"healthex/internal/consent"
	"healthex/internal/jobs"
	"healthex/internal/platform/metrics"
	"healthex/internal/queue"
	"healthex/pkg/domain"
	derrors "healthex/pkg/domain-errors"
	"healthex/pkg/platform/circuit"
	"healthex/pkg/platform/sentinel"
)

// Service is the admission surface for consent operations. Everything that
// can be rejected synchronously (validation, compliance) is rejected before
// a job is created.
type Service struct {
	store   consent.Store
	machine *consent.StateMachine
	queue   *queue.Queue
	ledger  ledger.Client
	logger  *slog.Logger

	ledgerBreaker *circuit.Breaker
	metrics       *metrics.Metrics
	now           func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLedger enables anchor verification against the given ledger client.
// A nil breaker gets a dedicated one; callers that already guard the ledger
// elsewhere should pass the shared instance so one outage trips both paths.
func WithLedger(client ledger.Client, breaker *circuit.Breaker) Option {
	return func(s *Service) {
		s.ledger = client
		if breaker == nil {
			breaker = circuit.New("ledger")
		}
		s.ledgerBreaker = breaker
	}
}

func New(store consent.Store, machine *consent.StateMachine, q *queue.Queue, opts ...Option) *Service {
	s := &Service{
		store:   store,
		machine: machine,
		queue:   q,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GrantRequest carries everything needed to create a consent.
type GrantRequest struct {
	UserID      domain.UserID
	CompanyID   domain.CompanyID
	RequestID   domain.RequestID
	Permissions consent.Permissions
	ValidFrom   time.Time
	ValidTo     time.Time
	Profile     compliance.Profile
}

// Grant validates the request, gates it on the compliance score, persists
// the PENDING consent, and queues anchoring. The consent returned is
// PENDING; activation happens asynchronously once the ledger confirms.
func (s *Service) Grant(ctx context.Context, req GrantRequest, actor string) (*consent.Consent, error) {
	c := &consent.Consent{
		ID:          domain.NewConsentID(),
		UserID:      req.UserID,
		CompanyID:   req.CompanyID,
		RequestID:   req.RequestID,
		Permissions: req.Permissions,
		ValidFrom:   req.ValidFrom,
		ValidTo:     req.ValidTo,
	}
	c.Permissions.Normalize()
	if err := s.machine.ValidateGrant(c); err != nil {
		return nil, err
	}

	result, err := compliance.Require(req.Profile, req.Permissions.Purpose)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ComplianceRejects.Inc()
		}
		return nil, err
	}
	c.Compliance = consent.ComplianceInfo{
		HIPAACompliant: result.HIPAACompliant,
		GDPRCompliant:  result.GDPRCompliant,
		Score:          result.Score,
	}

	if err := s.machine.Grant(ctx, c, actor); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, c); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyExists) {
			return nil, derrors.New(derrors.CodeConflict, "consent already exists")
		}
		return nil, err
	}

	if _, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		Type:          queue.TypeConsentCreate,
		EntityID:      c.ID.String(),
		Priority:      queue.PriorityHigh,
		Payload:       jobs.ConsentCreatePayload{ConsentID: c.ID, Actor: actor},
		HIPAARelevant: true,
		AuditRequired: true,
	}); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ConsentsGranted.Inc()
	}
	s.logger.InfoContext(ctx, "consent granted",
		"consent_id", c.ID,
		"user_id", c.UserID,
		"company_id", c.CompanyID,
		"compliance_score", c.Compliance.Score)
	return c, nil
}

// Revoke applies the revocation synchronously, cancels any pending update
// job for the consent, and queues the downstream revocation work.
// Idempotent: revoking a revoked consent succeeds without a new job.
func (s *Service) Revoke(ctx context.Context, id domain.ConsentID, actor string) (*consent.Consent, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	alreadyTerminal := c.Status.Terminal()

	if err := s.machine.Revoke(ctx, c, actor); err != nil {
		return nil, err
	}
	c.UpdatedAt = s.now()
	if err := s.store.Update(ctx, c); err != nil {
		return nil, err
	}
	if alreadyTerminal {
		return c, nil
	}

	// a pending update for a revoked consent must never run
	updateJobID := queue.NewJobID(queue.TypeConsentUpdate, c.ID.String())
	if err := s.queue.Remove(ctx, updateJobID); err != nil &&
		!errors.Is(err, sentinel.ErrNotFound) && !errors.Is(err, sentinel.ErrInvalidState) {
		return nil, err
	}

	if _, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		Type:          queue.TypeConsentRevoke,
		EntityID:      c.ID.String(),
		Priority:      queue.PriorityHigh,
		Payload:       jobs.ConsentRevokePayload{ConsentID: c.ID, Actor: actor},
		HIPAARelevant: true,
		AuditRequired: true,
	}); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ConsentsRevoked.Inc()
	}
	s.logger.InfoContext(ctx, "consent revoked", "consent_id", c.ID, "actor", actor)
	return c, nil
}

// Suspend queues a suspension for an active consent.
func (s *Service) Suspend(ctx context.Context, id domain.ConsentID, actor string) error {
	return s.enqueueUpdate(ctx, id, jobs.ActionSuspend, actor)
}

// Resume queues reactivation of a suspended consent.
func (s *Service) Resume(ctx context.Context, id domain.ConsentID, actor string) error {
	return s.enqueueUpdate(ctx, id, jobs.ActionResume, actor)
}

func (s *Service) enqueueUpdate(ctx context.Context, id domain.ConsentID, action jobs.ConsentUpdateAction, actor string) error {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return derrors.New(derrors.CodeConflict, "consent is in a terminal state")
	}
	_, err = s.queue.Enqueue(ctx, queue.EnqueueRequest{
		Type:          queue.TypeConsentUpdate,
		EntityID:      c.ID.String(),
		Priority:      queue.PriorityMedium,
		Payload:       jobs.ConsentUpdatePayload{ConsentID: c.ID, Action: action, Actor: actor},
		HIPAARelevant: true,
		AuditRequired: true,
	})
	return err
}

// Get returns a consent by id.
func (s *Service) Get(ctx context.Context, id domain.ConsentID) (*consent.Consent, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns every consent granted by the user.
func (s *Service) ListByUser(ctx context.Context, userID domain.UserID) ([]*consent.Consent, error) {
	return s.store.ListByUser(ctx, userID)
}

// Verification is the result of checking a consent's ledger anchor.
type Verification struct {
	ConsentID domain.ConsentID `json:"consent_id"`
	TxRef     string           `json:"tx_ref"`
	Anchored  bool             `json:"anchored"`
}

// VerifyAnchor checks that the consent's ledger reference is actually
// anchored. Consents still awaiting activation have no reference yet and
// cannot be verified.
func (s *Service) VerifyAnchor(ctx context.Context, id domain.ConsentID) (*Verification, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.BlockchainRef == "" {
		return nil, derrors.New(derrors.CodeConflict, "consent has not been anchored yet")
	}
	if s.ledger == nil {
		return nil, derrors.New(derrors.CodeInternal, "no ledger client configured")
	}
	var anchored bool
	err = s.ledgerBreaker.Do(ctx, func(ctx context.Context) error {
		var verifyErr error
		anchored, verifyErr = s.ledger.Verify(ctx, c.BlockchainRef)
		return verifyErr
	})
	if err != nil {
		if derrors.HasCode(err, derrors.CodeCircuitOpen) {
			return nil, err
		}
		return nil, derrors.Wrap(err, derrors.CodeTransient, "verifying ledger anchor")
	}
	return &Verification{ConsentID: c.ID, TxRef: c.BlockchainRef, Anchored: anchored}, nil
}
