package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"healthex/internal/collaborators/fhir"
	"healthex/internal/collaborators/ledger"
	"healthex/internal/collaborators/notify"
	"healthex/internal/collaborators/payment"
	"healthex/internal/compliance"
	"healthex/internal/consent"
	"healthex/internal/matching"
	"healthex/internal/queue"
	"healthex/internal/request"
	"healthex/pkg/domain"
	derrors "healthex/pkg/domain-errors"
	"healthex/pkg/platform/circuit"
	"healthex/pkg/platform/sentinel"
)

// Handlers holds the per-type job handlers. Register wires them onto a
// worker pool.
type Handlers struct {
	consents consent.Store
	machine  *consent.StateMachine
	requests request.Store
	matches  matching.Store
	engine   *matching.Engine
	records  fhir.Source
	queue    *queue.Queue

	ledger         ledger.Client
	ledgerBreaker  *circuit.Breaker
	fhirBreaker    *circuit.Breaker
	payments       payment.Gateway
	paymentBreaker *circuit.Breaker
	notifier       notify.Sender
	notifyBreaker  *circuit.Breaker

	validation *compliance.ValidationHealth
	logger     *slog.Logger
	now        func() time.Time
}

type Config struct {
	Consents consent.Store
	Machine  *consent.StateMachine
	Requests request.Store
	Matches  matching.Store
	Engine   *matching.Engine
	Records  fhir.Source
	Queue    *queue.Queue

	Ledger         ledger.Client
	LedgerBreaker  *circuit.Breaker
	FHIRBreaker    *circuit.Breaker
	Payments       payment.Gateway
	PaymentBreaker *circuit.Breaker
	Notifier       notify.Sender
	NotifyBreaker  *circuit.Breaker

	Validation *compliance.ValidationHealth
	Logger     *slog.Logger
	Now        func() time.Time
}

func New(cfg Config) *Handlers {
	h := &Handlers{
		consents:       cfg.Consents,
		machine:        cfg.Machine,
		requests:       cfg.Requests,
		matches:        cfg.Matches,
		engine:         cfg.Engine,
		records:        cfg.Records,
		queue:          cfg.Queue,
		ledger:         cfg.Ledger,
		ledgerBreaker:  cfg.LedgerBreaker,
		fhirBreaker:    cfg.FHIRBreaker,
		payments:       cfg.Payments,
		paymentBreaker: cfg.PaymentBreaker,
		notifier:       cfg.Notifier,
		notifyBreaker:  cfg.NotifyBreaker,
		validation:     cfg.Validation,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}
	if h.fhirBreaker == nil {
		h.fhirBreaker = circuit.New("fhir")
	}
	if h.validation == nil {
		h.validation = compliance.NewValidationHealth()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Register binds every handler to its job type on the pool.
func (h *Handlers) Register(pool *queue.Pool) {
	pool.Register(queue.TypeConsentCreate, h.HandleConsentCreate)
	pool.Register(queue.TypeConsentUpdate, h.HandleConsentUpdate)
	pool.Register(queue.TypeConsentRevoke, h.HandleConsentRevoke)
	pool.Register(queue.TypeMatch, h.HandleMatch)
	pool.Register(queue.TypeTransaction, h.HandleTransaction)
	pool.Register(queue.TypeNotification, h.HandleNotification)
}

// HandleConsentCreate anchors a granted consent on the ledger and
// activates it. The ledger reference requirement makes activation
// non-repudiable.
func (h *Handlers) HandleConsentCreate(ctx context.Context, job *queue.Job) error {
	var payload ConsentCreatePayload
	if err := decode(job, &payload); err != nil {
		return err
	}
	c, err := h.loadConsent(ctx, payload.ConsentID, job)
	if err != nil {
		return err
	}
	if c.Status == consent.StatusActive {
		// already anchored and activated by a previous attempt
		return nil
	}

	fingerprint, err := json.Marshal(c.Permissions)
	if err != nil {
		return derrors.Wrap(err, derrors.CodeFatal, "fingerprinting consent")
	}
	var txRef string
	err = h.ledgerBreaker.Do(ctx, func(ctx context.Context) error {
		var anchorErr error
		txRef, anchorErr = h.ledger.Anchor(ctx, c.ID.String(), fingerprint)
		return anchorErr
	})
	if err != nil {
		return asTransient(err, "anchoring consent on ledger")
	}

	c.BlockchainRef = txRef
	if err := h.machine.Activate(ctx, c, payload.Actor); err != nil {
		return err
	}
	c.UpdatedAt = h.now()
	if err := h.consents.Update(ctx, c); err != nil {
		return asTransient(err, "persisting activated consent")
	}
	h.logger.InfoContext(ctx, "consent activated",
		"consent_id", c.ID, "tx_ref", txRef)
	return nil
}

// HandleConsentUpdate applies a suspend/resume/review transition.
func (h *Handlers) HandleConsentUpdate(ctx context.Context, job *queue.Job) error {
	var payload ConsentUpdatePayload
	if err := decode(job, &payload); err != nil {
		return err
	}
	c, err := h.loadConsent(ctx, payload.ConsentID, job)
	if err != nil {
		return err
	}

	switch payload.Action {
	case ActionSuspend:
		err = h.machine.Suspend(ctx, c, payload.Actor)
	case ActionResume:
		err = h.machine.Resume(ctx, c, payload.Actor)
	case ActionUnderReview:
		err = h.machine.MarkUnderReview(ctx, c, payload.Actor)
	default:
		return derrors.New(derrors.CodeValidation,
			fmt.Sprintf("unknown consent update action %q", payload.Action))
	}
	if err != nil {
		return err
	}
	c.UpdatedAt = h.now()
	if err := h.consents.Update(ctx, c); err != nil {
		return asTransient(err, "persisting consent update")
	}
	return nil
}

// HandleConsentRevoke finalizes a revocation. Revocation is already
// idempotent at the state machine level, so retries are harmless.
func (h *Handlers) HandleConsentRevoke(ctx context.Context, job *queue.Job) error {
	var payload ConsentRevokePayload
	if err := decode(job, &payload); err != nil {
		return err
	}
	c, err := h.loadConsent(ctx, payload.ConsentID, job)
	if err != nil {
		return err
	}
	if err := h.machine.Revoke(ctx, c, payload.Actor); err != nil {
		return err
	}
	c.UpdatedAt = h.now()
	if err := h.consents.Update(ctx, c); err != nil {
		return asTransient(err, "persisting revoked consent")
	}
	return nil
}

// HandleMatch runs the matching engine for a data request and persists the
// scored matches. Each candidate is validated against its FHIR profile and
// gets a fresh compliance score before scoring. A completed run settles the
// exchange and notifies the requesting company.
func (h *Handlers) HandleMatch(ctx context.Context, job *queue.Job) error {
	var payload MatchPayload
	if err := decode(job, &payload); err != nil {
		return err
	}
	req, err := h.requests.Get(ctx, payload.RequestID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return derrors.New(derrors.CodeFatal,
			fmt.Sprintf("data request %s not found", payload.RequestID))
	}
	if err != nil {
		return asTransient(err, "loading data request")
	}
	if req.Status.Terminal() {
		h.logger.InfoContext(ctx, "skipping matching for settled request",
			"request_id", req.ID, "status", req.Status)
		return nil
	}
	if req.Expired(h.now()) {
		h.logger.InfoContext(ctx, "skipping matching for expired request",
			"request_id", req.ID)
		return nil
	}
	if req.Status == request.StatusActive {
		req.Status = request.StatusMatching
		if err := h.requests.Update(ctx, req); err != nil {
			return asTransient(err, "marking request as matching")
		}
	}

	var candidates []matching.Record
	err = h.fhirBreaker.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		candidates, fetchErr = h.records.Records(ctx, req.Filter.ResourceTypes)
		return fetchErr
	})
	if err != nil {
		return asTransient(err, "fetching candidate records")
	}

	eligible, err := h.eligibleCandidates(ctx, candidates)
	if err != nil {
		return err
	}
	matches := h.engine.FindMatches(req, eligible)
	if err := h.matches.SaveAll(ctx, matches); err != nil {
		return asTransient(err, "persisting matches")
	}
	req.Status = request.StatusCompleted
	if err := h.requests.Update(ctx, req); err != nil {
		return asTransient(err, "completing data request")
	}
	h.logger.InfoContext(ctx, "matching completed",
		"request_id", req.ID, "candidates", len(candidates),
		"eligible", len(eligible), "matches", len(matches))

	if len(matches) > 0 {
		_, err = h.queue.Enqueue(ctx, queue.EnqueueRequest{
			Type:     queue.TypeTransaction,
			EntityID: req.ID.String(),
			Priority: queue.PriorityHigh,
			Payload: TransactionPayload{
				TransactionID: domain.NewTransactionID(),
				CompanyID:     req.CompanyID,
				RequestID:     req.ID,
				AmountCents:   req.PricePerRecordCents * int64(len(matches)),
				RecordCount:   len(matches),
			},
			CorrelationID: job.Metadata.CorrelationID,
		})
		if err != nil {
			return asTransient(err, "enqueueing settlement")
		}
	}
	_, err = h.queue.Enqueue(ctx, queue.EnqueueRequest{
		Type:     queue.TypeNotification,
		EntityID: req.ID.String(),
		Priority: queue.PriorityLow,
		Payload: NotificationPayload{
			Recipient: req.CompanyID.String(),
			Subject:   "matching completed",
			Body:      fmt.Sprintf("request %s matched %d records", req.ID, len(matches)),
		},
		CorrelationID: job.Metadata.CorrelationID,
	})
	if err != nil {
		return asTransient(err, "enqueueing match notification")
	}
	return nil
}

// eligibleCandidates validates each candidate against its FHIR profile,
// records the outcome in the rolling validation health counter, and scores
// the record holder's compliance. Resource types whose validation success
// rate has fallen below threshold are skipped until manual review.
func (h *Handlers) eligibleCandidates(ctx context.Context, candidates []matching.Record) ([]matching.Record, error) {
	eligible := make([]matching.Record, 0, len(candidates))
	for _, rec := range candidates {
		if !h.validation.Healthy(rec.ResourceType) {
			h.logger.WarnContext(ctx, "resource type held back pending validation review",
				"resource_type", rec.ResourceType)
			continue
		}
		var result fhir.ValidationResult
		err := h.fhirBreaker.Do(ctx, func(ctx context.Context) error {
			var vErr error
			result, vErr = h.records.Validate(ctx, rec)
			return vErr
		})
		if err != nil {
			return nil, asTransient(err, "validating candidate record")
		}
		h.validation.Record(rec.ResourceType, result.Valid)
		if !result.Valid {
			h.logger.WarnContext(ctx, "candidate failed profile validation",
				"record_ref", rec.Ref, "errors", result.Errors)
			continue
		}
		var profile compliance.Profile
		err = h.fhirBreaker.Do(ctx, func(ctx context.Context) error {
			var pErr error
			profile, pErr = h.records.ComplianceProfile(ctx, rec.Ref)
			return pErr
		})
		if err != nil {
			return nil, asTransient(err, "loading record compliance profile")
		}
		rec.ComplianceScore = compliance.Evaluate(profile).Score
		eligible = append(eligible, rec)
	}
	return eligible, nil
}

// HandleTransaction settles a completed exchange through the payment
// gateway. The gateway is idempotent per transaction id, so a retry after
// a timeout cannot double-charge.
func (h *Handlers) HandleTransaction(ctx context.Context, job *queue.Job) error {
	var payload TransactionPayload
	if err := decode(job, &payload); err != nil {
		return err
	}
	if payload.TransactionID.IsNil() {
		return derrors.New(derrors.CodeValidation, "transaction id is required")
	}
	if payload.AmountCents < 0 {
		return derrors.New(derrors.CodeValidation, "amount must not be negative")
	}

	var receipt payment.Receipt
	err := h.paymentBreaker.Do(ctx, func(ctx context.Context) error {
		var chargeErr error
		receipt, chargeErr = h.payments.Charge(ctx, payment.Charge{
			TransactionID: payload.TransactionID,
			CompanyID:     payload.CompanyID,
			RequestID:     payload.RequestID,
			AmountCents:   payload.AmountCents,
			RecordCount:   payload.RecordCount,
		})
		return chargeErr
	})
	if err != nil {
		return asTransient(err, "charging company")
	}
	h.logger.InfoContext(ctx, "transaction settled",
		"transaction_id", payload.TransactionID, "reference", receipt.Reference)
	return nil
}

// HandleNotification delivers one message at-least-once.
func (h *Handlers) HandleNotification(ctx context.Context, job *queue.Job) error {
	var payload NotificationPayload
	if err := decode(job, &payload); err != nil {
		return err
	}
	if payload.Recipient == "" {
		return derrors.New(derrors.CodeValidation, "recipient is required")
	}
	err := h.notifyBreaker.Do(ctx, func(ctx context.Context) error {
		return h.notifier.Send(ctx, notify.Notification{
			Recipient: payload.Recipient,
			Subject:   payload.Subject,
			Body:      payload.Body,
		})
	})
	if err != nil {
		return asTransient(err, "sending notification")
	}
	return nil
}

func (h *Handlers) loadConsent(ctx context.Context, id domain.ConsentID, job *queue.Job) (*consent.Consent, error) {
	if id.IsNil() {
		return nil, derrors.New(derrors.CodeValidation, "consent id is required")
	}
	if id.String() != job.EntityID {
		// payload was built for a different entity; running it risks
		// corrupting the wrong consent
		return nil, derrors.New(derrors.CodeFatal, "payload consent id does not match job entity")
	}
	c, err := h.consents.Get(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, derrors.New(derrors.CodeFatal,
			fmt.Sprintf("consent %s not found", id))
	}
	if err != nil {
		return nil, asTransient(err, "loading consent")
	}
	return c, nil
}

func decode(job *queue.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return derrors.Wrap(err, derrors.CodeFatal, "decoding job payload")
	}
	return nil
}

// asTransient classifies an uncoded error as retryable; already-coded
// errors (circuit open, fatal) pass through unchanged.
func asTransient(err error, msg string) error {
	var derr *derrors.Error
	if errors.As(err, &derr) {
		return err
	}
	return derrors.Wrap(err, derrors.CodeTransient, msg)
}
