package jobs

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthex/internal/audit"
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
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	handlers *Handlers
	consents *consent.InMemoryStore
	requests *request.InMemoryStore
	matches  *matching.InMemoryStore
	records  *fhir.DevSource
	notifier *notify.DevSender
	payments *payment.DevGateway
	queue    *queue.Queue
	machine  *consent.StateMachine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		consents: consent.NewInMemoryStore(),
		requests: request.NewInMemoryStore(),
		matches:  matching.NewInMemoryStore(),
		records:  fhir.NewDevSource(),
		notifier: notify.NewDevSender(),
		payments: payment.NewDevGateway(),
	}
	f.queue = queue.New(queue.NewInMemoryStore(), queue.WithClock(func() time.Time { return testNow }))
	f.machine = consent.NewStateMachine(
		audit.NewPublisher(audit.NewInMemoryStore()),
		consent.WithClock(func() time.Time { return testNow }),
	)
	f.handlers = New(Config{
		Consents:       f.consents,
		Machine:        f.machine,
		Requests:       f.requests,
		Matches:        f.matches,
		Engine:         matching.NewEngine(matching.WithClock(func() time.Time { return testNow })),
		Records:        f.records,
		Queue:          f.queue,
		Ledger:         ledger.NewDevClient(),
		LedgerBreaker:  circuit.New("ledger"),
		Payments:       f.payments,
		PaymentBreaker: circuit.New("payment"),
		Notifier:       f.notifier,
		NotifyBreaker:  circuit.New("notify"),
		Now:            func() time.Time { return testNow },
	})
	return f
}

func (f *fixture) grantConsent(t *testing.T) *consent.Consent {
	t.Helper()
	c := &consent.Consent{
		ID:        domain.NewConsentID(),
		UserID:    domain.UserID(domain.NewConsentID()),
		CompanyID: domain.CompanyID(domain.NewRequestID()),
		RequestID: domain.NewRequestID(),
		Permissions: consent.Permissions{
			ResourceTypes: []string{"Observation"},
			AccessLevel:   domain.AccessRead,
			Purpose:       domain.PurposeTreatment,
		},
		ValidFrom: testNow,
		ValidTo:   testNow.Add(48 * time.Hour),
	}
	require.NoError(t, f.machine.Grant(t.Context(), c, "user"))
	require.NoError(t, f.consents.Save(t.Context(), c))
	return c
}

func consentJob(t *testing.T, typ queue.Type, payload any, entityID string) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Job{
		ID:       queue.NewJobID(typ, entityID),
		Type:     typ,
		EntityID: entityID,
		Payload:  raw,
		Metadata: queue.Metadata{CorrelationID: "corr-1"},
	}
}

func TestHandleConsentCreate_AnchorsAndActivates(t *testing.T) {
	f := newFixture(t)
	c := f.grantConsent(t)

	job := consentJob(t, queue.TypeConsentCreate,
		ConsentCreatePayload{ConsentID: c.ID, Actor: "user"}, c.ID.String())
	require.NoError(t, f.handlers.HandleConsentCreate(t.Context(), job))

	stored, err := f.consents.Get(t.Context(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, consent.StatusActive, stored.Status)
	assert.Regexp(t, regexp.MustCompile("^[0-9a-f]{64}$"), stored.BlockchainRef)
}

func TestHandleConsentCreate_IdempotentOnRetry(t *testing.T) {
	f := newFixture(t)
	c := f.grantConsent(t)
	job := consentJob(t, queue.TypeConsentCreate,
		ConsentCreatePayload{ConsentID: c.ID, Actor: "user"}, c.ID.String())

	require.NoError(t, f.handlers.HandleConsentCreate(t.Context(), job))
	require.NoError(t, f.handlers.HandleConsentCreate(t.Context(), job))

	stored, err := f.consents.Get(t.Context(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, consent.StatusActive, stored.Status)
}

func TestHandleConsentCreate_MismatchedEntityIsFatal(t *testing.T) {
	f := newFixture(t)
	c := f.grantConsent(t)

	job := consentJob(t, queue.TypeConsentCreate,
		ConsentCreatePayload{ConsentID: c.ID}, domain.NewConsentID().String())
	err := f.handlers.HandleConsentCreate(t.Context(), job)
	assert.True(t, derrors.HasCode(err, derrors.CodeFatal))
}

func TestHandleConsentCreate_MissingConsentIsFatal(t *testing.T) {
	f := newFixture(t)
	id := domain.NewConsentID()

	job := consentJob(t, queue.TypeConsentCreate,
		ConsentCreatePayload{ConsentID: id}, id.String())
	err := f.handlers.HandleConsentCreate(t.Context(), job)
	assert.True(t, derrors.HasCode(err, derrors.CodeFatal))
}

func TestHandleConsentUpdate_SuspendAndResume(t *testing.T) {
	f := newFixture(t)
	c := f.grantConsent(t)
	createJob := consentJob(t, queue.TypeConsentCreate,
		ConsentCreatePayload{ConsentID: c.ID, Actor: "user"}, c.ID.String())
	require.NoError(t, f.handlers.HandleConsentCreate(t.Context(), createJob))

	suspend := consentJob(t, queue.TypeConsentUpdate,
		ConsentUpdatePayload{ConsentID: c.ID, Action: ActionSuspend, Actor: "admin"}, c.ID.String())
	require.NoError(t, f.handlers.HandleConsentUpdate(t.Context(), suspend))
	stored, err := f.consents.Get(t.Context(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, consent.StatusSuspended, stored.Status)

	resume := consentJob(t, queue.TypeConsentUpdate,
		ConsentUpdatePayload{ConsentID: c.ID, Action: ActionResume, Actor: "admin"}, c.ID.String())
	require.NoError(t, f.handlers.HandleConsentUpdate(t.Context(), resume))
	stored, err = f.consents.Get(t.Context(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, consent.StatusActive, stored.Status)
}

func TestHandleConsentUpdate_UnknownActionIsValidationError(t *testing.T) {
	f := newFixture(t)
	c := f.grantConsent(t)

	job := consentJob(t, queue.TypeConsentUpdate,
		ConsentUpdatePayload{ConsentID: c.ID, Action: "archive"}, c.ID.String())
	err := f.handlers.HandleConsentUpdate(t.Context(), job)
	assert.True(t, derrors.HasCode(err, derrors.CodeValidation))
}

func TestHandleConsentRevoke_Idempotent(t *testing.T) {
	f := newFixture(t)
	c := f.grantConsent(t)
	job := consentJob(t, queue.TypeConsentRevoke,
		ConsentRevokePayload{ConsentID: c.ID, Actor: "user"}, c.ID.String())

	require.NoError(t, f.handlers.HandleConsentRevoke(t.Context(), job))
	require.NoError(t, f.handlers.HandleConsentRevoke(t.Context(), job))

	stored, err := f.consents.Get(t.Context(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, consent.StatusRevoked, stored.Status)
}

func seedRequest(t *testing.T, f *fixture) *request.DataRequest {
	t.Helper()
	req := &request.DataRequest{
		ID:        domain.NewRequestID(),
		CompanyID: domain.CompanyID(domain.NewRequestID()),
		Purpose:   domain.PurposeTreatment,
		Filter: request.FilterCriteria{
			Conditions:    []string{"diabetes"},
			ResourceTypes: []string{"Observation"},
		},
		Status:              request.StatusActive,
		MaxRecords:          10,
		PricePerRecordCents: 250,
		CreatedAt:           testNow,
		ExpiresAt:           testNow.Add(7 * 24 * time.Hour),
	}
	require.NoError(t, f.requests.Save(t.Context(), req))
	return req
}

func TestHandleMatch_PersistsMatchesAndNotifies(t *testing.T) {
	f := newFixture(t)
	req := seedRequest(t, f)
	f.records.Add(matching.Record{
		Ref:          "rec-1",
		ResourceType: "Observation",
		Conditions:   []string{"diabetes"},
		UpdatedAt:    testNow,
	})

	job := consentJob(t, queue.TypeMatch, MatchPayload{RequestID: req.ID}, req.ID.String())
	require.NoError(t, f.handlers.HandleMatch(t.Context(), job))

	matches, err := f.matches.ListByRequest(t.Context(), req.ID)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "rec-1", matches[0].RecordRef)
	assert.InDelta(t, 1.0, matches[0].ComplianceScore, 1e-9,
		"the run scores the record holder's compliance profile")

	stored, err := f.requests.Get(t.Context(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, request.StatusCompleted, stored.Status)

	// completion settles the exchange and notifies the requesting company
	status, err := f.queue.Status(t.Context(),
		queue.NewJobID(queue.TypeTransaction, req.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, status.State)

	status, err = f.queue.Status(t.Context(),
		queue.NewJobID(queue.TypeNotification, req.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, status.State)
}

func TestHandleMatch_LowComplianceProfileIsGated(t *testing.T) {
	f := newFixture(t)
	req := seedRequest(t, f)
	f.records.Add(matching.Record{
		Ref:          "rec-low",
		ResourceType: "Observation",
		Conditions:   []string{"diabetes"},
		UpdatedAt:    testNow,
	})
	// only the HIPAA checks pass: score = 0.5, well below the floor
	f.records.SetProfile("rec-low", compliance.Profile{
		AuditTrailComplete:      true,
		EncryptedAtRest:         true,
		AccessControlsEnforced:  true,
		BreachNotificationReady: true,
	})

	job := consentJob(t, queue.TypeMatch, MatchPayload{RequestID: req.ID}, req.ID.String())
	require.NoError(t, f.handlers.HandleMatch(t.Context(), job))

	matches, err := f.matches.ListByRequest(t.Context(), req.ID)
	require.NoError(t, err)
	assert.Empty(t, matches)

	// a run with no matches charges nothing
	_, err = f.queue.Status(t.Context(),
		queue.NewJobID(queue.TypeTransaction, req.ID.String()))
	assert.Error(t, err)
}

func TestHandleMatch_InvalidRecordIsIneligible(t *testing.T) {
	f := newFixture(t)
	req := seedRequest(t, f)
	f.records.Add(matching.Record{
		Ref:          "rec-bad",
		ResourceType: "Observation",
		Conditions:   []string{"diabetes"},
		UpdatedAt:    testNow,
	})
	f.records.MarkInvalid("rec-bad", "Observation.subject: minimum cardinality 1 not met")

	job := consentJob(t, queue.TypeMatch, MatchPayload{RequestID: req.ID}, req.ID.String())
	require.NoError(t, f.handlers.HandleMatch(t.Context(), job))

	matches, err := f.matches.ListByRequest(t.Context(), req.ID)
	require.NoError(t, err)
	assert.Empty(t, matches)

	rate, samples := f.handlers.validation.Rate("Observation")
	assert.Equal(t, 1, samples, "the outcome feeds the rolling validation counter")
	assert.Zero(t, rate)
}

func TestHandleMatch_UnhealthyResourceTypeHeldBack(t *testing.T) {
	f := newFixture(t)
	req := seedRequest(t, f)
	f.records.Add(matching.Record{
		Ref:          "rec-1",
		ResourceType: "Observation",
		Conditions:   []string{"diabetes"},
		UpdatedAt:    testNow,
	})
	// enough failures to push the success rate below threshold
	for range 25 {
		f.handlers.validation.Record("Observation", false)
	}

	job := consentJob(t, queue.TypeMatch, MatchPayload{RequestID: req.ID}, req.ID.String())
	require.NoError(t, f.handlers.HandleMatch(t.Context(), job))

	matches, err := f.matches.ListByRequest(t.Context(), req.ID)
	require.NoError(t, err)
	assert.Empty(t, matches)

	_, samples := f.handlers.validation.Rate("Observation")
	assert.Equal(t, 25, samples, "held-back records are not validated again")
}

func TestHandleMatch_RecordSourceOutageTripsBreaker(t *testing.T) {
	f := newFixture(t)
	req := seedRequest(t, f)
	f.records.Fail = assert.AnError
	f.handlers.fhirBreaker = circuit.New("fhir-down",
		circuit.WithMinRequests(1), circuit.WithFailureRate(0.5))

	job := consentJob(t, queue.TypeMatch, MatchPayload{RequestID: req.ID}, req.ID.String())

	err := f.handlers.HandleMatch(t.Context(), job)
	require.True(t, derrors.HasCode(err, derrors.CodeTransient))

	err = f.handlers.HandleMatch(t.Context(), job)
	assert.True(t, derrors.HasCode(err, derrors.CodeCircuitOpen),
		"open breaker never invokes the record source")
}

func TestHandleMatch_CompletedRequestIsNoOp(t *testing.T) {
	f := newFixture(t)
	req := seedRequest(t, f)
	req.Status = request.StatusCompleted
	require.NoError(t, f.requests.Update(t.Context(), req))
	f.records.Add(matching.Record{
		Ref:          "rec-1",
		ResourceType: "Observation",
		Conditions:   []string{"diabetes"},
		UpdatedAt:    testNow,
	})

	job := consentJob(t, queue.TypeMatch, MatchPayload{RequestID: req.ID}, req.ID.String())
	require.NoError(t, f.handlers.HandleMatch(t.Context(), job))

	matches, err := f.matches.ListByRequest(t.Context(), req.ID)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestHandleMatch_ExpiredRequestIsNoOp(t *testing.T) {
	f := newFixture(t)
	req := seedRequest(t, f)
	req.ExpiresAt = testNow.Add(-time.Hour)
	require.NoError(t, f.requests.Update(t.Context(), req))

	job := consentJob(t, queue.TypeMatch, MatchPayload{RequestID: req.ID}, req.ID.String())
	require.NoError(t, f.handlers.HandleMatch(t.Context(), job))

	matches, err := f.matches.ListByRequest(t.Context(), req.ID)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestHandleTransaction_ChargesOnce(t *testing.T) {
	f := newFixture(t)
	txID := domain.NewTransactionID()
	payload := TransactionPayload{
		TransactionID: txID,
		CompanyID:     domain.CompanyID(domain.NewRequestID()),
		RequestID:     domain.NewRequestID(),
		AmountCents:   2500,
		RecordCount:   10,
	}
	job := consentJob(t, queue.TypeTransaction, payload, txID.String())

	require.NoError(t, f.handlers.HandleTransaction(t.Context(), job))
	require.NoError(t, f.handlers.HandleTransaction(t.Context(), job),
		"retry settles against the same receipt")
}

func TestHandleTransaction_GatewayOutageIsTransient(t *testing.T) {
	f := newFixture(t)
	f.payments.Fail = assert.AnError
	txID := domain.NewTransactionID()
	job := consentJob(t, queue.TypeTransaction,
		TransactionPayload{TransactionID: txID, AmountCents: 100}, txID.String())

	err := f.handlers.HandleTransaction(t.Context(), job)
	assert.True(t, derrors.HasCode(err, derrors.CodeTransient))
}

func TestHandleNotification_DeliversThroughBreaker(t *testing.T) {
	f := newFixture(t)
	job := consentJob(t, queue.TypeNotification,
		NotificationPayload{Recipient: "company-1", Subject: "s", Body: "b"}, "n-1")

	require.NoError(t, f.handlers.HandleNotification(t.Context(), job))
	sent := f.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "company-1", sent[0].Recipient)
}

func TestHandleNotification_OpenBreakerFailsFast(t *testing.T) {
	f := newFixture(t)
	f.notifier.Fail = assert.AnError
	breaker := circuit.New("notify-open",
		circuit.WithMinRequests(1), circuit.WithFailureRate(0.5))
	f.handlers.notifyBreaker = breaker

	job := consentJob(t, queue.TypeNotification,
		NotificationPayload{Recipient: "company-1"}, "n-1")

	// first call fails through to the collaborator and opens the breaker
	err := f.handlers.HandleNotification(t.Context(), job)
	require.True(t, derrors.HasCode(err, derrors.CodeTransient))

	sentBefore := len(f.notifier.Sent())
	err = f.handlers.HandleNotification(t.Context(), job)
	assert.True(t, derrors.HasCode(err, derrors.CodeCircuitOpen))
	assert.Len(t, f.notifier.Sent(), sentBefore, "open breaker never invokes the collaborator")
}

func TestDecode_MalformedPayloadIsFatal(t *testing.T) {
	f := newFixture(t)
	job := &queue.Job{
		ID:       queue.NewJobID(queue.TypeNotification, "n-1"),
		Type:     queue.TypeNotification,
		EntityID: "n-1",
		Payload:  json.RawMessage(`{"recipient":`),
	}
	err := f.handlers.HandleNotification(context.Background(), job)
	assert.True(t, derrors.HasCode(err, derrors.CodeFatal))
}
