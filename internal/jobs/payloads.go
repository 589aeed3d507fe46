// Package jobs wires the queue to the domain: one handler per job type,
// composing the consent state machine, the matching engine, and the
// breaker-guarded collaborators.
package jobs

import "healthex/pkg/domain"

// ConsentCreatePayload drives anchoring and activation of a granted
// consent.
type ConsentCreatePayload struct {
	ConsentID domain.ConsentID `json:"consent_id"`
	Actor     string           `json:"actor"`
}

// ConsentUpdateAction is the transition a CONSENT_UPDATE job applies.
type ConsentUpdateAction string

const (
	ActionSuspend     ConsentUpdateAction = "suspend"
	ActionResume      ConsentUpdateAction = "resume"
	ActionUnderReview ConsentUpdateAction = "under_review"
)

type ConsentUpdatePayload struct {
	ConsentID domain.ConsentID    `json:"consent_id"`
	Action    ConsentUpdateAction `json:"action"`
	Actor     string              `json:"actor"`
}

type ConsentRevokePayload struct {
	ConsentID domain.ConsentID `json:"consent_id"`
	Actor     string           `json:"actor"`
}

// MatchPayload triggers a matching run for a data request.
type MatchPayload struct {
	RequestID domain.RequestID `json:"request_id"`
}

// TransactionPayload settles a completed exchange.
type TransactionPayload struct {
	TransactionID domain.TransactionID `json:"transaction_id"`
	CompanyID     domain.CompanyID     `json:"company_id"`
	RequestID     domain.RequestID     `json:"request_id"`
	AmountCents   int64                `json:"amount_cents"`
	RecordCount   int                  `json:"record_count"`
}

// NotificationPayload delivers one outbound message.
type NotificationPayload struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}
