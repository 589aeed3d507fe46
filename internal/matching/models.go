// Package matching scores candidate health records against data requests.
//
// Scoring is pure: the engine takes a request and candidates and returns
// matches. Match expiry is enforced by the job scheduler, not by callers.
package matching

import (
	"time"

	"healthex/pkg/domain"
)

// Engine constants.
const (
	// MatchThreshold is the minimum weighted score for a candidate to
	// become a Match.
	MatchThreshold = 0.7
	// MaxMatchesPerRequest caps how many matches one request may produce.
	MaxMatchesPerRequest = 1000
	// MatchExpiry is how long a match stays consumable after creation.
	MatchExpiry = 24 * time.Hour
)

// Demographics are the candidate-side demographic facts.
type Demographics struct {
	Age    int    `json:"age"`
	Sex    string `json:"sex"`
	Region string `json:"region"`
}

// Record is a candidate health record as seen by the engine. RecordRef is
// an opaque identifier into the record store; the engine never holds
// clinical payloads.
type Record struct {
	Ref          string       `json:"ref"`
	ResourceType string       `json:"resource_type"`
	Demographics Demographics `json:"demographics"`
	Conditions   []string     `json:"conditions"`
	UpdatedAt    time.Time    `json:"updated_at"`
	// ComplianceScore is the record holder's current compliance evaluation,
	// computed per matching run from the holder's compliance profile.
	ComplianceScore float64 `json:"compliance_score"`
}

// Components breaks a match score into its weighted parts, each in [0,1].
type Components struct {
	Demographics float64 `json:"demographics"`
	Conditions   float64 `json:"conditions"`
	Dates        float64 `json:"dates"`
}

// Match is a scored candidate pairing of a request to a record. Ephemeral:
// created by the engine, read by the consent/payment flow, discarded after
// expiry or consumption.
type Match struct {
	ID              domain.MatchID   `json:"id"`
	RequestID       domain.RequestID `json:"request_id"`
	RecordRef       string           `json:"record_ref"`
	Score           float64          `json:"score"`
	Components      Components       `json:"score_components"`
	ComplianceScore float64          `json:"compliance_score"`
	CreatedAt       time.Time        `json:"created_at"`
	ExpiresAt       time.Time        `json:"expires_at"`
}

// Expired reports whether the match is no longer consumable.
func (m *Match) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}
