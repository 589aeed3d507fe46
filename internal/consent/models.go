// Package consent owns the consent lifecycle: the record itself, its state
// machine, and the validation rules enforced on grant.
//
// Consents are never hard-deleted; revocation and expiry are status
// transitions so the audit trail stays complete.
package consent

import (
	"regexp"
	"time"

	"healthex/pkg/domain"
	pstrings "healthex/pkg/platform/strings"
)

// Status is the lifecycle state of a consent.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusActive      Status = "ACTIVE"
	StatusRevoked     Status = "REVOKED"
	StatusExpired     Status = "EXPIRED"
	StatusSuspended   Status = "SUSPENDED"
	StatusUnderReview Status = "UNDER_REVIEW"
)

// transitions is the single source of truth for legal state changes.
// UNDER_REVIEW is reachable from any non-terminal state and resolves back to
// PENDING or forward to REVOKED. REVOKED and EXPIRED are terminal.
var transitions = map[Status][]Status{
	StatusPending:     {StatusActive, StatusRevoked, StatusExpired, StatusUnderReview},
	StatusActive:      {StatusRevoked, StatusExpired, StatusSuspended, StatusUnderReview},
	StatusSuspended:   {StatusActive, StatusRevoked, StatusExpired, StatusUnderReview},
	StatusUnderReview: {StatusPending, StatusRevoked},
}

// CanTransition reports whether moving from s to target is legal.
func (s Status) CanTransition(target Status) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusRevoked || s == StatusExpired
}

func (s Status) String() string { return string(s) }

// Duration bounds for the consent validity window.
const (
	MinDuration = 24 * time.Hour
	MaxDuration = 365 * 24 * time.Hour
)

// blockchainRefPattern matches a ledger transaction hash: 64 lowercase hex
// characters.
var blockchainRefPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidBlockchainRef reports whether ref is a well-formed ledger reference.
func ValidBlockchainRef(ref string) bool {
	return blockchainRefPattern.MatchString(ref)
}

// allowedResourceTypes is the FHIR resource type allow-list a consent may
// cover. Anything outside this set is rejected at grant time.
var allowedResourceTypes = map[string]bool{
	"Patient":            true,
	"Observation":        true,
	"Condition":          true,
	"MedicationRequest":  true,
	"Procedure":          true,
	"Immunization":       true,
	"AllergyIntolerance": true,
	"DiagnosticReport":   true,
	"Encounter":          true,
}

// AllowedResourceType reports whether rt may appear in consent permissions.
func AllowedResourceType(rt string) bool {
	return allowedResourceTypes[rt]
}

// Permissions scope what a consent grants.
type Permissions struct {
	ResourceTypes []string           `json:"resource_types"`
	AccessLevel   domain.AccessLevel `json:"access_level"`
	DataElements  []string           `json:"data_elements,omitempty"`
	Purpose       domain.Purpose     `json:"purpose"`
	Constraints   map[string]string  `json:"constraints,omitempty"`
}

// Normalize cleans the list-valued permission fields before validation.
// Resource types stay case-sensitive; the allow-list is exact.
func (p *Permissions) Normalize() {
	p.ResourceTypes = pstrings.DedupeAndTrim(p.ResourceTypes)
	p.DataElements = pstrings.DedupeAndTrim(p.DataElements)
}

// ComplianceInfo captures the compliance evaluation recorded at grant time.
type ComplianceInfo struct {
	HIPAACompliant bool    `json:"hipaa_compliant"`
	GDPRCompliant  bool    `json:"gdpr_compliant"`
	Score          float64 `json:"score"`
}

// Consent is a time-bounded, scoped grant permitting a company to access
// specified categories of a user's health data. Mutated only through the
// state machine.
type Consent struct {
	ID          domain.ConsentID `json:"id"`
	UserID      domain.UserID    `json:"user_id"`
	CompanyID   domain.CompanyID `json:"company_id"`
	RequestID   domain.RequestID `json:"request_id"`
	Permissions Permissions      `json:"permissions"`
	ValidFrom   time.Time        `json:"valid_from"`
	ValidTo     time.Time        `json:"valid_to"`
	Status      Status           `json:"status"`
	// BlockchainRef is set once the ledger collaborator records the grant;
	// required before the consent can activate.
	BlockchainRef string         `json:"blockchain_ref,omitempty"`
	Compliance    ComplianceInfo `json:"compliance"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// IsActive reports whether the consent currently permits access.
func (c *Consent) IsActive(now time.Time) bool {
	return c.Status == StatusActive && !now.Before(c.ValidFrom) && now.Before(c.ValidTo)
}

// WindowExpired reports whether the validity window has passed.
func (c *Consent) WindowExpired(now time.Time) bool {
	return !now.Before(c.ValidTo)
}
