// Package request owns data requests: a company's ask for matching health
// records. Request status transitions are driven exclusively by the job
// pipeline, never by handlers.
package request

import (
	"time"

	"healthex/pkg/domain"
	derrors "healthex/pkg/domain-errors"
	pstrings "healthex/pkg/platform/strings"
)

// Status is the lifecycle state of a data request.
type Status string

const (
	StatusDraft       Status = "DRAFT"
	StatusActive      Status = "ACTIVE"
	StatusMatching    Status = "MATCHING"
	StatusCompleted   Status = "COMPLETED"
	StatusExpired     Status = "EXPIRED"
	StatusCancelled   Status = "CANCELLED"
	StatusSuspended   Status = "SUSPENDED"
	StatusUnderReview Status = "UNDER_REVIEW"
)

// Terminal reports whether the request admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired || s == StatusCancelled
}

func (s Status) String() string { return string(s) }

// MaxTTL bounds how far in the future a request may expire.
const MaxTTL = 30 * 24 * time.Hour

// DemographicFilter narrows candidates by demographic fields.
type DemographicFilter struct {
	MinAge int    `json:"min_age,omitempty"`
	MaxAge int    `json:"max_age,omitempty"`
	Sex    string `json:"sex,omitempty"`
	Region string `json:"region,omitempty"`
}

// DateRange bounds how recent candidate records must be.
type DateRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// FilterCriteria is what the matching engine scores candidates against.
type FilterCriteria struct {
	Demographics  DemographicFilter `json:"demographics"`
	Conditions    []string          `json:"conditions,omitempty"`
	Dates         DateRange         `json:"dates"`
	ResourceTypes []string          `json:"resource_types,omitempty"`
}

// DataRequest is a company's request for matching records.
// PricePerRecordCents keeps money integral.
type DataRequest struct {
	ID                  domain.RequestID `json:"id"`
	CompanyID           domain.CompanyID `json:"company_id"`
	Purpose             domain.Purpose   `json:"purpose"`
	Filter              FilterCriteria   `json:"filter_criteria"`
	Status              Status           `json:"status"`
	MaxRecords          int              `json:"max_records"`
	PricePerRecordCents int64            `json:"price_per_record_cents"`
	CreatedAt           time.Time        `json:"created_at"`
	ExpiresAt           time.Time        `json:"expires_at"`
}

// Normalize cleans the list-valued filter fields. Condition codes are
// matched case-insensitively; FHIR resource types are case-sensitive.
func (f *FilterCriteria) Normalize() {
	f.Conditions = pstrings.DedupeAndTrimLower(f.Conditions)
	f.ResourceTypes = pstrings.DedupeAndTrim(f.ResourceTypes)
}

// Validate enforces request invariants at creation time.
func (r *DataRequest) Validate(now time.Time) error {
	var violations []derrors.Violation
	add := func(rule, message string) {
		violations = append(violations, derrors.Violation{Rule: rule, Message: message})
	}

	if r.CompanyID.IsNil() {
		add("MISSING_COMPANY_ID", "company id is required")
	}
	if !r.Purpose.IsValid() {
		add("INVALID_PURPOSE", "unsupported processing purpose")
	}
	if r.MaxRecords <= 0 {
		add("INVALID_MAX_RECORDS", "max records must be positive")
	}
	if r.PricePerRecordCents < 0 {
		add("INVALID_PRICE", "price per record must not be negative")
	}
	if r.ExpiresAt.IsZero() || !r.ExpiresAt.After(now) {
		add("INVALID_EXPIRY", "request expiry must lie in the future")
	} else if r.ExpiresAt.Sub(now) > MaxTTL {
		add("INVALID_EXPIRY", "request expiry must be within 30 days")
	}

	if len(violations) > 0 {
		return derrors.NewValidation("data request rejected", violations)
	}
	return nil
}

// Expired reports whether the request has passed its expiry.
func (r *DataRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
