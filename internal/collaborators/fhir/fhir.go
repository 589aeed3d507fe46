// Package fhir abstracts the clinical record source. Candidate records are
// fetched per resource type, validated against their FHIR profiles, and fed
// to the matching engine; only records covered by an active consent are
// ever returned.
package fhir

import (
	"context"
	"slices"
	"sync"

	"healthex/internal/compliance"
	"healthex/internal/matching"
)

// ValidationResult is the outcome of validating one record against its
// FHIR profile.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Source lists and validates candidate records for matching.
type Source interface {
	Records(ctx context.Context, resourceTypes []string) ([]matching.Record, error)
	// Validate checks one candidate against its FHIR profile. An invalid
	// record is ineligible for matching regardless of its score.
	Validate(ctx context.Context, record matching.Record) (ValidationResult, error)
	// ComplianceProfile returns the record holder's current compliance
	// facts, evaluated fresh for every matching run.
	ComplianceProfile(ctx context.Context, recordRef string) (compliance.Profile, error)
}

// DevSource serves records from memory for development and tests.
type DevSource struct {
	mu       sync.Mutex
	records  []matching.Record
	invalid  map[string][]string
	profiles map[string]compliance.Profile

	// Fail, when non-nil, is returned by every Source call.
	Fail error
}

func NewDevSource() *DevSource {
	return &DevSource{
		invalid:  make(map[string][]string),
		profiles: make(map[string]compliance.Profile),
	}
}

// Add seeds candidate records.
func (s *DevSource) Add(records ...matching.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
}

// MarkInvalid makes Validate reject the record with the given errors.
func (s *DevSource) MarkInvalid(ref string, errs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalid[ref] = errs
}

// SetProfile overrides the compliance profile served for a record.
func (s *DevSource) SetProfile(ref string, p compliance.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[ref] = p
}

func (s *DevSource) Records(_ context.Context, resourceTypes []string) ([]matching.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	if len(resourceTypes) == 0 {
		return slices.Clone(s.records), nil
	}
	out := make([]matching.Record, 0, len(s.records))
	for _, r := range s.records {
		if slices.Contains(resourceTypes, r.ResourceType) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *DevSource) Validate(_ context.Context, record matching.Record) (ValidationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return ValidationResult{}, s.Fail
	}
	if errs, ok := s.invalid[record.Ref]; ok {
		return ValidationResult{Valid: false, Errors: errs}, nil
	}
	return ValidationResult{Valid: true}, nil
}

func (s *DevSource) ComplianceProfile(_ context.Context, recordRef string) (compliance.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return compliance.Profile{}, s.Fail
	}
	if p, ok := s.profiles[recordRef]; ok {
		return p, nil
	}
	return fullyCompliantProfile, nil
}

// fullyCompliantProfile is the dev default: every rule check passes.
var fullyCompliantProfile = compliance.Profile{
	AuditTrailComplete:      true,
	EncryptedAtRest:         true,
	AccessControlsEnforced:  true,
	BreachNotificationReady: true,

	LawfulBasisDocumented: true,
	DataMinimized:         true,
	ErasureSupported:      true,
	ConsentRecorded:       true,

	TransportEncrypted:       true,
	KeyRotationCurrent:       true,
	VulnerabilityScanCurrent: true,
}
