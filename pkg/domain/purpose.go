package domain

import derrors "healthex/pkg/domain-errors"

// Purpose is a domain value that identifies why health data is processed.
// Invariant: the value must be one of the supported purposes.
//
// Usage: construct via ParsePurpose at trust boundaries to enforce the
// allowlist; direct casting bypasses validation.
type Purpose string

// Supported processing purposes. Research and cross-border transfer are
// held to the strict compliance threshold.
const (
	PurposeTreatment    Purpose = "treatment"
	PurposeResearch     Purpose = "research"
	PurposeBilling      Purpose = "billing"
	PurposeOperations   Purpose = "operations"
	PurposePublicHealth Purpose = "public_health"
	PurposeCrossBorder  Purpose = "cross_border_transfer"
)

// validPurposes is the single source of truth for valid purposes.
var validPurposes = map[Purpose]bool{
	PurposeTreatment:    true,
	PurposeResearch:     true,
	PurposeBilling:      true,
	PurposeOperations:   true,
	PurposePublicHealth: true,
	PurposeCrossBorder:  true,
}

// ParsePurpose constructs a Purpose from external input.
//
// Errors: returns CodeBadRequest when the value is empty or unsupported.
func ParsePurpose(s string) (Purpose, error) {
	if s == "" {
		return "", derrors.New(derrors.CodeBadRequest, "purpose cannot be empty")
	}
	p := Purpose(s)
	if !p.IsValid() {
		return "", derrors.New(derrors.CodeBadRequest, "invalid purpose")
	}
	return p, nil
}

// IsValid checks if the purpose is one of the supported enum values.
func (p Purpose) IsValid() bool {
	return validPurposes[p]
}

// RequiresStrictCompliance reports whether requests for this purpose must
// clear the strict (0.95) rather than standard (0.90) threshold.
func (p Purpose) RequiresStrictCompliance() bool {
	return p == PurposeResearch || p == PurposeCrossBorder
}

// String returns the string representation of the purpose.
func (p Purpose) String() string {
	return string(p)
}
