// Package compliance computes the weighted regulatory score that gates
// consent grants and data requests.
//
// Scoring is pure domain logic: no I/O, no side effects. The scorer receives
// the facts it needs as a Profile and returns a Result; callers decide what
// to do with it via Require.
package compliance

import (
	"healthex/pkg/domain"
	derrors "healthex/pkg/domain-errors"
)

// Thresholds gating behavior. Scores are in [0,1].
const (
	// ThresholdStrict is required for cross-border or research-use requests.
	ThresholdStrict = 0.95
	// ThresholdStandard is required for ordinary company access.
	ThresholdStandard = 0.90
	// ThresholdMinimum is the floor below which a request is rejected
	// outright and never queued.
	ThresholdMinimum = 0.85
)

// Sub-score weights. HIPAA carries half the score by policy.
const (
	weightHIPAA    = 0.5
	weightGDPR     = 0.3
	weightSecurity = 0.2
)

// Profile is the set of compliance facts evaluated for a consent or request.
type Profile struct {
	// HIPAA rule checks.
	AuditTrailComplete      bool
	EncryptedAtRest         bool
	AccessControlsEnforced  bool
	BreachNotificationReady bool

	// GDPR rule checks.
	LawfulBasisDocumented bool
	DataMinimized         bool
	ErasureSupported      bool
	ConsentRecorded       bool

	// Security rule checks.
	TransportEncrypted       bool
	KeyRotationCurrent       bool
	VulnerabilityScanCurrent bool
}

// Result is the outcome of a compliance evaluation.
type Result struct {
	Score          float64
	Sub            derrors.SubScores
	HIPAACompliant bool
	GDPRCompliant  bool
}

// Evaluate computes score = 0.5*hipaa + 0.3*gdpr + 0.2*security, each
// sub-score being the fraction of its rule checks that pass.
func Evaluate(p Profile) Result {
	hipaa := fraction(p.AuditTrailComplete, p.EncryptedAtRest, p.AccessControlsEnforced, p.BreachNotificationReady)
	gdpr := fraction(p.LawfulBasisDocumented, p.DataMinimized, p.ErasureSupported, p.ConsentRecorded)
	security := fraction(p.TransportEncrypted, p.KeyRotationCurrent, p.VulnerabilityScanCurrent)

	return Result{
		Score: weightHIPAA*hipaa + weightGDPR*gdpr + weightSecurity*security,
		Sub: derrors.SubScores{
			HIPAA:    hipaa,
			GDPR:     gdpr,
			Security: security,
		},
		HIPAACompliant: hipaa == 1,
		GDPRCompliant:  gdpr == 1,
	}
}

// RequiredThreshold returns the threshold a request must clear for its
// processing purpose.
func RequiredThreshold(purpose domain.Purpose) float64 {
	if purpose.RequiresStrictCompliance() {
		return ThresholdStrict
	}
	return ThresholdStandard
}

// Require evaluates the profile against the threshold for purpose. It
// returns a CodeCompliance error carrying the computed score and its
// sub-scores when the profile falls short; below ThresholdMinimum the
// request must be rejected outright, never queued.
func Require(p Profile, purpose domain.Purpose) (Result, error) {
	res := Evaluate(p)
	if res.Score < ThresholdMinimum {
		return res, derrors.NewCompliance("compliance score below minimum floor", res.Score, res.Sub)
	}
	if required := RequiredThreshold(purpose); res.Score < required {
		return res, derrors.NewCompliance("compliance score below required threshold for purpose "+purpose.String(), res.Score, res.Sub)
	}
	return res, nil
}

func fraction(checks ...bool) float64 {
	passed := 0
	for _, ok := range checks {
		if ok {
			passed++
		}
	}
	return float64(passed) / float64(len(checks))
}
