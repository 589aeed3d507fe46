// Package derrors defines the domain error taxonomy shared by services,
// handlers, and the job runtime.
//
// Errors carry a Code so callers can branch on kind without string matching,
// and optional structured detail (rule violations, compliance sub-scores)
// that transport layers render for the caller. Stores return sentinel errors
// (pkg/platform/sentinel); services translate those into domain errors here.
package derrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error. The first five codes are the asynchronous
// processing taxonomy; the rest cover synchronous request handling.
type Code string

const (
	// CodeValidation marks malformed or out-of-policy input. Never queued,
	// never retried. The error lists every violated rule, not just the first.
	CodeValidation Code = "validation_error"
	// CodeCompliance marks a compliance score below threshold. Rejected
	// synchronously with the computed score and failing sub-scores attached.
	CodeCompliance Code = "compliance_error"
	// CodeTransient marks a collaborator timeout or 5xx-equivalent. Retried
	// per the job's backoff policy, bounded by its max attempts.
	CodeTransient Code = "transient_error"
	// CodeCircuitOpen marks a call rejected by an open circuit breaker. Jobs
	// reschedule after the breaker reset timeout instead of retrying hot.
	CodeCircuitOpen Code = "circuit_open"
	// CodeFatal marks a non-idempotent corruption risk (e.g. mismatched
	// resource id/type). The job moves straight to FAILED without retry.
	CodeFatal Code = "fatal_error"

	CodeBadRequest  Code = "bad_request"
	CodeNotFound    Code = "not_found"
	CodeConflict    Code = "conflict"
	CodeRateLimited Code = "rate_limited"
	CodeInternal    Code = "internal"
)

func (c Code) String() string { return string(c) }

// Violation is a single failed validation rule. Rule is a stable machine
// code (e.g. INVALID_DURATION); Message is human-readable.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// SubScores breaks a compliance score into its weighted components.
type SubScores struct {
	HIPAA    float64 `json:"hipaa"`
	GDPR     float64 `json:"gdpr"`
	Security float64 `json:"security"`
}

// Error is the concrete domain error. Violations is populated for
// CodeValidation; Score/SubScores for CodeCompliance.
type Error struct {
	Code       Code        `json:"code"`
	Message    string      `json:"message"`
	Violations []Violation `json:"violations,omitempty"`
	Score      float64     `json:"score,omitempty"`
	SubScores  *SubScores  `json:"sub_scores,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a domain error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error, preserving the
// chain for errors.Is/As.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NewValidation creates a CodeValidation error carrying every violated rule.
func NewValidation(message string, violations []Violation) *Error {
	return &Error{Code: CodeValidation, Message: message, Violations: violations}
}

// NewCompliance creates a CodeCompliance error carrying the computed score
// and its sub-scores so callers see exactly which component failed.
func NewCompliance(message string, score float64, sub SubScores) *Error {
	return &Error{Code: CodeCompliance, Message: message, Score: score, SubScores: &sub}
}

// HasCode reports whether err (or anything it wraps) is a domain error with
// the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf extracts the domain code from err, defaulting to CodeInternal for
// unclassified errors so collaborator internals never leak to callers.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// Retryable reports whether the job runtime may retry after this error.
// Validation, compliance, and fatal errors are terminal by definition.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeTransient, CodeCircuitOpen, CodeInternal:
		return true
	}
	return false
}
