// Package ratelimit enforces per-subject sliding window limits on the
// admission surface. Limits apply before any job is created, so a
// rate-limited caller never consumes queue capacity.
package ratelimit

import (
	"strings"
	"time"
)

// Rule is a named limit over a sliding window. Rules attach to route
// classes, not individual paths.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

var (
	// RuleLogin guards token issuance.
	RuleLogin = Rule{Name: "login", Limit: 5, Window: 15 * time.Minute}
	// RuleRead guards record and status reads.
	RuleRead = Rule{Name: "read", Limit: 100, Window: 15 * time.Minute}
	// RuleVerification guards ledger verification calls, which are expensive
	// for the collaborator.
	RuleVerification = Rule{Name: "verification", Limit: 3, Window: time.Hour}
	// RuleWrite guards consent grants, revocations, and request creation.
	RuleWrite = Rule{Name: "write", Limit: 30, Window: time.Minute}
)

// Result reports the outcome of a limit check, for X-RateLimit headers.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// BucketKey builds the storage key for {subject, rule}. Delimiters in
// subjects are escaped so a crafted identifier cannot collide with an
// adjacent bucket.
func BucketKey(subject string, rule Rule) string {
	return sanitizeSegment(subject) + ":" + rule.Name
}

func sanitizeSegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}
