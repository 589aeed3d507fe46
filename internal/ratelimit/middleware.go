package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// SubjectFunc extracts the rate limit subject from a request, typically the
// authenticated user id with the client IP as fallback.
type SubjectFunc func(r *http.Request) string

// Middleware returns a chi-compatible middleware enforcing the rule per
// subject. Denials are answered here; the wrapped handler never runs.
func Middleware(svc *Service, rule Rule, subject SubjectFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result, err := svc.Check(r.Context(), subject(r), rule)
			setHeaders(w, result)
			if err != nil {
				writeLimitExceeded(w, result)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, result *Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	if !result.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	}
}

func writeLimitExceeded(w http.ResponseWriter, result *Result) {
	retryAfter := int(time.Until(result.ResetAt).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":       "rate_limited",
		"message":     "rate limit exceeded",
		"retry_after": retryAfter,
	})
}
