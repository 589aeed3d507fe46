package ratelimit

import (
	"context"
	"fmt"
	"log/slog"

	"healthex/internal/ratelimit/metrics"
	derrors "healthex/pkg/domain-errors"
)

// Service answers admission checks against the bucket store. Store errors
// fail open: dropping legitimate traffic because Redis blinked is worse
// than briefly exceeding a limit.
type Service struct {
	store    BucketStore
	logger   *slog.Logger
	metrics  *metrics.Metrics
	disabled bool
}

type ServiceOption func(*Service)

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithDisabled turns all checks into no-ops, for tests and demo setups.
func WithDisabled(disabled bool) ServiceOption {
	return func(s *Service) { s.disabled = disabled }
}

func NewService(store BucketStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check consumes one slot from the subject's bucket for the rule. Returns
// a rate_limited domain error when the bucket is full; the Result is
// returned in both cases so callers can set response headers.
func (s *Service) Check(ctx context.Context, subject string, rule Rule) (*Result, error) {
	if s.disabled {
		return &Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit}, nil
	}
	if s.metrics != nil {
		s.metrics.Checks.WithLabelValues(rule.Name).Inc()
	}

	result, err := s.store.Allow(ctx, BucketKey(subject, rule), rule.Limit, rule.Window)
	if err != nil {
		s.logger.ErrorContext(ctx, "rate limit check failed, allowing request",
			"rule", rule.Name, "error", err)
		return &Result{Allowed: true, Limit: rule.Limit}, nil
	}
	if !result.Allowed {
		if s.metrics != nil {
			s.metrics.Denied.WithLabelValues(rule.Name).Inc()
		}
		s.logger.WarnContext(ctx, "rate limit exceeded",
			"rule", rule.Name, "limit", rule.Limit)
		return result, derrors.New(derrors.CodeRateLimited,
			fmt.Sprintf("%s limit of %d per %s exceeded", rule.Name, rule.Limit, rule.Window))
	}
	return result, nil
}
