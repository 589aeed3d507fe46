// Package httptransport is the thin HTTP layer. Handlers delegate to domain
// services and never embed business logic; transport concerns (decoding, id
// parsing, error envelopes, rate limits) stay here.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"healthex/internal/consent"
	consentService "healthex/internal/consent/service"
	"healthex/internal/matching"
	"healthex/internal/platform/metrics"
	"healthex/internal/queue"
	"healthex/internal/ratelimit"
	"healthex/internal/request"
	"healthex/pkg/domain"
)

// ConsentService is the consent surface the transport depends on.
type ConsentService interface {
	Grant(ctx context.Context, req consentService.GrantRequest, actor string) (*consent.Consent, error)
	Revoke(ctx context.Context, id domain.ConsentID, actor string) (*consent.Consent, error)
	Suspend(ctx context.Context, id domain.ConsentID, actor string) error
	Resume(ctx context.Context, id domain.ConsentID, actor string) error
	Get(ctx context.Context, id domain.ConsentID) (*consent.Consent, error)
	ListByUser(ctx context.Context, userID domain.UserID) ([]*consent.Consent, error)
	VerifyAnchor(ctx context.Context, id domain.ConsentID) (*consentService.Verification, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Server carries the wired dependencies for the HTTP surface.
type Server struct {
	consents ConsentService
	requests request.Store
	matches  matching.Store
	queue    *queue.Queue
	auth     *Authenticator
	limits   *ratelimit.Service
	health   map[string]HealthCheck
	gatherer prometheus.Gatherer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

type Config struct {
	Consents ConsentService
	Requests request.Store
	Matches  matching.Store
	Queue    *queue.Queue
	Auth     *Authenticator
	Limits   *ratelimit.Service
	Health   map[string]HealthCheck
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewServer(cfg Config) *Server {
	s := &Server{
		consents: cfg.Consents,
		requests: cfg.Requests,
		matches:  cfg.Matches,
		queue:    cfg.Queue,
		auth:     cfg.Auth,
		limits:   cfg.Limits,
		health:   cfg.Health,
		gatherer: cfg.Gatherer,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	return s
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(latencyObserver(s.metrics.RequestLatency))
	}

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	limit := func(rule ratelimit.Rule) func(http.Handler) http.Handler {
		return ratelimit.Middleware(s.limits, rule, Subject)
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(limit(ratelimit.RuleLogin)).
			Post("/auth/token", s.handleIssueToken)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Require)

			r.Route("/consents", func(r chi.Router) {
				r.With(limit(ratelimit.RuleWrite)).Post("/", s.handleGrantConsent)
				r.With(limit(ratelimit.RuleRead)).Get("/", s.handleListConsents)
				r.With(limit(ratelimit.RuleRead)).Get("/{id}", s.handleGetConsent)
				r.With(limit(ratelimit.RuleWrite)).Delete("/{id}", s.handleRevokeConsent)
				r.With(limit(ratelimit.RuleWrite)).Post("/{id}/suspend", s.handleSuspendConsent)
				r.With(limit(ratelimit.RuleWrite)).Post("/{id}/resume", s.handleResumeConsent)
				r.With(limit(ratelimit.RuleVerification)).Get("/{id}/verification", s.handleVerifyConsent)
			})

			r.Route("/requests", func(r chi.Router) {
				r.With(limit(ratelimit.RuleWrite)).Post("/", s.handleCreateRequest)
				r.With(limit(ratelimit.RuleRead)).Get("/{id}/matches", s.handleListMatches)
			})

			r.Route("/jobs", func(r chi.Router) {
				r.With(limit(ratelimit.RuleRead)).Get("/{id}", s.handleJobStatus)
				r.With(limit(ratelimit.RuleWrite)).Delete("/{id}", s.handleRemoveJob)
			})

			r.Route("/admin/queue", func(r chi.Router) {
				r.Post("/pause", s.handlePauseQueue)
				r.Post("/resume", s.handleResumeQueue)
				r.Get("/depths", s.handleQueueDepths)
			})
		})
	})
	return r
}
