// Command server runs the consent exchange gateway: the HTTP admission
// surface, the job queue workers, the scheduler, and the audit outbox
// publisher, all sharing one process.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"healthex/internal/audit"
	"healthex/internal/audit/outbox"
	auditpg "healthex/internal/audit/store/postgres"
	"healthex/internal/collaborators/fhir"
	"healthex/internal/collaborators/ledger"
	"healthex/internal/collaborators/notify"
	"healthex/internal/collaborators/payment"
	"healthex/internal/compliance"
	"healthex/internal/consent"
	consentService "healthex/internal/consent/service"
	consentpg "healthex/internal/consent/store/postgres"
	"healthex/internal/jobs"
	"healthex/internal/matching"
	"healthex/internal/platform/config"
	"healthex/internal/platform/httpserver"
	"healthex/internal/platform/logger"
	platformmetrics "healthex/internal/platform/metrics"
	platformpg "healthex/internal/platform/postgres"
	platformredis "healthex/internal/platform/redis"
	"healthex/internal/queue"
	queuemetrics "healthex/internal/queue/metrics"
	queueredis "healthex/internal/queue/store/redis"
	"healthex/internal/ratelimit"
	ratelimitmetrics "healthex/internal/ratelimit/metrics"
	ratelimitredis "healthex/internal/ratelimit/store/redis"
	"healthex/internal/request"
	httptransport "healthex/internal/transport/http"
	"healthex/pkg/platform/circuit"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := platformmetrics.New(registry)
	qMetrics := queuemetrics.New(registry)
	rlMetrics := ratelimitmetrics.New(registry)

	// storage selection: memory by default, redis/postgres when configured
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	db, err := platformpg.Open(cfg.Postgres)
	if err != nil {
		log.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}

	var jobStore queue.Store = queue.NewInMemoryStore()
	var bucketStore ratelimit.BucketStore = ratelimit.NewInMemoryBucketStore()
	if redisClient != nil {
		jobStore = queueredis.New(redisClient.Client)
		bucketStore = ratelimitredis.New(redisClient.Client)
	}

	var consentStore consent.Store = consent.NewInMemoryStore()
	var auditStore audit.Store = audit.NewInMemoryStore()
	var auditPgStore *auditpg.Store
	if db != nil {
		consentPgStore := consentpg.New(db)
		auditPgStore = auditpg.New(db)
		ctx := context.Background()
		if err := consentPgStore.EnsureSchema(ctx); err != nil {
			log.Error("applying consent schema", "error", err)
			os.Exit(1)
		}
		if err := auditPgStore.EnsureSchema(ctx); err != nil {
			log.Error("applying audit schema", "error", err)
			os.Exit(1)
		}
		consentStore = consentPgStore
		auditStore = auditPgStore
	}
	requestStore := request.NewInMemoryStore()
	matchStore := matching.NewInMemoryStore()

	q := queue.New(jobStore,
		queue.WithLogger(log),
		queue.WithMetrics(qMetrics),
	)

	ledgerClient := ledger.NewDevClient()

	newBreaker := func(name string) *circuit.Breaker {
		return circuit.New(name,
			circuit.WithLogger(log),
			circuit.WithOnStateChange(func(n string, _, to circuit.State) {
				open := 0.0
				if to == circuit.StateOpen {
					open = 1.0
				}
				qMetrics.BreakerOpen.WithLabelValues(n).Set(open)
			}),
		)
	}
	// one instance per collaborator, shared by every caller of that
	// collaborator
	ledgerBreaker := newBreaker("ledger")

	auditor := audit.NewPublisher(auditStore)
	machine := consent.NewStateMachine(auditor, consent.WithLogger(log))
	consents := consentService.New(consentStore, machine, q,
		consentService.WithLogger(log),
		consentService.WithMetrics(appMetrics),
		consentService.WithLedger(ledgerClient, ledgerBreaker),
	)

	limits := ratelimit.NewService(bucketStore,
		ratelimit.WithLogger(log),
		ratelimit.WithMetrics(rlMetrics),
		ratelimit.WithDisabled(cfg.RateLimitDisable),
	)

	opsEvents := make(chan audit.Event, 256)
	handlers := jobs.New(jobs.Config{
		Consents:       consentStore,
		Machine:        machine,
		Requests:       requestStore,
		Matches:        matchStore,
		Engine:         matching.NewEngine(),
		Records:        fhir.NewDevSource(),
		Queue:          q,
		Ledger:         ledgerClient,
		LedgerBreaker:  ledgerBreaker,
		FHIRBreaker:    newBreaker("fhir"),
		Payments:       payment.NewDevGateway(),
		PaymentBreaker: newBreaker("payment"),
		Notifier:       notify.NewDevSender(),
		NotifyBreaker:  newBreaker("notify"),
		Validation:     compliance.NewValidationHealth(),
		Logger:         log,
	})

	pool := queue.NewPool(q,
		queue.WithPoolSize(cfg.QueueWorkers),
		queue.WithPoolLogger(log),
		queue.WithPoolMetrics(qMetrics),
		queue.WithOpsAudit(opsEvents),
	)
	handlers.Register(pool)

	scheduler := queue.NewScheduler(q, queue.WithSchedulerLogger(log))
	scheduler.AddTask("expire-matches", func(ctx context.Context) error {
		_, err := matchStore.DeleteExpired(ctx, time.Now())
		return err
	})
	scheduler.AddTask("expire-consents", func(ctx context.Context) error {
		return expireConsents(ctx, consentStore, machine)
	})
	scheduler.AddTask("expire-requests", func(ctx context.Context) error {
		return expireRequests(ctx, requestStore)
	})

	health := map[string]httptransport.HealthCheck{}
	if redisClient != nil {
		health["redis"] = redisClient.Health
	}
	if db != nil {
		health["postgres"] = db.PingContext
	}

	server := httptransport.NewServer(httptransport.Config{
		Consents: consents,
		Requests: requestStore,
		Matches:  matchStore,
		Queue:    q,
		Auth:     httptransport.NewAuthenticator([]byte(cfg.JWTSigningKey)),
		Limits:   limits,
		Health:   health,
		Gatherer: registry,
		Metrics:  appMetrics,
		Logger:   log,
	})
	srv := httpserver.New(cfg.Addr, server.Router())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error {
		return audit.NewWorker(auditStore, opsEvents).Run(ctx)
	})

	// audit outbox publisher: only when both postgres and kafka are wired
	if auditPgStore != nil && len(cfg.Kafka.Brokers) > 0 {
		kafkaClient, err := kgo.NewClient(
			kgo.SeedBrokers(cfg.Kafka.Brokers...),
			kgo.DefaultProduceTopic(cfg.Kafka.AuditTopic),
		)
		if err != nil {
			log.Error("connecting to kafka", "error", err)
			os.Exit(1)
		}
		defer kafkaClient.Close()
		if err := outbox.EnsureTopic(ctx, kafkaClient, cfg.Kafka.AuditTopic); err != nil {
			log.Error("ensuring audit topic", "error", err)
			os.Exit(1)
		}
		publisher := outbox.New(auditPgStore, kafkaClient, cfg.Kafka.AuditTopic, log)
		g.Go(func() error { return publisher.Run(ctx) })
	}

	g.Go(func() error {
		log.Info("listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("shutdown", "error", err)
		os.Exit(1)
	}
	log.Info("stopped")
}

// expireConsents transitions consents whose window has passed. Expiry is
// idempotent so rescanning the same consent is harmless.
func expireConsents(ctx context.Context, store consent.Store, machine *consent.StateMachine) error {
	due, err := store.ListExpiring(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, c := range due {
		if err := machine.Expire(ctx, c, "scheduler"); err != nil {
			return err
		}
		if err := store.Update(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// expireRequests marks data requests past their deadline so matching stops
// picking them up.
func expireRequests(ctx context.Context, store request.Store) error {
	due, err := store.ListExpiring(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, r := range due {
		r.Status = request.StatusExpired
		if err := store.Update(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
