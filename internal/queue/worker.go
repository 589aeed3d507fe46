package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"healthex/internal/audit"
	"healthex/internal/queue/metrics"
	derrors "healthex/pkg/domain-errors"
	"healthex/pkg/platform/sentinel"
)

// HandlerFunc executes one job. The context carries the per-type hard
// timeout. Returned errors are classified by their domain error code:
// validation, compliance, and fatal errors fail the job immediately;
// circuit-open errors reschedule after the breaker's reset timeout;
// everything else retries per the job's backoff policy.
type HandlerFunc func(ctx context.Context, job *Job) error

// Pool runs a fixed number of workers over a Queue. Workers block on the
// queue's wake channel when idle and fall back to polling so delayed
// promotions are picked up even without an enqueue.
type Pool struct {
	queue    *Queue
	handlers map[Type]HandlerFunc
	size     int
	poll     time.Duration

	// circuitRetryDelay spaces out retries after a collaborator breaker
	// rejects a call. Matched to the breakers' reset timeout so the retry
	// lands when the breaker is willing to probe again.
	circuitRetryDelay time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	ops     chan<- audit.Event
	now     func() time.Time
}

type PoolOption func(*Pool)

func WithPoolSize(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.poll = d }
}

func WithCircuitRetryDelay(d time.Duration) PoolOption {
	return func(p *Pool) { p.circuitRetryDelay = d }
}

func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = logger }
}

func WithPoolMetrics(m *metrics.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// WithOpsAudit routes job failure events into the audit mailbox.
func WithOpsAudit(ch chan<- audit.Event) PoolOption {
	return func(p *Pool) { p.ops = ch }
}

func WithPoolClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

func NewPool(q *Queue, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:             q,
		handlers:          make(map[Type]HandlerFunc),
		size:              4,
		poll:              time.Second,
		circuitRetryDelay: 30 * time.Second,
		logger:            slog.Default(),
		tracer:            otel.Tracer("healthex/queue"),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds a handler to a job type. Jobs without a handler fail
// immediately.
func (p *Pool) Register(t Type, h HandlerFunc) {
	p.handlers[t] = h
}

// Run blocks until ctx is cancelled, executing jobs on p.size workers.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		g.Go(func() error {
			return p.work(ctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) work(ctx context.Context) error {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !p.queue.Paused() {
			job, err := p.queue.claim(ctx)
			switch {
			case err == nil:
				p.execute(ctx, job)
				continue
			case errors.Is(err, sentinel.ErrNotFound):
				// idle: fall through and wait
			default:
				p.logger.ErrorContext(ctx, "claiming job", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.queue.wake:
		case <-ticker.C:
		}
	}
}

func (p *Pool) execute(ctx context.Context, job *Job) {
	ctx, span := p.tracer.Start(ctx, "queue.execute",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.type", job.Type.String()),
			attribute.Int("job.attempt", job.Attempts+1),
		))
	defer span.End()

	handler, ok := p.handlers[job.Type]
	if !ok {
		p.fail(ctx, job, derrors.New(derrors.CodeFatal,
			fmt.Sprintf("no handler registered for %s", job.Type)))
		span.SetStatus(codes.Error, "no handler")
		return
	}

	start := p.now()
	runCtx, cancel := context.WithTimeout(ctx, TimeoutFor(job.Type))
	err := handler(runCtx, job)
	cancel()
	elapsed := p.now().Sub(start)

	if errors.Is(err, context.DeadlineExceeded) {
		err = derrors.Wrap(err, derrors.CodeTransient, "job handler timed out")
	}
	if err == nil {
		p.complete(ctx, job, elapsed)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, derrors.CodeOf(err).String())
	p.observe(job.Type, "error", elapsed)

	code := derrors.CodeOf(err)
	switch {
	case code == derrors.CodeCircuitOpen:
		p.reschedule(ctx, job, err, p.circuitRetryDelay)
	case derrors.Retryable(err):
		job.Attempts++
		if job.Attempts <= job.MaxAttempts {
			p.reschedule(ctx, job, err, job.Backoff.NextDelay(job.Attempts))
		} else {
			p.fail(ctx, job, err)
		}
	default:
		// validation, compliance, fatal: retrying cannot help
		p.fail(ctx, job, err)
	}
}

func (p *Pool) complete(ctx context.Context, job *Job, elapsed time.Duration) {
	now := p.now()
	job.State = StateCompleted
	job.UpdatedAt = now
	job.FinishedAt = now
	job.LastError = ""
	if err := p.queue.store.Update(ctx, job); err != nil {
		p.logger.ErrorContext(ctx, "persisting completed job", "job_id", job.ID, "error", err)
		return
	}
	p.observe(job.Type, "ok", elapsed)
	p.count(func(m *metrics.Metrics) {
		m.Completed.WithLabelValues(job.Type.String()).Inc()
	})
	p.logger.InfoContext(ctx, "job completed",
		"job_id", job.ID, "type", job.Type, "attempts", job.Attempts,
		"duration_ms", elapsed.Milliseconds())
}

// reschedule parks the job as DELAYED; the scheduler promotes it when the
// delay elapses.
func (p *Pool) reschedule(ctx context.Context, job *Job, cause error, delay time.Duration) {
	now := p.now()
	job.State = StateDelayed
	job.RunAt = now.Add(delay)
	job.UpdatedAt = now
	job.LastError = sanitizeError(cause, job.Metadata.CorrelationID)
	if err := p.queue.store.Update(ctx, job); err != nil {
		p.logger.ErrorContext(ctx, "persisting delayed job", "job_id", job.ID, "error", err)
		return
	}
	p.count(func(m *metrics.Metrics) {
		m.Retried.WithLabelValues(job.Type.String()).Inc()
	})
	p.logger.WarnContext(ctx, "job rescheduled",
		"job_id", job.ID,
		"type", job.Type,
		"attempts", job.Attempts,
		"delay_ms", delay.Milliseconds(),
		"code", derrors.CodeOf(cause))
}

func (p *Pool) fail(ctx context.Context, job *Job, cause error) {
	now := p.now()
	job.State = StateFailed
	job.UpdatedAt = now
	job.FinishedAt = now
	job.LastError = sanitizeError(cause, job.Metadata.CorrelationID)
	if err := p.queue.store.Update(ctx, job); err != nil {
		p.logger.ErrorContext(ctx, "persisting failed job", "job_id", job.ID, "error", err)
		return
	}
	code := derrors.CodeOf(cause)
	p.count(func(m *metrics.Metrics) {
		m.Failed.WithLabelValues(job.Type.String(), code.String()).Inc()
	})
	p.logger.ErrorContext(ctx, "job failed",
		"job_id", job.ID,
		"type", job.Type,
		"attempts", job.Attempts,
		"code", code,
		"correlation_id", job.Metadata.CorrelationID)

	if p.ops != nil {
		event := audit.JobFailure(job.ID, job.Metadata.CorrelationID, cause.Error())
		event.Timestamp = now
		select {
		case p.ops <- event:
		default:
			p.logger.WarnContext(ctx, "audit mailbox full, dropping ops event", "job_id", job.ID)
		}
	}
}

// sanitizeError keeps collaborator internals out of job records: only the
// error code and correlation id are stored.
func sanitizeError(err error, correlationID string) string {
	return fmt.Sprintf("%s (correlation_id=%s)", derrors.CodeOf(err), correlationID)
}

func (p *Pool) observe(t Type, outcome string, elapsed time.Duration) {
	p.count(func(m *metrics.Metrics) {
		m.Duration.WithLabelValues(t.String(), outcome).Observe(elapsed.Seconds())
	})
}

func (p *Pool) count(fn func(*metrics.Metrics)) {
	if p.metrics != nil {
		fn(p.metrics)
	}
}
