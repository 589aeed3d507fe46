package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"healthex/internal/queue/metrics"
)

// Queue is the enqueue/inspect surface of the job queue. Execution lives in
// Pool; both share a Store.
type Queue struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	paused  atomic.Bool
	wake    chan struct{}
	now     func() time.Time
}

type Option func(*Queue)

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		logger: slog.Default(),
		wake:   make(chan struct{}, 1),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueRequest describes a job to submit. Zero-value fields fall back to
// the per-type defaults.
type EnqueueRequest struct {
	Type          Type
	EntityID      string
	Payload       any
	Priority      Priority
	MaxAttempts   int
	Backoff       *Backoff
	CorrelationID string
	HIPAARelevant bool
	AuditRequired bool
}

// Enqueue submits a job. If a job for the same {type, entity id} is already
// WAITING, ACTIVE, or DELAYED the existing job is returned unchanged; the
// duplicate submission is not an error.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if !req.Type.IsValid() {
		return nil, fmt.Errorf("unknown job type %q", req.Type)
	}
	if req.EntityID == "" {
		return nil, fmt.Errorf("entity id is required")
	}
	if !req.Priority.IsValid() {
		req.Priority = PriorityMedium
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	backoff := DefaultBackoffFor(req.Type)
	if req.Backoff != nil {
		backoff = *req.Backoff
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	now := q.now()
	job := &Job{
		ID:          NewJobID(req.Type, req.EntityID),
		Type:        req.Type,
		EntityID:    req.EntityID,
		Payload:     payload,
		Priority:    req.Priority,
		State:       StateWaiting,
		MaxAttempts: maxAttempts,
		Backoff:     backoff,
		Metadata: Metadata{
			CorrelationID: correlationID,
			HIPAARelevant: req.HIPAARelevant,
			AuditRequired: req.AuditRequired,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	stored, inserted, err := q.store.Enqueue(ctx, job)
	if err != nil {
		return nil, err
	}
	if !inserted {
		q.count(func(m *metrics.Metrics) {
			m.Deduplicated.WithLabelValues(job.Type.String()).Inc()
		})
		q.logger.DebugContext(ctx, "job already in flight",
			"job_id", stored.ID, "type", stored.Type, "state", stored.State)
		return stored, nil
	}
	q.count(func(m *metrics.Metrics) {
		m.Enqueued.WithLabelValues(job.Type.String(), job.Priority.String()).Inc()
	})
	q.logger.InfoContext(ctx, "job enqueued",
		"job_id", stored.ID,
		"type", stored.Type,
		"priority", stored.Priority,
		"correlation_id", stored.Metadata.CorrelationID)
	q.signal()
	return stored, nil
}

// Remove cancels a job that has not started running. ACTIVE jobs cannot be
// cancelled; terminal jobs report not found.
func (q *Queue) Remove(ctx context.Context, id string) error {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := q.store.Remove(ctx, id); err != nil {
		return err
	}
	q.count(func(m *metrics.Metrics) {
		m.Removed.WithLabelValues(job.Type.String()).Inc()
	})
	q.logger.InfoContext(ctx, "job removed", "job_id", id, "type", job.Type)
	return nil
}

// Status reports a job's state, attempts, and coarse progress.
type Status struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	State     State     `json:"state"`
	Attempts  int       `json:"attempts"`
	Progress  float64   `json:"progress"`
	LastError string    `json:"last_error,omitempty"`
	RunAt     time.Time `json:"run_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status returns the current status of a job by id.
func (q *Queue) Status(ctx context.Context, id string) (Status, error) {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return Status{
		ID:        job.ID,
		Type:      job.Type,
		State:     job.State,
		Attempts:  job.Attempts,
		Progress:  progressFor(job.State),
		LastError: job.LastError,
		RunAt:     job.RunAt,
		UpdatedAt: job.UpdatedAt,
	}, nil
}

func progressFor(s State) float64 {
	switch s {
	case StateActive:
		return 0.5
	case StateCompleted:
		return 1.0
	default:
		return 0.0
	}
}

// Pause stops workers from claiming new jobs. Jobs already ACTIVE run to
// completion.
func (q *Queue) Pause() {
	if q.paused.CompareAndSwap(false, true) {
		q.logger.Info("queue paused")
	}
}

// Resume lets workers claim jobs again.
func (q *Queue) Resume() {
	if q.paused.CompareAndSwap(true, false) {
		q.logger.Info("queue resumed")
		q.signal()
	}
}

// Paused reports whether claiming is suspended.
func (q *Queue) Paused() bool { return q.paused.Load() }

// Depths returns the number of stored jobs per state and refreshes the
// depth gauges.
func (q *Queue) Depths(ctx context.Context) (map[State]int, error) {
	counts, err := q.store.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	q.count(func(m *metrics.Metrics) {
		for _, s := range []State{StateWaiting, StateActive, StateCompleted, StateFailed, StateDelayed} {
			m.Depth.WithLabelValues(s.String()).Set(float64(counts[s]))
		}
	})
	return counts, nil
}

// claim hands the next runnable job to a worker, or sentinel.ErrNotFound.
func (q *Queue) claim(ctx context.Context) (*Job, error) {
	return q.store.Claim(ctx, q.now())
}

// signal nudges one idle worker. Lossy by construction: a full buffer means
// a wakeup is already pending.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) count(fn func(*metrics.Metrics)) {
	if q.metrics != nil {
		fn(q.metrics)
	}
}
