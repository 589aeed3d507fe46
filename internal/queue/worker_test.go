package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthex/internal/audit"
	derrors "healthex/pkg/domain-errors"
)

func newTestPool(t *testing.T, q *Queue, clock *fakeClock, opts ...PoolOption) *Pool {
	t.Helper()
	opts = append([]PoolOption{WithPoolClock(clock.Now)}, opts...)
	return NewPool(q, opts...)
}

// runOnce claims the next job and executes it synchronously.
func runOnce(t *testing.T, q *Queue, p *Pool) *Job {
	t.Helper()
	job, err := q.claim(t.Context())
	require.NoError(t, err)
	p.execute(t.Context(), job)
	stored, err := q.store.Get(t.Context(), job.ID)
	require.NoError(t, err)
	return stored
}

func TestExecute_Success(t *testing.T) {
	q, clock := newTestQueue(t)
	pool := newTestPool(t, q, clock)

	var handled *Job
	pool.Register(TypeConsentCreate, func(_ context.Context, job *Job) error {
		handled = job
		return nil
	})

	_, err := q.Enqueue(t.Context(), EnqueueRequest{Type: TypeConsentCreate, EntityID: "c-1"})
	require.NoError(t, err)

	stored := runOnce(t, q, pool)
	require.NotNil(t, handled)
	assert.Equal(t, "c-1", handled.EntityID)
	assert.Equal(t, StateCompleted, stored.State)
	assert.Equal(t, clock.Now(), stored.FinishedAt)
	assert.Empty(t, stored.LastError)
}

func TestExecute_ValidationErrorFailsWithoutRetry(t *testing.T) {
	q, clock := newTestQueue(t)
	pool := newTestPool(t, q, clock)

	calls := 0
	pool.Register(TypeConsentCreate, func(context.Context, *Job) error {
		calls++
		return derrors.New(derrors.CodeValidation, "missing resource types")
	})

	_, err := q.Enqueue(t.Context(), EnqueueRequest{Type: TypeConsentCreate, EntityID: "c-1"})
	require.NoError(t, err)

	stored := runOnce(t, q, pool)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateFailed, stored.State)
	assert.Contains(t, stored.LastError, "validation_error")
	assert.Contains(t, stored.LastError, stored.Metadata.CorrelationID)
	assert.NotContains(t, stored.LastError, "missing resource types",
		"failure detail stays out of the job record")
}

func TestExecute_FatalErrorFailsWithoutRetry(t *testing.T) {
	q, clock := newTestQueue(t)
	pool := newTestPool(t, q, clock)
	pool.Register(TypeTransaction, func(context.Context, *Job) error {
		return derrors.New(derrors.CodeFatal, "entity id does not match payload")
	})

	_, err := q.Enqueue(t.Context(), EnqueueRequest{Type: TypeTransaction, EntityID: "tx-1"})
	require.NoError(t, err)

	stored := runOnce(t, q, pool)
	assert.Equal(t, StateFailed, stored.State)
}

func TestExecute_TransientRetriesWithExponentialBackoff(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := t.Context()
	pool := newTestPool(t, q, clock)
	pool.Register(TypeTransaction, func(context.Context, *Job) error {
		return derrors.New(derrors.CodeTransient, "payment gateway 503")
	})

	_, err := q.Enqueue(ctx, EnqueueRequest{
		Type:        TypeTransaction,
		EntityID:    "tx-1",
		MaxAttempts: 3,
		Backoff:     &Backoff{Kind: BackoffExponential, Delay: 5 * time.Second},
	})
	require.NoError(t, err)

	for _, wantDelay := range []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second} {
		before := clock.Now()
		stored := runOnce(t, q, pool)
		require.Equal(t, StateDelayed, stored.State)
		assert.Equal(t, before.Add(wantDelay), stored.RunAt)

		clock.Advance(wantDelay + time.Second)
		promoted, err := q.store.PromoteDelayed(ctx, clock.Now())
		require.NoError(t, err)
		require.Equal(t, 1, promoted)
	}

	// retry budget exhausted: the next failure is terminal
	stored := runOnce(t, q, pool)
	assert.Equal(t, StateFailed, stored.State)
	assert.Equal(t, 4, stored.Attempts)

	_, err = q.claim(ctx)
	assert.Error(t, err, "a failed job is never claimed again")
}

func TestExecute_CircuitOpenReschedulesAfterResetTimeout(t *testing.T) {
	q, clock := newTestQueue(t)
	pool := newTestPool(t, q, clock, WithCircuitRetryDelay(45*time.Second))
	pool.Register(TypeNotification, func(context.Context, *Job) error {
		return derrors.New(derrors.CodeCircuitOpen, "notifier circuit open")
	})

	_, err := q.Enqueue(t.Context(), EnqueueRequest{Type: TypeNotification, EntityID: "n-1"})
	require.NoError(t, err)

	before := clock.Now()
	stored := runOnce(t, q, pool)
	assert.Equal(t, StateDelayed, stored.State)
	assert.Equal(t, before.Add(45*time.Second), stored.RunAt,
		"delay follows the breaker reset timeout, not the backoff policy")
	assert.Zero(t, stored.Attempts, "a fast-failed call does not consume the retry budget")
}

func TestExecute_DeadlineTreatedAsTransient(t *testing.T) {
	q, clock := newTestQueue(t)
	pool := newTestPool(t, q, clock)
	pool.Register(TypeMatch, func(context.Context, *Job) error {
		return context.DeadlineExceeded
	})

	_, err := q.Enqueue(t.Context(), EnqueueRequest{Type: TypeMatch, EntityID: "m-1"})
	require.NoError(t, err)

	stored := runOnce(t, q, pool)
	assert.Equal(t, StateDelayed, stored.State)
	assert.Equal(t, 1, stored.Attempts)
}

func TestExecute_NoHandlerFailsImmediately(t *testing.T) {
	q, clock := newTestQueue(t)
	pool := newTestPool(t, q, clock)

	_, err := q.Enqueue(t.Context(), EnqueueRequest{Type: TypeMatch, EntityID: "m-1"})
	require.NoError(t, err)

	stored := runOnce(t, q, pool)
	assert.Equal(t, StateFailed, stored.State)
	assert.Contains(t, stored.LastError, "fatal_error")
}

func TestExecute_FailureEmitsOpsAuditEvent(t *testing.T) {
	q, clock := newTestQueue(t)
	ops := make(chan audit.Event, 1)
	pool := newTestPool(t, q, clock, WithOpsAudit(ops))
	pool.Register(TypeConsentRevoke, func(context.Context, *Job) error {
		return derrors.New(derrors.CodeFatal, "revocation ledger mismatch")
	})

	job, err := q.Enqueue(t.Context(), EnqueueRequest{Type: TypeConsentRevoke, EntityID: "c-1"})
	require.NoError(t, err)

	runOnce(t, q, pool)

	select {
	case event := <-ops:
		assert.Equal(t, audit.CategoryOps, event.Category)
		assert.Equal(t, "job_failed", event.Action)
		assert.Equal(t, job.ID, event.EntityID)
		assert.Equal(t, job.Metadata.CorrelationID, event.CorrelationID)
		assert.Contains(t, event.Reason, "revocation ledger mismatch",
			"the audit log keeps the full reason")
	default:
		t.Fatal("expected an ops audit event")
	}
}

func TestPool_RunDrainsQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	done := make(chan string, 3)
	pool := NewPool(q, WithPoolSize(2), WithPollInterval(5*time.Millisecond))
	pool.Register(TypeNotification, func(_ context.Context, job *Job) error {
		done <- job.EntityID
		return nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	for _, entity := range []string{"n-1", "n-2", "n-3"} {
		_, err := q.Enqueue(ctx, EnqueueRequest{Type: TypeNotification, EntityID: entity})
		require.NoError(t, err)
	}

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		select {
		case entity := <-done:
			seen[entity] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for jobs to run")
		}
	}
	assert.Len(t, seen, 3)

	cancel()
	assert.NoError(t, <-errCh)
}
