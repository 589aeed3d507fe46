package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthex/pkg/platform/sentinel"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T) (*Queue, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return New(NewInMemoryStore(), WithClock(clock.Now)), clock
}

func TestNewJobID_Deterministic(t *testing.T) {
	a := NewJobID(TypeConsentCreate, "entity-1")
	b := NewJobID(TypeConsentCreate, "entity-1")
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, NewJobID(TypeConsentUpdate, "entity-1"))
	assert.NotEqual(t, a, NewJobID(TypeConsentCreate, "entity-2"))
}

func TestEnqueue_IdempotentWhileInFlight(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := t.Context()

	first, err := q.Enqueue(ctx, EnqueueRequest{
		Type:     TypeConsentCreate,
		EntityID: "consent-1",
		Priority: PriorityHigh,
	})
	require.NoError(t, err)

	second, err := q.Enqueue(ctx, EnqueueRequest{
		Type:     TypeConsentCreate,
		EntityID: "consent-1",
		Priority: PriorityLow,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, PriorityHigh, second.Priority, "existing job returned unchanged")
	assert.Equal(t, first.Metadata.CorrelationID, second.Metadata.CorrelationID)

	counts, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StateWaiting])
}

func TestEnqueue_Defaults(t *testing.T) {
	q, _ := newTestQueue(t)

	job, err := q.Enqueue(t.Context(), EnqueueRequest{
		Type:     TypeTransaction,
		EntityID: "tx-1",
	})
	require.NoError(t, err)

	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, PriorityMedium, job.Priority)
	assert.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
	assert.Equal(t, BackoffExponential, job.Backoff.Kind)
	assert.Equal(t, 5*time.Second, job.Backoff.Delay)
	assert.NotEmpty(t, job.Metadata.CorrelationID)
}

func TestEnqueue_RejectsUnknownType(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(t.Context(), EnqueueRequest{Type: "REINDEX", EntityID: "x"})
	assert.Error(t, err)

	_, err = q.Enqueue(t.Context(), EnqueueRequest{Type: TypeMatch})
	assert.Error(t, err)
}

func TestClaim_PriorityThenFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := t.Context()

	enqueue := func(typ Type, entity string, p Priority) {
		_, err := q.Enqueue(ctx, EnqueueRequest{Type: typ, EntityID: entity, Priority: p})
		require.NoError(t, err)
	}
	enqueue(TypeNotification, "n-1", PriorityLow)
	enqueue(TypeConsentCreate, "c-1", PriorityHigh)
	enqueue(TypeMatch, "m-1", PriorityMedium)
	enqueue(TypeConsentRevoke, "c-2", PriorityHigh)

	var order []string
	for i := 0; i < 4; i++ {
		job, err := q.claim(ctx)
		require.NoError(t, err)
		order = append(order, job.EntityID)
	}
	assert.Equal(t, []string{"c-1", "c-2", "m-1", "n-1"}, order)

	_, err := q.claim(ctx)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestRemove(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := t.Context()

	running, err := q.Enqueue(ctx, EnqueueRequest{Type: TypeMatch, EntityID: "m-1"})
	require.NoError(t, err)
	pending, err := q.Enqueue(ctx, EnqueueRequest{Type: TypeMatch, EntityID: "m-2"})
	require.NoError(t, err)

	claimed, err := q.claim(ctx)
	require.NoError(t, err)
	require.Equal(t, running.ID, claimed.ID, "m-1 enqueued first")

	assert.ErrorIs(t, q.Remove(ctx, running.ID), sentinel.ErrInvalidState,
		"running jobs cannot be cancelled")
	assert.NoError(t, q.Remove(ctx, pending.ID))
	assert.ErrorIs(t, q.Remove(ctx, pending.ID), sentinel.ErrNotFound)
}

func TestStatus(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := t.Context()

	job, err := q.Enqueue(ctx, EnqueueRequest{Type: TypeMatch, EntityID: "m-1"})
	require.NoError(t, err)

	status, err := q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, status.State)
	assert.Zero(t, status.Progress)

	_, err = q.claim(ctx)
	require.NoError(t, err)
	status, err = q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, status.State)
	assert.Equal(t, 0.5, status.Progress)

	_, err = q.Status(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestPauseResume(t *testing.T) {
	q, _ := newTestQueue(t)

	assert.False(t, q.Paused())
	q.Pause()
	assert.True(t, q.Paused())
	q.Pause()
	assert.True(t, q.Paused())
	q.Resume()
	assert.False(t, q.Paused())
}

func TestBackoff_NextDelay(t *testing.T) {
	exp := Backoff{Kind: BackoffExponential, Delay: 5 * time.Second}
	assert.Equal(t, 5*time.Second, exp.NextDelay(1))
	assert.Equal(t, 10*time.Second, exp.NextDelay(2))
	assert.Equal(t, 20*time.Second, exp.NextDelay(3))
	assert.Equal(t, 5*time.Minute, exp.NextDelay(20), "capped")

	fixed := Backoff{Kind: BackoffFixed, Delay: 30 * time.Second}
	assert.Equal(t, 30*time.Second, fixed.NextDelay(1))
	assert.Equal(t, 30*time.Second, fixed.NextDelay(5))
}

func TestPromoteDelayed_InRunAtOrder(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := t.Context()
	store := q.store.(*InMemoryStore)

	late, err := q.Enqueue(ctx, EnqueueRequest{Type: TypeMatch, EntityID: "m-late"})
	require.NoError(t, err)
	early, err := q.Enqueue(ctx, EnqueueRequest{Type: TypeMatch, EntityID: "m-early"})
	require.NoError(t, err)

	for id, runAt := range map[string]time.Time{
		late.ID:  clock.Now().Add(2 * time.Second),
		early.ID: clock.Now().Add(time.Second),
	} {
		job, err := store.Get(ctx, id)
		require.NoError(t, err)
		job.State = StateDelayed
		job.RunAt = runAt
		require.NoError(t, store.Update(ctx, job))
	}

	promoted, err := store.PromoteDelayed(ctx, clock.Now())
	require.NoError(t, err)
	assert.Zero(t, promoted, "nothing due yet")

	clock.Advance(3 * time.Second)
	promoted, err = store.PromoteDelayed(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, promoted)

	first, err := q.claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m-early", first.EntityID, "earlier run-at claims first")
}

func TestRecoverActive(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := t.Context()

	job, err := q.Enqueue(ctx, EnqueueRequest{Type: TypeConsentCreate, EntityID: "c-1"})
	require.NoError(t, err)
	_, err = q.claim(ctx)
	require.NoError(t, err)

	n, err := q.store.RecoverActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reclaimed, err := q.claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, reclaimed.ID)
}

func TestPurgeTerminal_Retention(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := t.Context()
	store := q.store.(*InMemoryStore)

	finish := func(typ Type, entity string, state State) string {
		job, err := q.Enqueue(ctx, EnqueueRequest{Type: typ, EntityID: entity})
		require.NoError(t, err)
		stored, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		stored.State = state
		stored.FinishedAt = clock.Now()
		require.NoError(t, store.Update(ctx, stored))
		return job.ID
	}
	notificationID := finish(TypeNotification, "n-1", StateFailed)
	consentID := finish(TypeConsentRevoke, "c-1", StateFailed)
	completedID := finish(TypeMatch, "m-1", StateCompleted)

	clock.Advance(25 * time.Hour)
	purged, err := store.PurgeTerminal(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, purged, "only the notification is past retention")
	_, err = store.Get(ctx, notificationID)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	_, err = store.Get(ctx, consentID)
	assert.NoError(t, err)

	clock.Advance(7 * 24 * time.Hour)
	purged, err = store.PurgeTerminal(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, purged)
	_, err = store.Get(ctx, completedID)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestScheduler_TickPromotesAndPurges(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := t.Context()
	store := q.store.(*InMemoryStore)

	job, err := q.Enqueue(ctx, EnqueueRequest{Type: TypeMatch, EntityID: "m-1"})
	require.NoError(t, err)
	stored, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	stored.State = StateDelayed
	stored.RunAt = clock.Now().Add(time.Second)
	require.NoError(t, store.Update(ctx, stored))

	ran := 0
	scheduler := NewScheduler(q, WithSchedulerClock(clock.Now))
	scheduler.AddTask("sweep", func(context.Context) error {
		ran++
		return nil
	})

	clock.Advance(2 * time.Second)
	scheduler.Tick(ctx)

	assert.Equal(t, 1, ran)
	status, err := q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, status.State)
}
