package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "healthex/pkg/domain-errors"
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

func TestSlidingWindow_AllowsUpToLimit(t *testing.T) {
	clock := newFakeClock()
	store := NewInMemoryBucketStore(WithClock(clock.Now))
	ctx := t.Context()

	rule := Rule{Name: "test", Limit: 3, Window: time.Minute}
	key := BucketKey("user-1", rule)

	for i := 0; i < 3; i++ {
		result, err := store.Allow(ctx, key, rule.Limit, rule.Window)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, 2-i, result.Remaining)
	}

	result, err := store.Allow(ctx, key, rule.Limit, rule.Window)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Zero(t, result.Remaining)
	assert.Equal(t, clock.Now().Add(time.Minute), result.ResetAt)
}

func TestSlidingWindow_SlidesRatherThanResets(t *testing.T) {
	clock := newFakeClock()
	store := NewInMemoryBucketStore(WithClock(clock.Now))
	ctx := t.Context()

	// two at t=0, one at t=40s
	for i := 0; i < 2; i++ {
		_, err := store.Allow(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
	}
	clock.Advance(40 * time.Second)
	result, err := store.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	require.True(t, result.Allowed)

	// t=50s: still three in window
	clock.Advance(10 * time.Second)
	result, err = store.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	// t=70s: the two from t=0 slid out, the t=40s one remains
	clock.Advance(20 * time.Second)
	result, err = store.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.Remaining)
}

func TestSlidingWindow_BucketsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	store := NewInMemoryBucketStore(WithClock(clock.Now))
	ctx := t.Context()

	rule := RuleLogin
	for i := 0; i < rule.Limit; i++ {
		_, err := store.Allow(ctx, BucketKey("user-1", rule), rule.Limit, rule.Window)
		require.NoError(t, err)
	}
	blocked, err := store.Allow(ctx, BucketKey("user-1", rule), rule.Limit, rule.Window)
	require.NoError(t, err)
	assert.False(t, blocked.Allowed)

	other, err := store.Allow(ctx, BucketKey("user-2", rule), rule.Limit, rule.Window)
	require.NoError(t, err)
	assert.True(t, other.Allowed, "another subject's bucket is unaffected")

	read, err := store.Allow(ctx, BucketKey("user-1", RuleRead), RuleRead.Limit, RuleRead.Window)
	require.NoError(t, err)
	assert.True(t, read.Allowed, "another rule's bucket is unaffected")
}

func TestBucketKey_EscapesDelimiters(t *testing.T) {
	assert.Equal(t, "user_admin:login", BucketKey("user:admin", RuleLogin))
	assert.NotEqual(t, BucketKey("a:b", RuleLogin), BucketKey("a", Rule{Name: "b:login"}))
}

func TestService_DeniesWithRateLimitedCode(t *testing.T) {
	clock := newFakeClock()
	svc := NewService(NewInMemoryBucketStore(WithClock(clock.Now)))
	ctx := t.Context()

	rule := Rule{Name: "write", Limit: 1, Window: time.Minute}
	_, err := svc.Check(ctx, "user-1", rule)
	require.NoError(t, err)

	result, err := svc.Check(ctx, "user-1", rule)
	require.Error(t, err)
	assert.True(t, derrors.HasCode(err, derrors.CodeRateLimited))
	assert.False(t, result.Allowed)
}

func TestService_DisabledAllowsEverything(t *testing.T) {
	svc := NewService(NewInMemoryBucketStore(), WithDisabled(true))

	for i := 0; i < 100; i++ {
		_, err := svc.Check(t.Context(), "user-1", RuleLogin)
		require.NoError(t, err)
	}
}

type failingStore struct{}

func (failingStore) Allow(_ context.Context, _ string, _ int, _ time.Duration) (*Result, error) {
	return nil, assert.AnError
}
func (failingStore) Reset(_ context.Context, _ string) error { return nil }

func TestService_FailsOpenOnStoreError(t *testing.T) {
	svc := NewService(failingStore{})

	result, err := svc.Check(t.Context(), "user-1", RuleWrite)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestMiddleware_DeniesWith429(t *testing.T) {
	clock := newFakeClock()
	svc := NewService(NewInMemoryBucketStore(WithClock(clock.Now)))
	rule := Rule{Name: "write", Limit: 1, Window: time.Minute}

	handler := Middleware(svc, rule, func(*http.Request) string { return "user-1" })(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/consents", nil))
	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/consents", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}
