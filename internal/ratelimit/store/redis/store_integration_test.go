//go:build integration

package redis_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	ratelimitredis "healthex/internal/ratelimit/store/redis"
	"healthex/pkg/testutil/containers"
)

type StoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *ratelimitredis.Store
}

func TestStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.store = ratelimitredis.New(s.redis.Client)
}

func (s *StoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *StoreSuite) TestAllowUpToLimit() {
	ctx := context.Background()

	for i := range 3 {
		res, err := s.store.Allow(ctx, "user-1:read", 3, time.Minute)
		s.Require().NoError(err)
		s.True(res.Allowed, "request %d should be allowed", i+1)
		s.Equal(3-(i+1), res.Remaining)
	}

	res, err := s.store.Allow(ctx, "user-1:read", 3, time.Minute)
	s.Require().NoError(err)
	s.False(res.Allowed)
	s.Zero(res.Remaining)
	s.False(res.ResetAt.IsZero(), "denied result carries the window reset")
}

func (s *StoreSuite) TestWindowSlides() {
	ctx := context.Background()
	const window = 500 * time.Millisecond

	for range 2 {
		res, err := s.store.Allow(ctx, "user-1:login", 2, window)
		s.Require().NoError(err)
		s.Require().True(res.Allowed)
	}
	res, err := s.store.Allow(ctx, "user-1:login", 2, window)
	s.Require().NoError(err)
	s.False(res.Allowed)

	time.Sleep(window + 100*time.Millisecond)

	res, err = s.store.Allow(ctx, "user-1:login", 2, window)
	s.Require().NoError(err)
	s.True(res.Allowed, "old entries fall out of the window")
}

func (s *StoreSuite) TestBucketsAreIndependent() {
	ctx := context.Background()

	for i := range 5 {
		key := fmt.Sprintf("user-%d:write", i)
		res, err := s.store.Allow(ctx, key, 1, time.Minute)
		s.Require().NoError(err)
		s.True(res.Allowed)
	}
}

func (s *StoreSuite) TestReset() {
	ctx := context.Background()

	res, err := s.store.Allow(ctx, "user-1:verify", 1, time.Hour)
	s.Require().NoError(err)
	s.Require().True(res.Allowed)

	res, err = s.store.Allow(ctx, "user-1:verify", 1, time.Hour)
	s.Require().NoError(err)
	s.Require().False(res.Allowed)

	s.Require().NoError(s.store.Reset(ctx, "user-1:verify"))

	res, err = s.store.Allow(ctx, "user-1:verify", 1, time.Hour)
	s.Require().NoError(err)
	s.True(res.Allowed)
}
