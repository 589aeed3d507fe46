package matching

import (
	"context"
	"sync"
	"time"

	"healthex/pkg/domain"
)

// Store persists matches for the downstream consent/payment flow.
type Store interface {
	SaveAll(ctx context.Context, matches []Match) error
	ListByRequest(ctx context.Context, requestID domain.RequestID) ([]Match, error)
	// DeleteExpired removes matches past their expiry and returns how many
	// were purged. Called by the job scheduler.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// InMemoryStore keeps matches in process memory.
type InMemoryStore struct {
	mu      sync.RWMutex
	matches map[domain.MatchID]Match
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{matches: make(map[domain.MatchID]Match)}
}

func (s *InMemoryStore) SaveAll(_ context.Context, matches []Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range matches {
		s.matches[m.ID] = m
	}
	return nil
}

func (s *InMemoryStore) ListByRequest(_ context.Context, requestID domain.RequestID) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Match
	for _, m := range s.matches {
		if m.RequestID == requestID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *InMemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, m := range s.matches {
		if m.Expired(now) {
			delete(s.matches, id)
			purged++
		}
	}
	return purged, nil
}
