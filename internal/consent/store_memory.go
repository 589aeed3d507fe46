package consent

import (
	"context"
	"sync"
	"time"

	"healthex/pkg/domain"
	"healthex/pkg/platform/sentinel"
)

// InMemoryStore keeps consents in process memory. Used in tests and when no
// Postgres is configured.
type InMemoryStore struct {
	mu       sync.RWMutex
	consents map[domain.ConsentID]*Consent
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{consents: make(map[domain.ConsentID]*Consent)}
}

func (s *InMemoryStore) Save(_ context.Context, c *Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.consents[c.ID]; ok {
		return sentinel.ErrAlreadyExists
	}
	s.consents[c.ID] = clone(c)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id domain.ConsentID) (*Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consents[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(c), nil
}

func (s *InMemoryStore) Update(_ context.Context, c *Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.consents[c.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.consents[c.ID] = clone(c)
	return nil
}

func (s *InMemoryStore) ListByUser(_ context.Context, userID domain.UserID) ([]*Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Consent
	for _, c := range s.consents {
		if c.UserID == userID {
			out = append(out, clone(c))
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListByRequest(_ context.Context, requestID domain.RequestID) ([]*Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Consent
	for _, c := range s.consents {
		if c.RequestID == requestID {
			out = append(out, clone(c))
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListExpiring(_ context.Context, before time.Time) ([]*Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Consent
	for _, c := range s.consents {
		if !c.Status.Terminal() && c.ValidTo.Before(before) {
			out = append(out, clone(c))
		}
	}
	return out, nil
}

// clone copies a consent so callers cannot mutate stored state in place.
func clone(c *Consent) *Consent {
	cp := *c
	cp.Permissions.ResourceTypes = append([]string(nil), c.Permissions.ResourceTypes...)
	cp.Permissions.DataElements = append([]string(nil), c.Permissions.DataElements...)
	if c.Permissions.Constraints != nil {
		cp.Permissions.Constraints = make(map[string]string, len(c.Permissions.Constraints))
		for k, v := range c.Permissions.Constraints {
			cp.Permissions.Constraints[k] = v
		}
	}
	return &cp
}
