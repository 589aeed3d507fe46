package request

import (
	"context"
	"sync"
	"time"

	"healthex/pkg/domain"
	"healthex/pkg/platform/sentinel"
)

// Store is the persistence contract for data requests.
type Store interface {
	Save(ctx context.Context, r *DataRequest) error
	Get(ctx context.Context, id domain.RequestID) (*DataRequest, error)
	Update(ctx context.Context, r *DataRequest) error
	ListByCompany(ctx context.Context, companyID domain.CompanyID) ([]*DataRequest, error)
	// ListExpiring returns non-terminal requests past their expiry; the
	// scheduler expires them.
	ListExpiring(ctx context.Context, before time.Time) ([]*DataRequest, error)
}

// InMemoryStore keeps data requests in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	requests map[domain.RequestID]*DataRequest
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{requests: make(map[domain.RequestID]*DataRequest)}
}

func (s *InMemoryStore) Save(_ context.Context, r *DataRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; ok {
		return sentinel.ErrAlreadyExists
	}
	cp := *r
	s.requests[r.ID] = &cp
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id domain.RequestID) (*DataRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *InMemoryStore) Update(_ context.Context, r *DataRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; !ok {
		return sentinel.ErrNotFound
	}
	cp := *r
	s.requests[r.ID] = &cp
	return nil
}

func (s *InMemoryStore) ListByCompany(_ context.Context, companyID domain.CompanyID) ([]*DataRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DataRequest
	for _, r := range s.requests {
		if r.CompanyID == companyID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListExpiring(_ context.Context, before time.Time) ([]*DataRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DataRequest
	for _, r := range s.requests {
		if !r.Status.Terminal() && r.ExpiresAt.Before(before) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}
