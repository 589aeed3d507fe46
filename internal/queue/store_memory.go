package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"healthex/pkg/platform/sentinel"
)

// InMemoryStore is the process-local Store used in tests and single-node
// deployments.
type InMemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	seq  uint64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{jobs: make(map[string]*Job)}
}

func (s *InMemoryStore) Enqueue(_ context.Context, job *Job) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[job.ID]; ok && existing.State.InFlight() {
		return cloneJob(existing), false, nil
	}
	s.seq++
	j := cloneJob(job)
	j.Seq = s.seq
	s.jobs[j.ID] = j
	return cloneJob(j), true, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *InMemoryStore) Claim(_ context.Context, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Job
	for _, j := range s.jobs {
		if j.State != StateWaiting {
			continue
		}
		if best == nil || claimBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, sentinel.ErrNotFound
	}
	best.State = StateActive
	best.UpdatedAt = now
	return cloneJob(best), nil
}

// claimBefore orders a ahead of b: higher priority first, then FIFO.
func claimBefore(a, b *Job) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() < b.Priority.Rank()
	}
	return a.Seq < b.Seq
}

func (s *InMemoryStore) Update(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *InMemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	switch j.State {
	case StateWaiting, StateDelayed:
		delete(s.jobs, id)
		return nil
	case StateActive:
		return sentinel.ErrInvalidState
	default:
		return sentinel.ErrNotFound
	}
}

func (s *InMemoryStore) PromoteDelayed(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*Job, 0)
	for _, j := range s.jobs {
		if j.State == StateDelayed && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	// Promote in RunAt order so earlier-due jobs keep their head start.
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	for _, j := range due {
		s.seq++
		j.Seq = s.seq
		j.State = StateWaiting
		j.RunAt = time.Time{}
		j.UpdatedAt = now
	}
	return len(due), nil
}

func (s *InMemoryStore) RecoverActive(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.State == StateActive {
			j.State = StateWaiting
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) PurgeTerminal(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, j := range s.jobs {
		if j.State != StateCompleted && j.State != StateFailed {
			continue
		}
		if now.Sub(j.FinishedAt) >= RetentionFor(j.Type) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) CountByState(_ context.Context) (map[State]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[State]int)
	for _, j := range s.jobs {
		counts[j.State]++
	}
	return counts, nil
}

func cloneJob(j *Job) *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append([]byte(nil), j.Payload...)
	}
	return &c
}
