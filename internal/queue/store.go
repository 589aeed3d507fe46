package queue

import (
	"context"
	"time"
)

// Store persists jobs and enforces the queue's state discipline. Claiming is
// compare-and-set: two racing workers never claim the same WAITING job.
type Store interface {
	// Enqueue inserts the job unless one with the same id is already
	// WAITING, ACTIVE, or DELAYED, in which case the existing job is
	// returned with inserted=false. A terminal job under the same id is
	// replaced.
	Enqueue(ctx context.Context, job *Job) (existing *Job, inserted bool, err error)

	// Get returns the job by id or sentinel.ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// Claim atomically moves the oldest WAITING job of the highest
	// occupied priority tier to ACTIVE and returns it. Returns
	// sentinel.ErrNotFound when nothing is runnable.
	Claim(ctx context.Context, now time.Time) (*Job, error)

	// Update rewrites a claimed job's record (state, attempts, timestamps).
	Update(ctx context.Context, job *Job) error

	// Remove deletes a WAITING or DELAYED job. Removing an ACTIVE job
	// returns sentinel.ErrInvalidState; terminal and unknown jobs return
	// sentinel.ErrNotFound.
	Remove(ctx context.Context, id string) error

	// PromoteDelayed moves DELAYED jobs whose RunAt has passed back to
	// WAITING and returns how many were promoted.
	PromoteDelayed(ctx context.Context, now time.Time) (int, error)

	// RecoverActive requeues every ACTIVE job as WAITING. Called once at
	// startup so work interrupted by a crash is not lost.
	RecoverActive(ctx context.Context) (int, error)

	// PurgeTerminal deletes COMPLETED and FAILED jobs older than their
	// type's retention window and returns how many were deleted.
	PurgeTerminal(ctx context.Context, now time.Time) (int, error)

	// CountByState returns the number of stored jobs per state.
	CountByState(ctx context.Context) (map[State]int, error)
}
