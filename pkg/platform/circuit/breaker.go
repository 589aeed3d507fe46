// Package circuit guards calls to external collaborators (ledger, payment
// gateway, FHIR validator, notification dispatcher).
//
// Each collaborator gets its own Breaker instance so an outage in one does
// not trip the others. A breaker is CLOSED (calls pass, outcomes counted),
// OPEN (calls fail fast), or HALF_OPEN (after the reset timeout, exactly one
// trial call decides whether to close or re-open).
package circuit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	derrors "healthex/pkg/domain-errors"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

type outcome struct {
	at      time.Time
	failure bool
}

// Breaker implements a rolling-window failure-rate circuit breaker.
// State transitions require the lock; concurrent workers observe
// compare-and-set semantics on CLOSED->OPEN and HALF_OPEN->{CLOSED,OPEN}.
type Breaker struct {
	name string

	mu       sync.Mutex
	state    State
	window   []outcome
	openedAt time.Time
	trialing bool
	trialOK  int

	windowSize       time.Duration
	failureRate      float64
	minRequests      int
	successThreshold int
	resetTimeout     time.Duration

	now           func() time.Time
	logger        *slog.Logger
	onStateChange func(name string, from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithWindow sets the rolling window over which the failure rate is computed.
func WithWindow(d time.Duration) Option {
	return func(b *Breaker) { b.windowSize = d }
}

// WithFailureRate sets the failure rate that opens the circuit (default 0.5).
func WithFailureRate(rate float64) Option {
	return func(b *Breaker) { b.failureRate = rate }
}

// WithMinRequests sets the minimum samples in the window before the rate is
// evaluated, so a single early failure cannot trip the breaker.
func WithMinRequests(n int) Option {
	return func(b *Breaker) { b.minRequests = n }
}

// WithSuccessThreshold sets how many half-open trial successes close the
// circuit (default 1).
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) { b.successThreshold = n }
}

// WithResetTimeout sets how long the circuit stays open before admitting a
// half-open trial call.
func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) { b.resetTimeout = d }
}

// WithLogger sets a logger for state transition events.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) { b.logger = logger }
}

// WithOnStateChange registers a callback invoked on every state transition,
// used to keep the breaker state gauge current.
func WithOnStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// New creates a breaker named after the collaborator it guards.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		state:            StateClosed,
		windowSize:       time.Minute,
		failureRate:      0.5,
		minRequests:      10,
		successThreshold: 1,
		resetTimeout:     30 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the collaborator name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, accounting for reset timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// IsOpen reports whether calls would currently fail fast.
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// ResetTimeout returns the configured open->half-open delay. The job runtime
// uses it to reschedule circuit-rejected jobs after the breaker may recover.
func (b *Breaker) ResetTimeout() time.Duration { return b.resetTimeout }

// Allow reports whether a call may proceed. It returns a CodeCircuitOpen
// error when the circuit is open, or when a half-open trial is already in
// flight (only one trial call is admitted per reset interval).
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.trialing {
			return derrors.Newf(derrors.CodeCircuitOpen, "circuit %s half-open, trial in flight", b.name)
		}
		b.trialing = true
		return nil
	default:
		return derrors.Newf(derrors.CodeCircuitOpen, "circuit %s open", b.name)
	}
}

// RecordSuccess records a successful collaborator call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.trialing = false
		b.trialOK++
		if b.trialOK >= b.successThreshold {
			b.transition(StateClosed)
			b.window = nil
		}
	case StateClosed:
		b.observe(false)
	}
}

// RecordFailure records a failed collaborator call, opening the circuit when
// the failure rate over the rolling window crosses the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.trialing = false
		b.transition(StateOpen)
		b.openedAt = b.now()
	case StateClosed:
		b.observe(true)
		total, failures := b.tally()
		if total >= b.minRequests && float64(failures)/float64(total) >= b.failureRate {
			b.transition(StateOpen)
			b.openedAt = b.now()
		}
	}
}

// Do runs fn through the breaker: fail fast when open, otherwise record the
// outcome. Context cancellation counts as a failure since the collaborator
// did not complete the call.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Reset force-closes the circuit and clears the window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
	b.window = nil
	b.trialing = false
	b.trialOK = 0
}

// maybeHalfOpen moves OPEN to HALF_OPEN once the reset timeout has elapsed.
// Caller must hold the lock.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		b.transition(StateHalfOpen)
		b.trialing = false
		b.trialOK = 0
	}
}

// observe appends an outcome and evicts samples older than the window.
// Caller must hold the lock.
func (b *Breaker) observe(failure bool) {
	now := b.now()
	b.window = append(b.window, outcome{at: now, failure: failure})
	cutoff := now.Add(-b.windowSize)
	i := 0
	for ; i < len(b.window); i++ {
		if b.window[i].at.After(cutoff) {
			break
		}
	}
	b.window = b.window[i:]
}

func (b *Breaker) tally() (total, failures int) {
	for _, o := range b.window {
		total++
		if o.failure {
			failures++
		}
	}
	return total, failures
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.logger != nil {
		b.logger.Info("circuit state change",
			"circuit", b.name,
			"from", string(from),
			"to", string(to),
		)
	}
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
