// Package breaker implements a provider-level circuit breaker. It is
// independent of the engine's content-retry policy: the breaker protects
// against a failing provider, the review escalation rule protects against
// bad drafts.
package breaker

import (
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type Settings struct {
	// FailureThreshold is the number of consecutive failures that trips
	// Closed -> Open.
	FailureThreshold int
	// RecoveryTime is how long the breaker stays Open before probing.
	// Open -> HalfOpen happens lazily on the next state query, not on a
	// background timer.
	RecoveryTime time.Duration
	// HalfOpenRequests is the number of consecutive successes needed to
	// close the breaker again.
	HalfOpenRequests int
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.RecoveryTime <= 0 {
		s.RecoveryTime = 60 * time.Second
	}
	if s.HalfOpenRequests <= 0 {
		s.HalfOpenRequests = 3
	}
	return s
}

// Breaker is shared by every concurrent run that talks to the same provider.
// All counter updates are mutex-guarded.
type Breaker struct {
	mu sync.Mutex

	settings Settings
	now      func() time.Time

	state       State
	failures    int
	successes   int
	lastFailure time.Time
}

func New(s Settings) *Breaker {
	return NewWithClock(s, time.Now)
}

// NewWithClock injects the clock; tests use it to simulate recovery windows.
func NewWithClock(s Settings, now func() time.Time) *Breaker {
	return &Breaker{
		settings: s.withDefaults(),
		now:      now,
		state:    StateClosed,
	}
}

// State returns the current state, applying the lazy Open -> HalfOpen
// transition when the recovery window has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.settings.RecoveryTime {
		b.state = StateHalfOpen
		b.successes = 0
	}
	return b.state
}

// Allow reports whether a provider call may proceed. Only Open rejects;
// HalfOpen lets probe requests through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked() != StateOpen
}

// RecordSuccess notes a successful provider call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.stateLocked() {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.settings.HalfOpenRequests {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	case StateClosed:
		b.failures = 0
	}
}

// RecordFailure notes a failed provider call. A single failure while
// HalfOpen reopens the breaker immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.stateLocked()
	b.lastFailure = b.now()
	switch state {
	case StateHalfOpen:
		b.state = StateOpen
		b.successes = 0
		b.failures = 0
	case StateClosed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.state = StateOpen
			b.failures = 0
		}
	default:
		// Already open; the timestamp update above extends the window.
	}
}

// Reset forces the breaker back to Closed. Administrative use only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
}
