// Package breaker skips automatic sync attempts against a provider that keeps
// failing, letting a single trial attempt through once a cooldown has passed.
package breaker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultThreshold is the number of consecutive failures before the breaker opens.
const DefaultThreshold = 3

// DefaultCooldown is how long the breaker stays open before a trial attempt is allowed.
const DefaultCooldown = 30 * time.Second

// State represents the state of a breaker.
type State int

const (
	// Closed is the normal state. Attempts are allowed.
	Closed State = iota
	// Open means the provider is failing. Attempts are skipped.
	Open
	// HalfOpen means the cooldown expired. One trial attempt is allowed.
	HalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker guards automatic attempts against a single provider.
type Breaker struct {
	mu           sync.Mutex
	clock        clockwork.Clock
	threshold    int
	cooldown     time.Duration
	failureCount int
	state        State
	openedAt     time.Time
	lastErr      error
	trial        bool // half-open attempt handed out and not yet reported
}

// New creates a breaker. Non-positive arguments select the defaults.
func New(threshold int, cooldown time.Duration, clock clockwork.Clock) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Breaker{
		clock:     clock,
		threshold: threshold,
		cooldown:  cooldown,
		state:     Closed,
	}
}

// Allow reports whether an attempt should proceed. While half-open only
// the first caller gets true; later callers are refused until that attempt
// is reported with RecordSuccess, RecordFailure or Cancel.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case Open:
		return false
	case HalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
	}
	return true
}

// Cancel returns an allowed attempt that never ran, so a half-open breaker
// hands the trial to the next caller.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.state = Closed
	b.lastErr = nil
	b.trial = false
}

// RecordFailure counts a failed attempt. Reaching the threshold, or failing
// the half-open trial, opens the breaker.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastErr = err
	b.trial = false
	if b.failureCount >= b.threshold || b.stateLocked() == HalfOpen {
		b.state = Open
		b.openedAt = b.clock.Now()
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == Open && b.clock.Since(b.openedAt) >= b.cooldown {
		b.state = HalfOpen
	}
	return b.state
}

// FailureCount returns the current consecutive failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// LastError returns the error of the most recent failure, or nil.
func (b *Breaker) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}
