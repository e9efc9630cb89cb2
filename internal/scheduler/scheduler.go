// Package scheduler runs repeating jobs that can be cancelled through the
// ticket returned when they are scheduled.
package scheduler

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Scheduler starts repeating jobs on a clock.
type Scheduler struct {
	clock clockwork.Clock
}

// New creates a scheduler. A nil clock selects the real clock.
func New(clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{clock: clock}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() clockwork.Clock {
	return s.clock
}

// Ticket controls one repeating job.
type Ticket struct {
	interval  time.Duration
	mu        sync.Mutex
	cancelled bool
	stop      chan struct{}
	done      chan struct{}
}

// Every runs fn every interval until the returned ticket is cancelled. Runs
// never overlap: a tick arriving while fn is still running is dropped.
func (s *Scheduler) Every(interval time.Duration, fn func()) *Ticket {
	t := &Ticket{
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	ticker := s.clock.NewTicker(interval)

	go func() {
		defer close(t.done)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.Chan():
				if !t.begin() {
					return
				}
				fn()
			}
		}
	}()
	return t
}

// begin reports whether a run may start. Checked under the same lock as
// Cancel so no run starts once Cancel has returned.
func (t *Ticket) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.cancelled
}

// Interval returns the ticket's period.
func (t *Ticket) Interval() time.Duration {
	return t.interval
}

// Cancel stops future runs. A run already in progress is allowed to finish.
// Cancel is idempotent and safe on a nil ticket.
func (t *Ticket) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	close(t.stop)
}

// Cancelled reports whether Cancel has been called.
func (t *Ticket) Cancelled() bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Wait blocks until the job's goroutine has exited, including any run in
// progress. It only returns after Cancel.
func (t *Ticket) Wait() {
	if t == nil {
		return
	}
	<-t.done
}
