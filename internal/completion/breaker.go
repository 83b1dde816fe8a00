package completion

import (
	"sync"
	"time"
)

// breaker is a consecutive-failure circuit breaker with exponential cooldown:
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
type breaker struct {
	mu sync.Mutex

	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration

	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func newBreaker(trip int, base, maxDelay, resetAfter time.Duration) *breaker {
	if trip == 0 {
		trip = 5
	}
	if trip < 0 {
		return nil
	}
	if base <= 0 {
		base = 5 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 2 * time.Minute
	}
	if resetAfter <= 0 {
		resetAfter = 5 * time.Minute
	}
	return &breaker{trip: trip, baseDelay: base, maxDelay: maxDelay, resetAfter: resetAfter}
}

// open reports whether calls must be refused at now. A nil breaker never opens.
func (b *breaker) open(now time.Time) (bool, time.Time) {
	if b == nil {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetLocked(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

func (b *breaker) record(now time.Time, err error) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetLocked(now)

	if err == nil {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}

	b.fails++
	b.lastFailure = now
	if b.fails < b.trip {
		return
	}

	d := b.baseDelay
	for i := 0; i < b.fails-b.trip; i++ {
		d *= 2
		if d >= b.maxDelay {
			break
		}
	}
	if d > b.maxDelay {
		d = b.maxDelay
	}
	b.openUntil = now.Add(d)
}

// maybeResetLocked forgets failures when the last one is old enough.
func (b *breaker) maybeResetLocked(now time.Time) {
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.resetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}
