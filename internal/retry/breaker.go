package retry

import (
	"time"

	"github.com/MrWong99/voicewire/internal/fault"
)

// BreakerState represents the current operating mode of a per-domain breaker.
type BreakerState int

const (
	// StateClosed is the normal operating state — calls are forwarded.
	StateClosed BreakerState = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected until
	// the cooldown elapses.
	StateOpen

	// StateHalfOpen is the probe state after the cooldown. The next failure
	// re-opens immediately.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker is the mutable per-domain breaker state. It is owned by the
// [Executor] and only touched under the executor's lock, which makes breaker
// updates atomic with respect to any single Execute call.
type breaker struct {
	state         BreakerState
	failureCount  int
	threshold     int
	cooldown      time.Duration
	openedAt      time.Time
	lastAttemptAt time.Time
}

// thresholdFor derives the trip threshold from an envelope:
// max(2, ⌈maxAttempts/2⌉).
func thresholdFor(maxAttempts int) int {
	t := (maxAttempts + 1) / 2
	if t < 2 {
		t = 2
	}
	return t
}

// open trips the breaker at the given instant.
func (b *breaker) open(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
}

// reset returns the breaker to closed with a clean failure count.
func (b *breaker) reset() {
	b.state = StateClosed
	b.failureCount = 0
	b.openedAt = time.Time{}
}

// snapshot returns an immutable clone for error envelopes and diagnostics.
func (b *breaker) snapshot() fault.BreakerSnapshot {
	return fault.BreakerSnapshot{
		State:         b.state.String(),
		FailureCount:  b.failureCount,
		Threshold:     b.threshold,
		Cooldown:      b.cooldown,
		OpenedAt:      b.openedAt,
		LastAttemptAt: b.lastAttemptAt,
	}
}
