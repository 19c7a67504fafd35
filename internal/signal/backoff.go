package signal

import (
	"math/rand"
	"time"
)

// Backoff produces an exponential retry schedule: Base, doubling on every
// Next call, capped at Max, with ±Jitter fraction of randomization. Reset
// returns the schedule to Base. The zero Jitter value disables jitter,
// which keeps the schedule deterministic for tests.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	current time.Duration
}

// NewBackoff creates a schedule with the given base and cap and 20% jitter.
func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max, Jitter: 0.2}
}

// Next returns the delay to wait before the next attempt and advances the
// schedule.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Base
	}
	d := b.current

	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}

	if b.Jitter > 0 {
		// Uniform in [d*(1-Jitter), d*(1+Jitter)]
		span := float64(d) * b.Jitter
		d = time.Duration(float64(d) - span + 2*span*rand.Float64())
	}
	return d
}

// Reset returns the schedule to its base delay.
func (b *Backoff) Reset() {
	b.current = 0
}
