package transport

import (
	"math"
	"math/rand"
	"time"
)

// Backoff is the reconnect policy: delay = Base * Multiplier^attempt, capped
// at Max, then spread by ±Jitter (a fraction of the delay).
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultBackoff returns the policy used when none is configured.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       250 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Next returns the delay before reconnect attempt n (0-based).
func (b Backoff) Next(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoff().Base
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	if attempt < 0 {
		attempt = 0
	}

	d := float64(base) * math.Pow(mult, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}

	if b.Jitter > 0 {
		d += d * b.Jitter * (rand.Float64()*2 - 1)
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
