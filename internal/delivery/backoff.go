package delivery

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the delay before the next retry attempt: exponential
// doubling from Base, capped at Max, with +/- JitterPct applied so a burst
// of failures does not retry in lockstep.
type Backoff struct {
	Base      time.Duration
	Max       time.Duration
	JitterPct float64 // 0.0-1.0
}

// DefaultBackoff is the policy used when no configuration is supplied:
// 30s base, 6h cap, 25% jitter.
func DefaultBackoff() Backoff {
	return Backoff{Base: 30 * time.Second, Max: 6 * time.Hour, JitterPct: 0.25}
}

// Delay returns the wait before retry attempt n (1-indexed; attempt 1 is the
// first retry after the initial failure).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	// jitter: +/- JitterPct, floor at 10% of the base delay
	j := 1 + (rand.Float64()*2-1)*b.JitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(d * j)
}
