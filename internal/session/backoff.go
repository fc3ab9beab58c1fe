package session

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: Base * Factor^(failures-1), capped at
// Max, spread by ±Jitter.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	Jitter float64
	// Rand returns a value in [0,1). nil uses math/rand/v2.
	Rand func() float64
}

// Delay returns the wait before the next attempt after the given number of
// consecutive failed attempts. Zero failures means no wait.
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 || b.Base <= 0 {
		return 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(b.Base) * math.Pow(factor, float64(failures-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		d *= 1 + b.Jitter*(2*r()-1)
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}
