// Package backoff provides the single retry delay policy shared by the
// connection manager's reconnect loop and the message engine's send retries.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy computes exponential backoff delays with jitter.
// A zero attempt yields the base delay; each subsequent attempt multiplies
// the delay until Max caps it. Jitter adds up to Jitter*Base of random slack
// so simultaneous clients do not retry in lockstep.
type Policy struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64

	// rng is overridable for deterministic tests
	rng func() float64
}

// Default returns the policy used when configuration provides none.
func Default() Policy {
	return Policy{
		Base:       500 * time.Millisecond,
		Multiplier: 2.0,
		Max:        30 * time.Second,
		Jitter:     0.5,
	}
}

// WithRand returns a copy of the policy using the given random source.
func (p Policy) WithRand(rng func() float64) Policy {
	p.rng = rng
	return p
}

// Delay returns the wait before the given retry attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2.0
	}
	max := p.Max
	if max <= 0 {
		max = 30 * time.Second
	}

	delay := float64(base) * math.Pow(mult, float64(attempt))
	if delay > float64(max) {
		delay = float64(max)
	}

	if p.Jitter > 0 {
		rng := p.rng
		if rng == nil {
			rng = rand.Float64
		}
		delay += rng() * p.Jitter * float64(base)
		if delay > float64(max) {
			delay = float64(max)
		}
	}

	return time.Duration(delay)
}
