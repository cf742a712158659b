package stream

import (
	"math/rand"
	"time"
)

// Backoff defines the delay before each reconnect attempt. The default is
// a fixed per-attempt interval; a Factor above 1 grows the delay
// geometrically, capped at Max.
type Backoff struct {
	// Interval is the base delay between attempts.
	Interval time.Duration
	// Factor multiplies the delay per attempt when above 1. At or below 1
	// every attempt waits exactly Interval.
	Factor float64
	// Max caps the grown delay. Ignored when zero.
	Max time.Duration
	// Jitter adds randomization as a fraction of the delay (0-1).
	Jitter float64
}

// DefaultBackoff waits a fixed interval between attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		Interval: DefaultReconnectInterval,
		Factor:   1.0,
	}
}

// Next returns the delay for the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	interval := b.Interval
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}

	wait := interval
	if b.Factor > 1 {
		for i := 1; i < attempt; i++ {
			next := time.Duration(float64(wait) * b.Factor)
			if b.Max > 0 && next > b.Max {
				wait = b.Max
				break
			}
			wait = next
		}
	}
	if b.Max > 0 && wait > b.Max {
		wait = b.Max
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}
