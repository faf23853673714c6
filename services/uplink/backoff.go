package uplink

import (
	"math"
	"math/rand"
	"time"
)

// backoff yields exponentially growing reconnect delays, capped at max, with
// up to a quarter of each delay added or removed at random.
type backoff struct {
	initial    time.Duration
	multiplier float64
	max        time.Duration
	jitter     bool
	attempt    int
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, multiplier: 2, max: max, jitter: true}
}

// Next returns the delay before the next attempt.
func (b *backoff) Next() time.Duration {
	d := time.Duration(float64(b.initial) * math.Pow(b.multiplier, float64(b.attempt)))
	if d > b.max || d <= 0 {
		d = b.max
	} else {
		b.attempt++
	}
	if b.jitter {
		spread := float64(d) * 0.25
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return d
}

// Reset starts over from the initial delay.
func (b *backoff) Reset() {
	b.attempt = 0
}
