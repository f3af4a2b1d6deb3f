package link

import (
	"math/rand/v2"
	"time"
)

// backoff produces exponentially growing reconnect delays with jitter:
// initial × 2^attempt, capped at max, then spread ±jitterFrac so nearby
// clients reconnecting after the same outage do not stampede the device.
type backoff struct {
	initial    time.Duration
	max        time.Duration
	jitterFrac float64
	attempt    int
}

func newBackoff(initial, max time.Duration) *backoff {
	if initial <= 0 {
		initial = 2 * time.Second
	}
	if max < initial {
		max = initial
	}
	return &backoff{initial: initial, max: max, jitterFrac: 0.2}
}

// next returns the delay before the upcoming attempt and advances the
// attempt counter.
func (b *backoff) next() time.Duration {
	d := b.initial
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= b.max {
			d = b.max
			break
		}
	}
	b.attempt++

	if b.jitterFrac > 0 {
		span := float64(d) * b.jitterFrac
		d = time.Duration(float64(d) - span + rand.Float64()*2*span)
	}
	if d < 0 {
		d = b.initial
	}
	return d
}

// attempts returns how many delays have been handed out since the last
// reset.
func (b *backoff) attempts() int { return b.attempt }

// reset rewinds the curve after a successful configure handshake.
func (b *backoff) reset() { b.attempt = 0 }
