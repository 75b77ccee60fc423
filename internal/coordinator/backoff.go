package coordinator

import (
	"math/rand/v2"
	"time"
)

// Backoff is the reconnect schedule: Initial doubled per attempt up to Max,
// spread by +/- Jitter (a fraction), for at most Attempts tries.
type Backoff struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts int
	Jitter   float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:  time.Second,
		Max:      30 * time.Second,
		Attempts: 15,
		Jitter:   0.2,
	}
}

// Delay returns the wait before the given attempt (1-based) and false once
// the attempts are used up.
func (b Backoff) Delay(attempt int) (time.Duration, bool) {
	if attempt < 1 || (b.Attempts > 0 && attempt > b.Attempts) {
		return 0, false
	}

	d := b.Initial
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}

	if b.Jitter > 0 {
		spread := float64(d) * b.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return d, true
}
