package feed

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays with full jitter: a random value in
// [0, min(Initial * 2^(attempt-1), Max)]. Jitter prevents a reconnect
// stampede when the notification service restarts and every consumer
// notices at once.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the pause before reconnect attempt n (1-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(b.Initial) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && base > float64(b.Max) {
		base = float64(b.Max)
	}
	return time.Duration(rand.Float64() * base)
}
