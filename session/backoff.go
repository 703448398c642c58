package session

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the reconnect delay for a 1-based attempt number:
// base * 1.5^(attempt-1), capped at max.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(1.5, float64(attempt-1))
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}

// JitteredDelay adds up to 3s of random jitter before applying the cap, so
// a fleet of sessions dropped at once does not reconnect in lockstep.
func JitteredDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base)*math.Pow(1.5, float64(attempt-1)) + float64(rand.Int63n(int64(3*time.Second)))
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}
