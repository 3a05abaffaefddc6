// Package resilience bundles the failure-handling primitives shared by the
// messaging components: backoff schedules, a circuit breaker and a timeout
// guard.
package resilience

import (
	"math"
	"math/rand"
	"time"
)

// ExponentialBackoff returns min(base * 2^attempt, max). Attempt counts from
// zero. The result is monotonically non-decreasing in attempt and bounded by
// max.
func ExponentialBackoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 || max <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	// 2^attempt overflows int64 quickly; clamp via float math.
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(max) || math.IsInf(delay, 1) {
		return max
	}
	return time.Duration(delay)
}

// LinearBackoff returns min(base * (attempt+1), max).
func LinearBackoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 || max <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(base) * float64(attempt+1)
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}

// Jitter spreads a delay uniformly over [delay/2, delay) to avoid thundering
// herds of reconnecting clients.
func Jitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
