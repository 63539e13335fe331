package orchestrator

import "time"

// Backoff returns the delay before the next attempt, doubling base for each
// prior attempt and capping at max. attempt is zero-based: Backoff(b, m, 0)
// is the first delay.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
