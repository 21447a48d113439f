package jobs

import (
	"math/rand"
	"time"
)

const (
	backoffBase      = 5 * time.Second
	backoffCap       = 5 * time.Minute
	backoffMaxJitter = 1 * time.Second
)

// ComputeBackoff returns a bounded exponential backoff with jitter.
// Formula: min(base * 2^(attempt-1) * multiplier, cap) + random(0..maxJitter).
// The multiplier is the job type's backoff multiplier; values <= 0 are
// treated as 1.
func ComputeBackoff(attempt int, multiplier float64) time.Duration {
	return ComputeBackoffWithRand(attempt, multiplier, rand.Int63n)
}

// ComputeBackoffWithRand is ComputeBackoff with an injectable jitter source
// for deterministic tests. A nil source disables jitter.
func ComputeBackoffWithRand(attempt int, multiplier float64, randInt63n func(int64) int64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if multiplier <= 0 {
		multiplier = 1
	}

	delay := backoffBase
	for i := 1; i < attempt && delay < backoffCap; i++ {
		delay *= 2
		if delay >= backoffCap {
			delay = backoffCap
			break
		}
	}
	delay = time.Duration(float64(delay) * multiplier)
	if delay > backoffCap {
		delay = backoffCap
	}

	if randInt63n == nil {
		return delay
	}
	jitter := time.Duration(randInt63n(int64(backoffMaxJitter)))
	return delay + jitter
}
