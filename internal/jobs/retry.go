package jobs

import "time"

// RetryPolicy decides, after a failed attempt, whether and when a job
// becomes eligible again. It is pure: the scheduler applies the returned
// decision through the state machine and the store.
type RetryPolicy struct {
	// jitter source, nil-able for tests
	randInt63n func(int64) int64
}

// NewRetryPolicy returns the production retry policy.
func NewRetryPolicy() RetryPolicy {
	return RetryPolicy{}
}

// RetryDecision is the outcome of classifying a failure.
type RetryDecision struct {
	// Retry is true when a backed-off re-attempt should be scheduled.
	Retry bool
	// RetryAt is when the job becomes eligible again. Zero unless Retry.
	RetryAt time.Time
}

// Decide classifies a failure against the job's remaining budget.
// Non-retryable errors and exhausted budgets yield Retry=false: the job
// stays failed until an external re-trigger resets its attempt count.
func (p RetryPolicy) Decide(j *Job, execErr error, now time.Time) RetryDecision {
	if !IsRetryable(execErr) {
		return RetryDecision{}
	}
	if j.Attempts >= j.MaxAttempts {
		return RetryDecision{}
	}
	mult := ConfigFor(j.Type).BackoffMultiplier
	var delay time.Duration
	if p.randInt63n != nil {
		delay = ComputeBackoffWithRand(j.Attempts, mult, p.randInt63n)
	} else {
		delay = ComputeBackoff(j.Attempts, mult)
	}
	return RetryDecision{Retry: true, RetryAt: now.Add(delay)}
}
