package jobs

import "time"

// Default breaker policy values. Both are configuration, not constants of
// the design; config.SchedulerConfig overrides them.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCoolDown  = 5 * time.Minute
)

// BreakerPolicy is the per-job circuit breaker. It mutates only the
// breaker fields of a Job; persisting the change and driving the status
// transition are the scheduler's responsibility, so the policy itself
// stays trivially testable.
//
// Half-open behavior: once the cool-down elapses the scheduler moves the
// job back to ready with the breaker closed but the consecutive-failure
// count preserved. The next failure therefore re-opens the breaker
// immediately with a fresh opened-at timestamp, while a success resets
// the count to zero.
type BreakerPolicy struct {
	Threshold int
	CoolDown  time.Duration
}

// NewBreakerPolicy returns a policy with the given threshold and cool-down,
// substituting defaults for non-positive values.
func NewBreakerPolicy(threshold int, coolDown time.Duration) BreakerPolicy {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if coolDown <= 0 {
		coolDown = DefaultBreakerCoolDown
	}
	return BreakerPolicy{Threshold: threshold, CoolDown: coolDown}
}

// RecordFailure counts a failure and reports whether the breaker opened
// (or re-opened) as a result. When it opens, BreakerOpen and
// BreakerOpenedAt are set; the caller must transition the job to
// circuit_open.
func (b BreakerPolicy) RecordFailure(j *Job, now time.Time) bool {
	j.ConsecutiveFailures++
	if j.ConsecutiveFailures >= b.Threshold {
		t := now
		j.BreakerOpen = true
		j.BreakerOpenedAt = &t
		return true
	}
	return false
}

// RecordSuccess closes the breaker and resets the failure count.
func (b BreakerPolicy) RecordSuccess(j *Job) {
	j.BreakerOpen = false
	j.ConsecutiveFailures = 0
	j.BreakerOpenedAt = nil
}

// CoolDownElapsed reports whether an open breaker may half-open at now.
func (b BreakerPolicy) CoolDownElapsed(j *Job, now time.Time) bool {
	if !j.BreakerOpen || j.BreakerOpenedAt == nil {
		return false
	}
	return !now.Before(j.BreakerOpenedAt.Add(b.CoolDown))
}

// HalfOpen closes the breaker for a probe dispatch but keeps the failure
// count, so one more failure re-opens it immediately.
func (b BreakerPolicy) HalfOpen(j *Job) {
	j.BreakerOpen = false
	j.BreakerOpenedAt = nil
}

// Reset fully closes the breaker, clearing the failure count. Used by the
// administrative reset operation.
func (b BreakerPolicy) Reset(j *Job) {
	b.RecordSuccess(j)
}

// OpenUntil returns when the breaker's cool-down expires. Zero when closed.
func (b BreakerPolicy) OpenUntil(j *Job) time.Time {
	if !j.BreakerOpen || j.BreakerOpenedAt == nil {
		return time.Time{}
	}
	return j.BreakerOpenedAt.Add(b.CoolDown)
}
