package jobs

import (
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// Metrics holds the counters and the execution duration timer emitted by
// the scheduler. Collaborators read them through the underlying registry.
type Metrics struct {
	Created       gometrics.Counter
	Succeeded     gometrics.Counter
	Failed        gometrics.Counter
	TimedOut      gometrics.Counter
	Duplicates    gometrics.Counter
	BreakerOpened gometrics.Counter
	Duration      gometrics.Timer

	registry gometrics.Registry
}

// NewMetrics creates a Metrics set on a fresh registry.
func NewMetrics() *Metrics {
	r := gometrics.NewRegistry()
	return &Metrics{
		Created:       gometrics.GetOrRegisterCounter("jobs.created", r),
		Succeeded:     gometrics.GetOrRegisterCounter("jobs.succeeded", r),
		Failed:        gometrics.GetOrRegisterCounter("jobs.failed", r),
		TimedOut:      gometrics.GetOrRegisterCounter("jobs.timed_out", r),
		Duplicates:    gometrics.GetOrRegisterCounter("jobs.duplicates", r),
		BreakerOpened: gometrics.GetOrRegisterCounter("circuit_breaker.opened", r),
		Duration:      gometrics.GetOrRegisterTimer("jobs.execution_duration", r),
		registry:      r,
	}
}

// Registry exposes the underlying metrics registry for sinks.
func (m *Metrics) Registry() gometrics.Registry { return m.registry }

// Snapshot returns current counter values and duration percentiles for the
// stats endpoint.
func (m *Metrics) Snapshot() map[string]any {
	d := m.Duration.Snapshot()
	return map[string]any{
		"jobs.created":           m.Created.Count(),
		"jobs.succeeded":         m.Succeeded.Count(),
		"jobs.failed":            m.Failed.Count(),
		"jobs.timed_out":         m.TimedOut.Count(),
		"jobs.duplicates":        m.Duplicates.Count(),
		"circuit_breaker.opened": m.BreakerOpened.Count(),
		"execution.count":        d.Count(),
		"execution.mean_ms":      time.Duration(d.Mean()).Milliseconds(),
		"execution.p95_ms":       time.Duration(d.Percentile(0.95)).Milliseconds(),
		"execution.max_ms":       time.Duration(d.Max()).Milliseconds(),
	}
}
