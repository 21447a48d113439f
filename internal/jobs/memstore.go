package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ensure MemStore implements Store at compile time.
var _ Store = (*MemStore)(nil)

// MemStore is a fully in-memory Store. Safe for concurrent access and
// mirrors the Postgres implementation's version-CAS semantics exactly.
// Intended for unit testing and single-process development; it is never
// the source of truth in a multi-instance deployment.
type MemStore struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	edges       map[string][]DependencyEdge // keyed by declaring job id
	attempts    map[string]*ExecutionAttempt
	idempotency map[string]*IdempotencyRecord
}

// NewMemStore returns a new empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:        make(map[string]*Job),
		edges:       make(map[string][]DependencyEdge),
		attempts:    make(map[string]*ExecutionAttempt),
		idempotency: make(map[string]*IdempotencyRecord),
	}
}

func cloneJob(j *Job) *Job {
	c := *j
	if j.Parameters != nil {
		c.Parameters = make(Params, len(j.Parameters))
		for k, v := range j.Parameters {
			c.Parameters[k] = v
		}
	}
	return &c
}

// Create inserts a new job, assigning ID and timestamps when unset.
func (m *MemStore) Create(_ context.Context, j *Job) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := cloneJob(j)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Version == 0 {
		c.Version = 1
	}
	m.jobs[c.ID] = c
	return cloneJob(c), nil
}

// Get returns a job by id.
func (m *MemStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(j), nil
}

// Update persists j under version CAS.
func (m *MemStore) Update(_ context.Context, j *Job) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if cur.Version != j.Version {
		return nil, ErrVersionConflict
	}
	c := cloneJob(j)
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	m.jobs[c.ID] = c
	return cloneJob(c), nil
}

// Delete removes a job and its declared edges.
func (m *MemStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(m.jobs, id)
	delete(m.edges, id)
	return nil
}

func matchesFilter(j *Job, f Filter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if j.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if f.Group != "" && j.Group != f.Group {
		return false
	}
	if f.ActiveOnly && !j.Active {
		return false
	}
	return true
}

// List returns jobs matching the filter, newest first.
func (m *MemStore) List(_ context.Context, f Filter, limit, offset int) ([]Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Job
	for _, j := range m.jobs {
		if matchesFilter(j, f) {
			out = append(out, *cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if offset > 0 {
		if offset >= len(out) {
			return []Job{}, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []Job{}
	}
	return out, nil
}

// byDispatchOrder sorts priority DESC, then createdAt ASC (FIFO within a
// priority band).
func byDispatchOrder(out []Job) {
	sort.Slice(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
}

// SelectReady returns ordered dispatch candidates.
func (m *MemStore) SelectReady(_ context.Context, now time.Time, limit int) ([]Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Job
	for _, j := range m.jobs {
		if j.Status != StatusReady && j.Status != StatusScheduled {
			continue
		}
		if !j.Active || j.BreakerOpen {
			continue
		}
		if j.ScheduledFor != nil && j.ScheduledFor.After(now) {
			continue
		}
		if j.MaxConcurrent > 0 && j.ActiveExecutions >= j.MaxConcurrent {
			continue
		}
		out = append(out, *cloneJob(j))
	}
	byDispatchOrder(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SelectForRetry returns ordered retry candidates.
func (m *MemStore) SelectForRetry(_ context.Context, now time.Time, limit int) ([]Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Job
	for _, j := range m.jobs {
		switch j.Status {
		case StatusFailed, StatusTimedOut, StatusRetrying, StatusInterrupted:
		default:
			continue
		}
		if !j.Active || j.BreakerOpen {
			continue
		}
		if j.Attempts >= j.MaxAttempts {
			continue
		}
		if j.NextRetryAt != nil && j.NextRetryAt.After(now) {
			continue
		}
		out = append(out, *cloneJob(j))
	}
	byDispatchOrder(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SelectTimedOut returns in-flight jobs whose timeoutAt has passed.
func (m *MemStore) SelectTimedOut(_ context.Context, now time.Time) ([]Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Job
	for _, j := range m.jobs {
		switch j.Status {
		case StatusRunning, StatusRetrying, StatusPostProcessing:
		default:
			continue
		}
		if j.TimeoutAt != nil && j.TimeoutAt.Before(now) {
			out = append(out, *cloneJob(j))
		}
	}
	return out, nil
}

// SelectAwaitingDeps returns jobs held on unsatisfied dependencies.
func (m *MemStore) SelectAwaitingDeps(_ context.Context) ([]Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Job
	for _, j := range m.jobs {
		if j.Status == StatusAwaitingDeps {
			out = append(out, *cloneJob(j))
		}
	}
	return out, nil
}

// SelectCircuitOpenBefore returns breaker-open jobs past the cutoff.
func (m *MemStore) SelectCircuitOpenBefore(_ context.Context, cutoff time.Time) ([]Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Job
	for _, j := range m.jobs {
		if !j.BreakerOpen || j.BreakerOpenedAt == nil {
			continue
		}
		if !j.BreakerOpenedAt.After(cutoff) {
			out = append(out, *cloneJob(j))
		}
	}
	return out, nil
}

// SelectRearmable returns failed recurring jobs due for a cron re-trigger.
func (m *MemStore) SelectRearmable(_ context.Context, now time.Time) ([]Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Job
	for _, j := range m.jobs {
		if j.Status != StatusFailed || j.CronExpr == "" || !j.Active {
			continue
		}
		if j.ScheduledFor != nil && !j.ScheduledFor.After(now) {
			out = append(out, *cloneJob(j))
		}
	}
	return out, nil
}

// CountActiveInGroup returns the number of running jobs in a group.
func (m *MemStore) CountActiveInGroup(_ context.Context, group string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, j := range m.jobs {
		if j.Group == group && j.Status == StatusRunning {
			n++
		}
	}
	return n, nil
}

// AddEdge records a dependency edge.
func (m *MemStore) AddEdge(_ context.Context, e *DependencyEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[e.JobID]; !ok {
		return ErrJobNotFound
	}
	if _, ok := m.jobs[e.DependsOnID]; !ok {
		return ErrJobNotFound
	}
	edge := *e
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}
	m.edges[e.JobID] = append(m.edges[e.JobID], edge)
	return nil
}

// RemoveEdge deletes an edge.
func (m *MemStore) RemoveEdge(_ context.Context, jobID, dependsOnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.edges[jobID]
	for i, e := range list {
		if e.DependsOnID == dependsOnID {
			m.edges[jobID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return ErrEdgeNotFound
}

// EdgesOf returns the edges declared by jobID.
func (m *MemStore) EdgesOf(_ context.Context, jobID string) ([]DependencyEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DependencyEdge, len(m.edges[jobID]))
	copy(out, m.edges[jobID])
	return out, nil
}

// CreateAttempt opens a new execution attempt.
func (m *MemStore) CreateAttempt(_ context.Context, a *ExecutionAttempt) (*ExecutionAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *a
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now().UTC()
	}
	if c.Outcome == "" {
		c.Outcome = OutcomeRunning
	}
	m.attempts[c.ID] = &c
	out := c
	return &out, nil
}

// CloseAttempt finalizes an attempt. Closing twice is a no-op.
func (m *MemStore) CloseAttempt(_ context.Context, id string, outcome AttemptOutcome, errMsg *string, endedAt time.Time) (*ExecutionAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	if a.EndedAt == nil {
		t := endedAt
		a.EndedAt = &t
		a.Outcome = outcome
		a.ErrorMessage = errMsg
		ms := endedAt.Sub(a.StartedAt).Milliseconds()
		a.DurationMs = &ms
	}
	out := *a
	return &out, nil
}

// ListAttempts returns a job's attempts, most recent first.
func (m *MemStore) ListAttempts(_ context.Context, jobID string, limit int) ([]ExecutionAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ExecutionAttempt
	for _, a := range m.attempts {
		if a.JobID == jobID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].StartedAt.After(out[b].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []ExecutionAttempt{}
	}
	return out, nil
}

// PruneAttempts deletes closed attempts that ended before the cutoff.
func (m *MemStore) PruneAttempts(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, a := range m.attempts {
		if a.EndedAt != nil && a.EndedAt.Before(cutoff) {
			delete(m.attempts, id)
			n++
		}
	}
	return n, nil
}

// ClaimIdempotencyKey atomically claims key for jobID.
func (m *MemStore) ClaimIdempotencyKey(_ context.Context, key, jobID string, now time.Time, ttl time.Duration) (bool, *IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.idempotency[key]; ok {
		fresh := now.Sub(cur.RecordedAt) < ttl
		if fresh && (cur.Outcome == OutcomeSucceeded || cur.Outcome == OutcomeRunning) {
			out := *cur
			return false, &out, nil
		}
	}
	rec := &IdempotencyRecord{Key: key, JobID: jobID, Outcome: OutcomeRunning, RecordedAt: now}
	m.idempotency[key] = rec
	out := *rec
	return true, &out, nil
}

// RecordIdempotencyOutcome upserts the final outcome for key.
func (m *MemStore) RecordIdempotencyOutcome(_ context.Context, key, jobID string, outcome AttemptOutcome, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idempotency[key] = &IdempotencyRecord{Key: key, JobID: jobID, Outcome: outcome, RecordedAt: now}
	return nil
}

// GetIdempotencyRecord returns the record for key, or nil.
func (m *MemStore) GetIdempotencyRecord(_ context.Context, key string) (*IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.idempotency[key]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

// PruneIdempotencyRecords deletes records older than the cutoff.
func (m *MemStore) PruneIdempotencyRecords(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, rec := range m.idempotency {
		if rec.RecordedAt.Before(cutoff) {
			delete(m.idempotency, key)
			n++
		}
	}
	return n, nil
}

// Stats returns aggregate counts by status.
func (m *MemStore) Stats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := &Stats{ByStatus: make(map[Status]int)}
	for _, j := range m.jobs {
		st.ByStatus[j.Status]++
		st.Total++
		st.ActiveExecutions += j.ActiveExecutions
		if j.BreakerOpen {
			st.BreakersOpen++
		}
	}
	return st, nil
}
