package jobs

import (
	"context"
	"time"
)

// Store is the persistence boundary for the scheduler. Any engine with
// compare-and-swap semantics can implement it; the Postgres implementation
// is PGStore and the in-memory implementation (tests, embedded mode) is
// MemStore. Both enforce identical version-CAS behavior on Update.
type Store interface {
	// Create inserts a new job. The store assigns ID, CreatedAt, UpdatedAt
	// and Version when unset.
	Create(ctx context.Context, j *Job) (*Job, error)

	// Get returns a job by id, or ErrJobNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// Update persists j if and only if the stored version still equals
	// j.Version, then bumps the version. Returns ErrVersionConflict when a
	// concurrent writer got there first, ErrJobNotFound when the row is gone.
	Update(ctx context.Context, j *Job) (*Job, error)

	// Delete removes a job and, cascading, its dependency edges.
	Delete(ctx context.Context, id string) error

	// List returns jobs matching the filter, newest first.
	List(ctx context.Context, f Filter, limit, offset int) ([]Job, error)

	// SelectReady returns dispatch candidates: status ready or scheduled,
	// due (scheduledFor unset or <= now), breaker closed, per-job
	// concurrency not exhausted. Ordered priority DESC, createdAt ASC.
	// Pure read; dispatch is a separate CAS step.
	SelectReady(ctx context.Context, now time.Time, limit int) ([]Job, error)

	// SelectForRetry returns retry candidates: status failed, timed_out,
	// retrying or interrupted, retry budget left, breaker closed,
	// nextRetryAt <= now. Same ordering as SelectReady.
	SelectForRetry(ctx context.Context, now time.Time, limit int) ([]Job, error)

	// SelectTimedOut returns jobs in running, retrying or post_processing
	// whose timeoutAt has passed.
	SelectTimedOut(ctx context.Context, now time.Time) ([]Job, error)

	// SelectAwaitingDeps returns jobs held in awaiting_dependencies.
	SelectAwaitingDeps(ctx context.Context) ([]Job, error)

	// SelectCircuitOpenBefore returns breaker-open jobs whose breaker was
	// opened at or before the cutoff (cool-down elapsed). Selection is on
	// the breaker flag, not status: a timed-out job can trip the breaker
	// too, and it half-opens through the same sweep.
	SelectCircuitOpenBefore(ctx context.Context, cutoff time.Time) ([]Job, error)

	// SelectRearmable returns failed recurring jobs whose next cron fire
	// (scheduledFor) has arrived; the re-trigger resets the retry budget.
	SelectRearmable(ctx context.Context, now time.Time) ([]Job, error)

	// CountActiveInGroup returns the number of running jobs in a group.
	CountActiveInGroup(ctx context.Context, group string) (int, error)

	// AddEdge records a dependency edge. Cycle validation happens above
	// the store, in the resolver.
	AddEdge(ctx context.Context, e *DependencyEdge) error

	// RemoveEdge deletes an edge, or returns ErrEdgeNotFound.
	RemoveEdge(ctx context.Context, jobID, dependsOnID string) error

	// EdgesOf returns the edges declared by jobID.
	EdgesOf(ctx context.Context, jobID string) ([]DependencyEdge, error)

	// CreateAttempt opens a new execution attempt (outcome running).
	CreateAttempt(ctx context.Context, a *ExecutionAttempt) (*ExecutionAttempt, error)

	// CloseAttempt finalizes an attempt exactly once. Closing an already
	// closed attempt is a no-op returning the stored record.
	CloseAttempt(ctx context.Context, id string, outcome AttemptOutcome, errMsg *string, endedAt time.Time) (*ExecutionAttempt, error)

	// ListAttempts returns a job's attempts, most recent first.
	ListAttempts(ctx context.Context, jobID string, limit int) ([]ExecutionAttempt, error)

	// PruneAttempts deletes closed attempts that ended before the cutoff.
	PruneAttempts(ctx context.Context, cutoff time.Time) (int64, error)

	// ClaimIdempotencyKey atomically claims key for jobID. The claim is
	// refused while an existing record is succeeded-within-TTL or still
	// running-within-TTL; in that case the existing record is returned with
	// claimed=false. The insert-or-steal must be a single atomic operation
	// so two concurrent duplicates cannot both win.
	ClaimIdempotencyKey(ctx context.Context, key, jobID string, now time.Time, ttl time.Duration) (claimed bool, existing *IdempotencyRecord, err error)

	// RecordIdempotencyOutcome upserts the final outcome for key.
	RecordIdempotencyOutcome(ctx context.Context, key, jobID string, outcome AttemptOutcome, now time.Time) error

	// GetIdempotencyRecord returns the record for key, or nil when absent.
	GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error)

	// PruneIdempotencyRecords deletes records older than the cutoff.
	PruneIdempotencyRecords(ctx context.Context, cutoff time.Time) (int64, error)

	// Stats returns aggregate counts by status.
	Stats(ctx context.Context) (*Stats, error)
}
