package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ensure PGStore implements Store at compile time.
var _ Store = (*PGStore)(nil)

// PGStore is the Postgres-backed Store. All updates go through a version
// compare-and-swap so two scheduler instances racing on the same job have
// exactly one winner.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PGStore over the given pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const jobColumns = `id, name, type, status, priority, job_group, cron_expr, timezone,
	run_once_at, parameters, timeout_seconds, max_attempts, attempts,
	max_concurrent, active_executions, total_executions, total_successes,
	total_failures, last_error, last_duration_ms, breaker_open,
	consecutive_failures, breaker_opened_at, scheduled_for, started_at,
	completed_at, next_retry_at, timeout_at, active, created_at, updated_at, version`

func scanPGJob(row pgx.Row) (*Job, error) {
	var j Job
	var params []byte
	err := row.Scan(
		&j.ID, &j.Name, &j.Type, &j.Status, &j.Priority, &j.Group, &j.CronExpr,
		&j.Timezone, &j.RunOnceAt, &params, &j.TimeoutSeconds, &j.MaxAttempts,
		&j.Attempts, &j.MaxConcurrent, &j.ActiveExecutions, &j.TotalExecutions,
		&j.TotalSuccesses, &j.TotalFailures, &j.LastError, &j.LastDurationMs,
		&j.BreakerOpen, &j.ConsecutiveFailures, &j.BreakerOpenedAt,
		&j.ScheduledFor, &j.StartedAt, &j.CompletedAt, &j.NextRetryAt,
		&j.TimeoutAt, &j.Active, &j.CreatedAt, &j.UpdatedAt, &j.Version,
	)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters for job %s: %w", j.ID, err)
		}
	}
	return &j, nil
}

func scanPGJobs(rows pgx.Rows) ([]Job, error) {
	var result []Job
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *j)
	}
	return result, rows.Err()
}

func marshalParams(p Params) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Create inserts a new job.
func (s *PGStore) Create(ctx context.Context, j *Job) (*Job, error) {
	params, err := marshalParams(j.Parameters)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO _foreman_jobs (name, type, status, priority, job_group,
			cron_expr, timezone, run_once_at, parameters, timeout_seconds,
			max_attempts, max_concurrent, scheduled_for, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING `+jobColumns,
		j.Name, j.Type, j.Status, j.Priority, j.Group, j.CronExpr, j.Timezone,
		j.RunOnceAt, params, j.TimeoutSeconds, j.MaxAttempts, j.MaxConcurrent,
		j.ScheduledFor, j.Active,
	)
	return scanPGJob(row)
}

// Get returns a job by id.
func (s *PGStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM _foreman_jobs WHERE id = $1`, id)
	j, err := scanPGJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

// Update persists j under version CAS: the row is written only when the
// stored version still matches, and the version is bumped in the same
// statement.
func (s *PGStore) Update(ctx context.Context, j *Job) (*Job, error) {
	params, err := marshalParams(j.Parameters)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE _foreman_jobs SET
			name = $3, type = $4, status = $5, priority = $6, job_group = $7,
			cron_expr = $8, timezone = $9, run_once_at = $10, parameters = $11,
			timeout_seconds = $12, max_attempts = $13, attempts = $14,
			max_concurrent = $15, active_executions = $16,
			total_executions = $17, total_successes = $18, total_failures = $19,
			last_error = $20, last_duration_ms = $21, breaker_open = $22,
			consecutive_failures = $23, breaker_opened_at = $24,
			scheduled_for = $25, started_at = $26, completed_at = $27,
			next_retry_at = $28, timeout_at = $29, active = $30,
			updated_at = NOW(), version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING `+jobColumns,
		j.ID, j.Version,
		j.Name, j.Type, j.Status, j.Priority, j.Group, j.CronExpr, j.Timezone,
		j.RunOnceAt, params, j.TimeoutSeconds, j.MaxAttempts, j.Attempts,
		j.MaxConcurrent, j.ActiveExecutions, j.TotalExecutions,
		j.TotalSuccesses, j.TotalFailures, j.LastError, j.LastDurationMs,
		j.BreakerOpen, j.ConsecutiveFailures, j.BreakerOpenedAt,
		j.ScheduledFor, j.StartedAt, j.CompletedAt, j.NextRetryAt, j.TimeoutAt,
		j.Active,
	)
	updated, err := scanPGJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a lost race from a deleted row.
		var exists bool
		if qerr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM _foreman_jobs WHERE id = $1)`, j.ID,
		).Scan(&exists); qerr != nil {
			return nil, qerr
		}
		if exists {
			return nil, ErrVersionConflict
		}
		return nil, ErrJobNotFound
	}
	return updated, err
}

// Delete removes a job; dependency edges cascade.
func (s *PGStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM _foreman_jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// List returns jobs matching the filter, newest first.
func (s *PGStore) List(ctx context.Context, f Filter, limit, offset int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM _foreman_jobs WHERE 1=1`
	args := []any{}
	argN := 1

	if len(f.Statuses) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", argN)
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		argN++
	}
	if f.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argN)
		args = append(args, f.Type)
		argN++
	}
	if f.Group != "" {
		query += fmt.Sprintf(" AND job_group = $%d", argN)
		args = append(args, f.Group)
		argN++
	}
	if f.ActiveOnly {
		query += " AND active = true"
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argN)
		args = append(args, limit)
		argN++
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argN)
		args = append(args, offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs, err := scanPGJobs(rows)
	if jobs == nil {
		jobs = []Job{}
	}
	return jobs, err
}

// dispatchOrder is shared by the candidate selection queries.
const dispatchOrder = ` ORDER BY priority DESC, created_at ASC`

// SelectReady returns ordered dispatch candidates. Pure read; the dispatch
// CAS happens in Update.
func (s *PGStore) SelectReady(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM _foreman_jobs
		 WHERE status IN ('ready', 'scheduled')
		   AND active = true
		   AND breaker_open = false
		   AND (scheduled_for IS NULL OR scheduled_for <= $1)
		   AND (max_concurrent = 0 OR active_executions < max_concurrent)`+
			dispatchOrder+` LIMIT NULLIF($2, 0)`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPGJobs(rows)
}

// SelectForRetry returns ordered retry candidates.
func (s *PGStore) SelectForRetry(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM _foreman_jobs
		 WHERE status IN ('failed', 'timed_out', 'retrying', 'interrupted')
		   AND active = true
		   AND breaker_open = false
		   AND attempts < max_attempts
		   AND (next_retry_at IS NULL OR next_retry_at <= $1)`+
			dispatchOrder+` LIMIT NULLIF($2, 0)`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPGJobs(rows)
}

// SelectTimedOut returns in-flight jobs whose timeout has passed.
func (s *PGStore) SelectTimedOut(ctx context.Context, now time.Time) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM _foreman_jobs
		 WHERE status IN ('running', 'retrying', 'post_processing')
		   AND timeout_at IS NOT NULL AND timeout_at < $1`,
		now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPGJobs(rows)
}

// SelectAwaitingDeps returns jobs held on unsatisfied dependencies.
func (s *PGStore) SelectAwaitingDeps(ctx context.Context) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM _foreman_jobs
		 WHERE status = 'awaiting_dependencies'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPGJobs(rows)
}

// SelectCircuitOpenBefore returns breaker-open jobs whose cool-down has
// elapsed relative to the cutoff.
func (s *PGStore) SelectCircuitOpenBefore(ctx context.Context, cutoff time.Time) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM _foreman_jobs
		 WHERE breaker_open = true
		   AND breaker_opened_at IS NOT NULL AND breaker_opened_at <= $1`,
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPGJobs(rows)
}

// SelectRearmable returns failed recurring jobs due for a cron re-trigger.
func (s *PGStore) SelectRearmable(ctx context.Context, now time.Time) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM _foreman_jobs
		 WHERE status = 'failed'
		   AND active = true
		   AND cron_expr <> ''
		   AND scheduled_for IS NOT NULL AND scheduled_for <= $1`,
		now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPGJobs(rows)
}

// CountActiveInGroup returns the number of running jobs in a group.
func (s *PGStore) CountActiveInGroup(ctx context.Context, group string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM _foreman_jobs
		 WHERE job_group = $1 AND status = 'running'`, group,
	).Scan(&n)
	return n, err
}

// AddEdge records a dependency edge.
func (s *PGStore) AddEdge(ctx context.Context, e *DependencyEdge) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO _foreman_job_dependencies (job_id, depends_on_id, kind)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (job_id, depends_on_id) DO UPDATE SET kind = $3`,
		e.JobID, e.DependsOnID, e.Kind,
	)
	return err
}

// RemoveEdge deletes an edge.
func (s *PGStore) RemoveEdge(ctx context.Context, jobID, dependsOnID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM _foreman_job_dependencies
		 WHERE job_id = $1 AND depends_on_id = $2`,
		jobID, dependsOnID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEdgeNotFound
	}
	return nil
}

// EdgesOf returns the edges declared by jobID.
func (s *PGStore) EdgesOf(ctx context.Context, jobID string) ([]DependencyEdge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, depends_on_id, kind, created_at
		 FROM _foreman_job_dependencies WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []DependencyEdge
	for rows.Next() {
		var e DependencyEdge
		if err := rows.Scan(&e.JobID, &e.DependsOnID, &e.Kind, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

const attemptColumns = `id, job_id, attempt_number, started_at, ended_at,
	outcome, error_message, duration_ms, idempotency_key`

func scanAttempt(row pgx.Row) (*ExecutionAttempt, error) {
	var a ExecutionAttempt
	err := row.Scan(
		&a.ID, &a.JobID, &a.AttemptNumber, &a.StartedAt, &a.EndedAt,
		&a.Outcome, &a.ErrorMessage, &a.DurationMs, &a.IdempotencyKey,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAttempt opens a new execution attempt.
func (s *PGStore) CreateAttempt(ctx context.Context, a *ExecutionAttempt) (*ExecutionAttempt, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO _foreman_job_attempts (job_id, attempt_number, outcome, idempotency_key)
		 VALUES ($1, $2, 'running', $3)
		 RETURNING `+attemptColumns,
		a.JobID, a.AttemptNumber, a.IdempotencyKey,
	)
	return scanAttempt(row)
}

// CloseAttempt finalizes an attempt exactly once: the row is written only
// while still open, so a second close returns the stored record untouched.
func (s *PGStore) CloseAttempt(ctx context.Context, id string, outcome AttemptOutcome, errMsg *string, endedAt time.Time) (*ExecutionAttempt, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE _foreman_job_attempts SET
			ended_at = $2,
			outcome = $3,
			error_message = $4,
			duration_ms = (EXTRACT(EPOCH FROM ($2 - started_at)) * 1000)::bigint
		WHERE id = $1 AND ended_at IS NULL
		RETURNING `+attemptColumns,
		id, endedAt, outcome, errMsg,
	)
	a, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already closed, or unknown id.
		row = s.pool.QueryRow(ctx,
			`SELECT `+attemptColumns+` FROM _foreman_job_attempts WHERE id = $1`, id)
		a, err = scanAttempt(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
	}
	return a, err
}

// ListAttempts returns a job's attempts, most recent first.
func (s *PGStore) ListAttempts(ctx context.Context, jobID string, limit int) ([]ExecutionAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM _foreman_job_attempts
		 WHERE job_id = $1 ORDER BY started_at DESC LIMIT NULLIF($2, 0)`,
		jobID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ExecutionAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if result == nil {
		result = []ExecutionAttempt{}
	}
	return result, rows.Err()
}

// PruneAttempts deletes closed attempts that ended before the cutoff.
func (s *PGStore) PruneAttempts(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM _foreman_job_attempts
		 WHERE ended_at IS NOT NULL AND ended_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ClaimIdempotencyKey atomically claims key for jobID. The conditional
// upsert is a single statement, so two concurrent duplicates cannot both
// win: the insert takes the key, and the conflict branch steals it only
// from a stale or failed record.
func (s *PGStore) ClaimIdempotencyKey(ctx context.Context, key, jobID string, now time.Time, ttl time.Duration) (bool, *IdempotencyRecord, error) {
	expiry := now.Add(-ttl)
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO _foreman_idempotency (key, job_id, outcome, recorded_at)
		 VALUES ($1, $2, 'running', $3)
		 ON CONFLICT (key) DO UPDATE SET job_id = $2, outcome = 'running', recorded_at = $3
		 WHERE _foreman_idempotency.recorded_at < $4
		    OR _foreman_idempotency.outcome NOT IN ('succeeded', 'running')`,
		key, jobID, now, expiry,
	)
	if err != nil {
		return false, nil, err
	}
	if tag.RowsAffected() > 0 {
		return true, &IdempotencyRecord{Key: key, JobID: jobID, Outcome: OutcomeRunning, RecordedAt: now}, nil
	}

	existing, err := s.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// RecordIdempotencyOutcome upserts the final outcome for key.
func (s *PGStore) RecordIdempotencyOutcome(ctx context.Context, key, jobID string, outcome AttemptOutcome, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO _foreman_idempotency (key, job_id, outcome, recorded_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET job_id = $2, outcome = $3, recorded_at = $4`,
		key, jobID, outcome, now,
	)
	return err
}

// GetIdempotencyRecord returns the record for key, or nil when absent.
func (s *PGStore) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := s.pool.QueryRow(ctx,
		`SELECT key, job_id, outcome, recorded_at
		 FROM _foreman_idempotency WHERE key = $1`, key,
	).Scan(&rec.Key, &rec.JobID, &rec.Outcome, &rec.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PruneIdempotencyRecords deletes records older than the cutoff.
func (s *PGStore) PruneIdempotencyRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM _foreman_idempotency WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Stats returns aggregate counts by status.
func (s *PGStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByStatus: make(map[Status]int)}

	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(active_executions), 0),
		        COALESCE(SUM(CASE WHEN breaker_open THEN 1 ELSE 0 END), 0)
		 FROM _foreman_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status Status
		var count, activeSum, breakerSum int
		if err := rows.Scan(&status, &count, &activeSum, &breakerSum); err != nil {
			return nil, err
		}
		st.ByStatus[status] = count
		st.Total += count
		st.ActiveExecutions += activeSum
		st.BreakersOpen += breakerSum
	}
	return st, rows.Err()
}
