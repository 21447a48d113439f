package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ServiceConfig holds runtime parameters for the scheduling service.
type ServiceConfig struct {
	PollInterval          time.Duration
	WorkerSlots           int64
	DispatchBatch         int
	BreakerThreshold      int
	BreakerCoolDown       time.Duration
	IdempotencyTTL        time.Duration
	DependencyWaitTimeout time.Duration
	ShutdownTimeout       time.Duration
	WorkerID              string
}

// DefaultServiceConfig returns production defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		PollInterval:          1 * time.Second,
		WorkerSlots:           8,
		DispatchBatch:         16,
		BreakerThreshold:      DefaultBreakerThreshold,
		BreakerCoolDown:       DefaultBreakerCoolDown,
		IdempotencyTTL:        DefaultIdempotencyTTL,
		DependencyWaitTimeout: DefaultDependencyWaitTimeout,
		ShutdownTimeout:       30 * time.Second,
		WorkerID:              fmt.Sprintf("foreman-%d", time.Now().UnixNano()),
	}
}

// activeRun tracks one in-flight execution so cancellation requests and the
// timeout sweep can reach it.
type activeRun struct {
	cancel        context.CancelFunc
	userCancelled atomic.Bool
}

// Service is the scheduling supervisor: one polling loop drives candidate
// selection and sweeps, and job bodies run concurrently on a bounded set
// of execution slots. No lock is held across a full selection+dispatch
// cycle; every job mutation is an individual version CAS against the
// store, so racing scheduler instances resolve each job to one winner.
type Service struct {
	store    Store
	logger   *slog.Logger
	cfg      ServiceConfig
	registry *Registry
	breaker  BreakerPolicy
	retry    RetryPolicy
	guard    *Guard
	resolver *Resolver
	metrics  *Metrics
	slots    *semaphore.Weighted

	cancel context.CancelFunc
	wg     sync.WaitGroup

	activeMu sync.Mutex
	active   map[string]*activeRun // job id -> in-flight run
}

// NewService creates a Service over the given store.
func NewService(store Store, logger *slog.Logger, cfg ServiceConfig) *Service {
	if cfg.WorkerSlots <= 0 {
		cfg.WorkerSlots = DefaultServiceConfig().WorkerSlots
	}
	if cfg.DispatchBatch <= 0 {
		cfg.DispatchBatch = DefaultServiceConfig().DispatchBatch
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultServiceConfig().PollInterval
	}
	if cfg.DependencyWaitTimeout <= 0 {
		cfg.DependencyWaitTimeout = DefaultDependencyWaitTimeout
	}
	return &Service{
		store:    store,
		logger:   logger,
		cfg:      cfg,
		registry: NewRegistry(),
		breaker:  NewBreakerPolicy(cfg.BreakerThreshold, cfg.BreakerCoolDown),
		retry:    NewRetryPolicy(),
		guard:    NewGuard(store, cfg.IdempotencyTTL),
		resolver: NewResolver(store),
		metrics:  NewMetrics(),
		slots:    semaphore.NewWeighted(cfg.WorkerSlots),
		active:   make(map[string]*activeRun),
	}
}

// RegisterHandler installs the handler for a job type.
func (s *Service) RegisterHandler(t Type, h Handler) {
	s.registry.Register(t, h)
}

// Store exposes the underlying store for collaborators (handlers, server).
func (s *Service) Store() Store { return s.store }

// Metrics exposes the service metrics.
func (s *Service) Metrics() *Metrics { return s.metrics }

// Start launches the polling loop.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.pollLoop(ctx)
	s.logger.Info("scheduler started",
		"poll_interval", s.cfg.PollInterval,
		"worker_slots", s.cfg.WorkerSlots,
		"breaker_threshold", s.breaker.Threshold,
		"breaker_cooldown", s.breaker.CoolDown,
	)
}

// Stop signals the poll loop and in-flight handlers to stop, then waits up
// to ShutdownTimeout. Handlers that honor cancellation are recorded as
// interrupted so the retry sweep picks them up after restart.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("shutdown timeout elapsed with executions still in flight")
	}
	s.logger.Info("scheduler stopped")
}

func (s *Service) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one full poll cycle. Every sweep isolates per-job errors: a
// single job failing to update never halts the cycle for the others.
func (s *Service) tick(ctx context.Context) {
	now := time.Now().UTC()
	s.sweepTimedOut(ctx, now)
	s.sweepBreakers(ctx, now)
	s.sweepDependencies(ctx, now)
	s.sweepAwaitingSlot(ctx)
	s.sweepRetries(ctx, now)
	s.sweepRearm(ctx, now)
	s.dispatchReady(ctx, now)
}

// updateJob re-reads and re-applies fn under version CAS, bounded retries.
// fn returning an error abandons the update (typically an illegal
// transition after another writer got there first).
func (s *Service) updateJob(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	for i := 0; i < 3; i++ {
		j, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(j); err != nil {
			return nil, err
		}
		updated, err := s.store.Update(ctx, j)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return updated, err
	}
	return nil, ErrVersionConflict
}

// sweepTimedOut force-fails in-flight jobs whose timeoutAt has passed.
// The running handler may never observe its cancellation signal; the sweep
// is what guarantees a wedged execution cannot hold a job forever.
func (s *Service) sweepTimedOut(ctx context.Context, now time.Time) {
	jobs, err := s.store.SelectTimedOut(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to select timed-out jobs", "error", err)
		}
		return
	}
	for i := range jobs {
		j := &jobs[i]
		updated, err := s.updateJob(ctx, j.ID, func(cur *Job) error {
			if err := Transition(cur, StatusTimedOut); err != nil {
				return err
			}
			s.recordFailureFields(cur, "execution timed out", now)
			opened := s.breaker.RecordFailure(cur, now)
			cur.TimeoutAt = nil
			if opened {
				// timed_out has no edge to circuit_open; the breaker takes
				// effect on the next failure sweep via breaker_open=true,
				// which already excludes the job from selection.
				s.metrics.BreakerOpened.Inc(1)
			} else if d := s.retry.Decide(cur, Retryable(errors.New("timeout")), now); d.Retry {
				if err := Transition(cur, StatusRetrying); err != nil {
					return err
				}
				retryAt := d.RetryAt
				cur.NextRetryAt = &retryAt
			} else if cur.Recurring() {
				s.rearmFields(cur, now)
			}
			return nil
		})
		if err != nil {
			s.skipOrLog(ctx, err, j.ID, "timeout sweep")
			continue
		}
		s.metrics.TimedOut.Inc(1)
		s.closeOpenAttempt(ctx, j.ID, OutcomeTimedOut, "execution timed out", now)
		s.cancelActive(j.ID, false)
		s.logger.Warn("job timed out", "job_id", j.ID, "attempt", updated.Attempts)
	}
}

// sweepBreakers half-opens breakers whose cool-down has elapsed: the job
// returns to ready with the failure count preserved, so the probe
// dispatch's outcome either closes the breaker (success) or re-opens it
// with a fresh timestamp (failure).
func (s *Service) sweepBreakers(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.breaker.CoolDown)
	jobs, err := s.store.SelectCircuitOpenBefore(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to select cooled-down breakers", "error", err)
		}
		return
	}
	for i := range jobs {
		j := &jobs[i]
		_, err := s.updateJob(ctx, j.ID, func(cur *Job) error {
			if err := Transition(cur, StatusReady); err != nil {
				return err
			}
			s.breaker.HalfOpen(cur)
			return nil
		})
		if err != nil {
			s.skipOrLog(ctx, err, j.ID, "breaker sweep")
			continue
		}
		s.logger.Info("circuit breaker half-open", "job_id", j.ID,
			"consecutive_failures", j.ConsecutiveFailures)
	}
}

// sweepDependencies re-evaluates jobs held on dependency edges.
func (s *Service) sweepDependencies(ctx context.Context, now time.Time) {
	waiting, err := s.store.SelectAwaitingDeps(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to select dependency-gated jobs", "error", err)
		}
		return
	}
	for i := range waiting {
		j := &waiting[i]
		state, err := s.resolver.Evaluate(ctx, j.ID)
		if err != nil {
			s.logger.Error("failed to evaluate dependencies", "job_id", j.ID, "error", err)
			continue
		}
		switch {
		case state == DepsReady:
			_, err = s.updateJob(ctx, j.ID, func(cur *Job) error {
				if err := Transition(cur, StatusReady); err != nil {
					return err
				}
				cur.TimeoutAt = nil
				return nil
			})
		case state == DepsImpossible:
			_, err = s.updateJob(ctx, j.ID, func(cur *Job) error {
				return Transition(cur, StatusBlocked)
			})
		case j.TimeoutAt != nil && j.TimeoutAt.Before(now):
			// The dependency wait is bounded; a job never waits forever.
			_, err = s.updateJob(ctx, j.ID, func(cur *Job) error {
				if err := Transition(cur, StatusTimedOut); err != nil {
					return err
				}
				cur.TotalFailures++
				msg := "dependency wait timed out"
				cur.LastError = &msg
				cur.TimeoutAt = nil
				return nil
			})
			if err == nil {
				s.metrics.TimedOut.Inc(1)
			}
		default:
			continue
		}
		if err != nil {
			s.skipOrLog(ctx, err, j.ID, "dependency sweep")
		}
	}

	// Blocked jobs become waiting again if the dead dependency goes away
	// (edge removed, or the dependency re-created).
	blocked, err := s.store.List(ctx, Filter{Statuses: []Status{StatusBlocked}}, 0, 0)
	if err != nil {
		return
	}
	for i := range blocked {
		j := &blocked[i]
		state, err := s.resolver.Evaluate(ctx, j.ID)
		if err != nil || state == DepsImpossible {
			continue
		}
		target := StatusAwaitingDeps
		if state == DepsReady {
			target = StatusReady
		}
		if _, err := s.updateJob(ctx, j.ID, func(cur *Job) error {
			return Transition(cur, target)
		}); err != nil {
			s.skipOrLog(ctx, err, j.ID, "blocked sweep")
		}
	}
}

// sweepAwaitingSlot returns slot-starved jobs to ready once capacity frees.
func (s *Service) sweepAwaitingSlot(ctx context.Context) {
	if !s.slots.TryAcquire(1) {
		return // pool still full
	}
	s.slots.Release(1)

	jobs, err := s.store.List(ctx, Filter{Statuses: []Status{StatusAwaitingSlot}}, 0, 0)
	if err != nil {
		return
	}
	for i := range jobs {
		if _, err := s.updateJob(ctx, jobs[i].ID, func(cur *Job) error {
			return Transition(cur, StatusReady)
		}); err != nil {
			s.skipOrLog(ctx, err, jobs[i].ID, "slot sweep")
		}
	}
}

// sweepRetries promotes due retry candidates back to ready so the dispatch
// pass picks them up in priority order alongside fresh work.
func (s *Service) sweepRetries(ctx context.Context, now time.Time) {
	jobs, err := s.store.SelectForRetry(ctx, now, s.cfg.DispatchBatch)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to select retry candidates", "error", err)
		}
		return
	}
	for i := range jobs {
		j := &jobs[i]
		if _, err := s.updateJob(ctx, j.ID, func(cur *Job) error {
			if err := Transition(cur, StatusReady); err != nil {
				return err
			}
			cur.NextRetryAt = nil
			return nil
		}); err != nil {
			s.skipOrLog(ctx, err, j.ID, "retry sweep")
		}
	}
}

// sweepRearm resets failed recurring jobs whose next cron fire has
// arrived. The cron re-trigger is the only thing that refills an exhausted
// retry budget.
func (s *Service) sweepRearm(ctx context.Context, now time.Time) {
	jobs, err := s.store.SelectRearmable(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to select re-armable jobs", "error", err)
		}
		return
	}
	for i := range jobs {
		j := &jobs[i]
		if _, err := s.updateJob(ctx, j.ID, func(cur *Job) error {
			if err := Transition(cur, StatusReady); err != nil {
				return err
			}
			cur.Attempts = 0
			cur.NextRetryAt = nil
			cur.ScheduledFor = nil
			return nil
		}); err != nil {
			s.skipOrLog(ctx, err, j.ID, "rearm sweep")
		}
	}
}

// dispatchReady selects ready candidates in priority order and hands them
// to execution slots. The loop never blocks on a job body: dispatch is a
// CAS plus a goroutine handoff.
func (s *Service) dispatchReady(ctx context.Context, now time.Time) {
	candidates, err := s.store.SelectReady(ctx, now, s.cfg.DispatchBatch)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to select ready jobs", "error", err)
		}
		return
	}

	for i := range candidates {
		c := &candidates[i]

		// Dependency gate.
		edges, err := s.store.EdgesOf(ctx, c.ID)
		if err != nil {
			s.logger.Error("failed to load dependency edges", "job_id", c.ID, "error", err)
			continue
		}
		if len(edges) > 0 {
			state, err := s.resolver.Evaluate(ctx, c.ID)
			if err != nil {
				s.logger.Error("failed to evaluate dependencies", "job_id", c.ID, "error", err)
				continue
			}
			if state != DepsReady {
				s.holdForDependencies(ctx, c, now)
				continue
			}
		}

		// Global pool capacity; per-job limits were filtered in selection.
		if !s.slots.TryAcquire(1) {
			s.markAwaitingSlot(ctx, c)
			break
		}

		dispatched, err := s.updateJob(ctx, c.ID, func(cur *Job) error {
			if err := Transition(cur, StatusRunning); err != nil {
				return err
			}
			if cur.MaxConcurrent > 0 && cur.ActiveExecutions >= cur.MaxConcurrent {
				return fmt.Errorf("job %s at concurrency limit", cur.ID)
			}
			cur.ActiveExecutions++
			cur.Attempts++
			started := now
			cur.StartedAt = &started
			timeout := time.Duration(cur.TimeoutSeconds) * time.Second
			timeoutAt := now.Add(timeout)
			cur.TimeoutAt = &timeoutAt
			cur.NextRetryAt = nil
			cur.ScheduledFor = nil
			return nil
		})
		if err != nil {
			// Lost the race or state moved; this tick simply skips the job.
			s.slots.Release(1)
			s.skipOrLog(ctx, err, c.ID, "dispatch")
			continue
		}

		s.wg.Add(1)
		go s.execute(ctx, dispatched)
	}
}

func (s *Service) holdForDependencies(ctx context.Context, c *Job, now time.Time) {
	_, err := s.updateJob(ctx, c.ID, func(cur *Job) error {
		if cur.Status == StatusScheduled {
			if err := Transition(cur, StatusReady); err != nil {
				return err
			}
		}
		if err := Transition(cur, StatusAwaitingDeps); err != nil {
			return err
		}
		deadline := now.Add(s.cfg.DependencyWaitTimeout)
		cur.TimeoutAt = &deadline
		return nil
	})
	if err != nil {
		s.skipOrLog(ctx, err, c.ID, "dependency hold")
	}
}

func (s *Service) markAwaitingSlot(ctx context.Context, c *Job) {
	_, err := s.updateJob(ctx, c.ID, func(cur *Job) error {
		if cur.Status == StatusScheduled {
			if err := Transition(cur, StatusReady); err != nil {
				return err
			}
		}
		return Transition(cur, StatusAwaitingSlot)
	})
	if err != nil {
		s.skipOrLog(ctx, err, c.ID, "slot hold")
	}
}

// execute runs one attempt on an execution slot and reports the outcome
// back through the state machine, breaker, retry policy and guard.
func (s *Service) execute(ctx context.Context, j *Job) {
	defer s.wg.Done()
	defer s.slots.Release(1)

	key := KeyOf(j)
	now := time.Now().UTC()

	attempt, err := s.store.CreateAttempt(ctx, &ExecutionAttempt{
		JobID:          j.ID,
		AttemptNumber:  j.Attempts,
		IdempotencyKey: key,
	})
	if err != nil {
		s.logger.Error("failed to open attempt record", "job_id", j.ID, "error", err)
		// Still run: the audit record is best-effort, the execution is not.
	}

	claimed, existing, err := s.guard.Acquire(ctx, key, j.ID, now)
	if err != nil {
		s.logger.Error("idempotency claim failed", "job_id", j.ID,
			"idempotency_key", key, "error", err)
		s.finishFailure(ctx, j, attempt, key, false, Retryable(err))
		return
	}
	if !claimed {
		// A completed (or currently running) execution already owns this
		// key within the dedupe window: report the cached outcome and do
		// not invoke the executor.
		s.metrics.Duplicates.Inc(1)
		s.logger.Info("duplicate execution suppressed",
			"job_id", j.ID, "idempotency_key", key,
			"owner_job_id", existing.JobID, "cached_outcome", existing.Outcome)
		s.finishDuplicate(ctx, j, attempt, existing)
		return
	}

	run := &activeRun{}
	timeout := time.Duration(j.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	run.cancel = cancel
	s.activeMu.Lock()
	s.active[j.ID] = run
	s.activeMu.Unlock()
	defer func() {
		cancel()
		s.activeMu.Lock()
		delete(s.active, j.ID)
		s.activeMu.Unlock()
	}()

	s.logger.Info("executing job", "job_id", j.ID, "type", j.Type,
		"attempt", j.Attempts, "idempotency_key", key, "worker", s.cfg.WorkerID)

	start := time.Now()
	execErr := s.registry.Execute(runCtx, j)
	elapsed := time.Since(start)
	s.metrics.Duration.Update(elapsed)

	switch {
	case execErr == nil:
		s.finishSuccess(ctx, j, attempt, key, elapsed)
	case run.userCancelled.Load():
		s.finishCancelled(ctx, j, attempt, key, StatusCancelled)
	case ctx.Err() != nil:
		// Shutdown, not a user cancel: record the interruption so the
		// retry sweep resumes the job after restart.
		s.finishCancelled(ctx, j, attempt, key, StatusInterrupted)
	case errors.Is(execErr, context.DeadlineExceeded):
		s.finishTimedOut(ctx, j, attempt, key, execErr)
	default:
		s.finishFailure(ctx, j, attempt, key, true, execErr)
	}
}

// recordFailureFields updates the failure counters common to every failed
// outcome.
func (s *Service) recordFailureFields(j *Job, msg string, now time.Time) {
	if j.ActiveExecutions > 0 {
		j.ActiveExecutions--
	}
	j.TotalExecutions++
	j.TotalFailures++
	j.LastError = &msg
}

// rearmFields points a failed recurring job at its next cron fire; the
// rearm sweep resets the attempt budget when that time arrives.
func (s *Service) rearmFields(j *Job, now time.Time) {
	next, err := NextFireTime(j.CronExpr, j.Timezone, now)
	if err != nil {
		s.logger.Error("failed to compute next fire time",
			"job_id", j.ID, "cron", j.CronExpr, "error", err)
		return
	}
	j.ScheduledFor = &next
}

func (s *Service) finishSuccess(ctx context.Context, j *Job, attempt *ExecutionAttempt, key string, elapsed time.Duration) {
	now := time.Now().UTC()
	updated, err := s.updateJob(ctx, j.ID, func(cur *Job) error {
		if err := Transition(cur, StatusSucceeded); err != nil {
			return err
		}
		if cur.ActiveExecutions > 0 {
			cur.ActiveExecutions--
		}
		cur.TotalExecutions++
		cur.TotalSuccesses++
		cur.LastError = nil
		ms := elapsed.Milliseconds()
		cur.LastDurationMs = &ms
		cur.TimeoutAt = nil
		s.breaker.RecordSuccess(cur)

		if cur.Recurring() {
			next, err := NextFireTime(cur.CronExpr, cur.Timezone, now)
			if err != nil {
				return err
			}
			if err := Transition(cur, StatusScheduled); err != nil {
				return err
			}
			cur.ScheduledFor = &next
			cur.Attempts = 0
		} else {
			if err := Transition(cur, StatusCompleted); err != nil {
				return err
			}
			done := now
			cur.CompletedAt = &done
		}
		return nil
	})
	if err != nil {
		s.skipOrLog(ctx, err, j.ID, "success report")
		return
	}
	s.metrics.Succeeded.Inc(1)
	s.closeAttempt(ctx, attempt, OutcomeSucceeded, nil, now)
	if err := s.guard.Release(ctx, key, j.ID, OutcomeSucceeded, now); err != nil {
		s.logger.Error("failed to record idempotency outcome",
			"job_id", j.ID, "idempotency_key", key, "error", err)
	}
	s.logger.Info("job succeeded", "job_id", j.ID, "type", j.Type,
		"attempt", j.Attempts, "duration_ms", elapsed.Milliseconds(),
		"status", updated.Status)
}

func (s *Service) finishFailure(ctx context.Context, j *Job, attempt *ExecutionAttempt, key string, claimed bool, execErr error) {
	now := time.Now().UTC()
	msg := execErr.Error()
	var opened bool
	updated, err := s.updateJob(ctx, j.ID, func(cur *Job) error {
		opened = false
		if err := Transition(cur, StatusFailed); err != nil {
			return err
		}
		s.recordFailureFields(cur, msg, now)
		cur.TimeoutAt = nil
		if s.breaker.RecordFailure(cur, now) {
			opened = true
			if err := Transition(cur, StatusCircuitOpen); err != nil {
				return err
			}
			return nil
		}
		if d := s.retry.Decide(cur, execErr, now); d.Retry {
			if err := Transition(cur, StatusRetrying); err != nil {
				return err
			}
			retryAt := d.RetryAt
			cur.NextRetryAt = &retryAt
		} else if cur.Recurring() {
			s.rearmFields(cur, now)
		}
		return nil
	})
	if err != nil {
		s.skipOrLog(ctx, err, j.ID, "failure report")
		return
	}
	s.metrics.Failed.Inc(1)
	if opened {
		s.metrics.BreakerOpened.Inc(1)
		s.logger.Warn("circuit breaker opened", "job_id", j.ID,
			"consecutive_failures", updated.ConsecutiveFailures)
	}
	s.closeAttempt(ctx, attempt, OutcomeFailed, &msg, now)
	if claimed {
		if err := s.guard.Release(ctx, key, j.ID, OutcomeFailed, now); err != nil {
			s.logger.Error("failed to record idempotency outcome",
				"job_id", j.ID, "idempotency_key", key, "error", err)
		}
	}
	s.logger.Warn("job failed", "job_id", j.ID, "type", j.Type,
		"attempt", updated.Attempts, "retryable", IsRetryable(execErr),
		"status", updated.Status, "error", msg)
}

func (s *Service) finishTimedOut(ctx context.Context, j *Job, attempt *ExecutionAttempt, key string, execErr error) {
	now := time.Now().UTC()
	msg := "execution timed out"
	updated, err := s.updateJob(ctx, j.ID, func(cur *Job) error {
		if err := Transition(cur, StatusTimedOut); err != nil {
			return err
		}
		s.recordFailureFields(cur, msg, now)
		cur.TimeoutAt = nil
		if s.breaker.RecordFailure(cur, now) {
			s.metrics.BreakerOpened.Inc(1)
			return nil
		}
		if d := s.retry.Decide(cur, Retryable(execErr), now); d.Retry {
			if err := Transition(cur, StatusRetrying); err != nil {
				return err
			}
			retryAt := d.RetryAt
			cur.NextRetryAt = &retryAt
		} else if cur.Recurring() {
			s.rearmFields(cur, now)
		}
		return nil
	})
	if err != nil {
		s.skipOrLog(ctx, err, j.ID, "timeout report")
		return
	}
	s.metrics.TimedOut.Inc(1)
	s.closeAttempt(ctx, attempt, OutcomeTimedOut, &msg, now)
	if err := s.guard.Release(ctx, key, j.ID, OutcomeTimedOut, now); err != nil {
		s.logger.Error("failed to record idempotency outcome",
			"job_id", j.ID, "idempotency_key", key, "error", err)
	}
	s.logger.Warn("job timed out in handler", "job_id", j.ID,
		"attempt", updated.Attempts)
}

func (s *Service) finishCancelled(ctx context.Context, j *Job, attempt *ExecutionAttempt, key string, target Status) {
	// During shutdown the poll ctx is already cancelled; finish bookkeeping
	// needs a live context of its own.
	finCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	now := time.Now().UTC()
	msg := "execution cancelled"
	if target == StatusInterrupted {
		msg = "execution interrupted by shutdown"
	}
	_, err := s.updateJob(finCtx, j.ID, func(cur *Job) error {
		if err := Transition(cur, target); err != nil {
			return err
		}
		if cur.ActiveExecutions > 0 {
			cur.ActiveExecutions--
		}
		cur.LastError = &msg
		cur.TimeoutAt = nil
		if target == StatusCancelled {
			done := now
			cur.CompletedAt = &done
		}
		return nil
	})
	if err != nil {
		s.skipOrLog(finCtx, err, j.ID, "cancel report")
		return
	}
	s.closeAttempt(finCtx, attempt, OutcomeCancelled, &msg, now)
	if err := s.guard.Release(finCtx, key, j.ID, OutcomeCancelled, now); err != nil {
		s.logger.Error("failed to record idempotency outcome",
			"job_id", j.ID, "idempotency_key", key, "error", err)
	}
	s.logger.Info("job stopped", "job_id", j.ID, "status", target)
}

// finishDuplicate records a no-op duplicate: the cached outcome is the
// result, the executor never ran, and the guard record is left untouched
// because this attempt never owned the key.
func (s *Service) finishDuplicate(ctx context.Context, j *Job, attempt *ExecutionAttempt, existing *IdempotencyRecord) {
	now := time.Now().UTC()
	_, err := s.updateJob(ctx, j.ID, func(cur *Job) error {
		if err := Transition(cur, StatusSucceeded); err != nil {
			return err
		}
		if cur.ActiveExecutions > 0 {
			cur.ActiveExecutions--
		}
		cur.TimeoutAt = nil
		if cur.Recurring() {
			next, err := NextFireTime(cur.CronExpr, cur.Timezone, now)
			if err != nil {
				return err
			}
			if err := Transition(cur, StatusScheduled); err != nil {
				return err
			}
			cur.ScheduledFor = &next
			cur.Attempts = 0
		} else {
			if err := Transition(cur, StatusCompleted); err != nil {
				return err
			}
			done := now
			cur.CompletedAt = &done
		}
		return nil
	})
	if err != nil {
		s.skipOrLog(ctx, err, j.ID, "duplicate report")
		return
	}
	msg := fmt.Sprintf("duplicate: cached %s outcome from job %s", existing.Outcome, existing.JobID)
	s.closeAttempt(ctx, attempt, OutcomeSucceeded, &msg, now)
}

func (s *Service) closeAttempt(ctx context.Context, attempt *ExecutionAttempt, outcome AttemptOutcome, msg *string, now time.Time) {
	if attempt == nil {
		return
	}
	if _, err := s.store.CloseAttempt(ctx, attempt.ID, outcome, msg, now); err != nil {
		s.logger.Error("failed to close attempt record",
			"attempt_id", attempt.ID, "job_id", attempt.JobID, "error", err)
	}
}

// closeOpenAttempt closes a job's most recent attempt if it is still open.
// Used by the timeout sweep, which does not hold the attempt record.
func (s *Service) closeOpenAttempt(ctx context.Context, jobID string, outcome AttemptOutcome, msg string, now time.Time) {
	attempts, err := s.store.ListAttempts(ctx, jobID, 1)
	if err != nil || len(attempts) == 0 {
		return
	}
	if attempts[0].EndedAt != nil {
		return
	}
	if _, err := s.store.CloseAttempt(ctx, attempts[0].ID, outcome, &msg, now); err != nil {
		s.logger.Error("failed to close attempt record",
			"attempt_id", attempts[0].ID, "job_id", jobID, "error", err)
	}
	if key := attempts[0].IdempotencyKey; key != "" {
		if err := s.guard.Release(ctx, key, jobID, outcome, now); err != nil {
			s.logger.Error("failed to record idempotency outcome",
				"job_id", jobID, "idempotency_key", key, "error", err)
		}
	}
}

// cancelActive cancels the in-flight run for jobID, if this instance owns
// one. user marks the cancellation as operator-requested.
func (s *Service) cancelActive(jobID string, user bool) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	run, ok := s.active[jobID]
	if !ok {
		return false
	}
	if user {
		run.userCancelled.Store(true)
	}
	run.cancel()
	return true
}

func (s *Service) skipOrLog(ctx context.Context, err error, jobID, op string) {
	if ctx.Err() != nil {
		return
	}
	switch {
	case errors.Is(err, ErrVersionConflict):
		// A concurrent writer won; this tick simply moves on.
		s.logger.Debug("lost update race", "job_id", jobID, "op", op)
	case IsIllegalTransition(err):
		// State moved underneath us (e.g. the sweep got there first).
		s.logger.Debug("state moved, skipping", "job_id", jobID, "op", op, "reason", err)
	case errors.Is(err, ErrJobNotFound):
		s.logger.Debug("job vanished", "job_id", jobID, "op", op)
	default:
		s.logger.Error("operation failed", "job_id", jobID, "op", op, "error", err)
	}
}
