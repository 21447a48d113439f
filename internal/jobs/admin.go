package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CreateJobInput is the caller-facing definition of a new job. Zero values
// for the execution knobs mean "use the type defaults".
type CreateJobInput struct {
	Name          string     `json:"name"`
	Type          Type       `json:"type"`
	CronExpr      string     `json:"cronExpr,omitempty"`
	Timezone      string     `json:"timezone,omitempty"`
	RunOnceAt     *time.Time `json:"runOnceAt,omitempty"`
	Parameters    Params     `json:"parameters,omitempty"`
	Priority      *int       `json:"priority,omitempty"`
	Group         string     `json:"group,omitempty"`
	TimeoutSecs   int        `json:"timeoutSeconds,omitempty"`
	MaxAttempts   int        `json:"maxAttempts,omitempty"`
	MaxConcurrent int        `json:"maxConcurrent,omitempty"`
}

// UpdateJobInput carries the mutable definition fields. Nil pointers leave
// the current value untouched.
type UpdateJobInput struct {
	Name          *string    `json:"name,omitempty"`
	CronExpr      *string    `json:"cronExpr,omitempty"`
	Timezone      *string    `json:"timezone,omitempty"`
	RunOnceAt     *time.Time `json:"runOnceAt,omitempty"`
	Parameters    Params     `json:"parameters,omitempty"`
	Priority      *int       `json:"priority,omitempty"`
	TimeoutSecs   *int       `json:"timeoutSeconds,omitempty"`
	MaxAttempts   *int       `json:"maxAttempts,omitempty"`
	MaxConcurrent *int       `json:"maxConcurrent,omitempty"`
}

func validateSchedule(cronExpr, tz string, runOnceAt *time.Time) error {
	hasCron := cronExpr != ""
	hasOnce := runOnceAt != nil
	if hasCron == hasOnce {
		return fmt.Errorf("%w: exactly one of cronExpr and runOnceAt must be set", ErrInvalidDefinition)
	}
	if hasCron {
		if !ValidCron(cronExpr) {
			return fmt.Errorf("%w: invalid cron expression %q", ErrInvalidDefinition, cronExpr)
		}
		if tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("%w: unknown timezone %q", ErrInvalidDefinition, tz)
			}
		}
	}
	return nil
}

// CreateJob validates the definition, applies per-type defaults and persists
// the job in its initial schedulable state. Recurring jobs land in scheduled
// with the first cron fire computed; one-shot jobs in scheduled with
// scheduledFor = runOnceAt, so a past timestamp dispatches on the next tick.
func (s *Service) CreateJob(ctx context.Context, in CreateJobInput) (*Job, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if !ValidType(in.Type) {
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidDefinition, in.Type)
	}
	if err := validateSchedule(in.CronExpr, in.Timezone, in.RunOnceAt); err != nil {
		return nil, err
	}

	tc := ConfigFor(in.Type)
	now := time.Now().UTC()
	j := &Job{
		Name:           name,
		Type:           in.Type,
		Status:         StatusCreated,
		Priority:       tc.DefaultPriority,
		Group:          in.Group,
		CronExpr:       in.CronExpr,
		Timezone:       in.Timezone,
		RunOnceAt:      in.RunOnceAt,
		Parameters:     in.Parameters,
		TimeoutSeconds: int(tc.DefaultTimeout / time.Second),
		MaxAttempts:    tc.DefaultMaxAttempts,
		MaxConcurrent:  in.MaxConcurrent,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if in.Priority != nil {
		j.Priority = *in.Priority
	}
	if in.TimeoutSecs > 0 {
		j.TimeoutSeconds = in.TimeoutSecs
	}
	if in.MaxAttempts > 0 {
		j.MaxAttempts = in.MaxAttempts
	}
	if j.MaxConcurrent == 0 && !tc.AllowConcurrent {
		j.MaxConcurrent = 1
	}

	if j.Recurring() {
		next, err := NextFireTime(j.CronExpr, j.Timezone, now)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
		j.ScheduledFor = &next
	} else {
		j.ScheduledFor = in.RunOnceAt
	}
	if err := Transition(j, StatusScheduled); err != nil {
		return nil, err
	}

	created, err := s.store.Create(ctx, j)
	if err != nil {
		return nil, err
	}
	s.metrics.Created.Inc(1)
	s.logger.Info("job created",
		"job_id", created.ID, "name", created.Name, "type", created.Type,
		"scheduled_for", created.ScheduledFor,
	)
	return created, nil
}

// GetJob returns the job by id.
func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Service) ListJobs(ctx context.Context, f Filter, limit, offset int) ([]Job, error) {
	return s.store.List(ctx, f, limit, offset)
}

// UpdateJob applies a partial definition update. Only jobs at rest are
// editable; updating while an execution is in flight would race the
// outcome report.
func (s *Service) UpdateJob(ctx context.Context, id string, in UpdateJobInput) (*Job, error) {
	return s.updateJob(ctx, id, func(cur *Job) error {
		if !Editable(cur.Status) {
			if cur.Status == StatusRunning {
				return ErrJobRunning
			}
			return fmt.Errorf("%w: job %s is %s", ErrJobTerminal, cur.ID, cur.Status)
		}
		if in.Name != nil {
			name := strings.TrimSpace(*in.Name)
			if name == "" {
				return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
			}
			cur.Name = name
		}
		cronExpr := cur.CronExpr
		tz := cur.Timezone
		runOnceAt := cur.RunOnceAt
		if in.CronExpr != nil {
			cronExpr = *in.CronExpr
			if cronExpr != "" {
				runOnceAt = nil
			}
		}
		if in.Timezone != nil {
			tz = *in.Timezone
		}
		if in.RunOnceAt != nil {
			runOnceAt = in.RunOnceAt
			cronExpr = ""
		}
		if err := validateSchedule(cronExpr, tz, runOnceAt); err != nil {
			return err
		}
		scheduleChanged := cronExpr != cur.CronExpr || tz != cur.Timezone || runOnceAt != cur.RunOnceAt
		cur.CronExpr = cronExpr
		cur.Timezone = tz
		cur.RunOnceAt = runOnceAt

		if in.Parameters != nil {
			cur.Parameters = in.Parameters
		}
		if in.Priority != nil {
			cur.Priority = *in.Priority
		}
		if in.TimeoutSecs != nil && *in.TimeoutSecs > 0 {
			cur.TimeoutSeconds = *in.TimeoutSecs
		}
		if in.MaxAttempts != nil && *in.MaxAttempts > 0 {
			cur.MaxAttempts = *in.MaxAttempts
		}
		if in.MaxConcurrent != nil && *in.MaxConcurrent >= 0 {
			cur.MaxConcurrent = *in.MaxConcurrent
		}

		if scheduleChanged {
			if cur.Recurring() {
				next, err := NextFireTime(cur.CronExpr, cur.Timezone, time.Now().UTC())
				if err != nil {
					return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
				}
				cur.ScheduledFor = &next
			} else {
				cur.ScheduledFor = cur.RunOnceAt
			}
		}
		return nil
	})
}

// DeleteJob removes a job and its dependency edges. Jobs with an execution
// in flight must be cancelled first.
func (s *Service) DeleteJob(ctx context.Context, id string) error {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !Deletable(j.Status) {
		return ErrJobRunning
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("job deleted", "job_id", id, "name", j.Name)
	return nil
}

// TriggerNow requests an immediate run, bypassing the schedule. A job behind
// an open breaker is refused with CircuitOpenError unless the cool-down has
// already elapsed, in which case the trigger doubles as the half-open probe.
func (s *Service) TriggerNow(ctx context.Context, id string) (*Job, error) {
	now := time.Now().UTC()
	return s.updateJob(ctx, id, func(cur *Job) error {
		switch cur.Status {
		case StatusReady:
			cur.ScheduledFor = nil
			cur.NextRetryAt = nil
			return nil
		case StatusRunning:
			return ErrJobRunning
		case StatusCircuitOpen:
			if !s.breaker.CoolDownElapsed(cur, now) {
				return &CircuitOpenError{JobID: cur.ID, OpenedAt: *cur.BreakerOpenedAt, RetryAt: s.breaker.OpenUntil(cur)}
			}
			s.breaker.HalfOpen(cur)
		}
		if err := Transition(cur, StatusReady); err != nil {
			return err
		}
		cur.ScheduledFor = nil
		cur.NextRetryAt = nil
		return nil
	})
}

// CancelJob cancels a job. A running execution gets its context cancelled
// and reports the terminal state itself once the handler returns; a job at
// rest moves to cancelled immediately.
func (s *Service) CancelJob(ctx context.Context, id string) (*Job, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status == StatusRunning {
		if s.cancelActive(id, true) {
			s.logger.Info("cancellation signalled to running job", "job_id", id)
			return j, nil
		}
		// Running per the store but not in this instance's registry:
		// another scheduler owns the execution. Fall through to the CAS,
		// which will report an illegal transition if it is still running.
	}
	return s.updateJob(ctx, id, func(cur *Job) error {
		if err := Transition(cur, StatusCancelled); err != nil {
			return err
		}
		if cur.ActiveExecutions > 0 {
			cur.ActiveExecutions--
		}
		done := time.Now().UTC()
		cur.CompletedAt = &done
		cur.TimeoutAt = nil
		cur.NextRetryAt = nil
		return nil
	})
}

// PauseJob holds a job out of scheduling without losing its definition.
func (s *Service) PauseJob(ctx context.Context, id string) (*Job, error) {
	return s.updateJob(ctx, id, func(cur *Job) error {
		return Transition(cur, StatusPaused)
	})
}

// ResumeJob returns a paused job to the schedule. Recurring jobs recompute
// the next fire time; one-shot jobs go straight to ready.
func (s *Service) ResumeJob(ctx context.Context, id string) (*Job, error) {
	now := time.Now().UTC()
	return s.updateJob(ctx, id, func(cur *Job) error {
		if cur.Recurring() {
			next, err := NextFireTime(cur.CronExpr, cur.Timezone, now)
			if err != nil {
				return err
			}
			if err := Transition(cur, StatusScheduled); err != nil {
				return err
			}
			cur.ScheduledFor = &next
			return nil
		}
		return Transition(cur, StatusReady)
	})
}

// DisableJob permanently retires a job. Disabled is terminal; the
// definition stays readable but the job never schedules again.
// Scheduled and ready jobs pass through paused inside the same update,
// keeping the transition table authoritative.
func (s *Service) DisableJob(ctx context.Context, id string) (*Job, error) {
	return s.updateJob(ctx, id, func(cur *Job) error {
		if !CanTransition(cur.Status, StatusDisabled) && CanTransition(cur.Status, StatusPaused) {
			if err := Transition(cur, StatusPaused); err != nil {
				return err
			}
		}
		if err := Transition(cur, StatusDisabled); err != nil {
			return err
		}
		cur.Active = false
		cur.ScheduledFor = nil
		cur.NextRetryAt = nil
		cur.TimeoutAt = nil
		return nil
	})
}

// ArchiveJob archives a paused job, keeping its history while removing it
// from operator listings. Only paused jobs may be archived.
func (s *Service) ArchiveJob(ctx context.Context, id string) (*Job, error) {
	return s.updateJob(ctx, id, func(cur *Job) error {
		if err := Transition(cur, StatusArchived); err != nil {
			return err
		}
		cur.Active = false
		return nil
	})
}

// ResetBreaker force-closes an open circuit breaker and returns the job to
// the schedule with a clean failure count.
func (s *Service) ResetBreaker(ctx context.Context, id string) (*Job, error) {
	now := time.Now().UTC()
	return s.updateJob(ctx, id, func(cur *Job) error {
		if !cur.BreakerOpen && cur.Status != StatusCircuitOpen {
			return fmt.Errorf("job %s: breaker is not open", cur.ID)
		}
		s.breaker.Reset(cur)
		if cur.Status == StatusCircuitOpen {
			if err := Transition(cur, StatusReady); err != nil {
				return err
			}
		}
		if cur.Recurring() && cur.ScheduledFor == nil {
			if next, err := NextFireTime(cur.CronExpr, cur.Timezone, now); err == nil {
				cur.ScheduledFor = &next
			}
		}
		return nil
	})
}

// AddDependency declares that jobID may not run until dependsOnID satisfies
// kind. The edge is rejected if it would close a cycle.
func (s *Service) AddDependency(ctx context.Context, jobID, dependsOnID string, kind DependencyKind) error {
	if !ValidDependencyKind(kind) {
		return fmt.Errorf("%w: unknown dependency kind %q", ErrInvalidDefinition, kind)
	}
	if err := s.resolver.ValidateEdge(ctx, jobID, dependsOnID); err != nil {
		return err
	}
	edge := &DependencyEdge{
		JobID:       jobID,
		DependsOnID: dependsOnID,
		Kind:        kind,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.AddEdge(ctx, edge); err != nil {
		return err
	}
	s.logger.Info("dependency added", "job_id", jobID, "depends_on", dependsOnID, "kind", kind)
	return nil
}

// RemoveDependency drops the edge between jobID and dependsOnID.
func (s *Service) RemoveDependency(ctx context.Context, jobID, dependsOnID string) error {
	return s.store.RemoveEdge(ctx, jobID, dependsOnID)
}

// Dependencies returns the declared edges of a job.
func (s *Service) Dependencies(ctx context.Context, jobID string) ([]DependencyEdge, error) {
	return s.store.EdgesOf(ctx, jobID)
}

// Attempts returns the execution history of a job, newest first.
func (s *Service) Attempts(ctx context.Context, jobID string, limit int) ([]ExecutionAttempt, error) {
	return s.store.ListAttempts(ctx, jobID, limit)
}

// Stats returns aggregate queue counts.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.store.Stats(ctx)
}

// ActiveInGroup reports how many jobs in the group are currently running.
func (s *Service) ActiveInGroup(ctx context.Context, group string) (int, error) {
	return s.store.CountActiveInGroup(ctx, group)
}
