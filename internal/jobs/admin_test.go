package jobs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foremanhq/foreman/internal/jobs"
	"github.com/foremanhq/foreman/internal/testutil"
)

func newAdminService(t *testing.T) (*jobs.Service, *jobs.MemStore) {
	t.Helper()
	store := jobs.NewMemStore()
	svc := jobs.NewService(store, testutil.DiscardLogger(), jobs.DefaultServiceConfig())
	return svc, store
}

// forceStatus writes a status directly through the store, bypassing the
// state machine. Test setup only.
func forceStatus(t *testing.T, store jobs.Store, id string, status jobs.Status) {
	t.Helper()
	j, err := store.Get(context.Background(), id)
	testutil.NoError(t, err)
	j.Status = status
	_, err = store.Update(context.Background(), j)
	testutil.NoError(t, err)
}

func TestCreateJobValidation(t *testing.T) {
	svc, _ := newAdminService(t)
	ctx := context.Background()
	once := time.Now().UTC().Add(time.Hour)

	cases := []struct {
		name string
		in   jobs.CreateJobInput
	}{
		{"missing name", jobs.CreateJobInput{Type: jobs.TypeCustom, RunOnceAt: &once}},
		{"unknown type", jobs.CreateJobInput{Name: "x", Type: "mystery", RunOnceAt: &once}},
		{"no schedule", jobs.CreateJobInput{Name: "x", Type: jobs.TypeCustom}},
		{"both schedules", jobs.CreateJobInput{Name: "x", Type: jobs.TypeCustom, CronExpr: "* * * * *", RunOnceAt: &once}},
		{"bad cron", jobs.CreateJobInput{Name: "x", Type: jobs.TypeCustom, CronExpr: "not cron"}},
		{"bad timezone", jobs.CreateJobInput{Name: "x", Type: jobs.TypeCustom, CronExpr: "* * * * *", Timezone: "Mars/Olympus"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateJob(ctx, tc.in)
			if !errors.Is(err, jobs.ErrInvalidDefinition) {
				t.Errorf("got %v, want ErrInvalidDefinition", err)
			}
		})
	}
}

func TestCreateJobAppliesTypeDefaults(t *testing.T) {
	svc, _ := newAdminService(t)
	ctx := context.Background()
	once := time.Now().UTC().Add(time.Hour)

	j, err := svc.CreateJob(ctx, jobs.CreateJobInput{
		Name:       "orders-extract",
		Type:       jobs.TypeETL,
		RunOnceAt:  &once,
		Parameters: jobs.Params{"dataset": "orders"},
	})
	testutil.NoError(t, err)

	testutil.Equal(t, jobs.StatusScheduled, j.Status)
	testutil.Equal(t, 50, j.Priority)
	testutil.Equal(t, 900, j.TimeoutSeconds)
	testutil.Equal(t, 3, j.MaxAttempts)
	// etl does not allow concurrent executions of the same job.
	testutil.Equal(t, 1, j.MaxConcurrent)
	testutil.True(t, j.Active)
	testutil.NotNil(t, j.ScheduledFor)
	testutil.Equal(t, once, *j.ScheduledFor)
}

func TestCreateJobRecurringComputesFirstFire(t *testing.T) {
	svc, _ := newAdminService(t)

	j, err := svc.CreateJob(context.Background(), jobs.CreateJobInput{
		Name:     "nightly-report",
		Type:     jobs.TypeReport,
		CronExpr: "0 2 * * *",
	})
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusScheduled, j.Status)
	testutil.NotNil(t, j.ScheduledFor)
	testutil.True(t, j.ScheduledFor.After(time.Now().UTC()))
}

func TestCreateJobExplicitOverrides(t *testing.T) {
	svc, _ := newAdminService(t)
	once := time.Now().UTC().Add(time.Hour)
	priority := 85

	j, err := svc.CreateJob(context.Background(), jobs.CreateJobInput{
		Name:        "tuned",
		Type:        jobs.TypeBatch,
		RunOnceAt:   &once,
		Priority:    &priority,
		TimeoutSecs: 42,
		MaxAttempts: 7,
	})
	testutil.NoError(t, err)
	testutil.Equal(t, 85, j.Priority)
	testutil.Equal(t, 42, j.TimeoutSeconds)
	testutil.Equal(t, 7, j.MaxAttempts)
}

func TestUpdateJobRejectsRunning(t *testing.T) {
	svc, store := newAdminService(t)
	ctx := context.Background()
	once := time.Now().UTC().Add(time.Hour)

	j, err := svc.CreateJob(ctx, jobs.CreateJobInput{Name: "x", Type: jobs.TypeCustom, RunOnceAt: &once})
	testutil.NoError(t, err)
	forceStatus(t, store, j.ID, jobs.StatusRunning)

	name := "renamed"
	_, err = svc.UpdateJob(ctx, j.ID, jobs.UpdateJobInput{Name: &name})
	if !errors.Is(err, jobs.ErrJobRunning) {
		t.Fatalf("got %v, want ErrJobRunning", err)
	}
}

func TestUpdateJobSwitchesSchedule(t *testing.T) {
	svc, _ := newAdminService(t)
	ctx := context.Background()
	once := time.Now().UTC().Add(time.Hour)

	j, err := svc.CreateJob(ctx, jobs.CreateJobInput{Name: "x", Type: jobs.TypeCustom, RunOnceAt: &once})
	testutil.NoError(t, err)

	cron := "*/10 * * * *"
	updated, err := svc.UpdateJob(ctx, j.ID, jobs.UpdateJobInput{CronExpr: &cron})
	testutil.NoError(t, err)
	testutil.Equal(t, cron, updated.CronExpr)
	testutil.Nil(t, updated.RunOnceAt)
	testutil.NotNil(t, updated.ScheduledFor)
}

func TestDeleteJobRejectsRunning(t *testing.T) {
	svc, store := newAdminService(t)
	ctx := context.Background()
	once := time.Now().UTC().Add(time.Hour)

	j, err := svc.CreateJob(ctx, jobs.CreateJobInput{Name: "x", Type: jobs.TypeCustom, RunOnceAt: &once})
	testutil.NoError(t, err)
	forceStatus(t, store, j.ID, jobs.StatusRunning)

	if err := svc.DeleteJob(ctx, j.ID); !errors.Is(err, jobs.ErrJobRunning) {
		t.Fatalf("got %v, want ErrJobRunning", err)
	}

	forceStatus(t, store, j.ID, jobs.StatusFailed)
	testutil.NoError(t, svc.DeleteJob(ctx, j.ID))
	_, err = svc.GetJob(ctx, j.ID)
	if !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("got %v, want ErrJobNotFound", err)
	}
}

func TestTriggerNowPromotesToReady(t *testing.T) {
	svc, store := newAdminService(t)
	ctx := context.Background()
	once := time.Now().UTC().Add(time.Hour)

	j, err := svc.CreateJob(ctx, jobs.CreateJobInput{Name: "x", Type: jobs.TypeCustom, RunOnceAt: &once})
	testutil.NoError(t, err)

	triggered, err := svc.TriggerNow(ctx, j.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusReady, triggered.Status)
	testutil.Nil(t, triggered.ScheduledFor)

	// Failed jobs can be re-triggered too.
	forceStatus(t, store, j.ID, jobs.StatusFailed)
	triggered, err = svc.TriggerNow(ctx, j.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusReady, triggered.Status)
}

func TestTriggerNowRefusedWhileBreakerOpen(t *testing.T) {
	svc, store := newAdminService(t)
	ctx := context.Background()
	once := time.Now().UTC().Add(time.Hour)

	j, err := svc.CreateJob(ctx, jobs.CreateJobInput{Name: "x", Type: jobs.TypeCustom, RunOnceAt: &once})
	testutil.NoError(t, err)

	openedAt := time.Now().UTC().Add(-time.Minute)
	cur, err := store.Get(ctx, j.ID)
	testutil.NoError(t, err)
	cur.Status = jobs.StatusCircuitOpen
	cur.BreakerOpen = true
	cur.BreakerOpenedAt = &openedAt
	cur.ConsecutiveFailures = 5
	_, err = store.Update(ctx, cur)
	testutil.NoError(t, err)

	_, err = svc.TriggerNow(ctx, j.ID)
	var coe *jobs.CircuitOpenError
	if !errors.As(err, &coe) {
		t.Fatalf("got %v, want CircuitOpenError", err)
	}
	testutil.Equal(t, j.ID, coe.JobID)

	// Once the cool-down elapses, the trigger doubles as the half-open
	// probe: breaker closes but the failure count is preserved.
	cur, err = store.Get(ctx, j.ID)
	testutil.NoError(t, err)
	old := time.Now().UTC().Add(-10 * time.Minute)
	cur.BreakerOpenedAt = &old
	_, err = store.Update(ctx, cur)
	testutil.NoError(t, err)

	probed, err := svc.TriggerNow(ctx, j.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusReady, probed.Status)
	testutil.False(t, probed.BreakerOpen)
	testutil.Equal(t, 5, probed.ConsecutiveFailures)
}

func TestCancelJobAtRest(t *testing.T) {
	svc, _ := newAdminService(t)
	ctx := context.Background()
	once := time.Now().UTC().Add(time.Hour)

	j, err := svc.CreateJob(ctx, jobs.CreateJobInput{Name: "x", Type: jobs.TypeCustom, RunOnceAt: &once})
	testutil.NoError(t, err)

	cancelled, err := svc.CancelJob(ctx, j.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusCancelled, cancelled.Status)
	testutil.NotNil(t, cancelled.CompletedAt)

	// Terminal: cancelling again is illegal.
	_, err = svc.CancelJob(ctx, j.ID)
	testutil.True(t, jobs.IsIllegalTransition(err))
}

func TestPauseResume(t *testing.T) {
	svc, _ := newAdminService(t)
	ctx := context.Background()

	recurring, err := svc.CreateJob(ctx, jobs.CreateJobInput{Name: "cron", Type: jobs.TypeCustom, CronExpr: "0 * * * *"})
	testutil.NoError(t, err)

	paused, err := svc.PauseJob(ctx, recurring.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusPaused, paused.Status)

	resumed, err := svc.ResumeJob(ctx, recurring.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusScheduled, resumed.Status)
	testutil.NotNil(t, resumed.ScheduledFor)

	once := time.Now().UTC().Add(time.Hour)
	oneShot, err := svc.CreateJob(ctx, jobs.CreateJobInput{Name: "once", Type: jobs.TypeCustom, RunOnceAt: &once})
	testutil.NoError(t, err)
	_, err = svc.PauseJob(ctx, oneShot.ID)
	testutil.NoError(t, err)
	resumed, err = svc.ResumeJob(ctx, oneShot.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusReady, resumed.Status)
}

func TestDisableAndArchive(t *testing.T) {
	svc, _ := newAdminService(t)
	ctx := context.Background()
	once := time.Now().UTC().Add(time.Hour)

	j, err := svc.CreateJob(ctx, jobs.CreateJobInput{Name: "x", Type: jobs.TypeCustom, RunOnceAt: &once})
	testutil.NoError(t, err)

	disabled, err := svc.DisableJob(ctx, j.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusDisabled, disabled.Status)
	testutil.False(t, disabled.Active)

	// Archiving requires pausing first.
	k, err := svc.CreateJob(ctx, jobs.CreateJobInput{Name: "y", Type: jobs.TypeCustom, RunOnceAt: &once})
	testutil.NoError(t, err)
	_, err = svc.ArchiveJob(ctx, k.ID)
	testutil.True(t, jobs.IsIllegalTransition(err))

	_, err = svc.PauseJob(ctx, k.ID)
	testutil.NoError(t, err)
	archived, err := svc.ArchiveJob(ctx, k.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusArchived, archived.Status)
}

func TestDisableScheduledJob(t *testing.T) {
	svc, store := newAdminService(t)
	ctx := context.Background()

	j, err := svc.CreateJob(ctx, jobs.CreateJobInput{Name: "cron", Type: jobs.TypeCustom, CronExpr: "0 * * * *"})
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusScheduled, j.Status)

	disabled, err := svc.DisableJob(ctx, j.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusDisabled, disabled.Status)
	testutil.False(t, disabled.Active)
	testutil.Nil(t, disabled.ScheduledFor)

	// A running execution must be cancelled before the job can be disabled.
	once := time.Now().UTC().Add(time.Hour)
	k, err := svc.CreateJob(ctx, jobs.CreateJobInput{Name: "busy", Type: jobs.TypeCustom, RunOnceAt: &once})
	testutil.NoError(t, err)
	cur, err := store.Get(ctx, k.ID)
	testutil.NoError(t, err)
	cur.Status = jobs.StatusRunning
	_, err = store.Update(ctx, cur)
	testutil.NoError(t, err)

	_, err = svc.DisableJob(ctx, k.ID)
	testutil.True(t, jobs.IsIllegalTransition(err))
}

func TestCancelRunningOnAnotherInstance(t *testing.T) {
	svc, store := newAdminService(t)
	ctx := context.Background()
	once := time.Now().UTC().Add(time.Hour)

	j, err := svc.CreateJob(ctx, jobs.CreateJobInput{Name: "x", Type: jobs.TypeCustom, RunOnceAt: &once})
	testutil.NoError(t, err)

	// Running per the store with an execution counted, but unknown to this
	// instance's registry.
	cur, err := store.Get(ctx, j.ID)
	testutil.NoError(t, err)
	cur.Status = jobs.StatusRunning
	cur.ActiveExecutions = 1
	_, err = store.Update(ctx, cur)
	testutil.NoError(t, err)

	cancelled, err := svc.CancelJob(ctx, j.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusCancelled, cancelled.Status)
	testutil.Equal(t, 0, cancelled.ActiveExecutions)
	testutil.NotNil(t, cancelled.CompletedAt)
}

func TestResetBreaker(t *testing.T) {
	svc, store := newAdminService(t)
	ctx := context.Background()
	once := time.Now().UTC().Add(time.Hour)

	j, err := svc.CreateJob(ctx, jobs.CreateJobInput{Name: "x", Type: jobs.TypeCustom, RunOnceAt: &once})
	testutil.NoError(t, err)

	_, err = svc.ResetBreaker(ctx, j.ID)
	testutil.ErrorContains(t, err, "breaker is not open")

	openedAt := time.Now().UTC()
	cur, err := store.Get(ctx, j.ID)
	testutil.NoError(t, err)
	cur.Status = jobs.StatusCircuitOpen
	cur.BreakerOpen = true
	cur.BreakerOpenedAt = &openedAt
	cur.ConsecutiveFailures = 5
	_, err = store.Update(ctx, cur)
	testutil.NoError(t, err)

	reset, err := svc.ResetBreaker(ctx, j.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusReady, reset.Status)
	testutil.False(t, reset.BreakerOpen)
	testutil.Equal(t, 0, reset.ConsecutiveFailures)
}

func TestAddDependencyValidates(t *testing.T) {
	svc, _ := newAdminService(t)
	ctx := context.Background()
	once := time.Now().UTC().Add(time.Hour)

	a, err := svc.CreateJob(ctx, jobs.CreateJobInput{Name: "a", Type: jobs.TypeCustom, RunOnceAt: &once})
	testutil.NoError(t, err)
	b, err := svc.CreateJob(ctx, jobs.CreateJobInput{Name: "b", Type: jobs.TypeCustom, RunOnceAt: &once})
	testutil.NoError(t, err)

	err = svc.AddDependency(ctx, a.ID, b.ID, "whenever")
	if !errors.Is(err, jobs.ErrInvalidDefinition) {
		t.Fatalf("got %v, want ErrInvalidDefinition", err)
	}

	testutil.NoError(t, svc.AddDependency(ctx, a.ID, b.ID, jobs.DependsOnSuccess))
	if err := svc.AddDependency(ctx, b.ID, a.ID, jobs.DependsOnSuccess); !errors.Is(err, jobs.ErrDependencyCycle) {
		t.Fatalf("got %v, want ErrDependencyCycle", err)
	}

	edges, err := svc.Dependencies(ctx, a.ID)
	testutil.NoError(t, err)
	testutil.SliceLen(t, edges, 1)

	testutil.NoError(t, svc.RemoveDependency(ctx, a.ID, b.ID))
}
