package jobs

import (
	"time"
)

// Status is the lifecycle state of a job. Status values form a closed set;
// every mutation goes through Transition, which enforces the legal edges.
type Status string

const (
	StatusCreated        Status = "created"
	StatusReady          Status = "ready"
	StatusScheduled      Status = "scheduled"
	StatusRunning        Status = "running"
	StatusSucceeded      Status = "succeeded"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusTimedOut       Status = "timed_out"
	StatusCancelled      Status = "cancelled"
	StatusCircuitOpen    Status = "circuit_open"
	StatusPaused         Status = "paused"
	StatusDisabled       Status = "disabled"
	StatusArchived       Status = "archived"
	StatusAwaitingDeps   Status = "awaiting_dependencies"
	StatusBlocked        Status = "blocked"
	StatusAwaitingSlot   Status = "awaiting_slot"
	StatusRetrying       Status = "retrying"
	StatusInterrupted    Status = "interrupted"
	StatusPostProcessing Status = "post_processing"
)

// AllStatuses lists every status value, in a stable order. Used by the SQL
// CHECK constraint test and by API-level validation.
var AllStatuses = []Status{
	StatusCreated, StatusReady, StatusScheduled, StatusRunning,
	StatusSucceeded, StatusCompleted, StatusFailed, StatusTimedOut,
	StatusCancelled, StatusCircuitOpen, StatusPaused, StatusDisabled,
	StatusArchived, StatusAwaitingDeps, StatusBlocked, StatusAwaitingSlot,
	StatusRetrying, StatusInterrupted, StatusPostProcessing,
}

// ValidStatus reports whether s is one of the known status values.
func ValidStatus(s Status) bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Type is the job category. Each type carries its own execution defaults.
type Type string

const (
	TypeETL         Type = "etl"
	TypeBatch       Type = "batch"
	TypeWebhook     Type = "webhook"
	TypeMonitoring  Type = "monitoring"
	TypeMaintenance Type = "maintenance"
	TypeReport      Type = "report"
	TypeCustom      Type = "custom"
)

// TypeConfig holds per-type execution defaults, looked up by ConfigFor.
type TypeConfig struct {
	DefaultTimeout     time.Duration
	DefaultMaxAttempts int
	DefaultPriority    int
	AllowConcurrent    bool
	BackoffMultiplier  float64
}

// typeConfigs is the per-type defaults table. Behavior that varies by job
// type lives here rather than in conditionals scattered through the code.
var typeConfigs = map[Type]TypeConfig{
	TypeETL:         {DefaultTimeout: 15 * time.Minute, DefaultMaxAttempts: 3, DefaultPriority: 50, AllowConcurrent: false, BackoffMultiplier: 2.0},
	TypeBatch:       {DefaultTimeout: 30 * time.Minute, DefaultMaxAttempts: 3, DefaultPriority: 30, AllowConcurrent: true, BackoffMultiplier: 1.5},
	TypeWebhook:     {DefaultTimeout: 30 * time.Second, DefaultMaxAttempts: 5, DefaultPriority: 70, AllowConcurrent: true, BackoffMultiplier: 1.0},
	TypeMonitoring:  {DefaultTimeout: 1 * time.Minute, DefaultMaxAttempts: 2, DefaultPriority: 90, AllowConcurrent: true, BackoffMultiplier: 1.0},
	TypeMaintenance: {DefaultTimeout: 10 * time.Minute, DefaultMaxAttempts: 2, DefaultPriority: 10, AllowConcurrent: false, BackoffMultiplier: 1.0},
	TypeReport:      {DefaultTimeout: 20 * time.Minute, DefaultMaxAttempts: 3, DefaultPriority: 40, AllowConcurrent: true, BackoffMultiplier: 1.5},
	TypeCustom:      {DefaultTimeout: 5 * time.Minute, DefaultMaxAttempts: 3, DefaultPriority: 50, AllowConcurrent: true, BackoffMultiplier: 1.0},
}

// ConfigFor returns the defaults table entry for t, falling back to the
// custom type for unknown values.
func ConfigFor(t Type) TypeConfig {
	if cfg, ok := typeConfigs[t]; ok {
		return cfg
	}
	return typeConfigs[TypeCustom]
}

// ValidType reports whether t is a known job type.
func ValidType(t Type) bool {
	_, ok := typeConfigs[t]
	return ok
}

// Job is a schedulable unit of work, a row in _foreman_jobs.
//
// Exactly one of CronExpr and RunOnceAt is set. Version is the optimistic
// concurrency counter: every persisted update must carry the version it
// read, and loses with ErrVersionConflict if another writer got there first.
type Job struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   Type   `json:"type"`
	Status Status `json:"status"`

	// Priority drives dispatch order: higher runs sooner. Ties break on
	// CreatedAt, oldest first.
	Priority int    `json:"priority"`
	Group    string `json:"group,omitempty"`

	CronExpr   string     `json:"cronExpr,omitempty"`
	Timezone   string     `json:"timezone,omitempty"`
	RunOnceAt  *time.Time `json:"runOnceAt,omitempty"`
	Parameters Params     `json:"parameters,omitempty"`

	TimeoutSeconds int `json:"timeoutSeconds"`
	MaxAttempts    int `json:"maxAttempts"`
	Attempts       int `json:"attempts"`
	// MaxConcurrent caps simultaneous executions of this one job.
	// Zero means unlimited.
	MaxConcurrent    int `json:"maxConcurrent,omitempty"`
	ActiveExecutions int `json:"activeExecutions"`

	TotalExecutions int     `json:"totalExecutions"`
	TotalSuccesses  int     `json:"totalSuccesses"`
	TotalFailures   int     `json:"totalFailures"`
	LastError       *string `json:"lastError,omitempty"`
	LastDurationMs  *int64  `json:"lastDurationMs,omitempty"`

	BreakerOpen         bool       `json:"breakerOpen"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	BreakerOpenedAt     *time.Time `json:"breakerOpenedAt,omitempty"`

	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	NextRetryAt  *time.Time `json:"nextRetryAt,omitempty"`
	TimeoutAt    *time.Time `json:"timeoutAt,omitempty"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int64     `json:"version"`
}

// Params is the opaque key-value payload handed to the job body.
type Params map[string]string

// Recurring reports whether the job re-arms itself from a cron expression.
func (j *Job) Recurring() bool { return j.CronExpr != "" }

// DependencyKind says what state a dependency must reach before the
// dependent job becomes eligible.
type DependencyKind string

const (
	// DependsOnSuccess requires the dependency to have succeeded.
	DependsOnSuccess DependencyKind = "on_success"
	// DependsOnCompletion requires the dependency to have fully completed,
	// including any post-processing.
	DependsOnCompletion DependencyKind = "on_completion"
	// DependsOnAnyTerminal is satisfied by any terminal state, regardless
	// of outcome.
	DependsOnAnyTerminal DependencyKind = "on_any_terminal"
)

// ValidDependencyKind reports whether k is a known dependency kind.
func ValidDependencyKind(k DependencyKind) bool {
	switch k {
	case DependsOnSuccess, DependsOnCompletion, DependsOnAnyTerminal:
		return true
	}
	return false
}

// DependencyEdge is a directed precondition: JobID may not run until
// DependsOnID satisfies Kind. Edges are owned by the declaring job and
// cascade-deleted with it.
type DependencyEdge struct {
	JobID       string         `json:"jobId"`
	DependsOnID string         `json:"dependsOnId"`
	Kind        DependencyKind `json:"kind"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// AttemptOutcome is the result of a single execution attempt.
type AttemptOutcome string

const (
	OutcomeRunning   AttemptOutcome = "running"
	OutcomeSucceeded AttemptOutcome = "succeeded"
	OutcomeFailed    AttemptOutcome = "failed"
	OutcomeTimedOut  AttemptOutcome = "timed_out"
	OutcomeCancelled AttemptOutcome = "cancelled"
)

// ExecutionAttempt is the immutable audit record of one run. It is created
// when the attempt starts and closed exactly once when it ends.
type ExecutionAttempt struct {
	ID             string         `json:"id"`
	JobID          string         `json:"jobId"`
	AttemptNumber  int            `json:"attemptNumber"`
	StartedAt      time.Time      `json:"startedAt"`
	EndedAt        *time.Time     `json:"endedAt,omitempty"`
	Outcome        AttemptOutcome `json:"outcome"`
	ErrorMessage   *string        `json:"errorMessage,omitempty"`
	DurationMs     *int64         `json:"durationMs,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

// IdempotencyRecord maps a deterministic key to the most recent execution
// outcome for that key. A succeeded record within the dedupe TTL suppresses
// re-execution.
type IdempotencyRecord struct {
	Key        string         `json:"key"`
	JobID      string         `json:"jobId"`
	Outcome    AttemptOutcome `json:"outcome"`
	RecordedAt time.Time      `json:"recordedAt"`
}

// Filter narrows job listings. Zero values mean "no constraint".
type Filter struct {
	Statuses   []Status
	Type       Type
	Group      string
	ActiveOnly bool
}

// Stats holds aggregate job counts by status plus in-flight totals.
type Stats struct {
	ByStatus         map[Status]int `json:"byStatus"`
	Total            int            `json:"total"`
	ActiveExecutions int            `json:"activeExecutions"`
	BreakersOpen     int            `json:"breakersOpen"`
}
