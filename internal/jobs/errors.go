package jobs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobNotFound is returned when a referenced job id does not exist.
	ErrJobNotFound = errors.New("jobs: job not found")

	// ErrVersionConflict means a concurrent writer won the optimistic race.
	// The losing operation is abandoned for this tick, not surfaced to users.
	ErrVersionConflict = errors.New("jobs: version conflict")

	// ErrDependencyCycle is returned when adding an edge would create a cycle.
	ErrDependencyCycle = errors.New("jobs: dependency cycle")

	// ErrEdgeNotFound is returned when a dependency edge does not exist.
	ErrEdgeNotFound = errors.New("jobs: dependency edge not found")

	// ErrAttemptNotFound is returned when an execution attempt id is unknown.
	ErrAttemptNotFound = errors.New("jobs: attempt not found")

	// ErrJobRunning rejects edits or deletes of a job that is currently
	// executing or post-processing.
	ErrJobRunning = errors.New("jobs: job is running")

	// ErrJobTerminal rejects edits of a job in a terminal state.
	ErrJobTerminal = errors.New("jobs: job is in a terminal state")

	// ErrInvalidDefinition rejects a malformed job definition on create
	// or update.
	ErrInvalidDefinition = errors.New("jobs: invalid job definition")
)

// IllegalTransitionError rejects a status transition that is not present in
// the transition table. The job is left unmutated; callers must re-read
// current state and retry their own logic.
type IllegalTransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("jobs: illegal transition %s -> %s for job %s", e.From, e.To, e.JobID)
}

// IsIllegalTransition reports whether err is an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var ite *IllegalTransitionError
	return errors.As(err, &ite)
}

// CircuitOpenError is returned to API callers who try to dispatch a job
// whose breaker is open. The internal poll loop never sees this; selection
// filters breaker-open jobs out silently.
type CircuitOpenError struct {
	JobID    string
	OpenedAt time.Time
	RetryAt  time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("jobs: circuit open for job %s until %s", e.JobID, e.RetryAt.Format(time.RFC3339))
}

// executionError wraps a job-body error with its retry classification.
type executionError struct {
	err       error
	retryable bool
}

func (e *executionError) Error() string { return e.err.Error() }
func (e *executionError) Unwrap() error { return e.err }

// Retryable marks err as transient (network timeout, 5xx, connection
// refused); the retry policy will schedule a backed-off re-attempt.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &executionError{err: err, retryable: true}
}

// Terminal marks err as non-retryable (bad parameters, unsupported job
// type); it short-circuits straight to the failed state.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &executionError{err: err, retryable: false}
}

// IsRetryable reports whether err should drive the retry policy. Errors
// that carry no classification default to retryable: an unclassified
// failure from an external data source is far more often transient than
// a programmer error, and terminal failures must be marked explicitly.
func IsRetryable(err error) bool {
	var ee *executionError
	if errors.As(err, &ee) {
		return ee.retryable
	}
	return true
}
