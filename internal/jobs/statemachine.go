package jobs

import "time"

// transitions is the authoritative table of legal status edges. A requested
// transition absent from the current status's row fails with
// IllegalTransitionError and leaves the job unmutated.
var transitions = map[Status][]Status{
	StatusCreated:   {StatusReady, StatusScheduled, StatusPaused, StatusDisabled},
	StatusReady:     {StatusRunning, StatusAwaitingDeps, StatusAwaitingSlot, StatusPaused, StatusCancelled},
	StatusScheduled: {StatusReady, StatusRunning, StatusPaused, StatusCancelled},
	StatusRunning:   {StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled, StatusPostProcessing, StatusInterrupted},
	StatusSucceeded: {StatusCompleted, StatusPostProcessing, StatusScheduled},
	StatusFailed:    {StatusReady, StatusRetrying, StatusCircuitOpen, StatusDisabled},
	StatusTimedOut:  {StatusReady, StatusRetrying, StatusDisabled},
	// Leaving circuit_open is only legal after the cool-down has elapsed;
	// the breaker policy gates that, not the table.
	StatusCircuitOpen:    {StatusReady, StatusDisabled},
	StatusAwaitingDeps:   {StatusReady, StatusBlocked, StatusTimedOut, StatusCancelled},
	StatusPostProcessing: {StatusCompleted, StatusFailed},
	StatusPaused:         {StatusReady, StatusScheduled, StatusCancelled, StatusDisabled, StatusArchived},
	StatusBlocked:        {StatusReady, StatusAwaitingDeps, StatusCancelled, StatusDisabled},
	StatusAwaitingSlot:   {StatusReady, StatusRunning, StatusCancelled},
	StatusRetrying:       {StatusReady, StatusRunning, StatusTimedOut, StatusCancelled, StatusDisabled},
	StatusInterrupted:    {StatusReady, StatusRunning, StatusRetrying, StatusCancelled, StatusDisabled},

	// Terminal states: no outgoing edges.
	StatusCompleted: nil,
	StatusCancelled: nil,
	StatusDisabled:  nil,
	StatusArchived:  nil,
}

// CanTransition reports whether the edge from -> to is in the table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves j to the target status, or returns
// IllegalTransitionError without mutating anything.
func Transition(j *Job, to Status) error {
	if !CanTransition(j.Status, to) {
		return &IllegalTransitionError{JobID: j.ID, From: j.Status, To: to}
	}
	j.Status = to
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusDisabled, StatusArchived:
		return true
	}
	return false
}

// Editable reports whether a job in status s may have its definition
// changed. Running and post-processing jobs, and terminal jobs, may not.
func Editable(s Status) bool {
	if IsTerminal(s) {
		return false
	}
	return s != StatusRunning && s != StatusPostProcessing
}

// Deletable reports whether a job in status s may be deleted.
func Deletable(s Status) bool {
	return s != StatusRunning
}
