package jobs

import (
	"context"
	"fmt"
	"time"
)

// DefaultDependencyWaitTimeout bounds how long a job may sit in
// awaiting_dependencies before it is forced to timed_out.
const DefaultDependencyWaitTimeout = 30 * time.Minute

// Satisfied reports whether a dependency in status s satisfies kind k.
func (k DependencyKind) Satisfied(s Status) bool {
	switch k {
	case DependsOnSuccess:
		return s == StatusSucceeded || s == StatusCompleted
	case DependsOnCompletion:
		return s == StatusCompleted
	case DependsOnAnyTerminal:
		return IsTerminal(s)
	}
	return false
}

// Resolver decides whether a job's declared dependency edges are all
// satisfied, and validates that new edges keep the graph acyclic.
type Resolver struct {
	store Store
}

// NewResolver creates a Resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// DependencyState is the resolver's verdict on a job's edges.
type DependencyState int

const (
	// DepsReady: every edge is satisfied.
	DepsReady DependencyState = iota
	// DepsWaiting: at least one edge is unsatisfied but may still become
	// satisfied.
	DepsWaiting
	// DepsImpossible: an edge can never be satisfied (its dependency
	// reached a terminal state that does not satisfy the edge's kind).
	DepsImpossible
)

// IsReady reports whether every edge of the job is satisfied. A job with
// no edges is trivially ready.
func (r *Resolver) IsReady(ctx context.Context, jobID string) (bool, error) {
	state, err := r.Evaluate(ctx, jobID)
	return state == DepsReady, err
}

// Evaluate walks the job's edges and classifies them. Impossible wins over
// waiting: a job with one dead dependency is blocked no matter how many
// others are still in flight.
func (r *Resolver) Evaluate(ctx context.Context, jobID string) (DependencyState, error) {
	edges, err := r.store.EdgesOf(ctx, jobID)
	if err != nil {
		return DepsWaiting, err
	}
	state := DepsReady
	for _, e := range edges {
		dep, err := r.store.Get(ctx, e.DependsOnID)
		if err != nil {
			return DepsWaiting, fmt.Errorf("dependency %s of %s: %w", e.DependsOnID, jobID, err)
		}
		if e.Kind.Satisfied(dep.Status) {
			continue
		}
		if IsTerminal(dep.Status) {
			return DepsImpossible, nil
		}
		state = DepsWaiting
	}
	return state, nil
}

// ValidateEdge checks a prospective edge jobID -> dependsOnID: both jobs
// must exist, self-edges are rejected, and the edge must not close a cycle.
func (r *Resolver) ValidateEdge(ctx context.Context, jobID, dependsOnID string) error {
	if jobID == dependsOnID {
		return ErrDependencyCycle
	}
	if _, err := r.store.Get(ctx, jobID); err != nil {
		return err
	}
	if _, err := r.store.Get(ctx, dependsOnID); err != nil {
		return err
	}

	// Walk the dependency graph from dependsOnID; reaching jobID means the
	// new edge would close a cycle.
	seen := map[string]bool{}
	stack := []string{dependsOnID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == jobID {
			return ErrDependencyCycle
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		edges, err := r.store.EdgesOf(ctx, cur)
		if err != nil {
			return err
		}
		for _, e := range edges {
			stack = append(stack, e.DependsOnID)
		}
	}
	return nil
}
