package jobs

import (
	"context"
	"fmt"
	"sync"
)

// Handler executes the body of one job type. Implementations must honor
// ctx cancellation and classify failures with Retryable or Terminal;
// unclassified errors are treated as retryable.
type Handler func(ctx context.Context, j *Job) error

// Registry maps job types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Type]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Type]Handler)}
}

// Register installs (or replaces) the handler for a job type.
func (r *Registry) Register(t Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Lookup returns the handler for t, or false when none is registered.
func (r *Registry) Lookup(t Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Execute runs the handler for the job's type. A missing handler is a
// terminal error; retrying cannot make an unsupported type supported.
func (r *Registry) Execute(ctx context.Context, j *Job) error {
	h, ok := r.Lookup(j.Type)
	if !ok {
		return Terminal(fmt.Errorf("no handler registered for job type %q", j.Type))
	}
	return h(ctx, j)
}
