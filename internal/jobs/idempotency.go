package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultIdempotencyTTL is the default dedupe window. After it expires the
// same key may execute again.
const DefaultIdempotencyTTL = 24 * time.Hour

// KeyOf derives the deterministic idempotency key for a job: the job type
// plus the business parameters that identify the unit of work. Extraction
// jobs are keyed on dataset and target date ("latest" when unspecified);
// jobs without those parameters fold in all parameters, sorted, so the key
// stays deterministic regardless of map order.
func KeyOf(j *Job) string {
	dataset := j.Parameters["dataset"]
	date := j.Parameters["date"]
	if dataset != "" {
		if date == "" {
			date = "latest"
		}
		return fmt.Sprintf("%s:%s:%s", j.Type, dataset, date)
	}

	if len(j.Parameters) == 0 {
		return fmt.Sprintf("%s:%s", j.Type, j.Name)
	}
	keys := make([]string, 0, len(j.Parameters))
	for k := range j.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(string(j.Type))
	b.WriteString(":")
	b.WriteString(j.Name)
	for _, k := range keys {
		b.WriteString(":")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(j.Parameters[k])
	}
	return b.String()
}

// Guard enforces at-most-one completed execution per idempotency key per
// TTL window. The atomic claim in the store is the only ordering guarantee
// between concurrent duplicates.
type Guard struct {
	store Store
	ttl   time.Duration
}

// NewGuard creates a Guard over the given store. A non-positive ttl falls
// back to DefaultIdempotencyTTL.
func NewGuard(store Store, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &Guard{store: store, ttl: ttl}
}

// TTL returns the dedupe window.
func (g *Guard) TTL() time.Duration { return g.ttl }

// Acquire claims the key for an attempt about to start. When a succeeded
// record within the TTL window already exists (or another attempt holds the
// key right now), acquire fails and the existing record is returned so the
// caller can report the cached outcome as a no-op duplicate.
func (g *Guard) Acquire(ctx context.Context, key, jobID string, now time.Time) (bool, *IdempotencyRecord, error) {
	return g.store.ClaimIdempotencyKey(ctx, key, jobID, now, g.ttl)
}

// Release records the final outcome for an acquired key.
func (g *Guard) Release(ctx context.Context, key, jobID string, outcome AttemptOutcome, now time.Time) error {
	return g.store.RecordIdempotencyOutcome(ctx, key, jobID, outcome, now)
}
