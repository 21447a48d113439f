package jobs_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/foremanhq/foreman/internal/jobs"
	"github.com/foremanhq/foreman/internal/testutil"
)

func TestKeyOfDatasetJobs(t *testing.T) {
	j := &jobs.Job{
		Type:       jobs.TypeETL,
		Name:       "daily-orders",
		Parameters: jobs.Params{"dataset": "orders", "date": "2026-08-29"},
	}
	testutil.Equal(t, "etl:orders:2026-08-29", jobs.KeyOf(j))

	// Date defaults to "latest".
	j.Parameters = jobs.Params{"dataset": "orders"}
	testutil.Equal(t, "etl:orders:latest", jobs.KeyOf(j))
}

func TestKeyOfParameterFallbackIsDeterministic(t *testing.T) {
	a := &jobs.Job{
		Type:       jobs.TypeWebhook,
		Name:       "notify",
		Parameters: jobs.Params{"url": "https://example.com", "event": "deploy"},
	}
	b := &jobs.Job{
		Type:       jobs.TypeWebhook,
		Name:       "notify",
		Parameters: jobs.Params{"event": "deploy", "url": "https://example.com"},
	}
	testutil.Equal(t, jobs.KeyOf(a), jobs.KeyOf(b))
	testutil.Equal(t, "webhook:notify:event=deploy:url=https://example.com", jobs.KeyOf(a))

	// No parameters at all falls back to type:name.
	c := &jobs.Job{Type: jobs.TypeMaintenance, Name: "nightly"}
	testutil.Equal(t, "maintenance:nightly", jobs.KeyOf(c))
}

func TestGuardSuppressesWithinTTL(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemStore()
	g := jobs.NewGuard(store, time.Hour)
	now := time.Now().UTC()

	claimed, _, err := g.Acquire(ctx, "etl:orders:latest", "j1", now)
	testutil.NoError(t, err)
	testutil.True(t, claimed)

	testutil.NoError(t, g.Release(ctx, "etl:orders:latest", "j1", jobs.OutcomeSucceeded, now))

	// A second acquire inside the window loses and sees the cached outcome.
	claimed, existing, err := g.Acquire(ctx, "etl:orders:latest", "j2", now.Add(time.Minute))
	testutil.NoError(t, err)
	testutil.False(t, claimed)
	testutil.NotNil(t, existing)
	testutil.Equal(t, "j1", existing.JobID)
	testutil.Equal(t, jobs.OutcomeSucceeded, existing.Outcome)

	// After the TTL the key is claimable again.
	claimed, _, err = g.Acquire(ctx, "etl:orders:latest", "j3", now.Add(2*time.Hour))
	testutil.NoError(t, err)
	testutil.True(t, claimed)
}

func TestGuardFailedOutcomeDoesNotSuppress(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemStore()
	g := jobs.NewGuard(store, time.Hour)
	now := time.Now().UTC()

	claimed, _, err := g.Acquire(ctx, "k", "j1", now)
	testutil.NoError(t, err)
	testutil.True(t, claimed)
	testutil.NoError(t, g.Release(ctx, "k", "j1", jobs.OutcomeFailed, now))

	// A failed run does not burn the key; the retry may claim it.
	claimed, _, err = g.Acquire(ctx, "k", "j1", now.Add(time.Second))
	testutil.NoError(t, err)
	testutil.True(t, claimed)
}

func TestGuardConcurrentClaimSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemStore()
	g := jobs.NewGuard(store, time.Hour)
	now := time.Now().UTC()

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan string, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			claimed, _, err := g.Acquire(ctx, "contested", jobID(id), now)
			testutil.NoError(t, err)
			if claimed {
				wins <- jobID(id)
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	testutil.SliceLen(t, winners, 1)
}

func jobID(i int) string {
	return string(rune('a'+i)) + "-job"
}
