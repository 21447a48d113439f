package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/jobs"
	"github.com/foremanhq/foreman/internal/testutil"
)

// newTestServer wires a Server over a memory-store service. The scheduler
// loop is never started; only the admin surface is exercised.
func newTestServer(t *testing.T) (*Server, *jobs.Service) {
	t.Helper()
	svc := jobs.NewService(jobs.NewMemStore(), testutil.DiscardLogger(), jobs.DefaultServiceConfig())
	cfg := config.Default()
	cfg.Database.URL = "postgresql://unused:5432/foreman"
	return New(cfg, testutil.DiscardLogger(), svc, nil), svc
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		testutil.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) *jobs.Job {
	t.Helper()
	var j jobs.Job
	testutil.NoError(t, json.NewDecoder(rec.Body).Decode(&j))
	return &j
}

func createETL(t *testing.T, s *Server, name string) *jobs.Job {
	t.Helper()
	rec := doJSON(t, s, http.MethodPost, "/api/jobs/", jobs.CreateJobInput{
		Name:       name,
		Type:       jobs.TypeETL,
		CronExpr:   "0 2 * * *",
		Timezone:   "UTC",
		Parameters: jobs.Params{"dataset": name},
	})
	testutil.StatusCode(t, http.StatusCreated, rec.Code)
	return decodeJob(t, rec)
}

func TestCreateJobEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	job := createETL(t, s, "orders")
	testutil.Equal(t, jobs.StatusScheduled, job.Status)
	testutil.Equal(t, jobs.TypeETL, job.Type)
	testutil.Equal(t, 3, job.MaxAttempts)
}

func TestCreateJobValidation(t *testing.T) {
	s, _ := newTestServer(t)

	// Missing schedule entirely.
	rec := doJSON(t, s, http.MethodPost, "/api/jobs/", jobs.CreateJobInput{
		Name: "bad", Type: jobs.TypeETL,
	})
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)

	// Malformed body.
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/", bytes.NewBufferString("{nope"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	testutil.StatusCode(t, http.StatusBadRequest, w.Code)
}

func TestGetJobEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	job := createETL(t, s, "orders")

	rec := doJSON(t, s, http.MethodGet, "/api/jobs/"+job.ID+"/", nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	got := decodeJob(t, rec)
	testutil.Equal(t, job.ID, got.ID)

	// Unknown but well-formed id.
	rec = doJSON(t, s, http.MethodGet, "/api/jobs/00000000-0000-0000-0000-000000000000/", nil)
	testutil.StatusCode(t, http.StatusNotFound, rec.Code)

	// Malformed id.
	rec = doJSON(t, s, http.MethodGet, "/api/jobs/not-a-uuid/", nil)
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)
}

func TestListJobsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	createETL(t, s, "orders")
	createETL(t, s, "invoices")

	rec := doJSON(t, s, http.MethodGet, "/api/jobs/", nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)

	var resp jobListResponse
	testutil.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	testutil.Equal(t, 2, resp.Count)

	// Status filter.
	rec = doJSON(t, s, http.MethodGet, "/api/jobs/?status=scheduled", nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	testutil.Equal(t, 2, resp.Count)

	// Invalid filter values are rejected.
	rec = doJSON(t, s, http.MethodGet, "/api/jobs/?status=daydreaming", nil)
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)
	rec = doJSON(t, s, http.MethodGet, "/api/jobs/?type=nope", nil)
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateJobEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	job := createETL(t, s, "orders")

	pri := 90
	rec := doJSON(t, s, http.MethodPatch, "/api/jobs/"+job.ID+"/", jobs.UpdateJobInput{
		Priority: &pri,
	})
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Equal(t, 90, decodeJob(t, rec).Priority)
}

func TestDeleteJobEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	job := createETL(t, s, "orders")

	rec := doJSON(t, s, http.MethodDelete, "/api/jobs/"+job.ID+"/", nil)
	testutil.StatusCode(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/jobs/"+job.ID+"/", nil)
	testutil.StatusCode(t, http.StatusNotFound, rec.Code)
}

func TestTriggerAndCancelEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	job := createETL(t, s, "orders")

	rec := doJSON(t, s, http.MethodPost, "/api/jobs/"+job.ID+"/trigger", nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Equal(t, jobs.StatusReady, decodeJob(t, rec).Status)

	rec = doJSON(t, s, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Equal(t, jobs.StatusCancelled, decodeJob(t, rec).Status)

	// Cancelling a terminal job is a conflict.
	rec = doJSON(t, s, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil)
	testutil.StatusCode(t, http.StatusConflict, rec.Code)
}

func TestPauseResumeEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	job := createETL(t, s, "orders")

	rec := doJSON(t, s, http.MethodPost, "/api/jobs/"+job.ID+"/pause", nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Equal(t, jobs.StatusPaused, decodeJob(t, rec).Status)

	rec = doJSON(t, s, http.MethodPost, "/api/jobs/"+job.ID+"/resume", nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Equal(t, jobs.StatusScheduled, decodeJob(t, rec).Status)
}

func TestDisableAndArchiveEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	job := createETL(t, s, "orders")
	rec := doJSON(t, s, http.MethodPost, "/api/jobs/"+job.ID+"/disable", nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Equal(t, jobs.StatusDisabled, decodeJob(t, rec).Status)

	// Archive requires pausing first.
	other := createETL(t, s, "invoices")
	rec = doJSON(t, s, http.MethodPost, "/api/jobs/"+other.ID+"/archive", nil)
	testutil.StatusCode(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/jobs/"+other.ID+"/pause", nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	rec = doJSON(t, s, http.MethodPost, "/api/jobs/"+other.ID+"/archive", nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Equal(t, jobs.StatusArchived, decodeJob(t, rec).Status)
}

func TestResetBreakerEndpointClosedBreaker(t *testing.T) {
	s, _ := newTestServer(t)
	job := createETL(t, s, "orders")

	// Breaker is not open; reset is a server-side error per the service.
	rec := doJSON(t, s, http.MethodPost, "/api/jobs/"+job.ID+"/reset-breaker", nil)
	testutil.StatusCode(t, http.StatusInternalServerError, rec.Code)
}

func TestDependencyEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	up := createETL(t, s, "upstream")
	down := createETL(t, s, "downstream")

	rec := doJSON(t, s, http.MethodPost, "/api/jobs/"+down.ID+"/dependencies/", addDependencyRequest{
		DependsOn: up.ID, Kind: "on_success",
	})
	testutil.StatusCode(t, http.StatusCreated, rec.Code)

	// Reverse edge closes a cycle.
	rec = doJSON(t, s, http.MethodPost, "/api/jobs/"+up.ID+"/dependencies/", addDependencyRequest{
		DependsOn: down.ID,
	})
	testutil.StatusCode(t, http.StatusConflict, rec.Code)

	// Bad kind.
	rec = doJSON(t, s, http.MethodPost, "/api/jobs/"+down.ID+"/dependencies/", addDependencyRequest{
		DependsOn: up.ID, Kind: "on_vibes",
	})
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)

	// List and remove.
	rec = doJSON(t, s, http.MethodGet, "/api/jobs/"+down.ID+"/dependencies/", nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	var resp struct {
		Count int `json:"count"`
	}
	testutil.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	testutil.Equal(t, 1, resp.Count)

	rec = doJSON(t, s, http.MethodDelete, "/api/jobs/"+down.ID+"/dependencies/"+up.ID, nil)
	testutil.StatusCode(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/api/jobs/"+down.ID+"/dependencies/"+up.ID, nil)
	testutil.StatusCode(t, http.StatusNotFound, rec.Code)
}

func TestAttemptsEndpoint(t *testing.T) {
	s, svc := newTestServer(t)
	job := createETL(t, s, "orders")

	_, err := svc.Store().CreateAttempt(context.Background(), &jobs.ExecutionAttempt{
		JobID: job.ID, AttemptNumber: 1, IdempotencyKey: "etl:orders",
	})
	testutil.NoError(t, err)

	rec := doJSON(t, s, http.MethodGet, "/api/jobs/"+job.ID+"/attempts", nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	var resp struct {
		Count int `json:"count"`
	}
	testutil.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	testutil.Equal(t, 1, resp.Count)
}

func TestStatsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	createETL(t, s, "orders")

	rec := doJSON(t, s, http.MethodGet, "/api/stats", nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	var stats jobs.Stats
	testutil.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	testutil.Equal(t, 1, stats.Total)
}

func TestGroupActiveEndpoint(t *testing.T) {
	s, svc := newTestServer(t)
	job := createETL(t, s, "orders")

	// Move the job into its group and mark it running directly in the store.
	cur, err := svc.GetJob(context.Background(), job.ID)
	testutil.NoError(t, err)
	cur.Group = "nightly"
	cur.Status = jobs.StatusRunning
	cur.ActiveExecutions = 1
	_, err = svc.Store().Update(context.Background(), cur)
	testutil.NoError(t, err)

	rec := doJSON(t, s, http.MethodGet, "/api/groups/nightly/active", nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	var resp struct {
		Group  string `json:"group"`
		Active int    `json:"active"`
	}
	testutil.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	testutil.Equal(t, "nightly", resp.Group)
	testutil.Equal(t, 1, resp.Active)

	// Other groups report zero.
	rec = doJSON(t, s, http.MethodGet, "/api/groups/hourly/active", nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	testutil.Equal(t, 0, resp.Active)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	createETL(t, s, "orders")

	rec := doJSON(t, s, http.MethodGet, "/api/metrics", nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	var snap map[string]any
	testutil.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	testutil.NotNil(t, snap["jobs.created"])
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)

	var resp map[string]any
	testutil.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	testutil.Equal(t, "ok", resp["status"].(string))
}

func TestCircuitOpenConflictPayload(t *testing.T) {
	s, svc := newTestServer(t)
	job := createETL(t, s, "orders")

	// Force the breaker open directly in the store.
	cur, err := svc.GetJob(context.Background(), job.ID)
	testutil.NoError(t, err)
	now := time.Now().UTC()
	cur.Status = jobs.StatusCircuitOpen
	cur.BreakerOpen = true
	cur.BreakerOpenedAt = &now
	cur.ConsecutiveFailures = 5
	_, err = svc.Store().Update(context.Background(), cur)
	testutil.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, "/api/jobs/"+job.ID+"/trigger", nil)
	testutil.StatusCode(t, http.StatusConflict, rec.Code)

	var resp struct {
		Data map[string]any `json:"data"`
	}
	testutil.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	testutil.NotNil(t, resp.Data["retryAt"])
}
