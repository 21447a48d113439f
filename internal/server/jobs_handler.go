package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/foremanhq/foreman/internal/httputil"
	"github.com/foremanhq/foreman/internal/jobs"
	"github.com/go-chi/chi/v5"
)

type jobListResponse struct {
	Items []jobs.Job `json:"items"`
	Count int        `json:"count"` // number of items returned (page size, not total)
}

type addDependencyRequest struct {
	DependsOn string `json:"dependsOn"`
	Kind      string `json:"kind"`
}

// writeJobError maps service errors onto API status codes. Unrecognized
// errors are not echoed to the client.
func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, jobs.ErrEdgeNotFound),
		errors.Is(err, jobs.ErrAttemptNotFound):
		httputil.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrInvalidDefinition):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrJobRunning),
		errors.Is(err, jobs.ErrJobTerminal),
		errors.Is(err, jobs.ErrDependencyCycle),
		errors.Is(err, jobs.ErrVersionConflict),
		jobs.IsIllegalTransition(err):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	default:
		var coe *jobs.CircuitOpenError
		if errors.As(err, &coe) {
			httputil.WriteJSON(w, http.StatusConflict, httputil.ErrorResponse{
				Code:    http.StatusConflict,
				Message: err.Error(),
				Data:    map[string]any{"retryAt": coe.RetryAt},
			})
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

// jobID validates the {id} URL parameter, writing a 400 on bad input.
func jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !httputil.IsValidUUID(id) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid job id format")
		return "", false
	}
	return id, true
}

// handleListJobs returns jobs with optional status/type/group filters.
func handleListJobs(svc *jobs.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var f jobs.Filter
		if v := r.URL.Query().Get("status"); v != "" {
			st := jobs.Status(v)
			if !jobs.ValidStatus(st) {
				httputil.WriteError(w, http.StatusBadRequest, "invalid status filter: "+v)
				return
			}
			f.Statuses = []jobs.Status{st}
		}
		if v := r.URL.Query().Get("type"); v != "" {
			jt := jobs.Type(v)
			if !jobs.ValidType(jt) {
				httputil.WriteError(w, http.StatusBadRequest, "invalid type filter: "+v)
				return
			}
			f.Type = jt
		}
		f.Group = r.URL.Query().Get("group")
		f.ActiveOnly = r.URL.Query().Get("active") == "true"

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		if limit <= 0 {
			limit = 50
		}
		if limit > 500 {
			limit = 500
		}
		if offset < 0 {
			offset = 0
		}

		items, err := svc.ListJobs(r.Context(), f, limit, offset)
		if err != nil {
			writeJobError(w, err)
			return
		}

		httputil.WriteJSON(w, http.StatusOK, jobListResponse{
			Items: items,
			Count: len(items),
		})
	}
}

// handleCreateJob registers a new job definition.
func handleCreateJob(svc *jobs.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in jobs.CreateJobInput
		if !httputil.DecodeJSON(w, r, &in) {
			return
		}

		job, err := svc.CreateJob(r.Context(), in)
		if err != nil {
			writeJobError(w, err)
			return
		}

		httputil.WriteJSON(w, http.StatusCreated, job)
	}
}

func handleGetJob(svc *jobs.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}

		job, err := svc.GetJob(r.Context(), id)
		if err != nil {
			writeJobError(w, err)
			return
		}

		httputil.WriteJSON(w, http.StatusOK, job)
	}
}

// handleUpdateJob applies a partial definition update. Only provided fields
// change; the schedule may be switched between cron and one-shot.
func handleUpdateJob(svc *jobs.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}

		var in jobs.UpdateJobInput
		if !httputil.DecodeJSON(w, r, &in) {
			return
		}

		job, err := svc.UpdateJob(r.Context(), id, in)
		if err != nil {
			writeJobError(w, err)
			return
		}

		httputil.WriteJSON(w, http.StatusOK, job)
	}
}

func handleDeleteJob(svc *jobs.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}

		if err := svc.DeleteJob(r.Context(), id); err != nil {
			writeJobError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// jobAction wraps the one-argument lifecycle operations that all share the
// same request/response shape.
func jobAction(fn func(r *http.Request, id string) (*jobs.Job, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}

		job, err := fn(r, id)
		if err != nil {
			writeJobError(w, err)
			return
		}

		httputil.WriteJSON(w, http.StatusOK, job)
	}
}

func handleTriggerJob(svc *jobs.Service) http.HandlerFunc {
	return jobAction(func(r *http.Request, id string) (*jobs.Job, error) {
		return svc.TriggerNow(r.Context(), id)
	})
}

func handleCancelJob(svc *jobs.Service) http.HandlerFunc {
	return jobAction(func(r *http.Request, id string) (*jobs.Job, error) {
		return svc.CancelJob(r.Context(), id)
	})
}

func handlePauseJob(svc *jobs.Service) http.HandlerFunc {
	return jobAction(func(r *http.Request, id string) (*jobs.Job, error) {
		return svc.PauseJob(r.Context(), id)
	})
}

func handleResumeJob(svc *jobs.Service) http.HandlerFunc {
	return jobAction(func(r *http.Request, id string) (*jobs.Job, error) {
		return svc.ResumeJob(r.Context(), id)
	})
}

func handleDisableJob(svc *jobs.Service) http.HandlerFunc {
	return jobAction(func(r *http.Request, id string) (*jobs.Job, error) {
		return svc.DisableJob(r.Context(), id)
	})
}

func handleArchiveJob(svc *jobs.Service) http.HandlerFunc {
	return jobAction(func(r *http.Request, id string) (*jobs.Job, error) {
		return svc.ArchiveJob(r.Context(), id)
	})
}

func handleResetBreaker(svc *jobs.Service) http.HandlerFunc {
	return jobAction(func(r *http.Request, id string) (*jobs.Job, error) {
		return svc.ResetBreaker(r.Context(), id)
	})
}

// handleListAttempts returns a job's execution history, most recent first.
func handleListAttempts(svc *jobs.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 50
		}
		if limit > 500 {
			limit = 500
		}

		attempts, err := svc.Attempts(r.Context(), id, limit)
		if err != nil {
			writeJobError(w, err)
			return
		}

		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"items": attempts,
			"count": len(attempts),
		})
	}
}

func handleListDependencies(svc *jobs.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}

		edges, err := svc.Dependencies(r.Context(), id)
		if err != nil {
			writeJobError(w, err)
			return
		}

		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"items": edges,
			"count": len(edges),
		})
	}
}

func handleAddDependency(svc *jobs.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}

		var req addDependencyRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if !httputil.IsValidUUID(req.DependsOn) {
			httputil.WriteError(w, http.StatusBadRequest, "invalid dependsOn id format")
			return
		}

		kind := jobs.DependencyKind(req.Kind)
		if req.Kind == "" {
			kind = jobs.DependsOnSuccess
		}

		if err := svc.AddDependency(r.Context(), id, req.DependsOn, kind); err != nil {
			writeJobError(w, err)
			return
		}

		w.WriteHeader(http.StatusCreated)
	}
}

func handleRemoveDependency(svc *jobs.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		dependsOn := chi.URLParam(r, "dependsOn")
		if !httputil.IsValidUUID(dependsOn) {
			httputil.WriteError(w, http.StatusBadRequest, "invalid dependsOn id format")
			return
		}

		if err := svc.RemoveDependency(r.Context(), id, dependsOn); err != nil {
			writeJobError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func handleStats(svc *jobs.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.Stats(r.Context())
		if err != nil {
			writeJobError(w, err)
			return
		}

		httputil.WriteJSON(w, http.StatusOK, stats)
	}
}

func handleMetrics(svc *jobs.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, svc.Metrics().Snapshot())
	}
}

func handleGroupActive(svc *jobs.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		group := chi.URLParam(r, "group")
		active, err := svc.ActiveInGroup(r.Context(), group)
		if err != nil {
			writeJobError(w, err)
			return
		}

		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"group":  group,
			"active": active,
		})
	}
}
