package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// RegisterBuiltinHandlers installs the built-in handlers for the standard
// job types. Custom and batch types are left for the embedding application.
func RegisterBuiltinHandlers(svc *Service, logger *slog.Logger) {
	client := &http.Client{Timeout: 30 * time.Second}
	svc.RegisterHandler(TypeETL, DatasetExtractHandler(client, logger))
	svc.RegisterHandler(TypeWebhook, WebhookDeliveryHandler(client, logger))
	svc.RegisterHandler(TypeMonitoring, HealthProbeHandler(client, logger))
	svc.RegisterHandler(TypeMaintenance, MaintenanceHandler(svc.Store(), logger))
}

// RegisterMaintenanceJobs ensures the built-in housekeeping jobs exist.
// Existing jobs are left untouched so operators can tune their schedules.
func RegisterMaintenanceJobs(ctx context.Context, svc *Service, retentionHours int) error {
	existing, err := svc.ListJobs(ctx, Filter{Type: TypeMaintenance}, 0, 0)
	if err != nil {
		return fmt.Errorf("listing maintenance jobs: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, j := range existing {
		have[j.Name] = true
	}

	retention := strconv.Itoa(retentionHours)
	defaults := []CreateJobInput{
		{
			Name:       "system-attempt-prune",
			Type:       TypeMaintenance,
			CronExpr:   "0 4 * * *",
			Parameters: Params{"task": "attempt_prune", "retention_hours": retention},
		},
		{
			Name:       "system-idempotency-prune",
			Type:       TypeMaintenance,
			CronExpr:   "30 4 * * *",
			Parameters: Params{"task": "idempotency_prune", "retention_hours": retention},
		},
	}
	for _, in := range defaults {
		if have[in.Name] {
			continue
		}
		if _, err := svc.CreateJob(ctx, in); err != nil {
			return fmt.Errorf("creating %s: %w", in.Name, err)
		}
	}
	return nil
}

// DatasetExtractHandler fetches a dataset from the source_url parameter.
// Server-side failures and transport errors are retryable; client errors
// mean the definition is wrong and retrying cannot help.
func DatasetExtractHandler(client *http.Client, logger *slog.Logger) Handler {
	return func(ctx context.Context, j *Job) error {
		src := j.Parameters["source_url"]
		if src == "" {
			return Terminal(fmt.Errorf("dataset_extract: source_url parameter is required"))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return Terminal(fmt.Errorf("dataset_extract: %w", err))
		}
		resp, err := client.Do(req)
		if err != nil {
			return Retryable(fmt.Errorf("dataset_extract: %w", err))
		}
		defer resp.Body.Close()

		n, err := io.Copy(io.Discard, resp.Body)
		if err != nil {
			return Retryable(fmt.Errorf("dataset_extract: reading body: %w", err))
		}
		switch {
		case resp.StatusCode >= 500:
			return Retryable(fmt.Errorf("dataset_extract: source returned %d", resp.StatusCode))
		case resp.StatusCode >= 400:
			return Terminal(fmt.Errorf("dataset_extract: source returned %d", resp.StatusCode))
		}

		logger.Info("dataset_extract completed",
			"job_id", j.ID, "dataset", j.Parameters["dataset"], "bytes", n)
		return nil
	}
}

// WebhookDeliveryHandler POSTs the job parameters' body to the url
// parameter. Any non-2xx response is retryable; webhooks lean on the retry
// policy rather than outcome classification.
func WebhookDeliveryHandler(client *http.Client, logger *slog.Logger) Handler {
	return func(ctx context.Context, j *Job) error {
		url := j.Parameters["url"]
		if url == "" {
			return Terminal(fmt.Errorf("webhook_delivery: url parameter is required"))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return Terminal(fmt.Errorf("webhook_delivery: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return Retryable(fmt.Errorf("webhook_delivery: %w", err))
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return Retryable(fmt.Errorf("webhook_delivery: endpoint returned %d", resp.StatusCode))
		}
		logger.Info("webhook_delivery completed", "job_id", j.ID, "url", url)
		return nil
	}
}

// HealthProbeHandler GETs the target parameter and fails on any non-2xx.
func HealthProbeHandler(client *http.Client, logger *slog.Logger) Handler {
	return func(ctx context.Context, j *Job) error {
		target := j.Parameters["target"]
		if target == "" {
			return Terminal(fmt.Errorf("health_probe: target parameter is required"))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return Terminal(fmt.Errorf("health_probe: %w", err))
		}
		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return Retryable(fmt.Errorf("health_probe: %w", err))
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return Retryable(fmt.Errorf("health_probe: target returned %d", resp.StatusCode))
		}
		logger.Info("health_probe completed",
			"job_id", j.ID, "target", target, "latency_ms", time.Since(start).Milliseconds())
		return nil
	}
}

// MaintenanceHandler dispatches on the task parameter to one of the
// housekeeping routines over the job store itself.
func MaintenanceHandler(store Store, logger *slog.Logger) Handler {
	return func(ctx context.Context, j *Job) error {
		retention := 30 * 24 * time.Hour
		if v := j.Parameters["retention_hours"]; v != "" {
			hours, err := strconv.Atoi(v)
			if err != nil || hours <= 0 {
				return Terminal(fmt.Errorf("maintenance: invalid retention_hours %q", v))
			}
			retention = time.Duration(hours) * time.Hour
		}
		cutoff := time.Now().UTC().Add(-retention)

		switch task := j.Parameters["task"]; task {
		case "attempt_prune":
			n, err := store.PruneAttempts(ctx, cutoff)
			if err != nil {
				return fmt.Errorf("maintenance: attempt_prune: %w", err)
			}
			logger.Info("attempt_prune completed", "job_id", j.ID, "deleted", n)
			return nil
		case "idempotency_prune":
			n, err := store.PruneIdempotencyRecords(ctx, cutoff)
			if err != nil {
				return fmt.Errorf("maintenance: idempotency_prune: %w", err)
			}
			logger.Info("idempotency_prune completed", "job_id", j.ID, "deleted", n)
			return nil
		default:
			return Terminal(fmt.Errorf("maintenance: unknown task %q", task))
		}
	}
}
