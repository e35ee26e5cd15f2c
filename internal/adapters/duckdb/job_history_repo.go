package duckdb

import (
	"context"
	"fmt"

	"github.com/manthysbr/autopress/internal/core/domain"
)

// RecordJobStatus mirrors a job_status notification. Only completed and
// failed jobs are stored; every other notification is ignored.
func (r *Repository) RecordJobStatus(ctx context.Context, n domain.Notification) error {
	if n.Type != domain.NotifyJobStatus || n.JobID == "" {
		return nil
	}
	status, _ := n.Data["status"].(string)
	if status != string(domain.JobStatusCompleted) && status != string(domain.JobStatusFailed) {
		return nil
	}
	jobType, _ := n.Data["type"].(string)
	errMsg, _ := n.Data["error"].(string)

	var retries int
	switch v := n.Data["retry_count"].(type) {
	case int:
		retries = v
	case float64:
		retries = int(v)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO job_runs (job_id, job_type, status, retry_count, error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			status      = excluded.status,
			retry_count = excluded.retry_count,
			error       = excluded.error,
			finished_at = excluded.finished_at`,
		string(n.JobID), jobType, status, retries, errMsg, n.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert job run %s: %w", n.JobID, err)
	}
	return nil
}

// ListJobRuns returns the most recently finished jobs, newest first.
func (r *Repository) ListJobRuns(ctx context.Context, limit int) ([]domain.JobRun, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT job_id, job_type, status, retry_count, error, finished_at
		FROM job_runs
		ORDER BY finished_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	defer rows.Close()

	out := []domain.JobRun{}
	for rows.Next() {
		var run domain.JobRun
		var id, jobType, status string
		if err := rows.Scan(&id, &jobType, &status, &run.RetryCount, &run.Error, &run.FinishedAt); err != nil {
			return nil, err
		}
		run.JobID = domain.JobID(id)
		run.Type = domain.JobType(jobType)
		run.Status = domain.JobStatus(status)
		out = append(out, run)
	}
	return out, rows.Err()
}

// FailureRates returns, per job type, the share of mirrored runs that failed.
func (r *Repository) FailureRates(ctx context.Context) (map[domain.JobType]float64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT job_type, AVG(CASE WHEN status = 'failed' THEN 1.0 ELSE 0.0 END)
		FROM job_runs
		GROUP BY job_type`)
	if err != nil {
		return nil, fmt.Errorf("job failure rates: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.JobType]float64)
	for rows.Next() {
		var jobType string
		var rate float64
		if err := rows.Scan(&jobType, &rate); err != nil {
			return nil, err
		}
		out[domain.JobType(jobType)] = rate
	}
	return out, rows.Err()
}
