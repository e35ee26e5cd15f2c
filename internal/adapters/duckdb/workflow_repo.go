package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/manthysbr/autopress/internal/core/domain"
)

func (r *Repository) InsertPublishRecord(ctx context.Context, rec domain.PublishRecord) error {
	query := `
	INSERT INTO publish_records (workflow_id, title, published_url, published_at, quality_score, revision_count, execution_ms, success, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (workflow_id) DO UPDATE SET
		title = excluded.title,
		published_url = excluded.published_url,
		published_at = excluded.published_at,
		quality_score = excluded.quality_score,
		revision_count = excluded.revision_count,
		execution_ms = excluded.execution_ms,
		success = excluded.success,
		recorded_at = excluded.recorded_at;
	`
	_, err := r.db.ExecContext(ctx, query,
		string(rec.WorkflowID), rec.Title, rec.PublishedURL, rec.PublishedAt.UTC(),
		rec.QualityScore, rec.RevisionCount, rec.ExecutionTime.Milliseconds(),
		rec.Success, rec.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert publish record %s: %w", rec.WorkflowID, err)
	}
	return nil
}

// ListPublishRecords returns the newest records first, at most limit of them.
func (r *Repository) ListPublishRecords(ctx context.Context, limit int) ([]domain.PublishRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
	SELECT workflow_id, title, published_url, published_at, quality_score, revision_count, execution_ms, success, recorded_at
	FROM publish_records
	ORDER BY recorded_at DESC
	LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query publish records: %w", err)
	}
	defer rows.Close()

	var out []domain.PublishRecord
	for rows.Next() {
		var rec domain.PublishRecord
		var id string
		var execMS int64
		if err := rows.Scan(&id, &rec.Title, &rec.PublishedURL, &rec.PublishedAt, &rec.QualityScore, &rec.RevisionCount, &execMS, &rec.Success, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan publish record: %w", err)
		}
		rec.WorkflowID = domain.WorkflowID(id)
		rec.ExecutionTime = time.Duration(execMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summary computes plain (unweighted) averages over every successful record.
func (r *Repository) Summary(ctx context.Context) (domain.PublishSummary, error) {
	query := `
	SELECT COUNT(*), COALESCE(AVG(quality_score), 0), COALESCE(AVG(revision_count), 0),
		CAST(COALESCE(AVG(execution_ms), 0) AS BIGINT), MAX(published_at)
	FROM publish_records
	WHERE success`

	var s domain.PublishSummary
	var execMS int64
	var last sql.NullTime
	if err := r.db.QueryRowContext(ctx, query).Scan(&s.Count, &s.AverageScore, &s.AverageRevisions, &execMS, &last); err != nil {
		return s, fmt.Errorf("failed to summarise publish records: %w", err)
	}
	s.AverageExecution = time.Duration(execMS) * time.Millisecond
	if last.Valid {
		t := last.Time
		s.LastPublishedAt = &t
	}
	return s, nil
}
