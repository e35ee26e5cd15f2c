package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/autopress/internal/core/ports"
)

// Repository is a queryable mirror of the publish audit log and of finished
// jobs. The JSON file store stays authoritative; this database exists for
// ad-hoc analytics.
type Repository struct {
	db *sql.DB
}

var (
	_ ports.RecordSink      = (*Repository)(nil)
	_ ports.RecordAnalytics = (*Repository)(nil)
)

// NewRepository opens (or creates) the database at path. An empty path
// opens an in-memory database.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	r := &Repository{db: db}
	if err := r.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS publish_records (
		workflow_id VARCHAR PRIMARY KEY,
		title VARCHAR,
		published_url VARCHAR,
		published_at TIMESTAMP,
		quality_score DOUBLE,
		revision_count INTEGER,
		execution_ms BIGINT,
		success BOOLEAN,
		recorded_at TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS job_runs (
		job_id VARCHAR PRIMARY KEY,
		job_type VARCHAR,
		status VARCHAR,
		retry_count INTEGER,
		error VARCHAR,
		finished_at TIMESTAMP
	);
	`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
