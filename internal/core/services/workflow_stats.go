package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/manthysbr/autopress/internal/core/domain"
	"github.com/manthysbr/autopress/internal/core/ports"
)

const (
	// PublishRecordLimit caps the publish audit log.
	PublishRecordLimit = 1000

	// statsSmoothing is the weight of the newest sample in the moving averages.
	statsSmoothing = 0.1
)

// StatsTracker maintains the publish record log and the rolling aggregate
// statistics shared by all workflows.
type StatsTracker struct {
	logger *slog.Logger
	store  ports.WorkflowStore
	sinks  []ports.RecordSink
	clock  clock.Clock
	mu     sync.Mutex
}

func NewStatsTracker(logger *slog.Logger, store ports.WorkflowStore, clk clock.Clock, sinks ...ports.RecordSink) *StatsTracker {
	if clk == nil {
		clk = clock.New()
	}
	return &StatsTracker{
		logger: logger,
		store:  store,
		sinks:  sinks,
		clock:  clk,
	}
}

// RecordPublished appends a publish record and folds the workflow into the
// moving averages.
func (t *StatsTracker) RecordPublished(ctx context.Context, snap *domain.WorkflowSnapshot, executionTime time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	rec := domain.PublishRecord{
		WorkflowID:    snap.ID,
		RevisionCount: len(snap.RevisionHistory),
		ExecutionTime: executionTime,
		Success:       true,
		Timestamp:     now,
	}
	if snap.Article != nil {
		rec.Title = snap.Article.Title
	}
	if snap.QualityReport != nil {
		rec.QualityScore = snap.QualityReport.Total
	}
	if snap.PublishResult != nil {
		rec.PublishedURL = snap.PublishResult.URL
		rec.PublishedAt = snap.PublishResult.PublishedAt
	}

	if err := t.store.AppendPublishRecord(ctx, rec, PublishRecordLimit); err != nil {
		return fmt.Errorf("append publish record: %w", err)
	}
	for _, sink := range t.sinks {
		if err := sink.InsertPublishRecord(ctx, rec); err != nil {
			t.logger.Warn("record sink rejected publish record", "workflow_id", snap.ID, "error", err)
		}
	}

	stats, err := t.store.LoadStats(ctx)
	if err != nil {
		return fmt.Errorf("load stats: %w", err)
	}
	stats.TotalWorkflows++
	stats.SuccessfulPublishes++
	n := stats.SuccessfulPublishes
	stats.AverageQualityScore = movingAverage(stats.AverageQualityScore, rec.QualityScore, n)
	stats.AverageRevisionCount = movingAverage(stats.AverageRevisionCount, float64(rec.RevisionCount), n)
	stats.AverageExecutionTime = time.Duration(movingAverage(float64(stats.AverageExecutionTime), float64(executionTime), n))
	stats.LastUpdated = now

	return t.store.SaveStats(ctx, stats)
}

// RecordOutcome counts a workflow that ended without publishing.
func (t *StatsTracker) RecordOutcome(ctx context.Context, status domain.WorkflowStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats, err := t.store.LoadStats(ctx)
	if err != nil {
		return fmt.Errorf("load stats: %w", err)
	}
	stats.TotalWorkflows++
	switch status {
	case domain.WorkflowStatusFailed:
		stats.FailedWorkflows++
	case domain.WorkflowStatusCancelled:
		stats.CancelledWorkflows++
	}
	stats.LastUpdated = t.clock.Now()
	return t.store.SaveStats(ctx, stats)
}

// movingAverage seeds with the first sample, then smooths exponentially.
func movingAverage(prev, sample float64, n int) float64 {
	if n <= 1 {
		return sample
	}
	return prev + statsSmoothing*(sample-prev)
}
