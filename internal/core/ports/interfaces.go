package ports

import (
	"context"

	"github.com/manthysbr/autopress/internal/core/domain"
)

// Generator abstracts the language-generation service.
type Generator interface {
	// Generate drafts one article per usable item of the selection.
	Generate(ctx context.Context, selection domain.Selection) ([]domain.Article, error)

	// Rewrite produces a new draft that addresses the reviewer's feedback.
	Rewrite(ctx context.Context, article domain.Article, feedback string) (domain.Article, error)
}

// QualityScorer rates a draft.
type QualityScorer interface {
	Score(ctx context.Context, article domain.Article) (domain.QualityReport, error)
}

// Publisher submits content to the target platform. The workflow only
// reaches Publish through a publish job; Verify is called directly.
type Publisher interface {
	Publish(ctx context.Context, req domain.PublishRequest) (domain.PublishResult, error)
	Verify(ctx context.Context, url string) error
}

// Notifier is the fire-and-forget notification sink.
type Notifier interface {
	Notify(n domain.Notification)
}

// JobStore persists the orchestrator snapshot.
type JobStore interface {
	SaveOrchestratorState(ctx context.Context, state *domain.OrchestratorState) error
	LoadOrchestratorState(ctx context.Context) (*domain.OrchestratorState, error)
}

// WorkflowStore persists workflow snapshots, backups and statistics.
type WorkflowStore interface {
	// SaveWorkflow writes {id}.json and the shared latest pointer.
	SaveWorkflow(ctx context.Context, snap *domain.WorkflowSnapshot) error
	GetWorkflow(ctx context.Context, id domain.WorkflowID) (*domain.WorkflowSnapshot, error)
	SaveBackup(ctx context.Context, id domain.WorkflowID, article domain.Article) error

	AppendPublishRecord(ctx context.Context, rec domain.PublishRecord, limit int) error
	ListPublishRecords(ctx context.Context) ([]domain.PublishRecord, error)
	LoadStats(ctx context.Context) (*domain.WorkflowStats, error)
	SaveStats(ctx context.Context, stats *domain.WorkflowStats) error
}

// RecordSink receives a copy of every publish record (e.g. an analytics DB).
type RecordSink interface {
	InsertPublishRecord(ctx context.Context, rec domain.PublishRecord) error
}

// RecordAnalytics answers aggregate queries over mirrored publish records
// and finished jobs.
type RecordAnalytics interface {
	Summary(ctx context.Context) (domain.PublishSummary, error)
	ListPublishRecords(ctx context.Context, limit int) ([]domain.PublishRecord, error)
	ListJobRuns(ctx context.Context, limit int) ([]domain.JobRun, error)
	FailureRates(ctx context.Context) (map[domain.JobType]float64, error)
}
