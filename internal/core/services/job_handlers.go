package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/manthysbr/autopress/internal/core/domain"
	"github.com/manthysbr/autopress/internal/core/ports"
)

// FuncHandler adapts plain functions to JobHandler. A nil Check accepts
// every non-nil result.
type FuncHandler struct {
	Run   func(ctx context.Context, job *domain.Job) (domain.JobResult, error)
	Check func(result domain.JobResult) bool
}

func (h FuncHandler) Execute(ctx context.Context, job *domain.Job) (domain.JobResult, error) {
	if h.Run == nil {
		return nil, fmt.Errorf("handler for %s has no run function", job.Type)
	}
	return h.Run(ctx, job)
}

func (h FuncHandler) ValidateResult(result domain.JobResult) bool {
	if h.Check == nil {
		return result != nil
	}
	return h.Check(result)
}

// PublishHandler executes publish jobs through the Publisher collaborator.
type PublishHandler struct {
	logger    *slog.Logger
	publisher ports.Publisher
}

func NewPublishHandler(logger *slog.Logger, publisher ports.Publisher) *PublishHandler {
	return &PublishHandler{logger: logger, publisher: publisher}
}

// Execute decodes the "request" config entry and submits it.
func (h *PublishHandler) Execute(ctx context.Context, job *domain.Job) (domain.JobResult, error) {
	var req domain.PublishRequest
	if err := decodeJobConfig(job.Config, "request", &req); err != nil {
		return nil, err
	}

	h.logger.Info("publishing article", "job_id", job.ID, "workflow_id", req.WorkflowID, "title", req.Article.Title)
	res, err := h.publisher.Publish(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("publish %q: %w", req.Article.Title, err)
	}
	return domain.JobResult{
		"success":      res.Success,
		"url":          res.URL,
		"published_at": res.PublishedAt,
	}, nil
}

// ValidateResult requires an explicit success flag and a URL.
func (h *PublishHandler) ValidateResult(result domain.JobResult) bool {
	ok, _ := result["success"].(bool)
	url, _ := result["url"].(string)
	return ok && url != ""
}

// PublishResultFromJob converts a completed publish job's result.
func PublishResultFromJob(job *domain.Job) (domain.PublishResult, error) {
	var res domain.PublishResult
	raw, err := json.Marshal(job.Result)
	if err != nil {
		return res, fmt.Errorf("encode publish result: %w", err)
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return res, fmt.Errorf("decode publish result: %w", err)
	}
	return res, nil
}

// ReportHandler summarises the workflow statistics and recent publishes.
// With an analytics mirror it also reports the mirror's summary, job
// failure rates and recent job runs, and reads recent publishes from it.
type ReportHandler struct {
	store     ports.WorkflowStore
	analytics ports.RecordAnalytics
}

// NewReportHandler builds the handler; analytics may be nil.
func NewReportHandler(store ports.WorkflowStore, analytics ports.RecordAnalytics) *ReportHandler {
	return &ReportHandler{store: store, analytics: analytics}
}

func (h *ReportHandler) Execute(ctx context.Context, job *domain.Job) (domain.JobResult, error) {
	stats, err := h.store.LoadStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}
	limit := job.Config.Int("recent", 10)
	result := domain.JobResult{"stats": stats}

	if h.analytics == nil {
		records, err := h.store.ListPublishRecords(ctx)
		if err != nil {
			return nil, fmt.Errorf("list publish records: %w", err)
		}
		if limit > len(records) {
			limit = len(records)
		}
		result["recent"] = records[len(records)-limit:]
		return result, nil
	}

	// the mirror lists newest first; reports stay oldest first
	recent, err := h.analytics.ListPublishRecords(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list mirrored records: %w", err)
	}
	slices.Reverse(recent)
	summary, err := h.analytics.Summary(ctx)
	if err != nil {
		return nil, err
	}
	rates, err := h.analytics.FailureRates(ctx)
	if err != nil {
		return nil, err
	}
	runs, err := h.analytics.ListJobRuns(ctx, limit)
	if err != nil {
		return nil, err
	}

	result["recent"] = recent
	result["summary"] = summary
	result["failure_rates"] = rates
	result["job_runs"] = runs
	return result, nil
}

func (h *ReportHandler) ValidateResult(result domain.JobResult) bool {
	_, ok := result["stats"]
	return ok
}

// CompletedJobs exposes finished jobs to handlers that consume the output
// of their dependencies; satisfied by *JobOrchestrator.
type CompletedJobs interface {
	LatestCompleted(jobType domain.JobType) (*domain.Job, bool)
}

// inputSelections returns the job's own "selections" entry or, without one,
// the selections of its most recently completed dependency. upstream
// reports which source was used.
func inputSelections(job *domain.Job, jobs CompletedJobs) (selections []domain.Selection, upstream bool, err error) {
	if _, ok := job.Config["selections"]; ok || jobs == nil {
		err = decodeJobConfig(job.Config, "selections", &selections)
		return selections, false, err
	}

	var source *domain.Job
	for _, dep := range job.Dependencies {
		done, ok := jobs.LatestCompleted(dep)
		if !ok || done.Result == nil {
			continue
		}
		if _, has := done.Result["selections"]; !has {
			continue
		}
		if source == nil || done.CompletedAt.After(*source.CompletedAt) {
			source = done
		}
	}
	if source == nil {
		return nil, false, fmt.Errorf("job %s has no selections and no completed dependency produced any", job.ID)
	}
	if err := decodeJobConfig(domain.JobConfig(source.Result), "selections", &selections); err != nil {
		return nil, true, fmt.Errorf("selections of %s: %w", source.ID, err)
	}
	return selections, true, nil
}

// WorkflowLaunchHandler turns generation jobs into publishing workflows:
// one workflow per selection, taken from the job config or from the
// analysis job it depends on.
type WorkflowLaunchHandler struct {
	logger  *slog.Logger
	manager *WorkflowManager
	jobs    CompletedJobs
}

// NewWorkflowLaunchHandler builds the handler; jobs may be nil when every
// generation job carries its own selections.
func NewWorkflowLaunchHandler(logger *slog.Logger, manager *WorkflowManager, jobs CompletedJobs) *WorkflowLaunchHandler {
	return &WorkflowLaunchHandler{logger: logger, manager: manager, jobs: jobs}
}

func (h *WorkflowLaunchHandler) Execute(ctx context.Context, job *domain.Job) (domain.JobResult, error) {
	selections, upstream, err := inputSelections(job, h.jobs)
	if err != nil {
		return nil, err
	}
	if len(selections) == 0 {
		if upstream {
			// analysis kept nothing; that is a quiet run, not a failure
			h.logger.Info("no selections to generate", "job_id", job.ID)
			return domain.JobResult{"workflows": []string{}}, nil
		}
		return nil, fmt.Errorf("generation job %s has no selections", job.ID)
	}

	var opts domain.WorkflowOptions
	if _, ok := job.Config["workflow"]; ok {
		if err := decodeJobConfig(job.Config, "workflow", &opts); err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(selections))
	for _, sel := range selections {
		o := opts
		o.Selection = sel
		wf, err := h.manager.CreateWorkflow(o)
		if err != nil {
			return nil, fmt.Errorf("create workflow: %w", err)
		}
		if err := wf.Start(); err != nil {
			return nil, fmt.Errorf("start workflow %s: %w", wf.ID(), err)
		}
		ids = append(ids, string(wf.ID()))
	}
	h.logger.Info("workflows launched", "job_id", job.ID, "count", len(ids))
	return domain.JobResult{"workflows": ids}, nil
}

func (h *WorkflowLaunchHandler) ValidateResult(result domain.JobResult) bool {
	_, ok := result["workflows"].([]string)
	return ok
}

// CollectionHandler accepts selections gathered by an external collector
// and records them as the job result.
type CollectionHandler struct{}

func (CollectionHandler) Execute(ctx context.Context, job *domain.Job) (domain.JobResult, error) {
	var selections []domain.Selection
	if err := decodeJobConfig(job.Config, "selections", &selections); err != nil {
		return nil, err
	}
	return domain.JobResult{"selections": selections, "count": len(selections)}, nil
}

func (CollectionHandler) ValidateResult(result domain.JobResult) bool {
	_, ok := result["selections"]
	return ok
}

// AnalysisHandler ranks selections by score and drops those below the
// "min_score" config entry. Without explicit selections it analyses the
// output of the collection job it depends on.
type AnalysisHandler struct {
	Jobs CompletedJobs
}

func (h AnalysisHandler) Execute(ctx context.Context, job *domain.Job) (domain.JobResult, error) {
	var selections []domain.Selection
	if _, ok := job.Config["selections"]; ok || h.Jobs != nil {
		var err error
		if selections, _, err = inputSelections(job, h.Jobs); err != nil {
			return nil, err
		}
	}
	minScore := float64(job.Config.Int("min_score", 0))

	kept := make([]domain.Selection, 0, len(selections))
	for _, sel := range selections {
		if sel.Score >= minScore {
			kept = append(kept, sel)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	return domain.JobResult{"selections": kept, "dropped": len(selections) - len(kept)}, nil
}

func (AnalysisHandler) ValidateResult(result domain.JobResult) bool {
	_, ok := result["selections"]
	return ok
}

// decodeJobConfig re-encodes one config entry into a typed value. Config
// values may be typed structs (fresh jobs) or generic maps (restored jobs).
func decodeJobConfig(cfg domain.JobConfig, key string, out any) error {
	raw, ok := cfg[key]
	if !ok {
		return fmt.Errorf("job config missing %q", key)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode job config %q: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode job config %q: %w", key, err)
	}
	return nil
}
