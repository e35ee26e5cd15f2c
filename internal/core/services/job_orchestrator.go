package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/manthysbr/autopress/internal/core/domain"
	"github.com/manthysbr/autopress/internal/core/ports"
)

// JobHandler is the type-specific executable behind a job.
type JobHandler interface {
	// Execute performs the job's side effect. The orchestrator imposes no
	// timeout; handlers own that.
	Execute(ctx context.Context, job *domain.Job) (domain.JobResult, error)

	// ValidateResult decides whether a returned result counts as success.
	ValidateResult(result domain.JobResult) bool
}

// JobOrchestrator runs typed jobs under a concurrency bound with dependency
// gating, linear retry backoff and full-state persistence.
//
// All table, queue and running-set mutation happens with mu held; handlers
// run on their own goroutines without it. State snapshots are taken under
// mu and written to the store after it is released.
type JobOrchestrator struct {
	logger   *slog.Logger
	store    ports.JobStore
	notifier ports.Notifier
	clock    clock.Clock
	cfg      domain.OrchestratorConfig
	handlers map[domain.JobType]JobHandler

	mu      sync.Mutex
	jobs    map[domain.JobID]*domain.Job
	queue   []domain.JobID
	running map[domain.JobID]struct{}
	slots   *semaphore.Weighted
	retries map[domain.JobID]*clock.Timer
	started bool

	// newest snapshot not yet handed to the store, and its sequence
	pending    *domain.OrchestratorState
	pendingSeq uint64
	seq        uint64

	saveMu   sync.Mutex
	savedSeq uint64

	runCtx    context.Context
	runCancel context.CancelFunc
	inflight  sync.WaitGroup
}

// NewJobOrchestrator builds an orchestrator. Zero config values fall back to
// the defaults of domain.DefaultConfig.
func NewJobOrchestrator(logger *slog.Logger, cfg domain.OrchestratorConfig, store ports.JobStore, notifier ports.Notifier, clk clock.Clock, handlers map[domain.JobType]JobHandler) *JobOrchestrator {
	def := domain.DefaultConfig().Orchestrator
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = def.FreshnessWindow
	}
	// completed jobs must outlive the freshness window or dependents starve
	if cfg.Retention < cfg.FreshnessWindow {
		cfg.Retention = cfg.FreshnessWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Dependencies == nil {
		cfg.Dependencies = domain.DefaultDependencies()
	}
	if clk == nil {
		clk = clock.New()
	}

	hs := make(map[domain.JobType]JobHandler, len(handlers))
	for t, h := range handlers {
		hs[t] = h
	}

	return &JobOrchestrator{
		logger:   logger,
		store:    store,
		notifier: notifier,
		clock:    clk,
		cfg:      cfg,
		handlers: hs,
		jobs:     make(map[domain.JobID]*domain.Job),
		running:  make(map[domain.JobID]struct{}),
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		retries:  make(map[domain.JobID]*clock.Timer),
		runCtx:   context.Background(),
	}
}

// Restore loads the persisted snapshot. Jobs that were running when the
// process died are reset to pending and re-queued ahead of the rest; their
// partial side effects are not replayed or undone.
func (o *JobOrchestrator) Restore(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	state, err := o.store.LoadOrchestratorState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load orchestrator state: %w", err)
	}
	if state == nil {
		return nil
	}

	o.mu.Lock()
	defer o.unlock()

	o.jobs = make(map[domain.JobID]*domain.Job, len(state.Jobs))
	for _, job := range state.Jobs {
		if job == nil || !job.Type.Valid() {
			continue
		}
		o.jobs[job.ID] = job
	}

	var resumed []domain.JobID
	queued := make(map[domain.JobID]bool)
	for _, id := range state.Running {
		job, ok := o.jobs[id]
		if !ok || job.Status != domain.JobStatusRunning {
			continue
		}
		job.Status = domain.JobStatusPending
		job.StartedAt = nil
		resumed = append(resumed, id)
		queued[id] = true
	}

	queue := append([]domain.JobID{}, resumed...)
	for _, id := range state.Queue {
		job, ok := o.jobs[id]
		if !ok || queued[id] || job.Status != domain.JobStatusPending {
			continue
		}
		queue = append(queue, id)
		queued[id] = true
	}

	// Anything still marked running or retrying without a live owner goes
	// back to pending as well.
	for _, job := range sortedJobs(o.jobs) {
		if queued[job.ID] {
			continue
		}
		switch job.Status {
		case domain.JobStatusRunning, domain.JobStatusRetrying:
			job.Status = domain.JobStatusPending
			job.StartedAt = nil
			queue = append(queue, job.ID)
		case domain.JobStatusPending:
			queue = append(queue, job.ID)
		}
	}

	o.queue = queue
	o.running = make(map[domain.JobID]struct{})
	o.logger.Info("orchestrator state restored",
		"jobs", len(o.jobs),
		"queued", len(o.queue),
		"resumed", len(resumed),
	)
	o.persistLocked()
	return nil
}

// RegisterHandler installs or replaces the handler for a job type.
func (o *JobOrchestrator) RegisterHandler(jobType domain.JobType, h JobHandler) {
	o.mu.Lock()
	defer o.unlock()
	o.handlers[jobType] = h
	o.processQueueLocked()
}

// CreateJob allocates a job of the given type without queueing it.
func (o *JobOrchestrator) CreateJob(jobType domain.JobType, cfg domain.JobConfig) (*domain.Job, error) {
	if !jobType.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownJobType, jobType)
	}
	o.mu.Lock()
	_, ok := o.handlers[jobType]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoHandler, jobType)
	}
	if cfg == nil {
		cfg = domain.JobConfig{}
	}

	deps, err := dependenciesFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if deps == nil {
		deps = append([]domain.JobType(nil), o.cfg.Dependencies[jobType]...)
	}

	return &domain.Job{
		ID:           domain.JobID("job_" + uuid.NewString()),
		Type:         jobType,
		Status:       domain.JobStatusPending,
		Config:       cfg,
		Dependencies: deps,
		MaxRetries:   cfg.Int("max_retries", o.cfg.MaxRetries),
		CreatedAt:    o.clock.Now(),
	}, nil
}

// EnqueueJob adds a job to the tail of the queue. Jobs with unmet
// dependencies are still accepted; they wait in the queue as pending.
func (o *JobOrchestrator) EnqueueJob(job *domain.Job) error {
	if job == nil {
		return fmt.Errorf("%w: nil job", domain.ErrJobNotFound)
	}
	if !job.Type.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownJobType, job.Type)
	}

	o.mu.Lock()
	defer o.unlock()

	if _, exists := o.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrJobAlreadyEnqueued, job.ID)
	}

	stored := job.Clone()
	stored.Status = domain.JobStatusPending
	o.jobs[stored.ID] = stored
	o.queue = append(o.queue, stored.ID)

	if unmet := o.unmetLocked(stored); len(unmet) > 0 {
		o.logger.Info("job queued with unmet dependencies",
			"job_id", stored.ID,
			"type", stored.Type,
			"unmet", unmet,
		)
	} else {
		o.logger.Info("job queued", "job_id", stored.ID, "type", stored.Type)
	}

	o.persistLocked()
	o.notifyLocked(stored, nil)
	o.processQueueLocked()
	return nil
}

// Submit is CreateJob followed by EnqueueJob.
func (o *JobOrchestrator) Submit(jobType domain.JobType, cfg domain.JobConfig) (*domain.Job, error) {
	job, err := o.CreateJob(jobType, cfg)
	if err != nil {
		return nil, err
	}
	if err := o.EnqueueJob(job); err != nil {
		return nil, err
	}
	return job, nil
}

// CheckDependencies returns the dependency types that have no completed job
// inside the freshness window.
func (o *JobOrchestrator) CheckDependencies(job *domain.Job) []domain.JobType {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.unmetLocked(job)
}

// ProcessQueue starts as many runnable jobs as there are free slots.
func (o *JobOrchestrator) ProcessQueue() {
	o.mu.Lock()
	defer o.unlock()
	o.processQueueLocked()
}

// Start marks the orchestrator running and drains whatever is runnable.
// Job handlers receive ctx; cancelling it does not stop the orchestrator.
func (o *JobOrchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.unlock()
	if o.started {
		return
	}
	o.runCtx, o.runCancel = context.WithCancel(ctx)
	o.started = true
	o.logger.Info("job orchestrator started",
		"max_concurrent", o.cfg.MaxConcurrent,
		"queued", len(o.queue),
	)
	o.processQueueLocked()
}

// Run starts the orchestrator and sweeps expired completed jobs until ctx
// is cancelled.
func (o *JobOrchestrator) Run(ctx context.Context) error {
	o.Start(ctx)
	ticker := o.clock.Ticker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.Stop(10 * time.Second)
			return nil
		case <-ticker.C:
			if n := o.PruneCompleted(); n > 0 {
				o.logger.Info("pruned completed jobs", "count", n)
			}
		}
	}
}

// Stop cancels pending retry timers and the handler context, then waits up
// to timeout for in-flight handlers to return. Retrying jobs stay retrying
// and are picked up again by Restore.
func (o *JobOrchestrator) Stop(timeout time.Duration) {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	for id, t := range o.retries {
		t.Stop()
		delete(o.retries, id)
	}
	cancel := o.runCancel
	o.persistLocked()
	o.unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	deadline := o.clock.Timer(timeout)
	defer deadline.Stop()
	select {
	case <-done:
		o.logger.Info("job orchestrator stopped")
	case <-deadline.C:
		o.logger.Error("job orchestrator stop timed out, handlers still running", "timeout", timeout)
	}
}

// GetJob returns a copy of the job.
func (o *JobOrchestrator) GetJob(id domain.JobID) (*domain.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// LatestCompleted returns a copy of the most recently completed job of the
// given type.
func (o *JobOrchestrator) LatestCompleted(jobType domain.JobType) (*domain.Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	job := o.latestCompletedLocked(jobType)
	if job == nil {
		return nil, false
	}
	return job.Clone(), true
}

// ListJobs returns copies of every job ordered by creation time.
func (o *JobOrchestrator) ListJobs() []*domain.Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	jobs := sortedJobs(o.jobs)
	out := make([]*domain.Job, len(jobs))
	for i, job := range jobs {
		out[i] = job.Clone()
	}
	return out
}

// Status summarises the orchestrator for dashboards.
func (o *JobOrchestrator) Status() domain.OrchestratorStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	counts := make(map[domain.JobStatus]int)
	for _, job := range o.jobs {
		counts[job.Status]++
	}
	return domain.OrchestratorStatus{
		Running:       o.started,
		MaxConcurrent: o.cfg.MaxConcurrent,
		TotalJobs:     len(o.jobs),
		Queue:         append([]domain.JobID{}, o.queue...),
		RunningJobs:   o.runningIDsLocked(),
		Counts:        counts,
	}
}

// PruneCompleted drops completed jobs older than the retention window.
func (o *JobOrchestrator) PruneCompleted() int {
	o.mu.Lock()
	defer o.unlock()

	cutoff := o.clock.Now().Add(-o.cfg.Retention)
	removed := 0
	for id, job := range o.jobs {
		if job.Status != domain.JobStatusCompleted || job.CompletedAt == nil {
			continue
		}
		if job.CompletedAt.Before(cutoff) {
			delete(o.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		o.persistLocked()
	}
	return removed
}

func (o *JobOrchestrator) processQueueLocked() {
	if !o.started {
		return
	}

	// One pass over the current queue: blocked jobs rotate to the tail and
	// are not revisited until the next trigger.
	pass := len(o.queue)
	for i := 0; i < pass && len(o.queue) > 0; i++ {
		if !o.slots.TryAcquire(1) {
			return
		}
		id := o.queue[0]
		o.queue = o.queue[1:]

		job, ok := o.jobs[id]
		if !ok || job.Status != domain.JobStatusPending {
			o.slots.Release(1)
			continue
		}
		if unmet := o.unmetLocked(job); len(unmet) > 0 {
			o.slots.Release(1)
			o.queue = append(o.queue, id)
			continue
		}

		handler, ok := o.handlers[job.Type]
		if !ok {
			o.slots.Release(1)
			msg := fmt.Sprintf("%s: %s", domain.ErrNoHandler, job.Type)
			job.Status = domain.JobStatusFailed
			job.Error = &msg
			job.RetryCount = job.MaxRetries
			o.logger.Error("job has no handler", "job_id", job.ID, "type", job.Type)
			o.persistLocked()
			o.notifyLocked(job, nil)
			continue
		}

		o.startLocked(job, handler)
	}
}

func (o *JobOrchestrator) startLocked(job *domain.Job, handler JobHandler) {
	now := o.clock.Now()
	job.Status = domain.JobStatusRunning
	job.StartedAt = &now
	job.Error = nil
	o.running[job.ID] = struct{}{}

	o.logger.Info("job started", "job_id", job.ID, "type", job.Type, "attempt", job.RetryCount+1)
	o.persistLocked()
	o.notifyLocked(job, nil)

	o.inflight.Add(1)
	go o.execute(o.runCtx, job.Clone(), handler)
}

func (o *JobOrchestrator) execute(ctx context.Context, job *domain.Job, handler JobHandler) {
	defer o.inflight.Done()

	result, err := o.invoke(ctx, job, handler)

	o.mu.Lock()
	defer o.unlock()
	o.finishLocked(job.ID, result, err)
}

func (o *JobOrchestrator) invoke(ctx context.Context, job *domain.Job, handler JobHandler) (result domain.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: panic: %v", domain.ErrExecution, r)
		}
	}()

	result, err = handler.Execute(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrExecution, err)
	}
	if !handler.ValidateResult(result) {
		return result, fmt.Errorf("%w: %s", domain.ErrResultValidation, job.Type)
	}
	return result, nil
}

func (o *JobOrchestrator) finishLocked(id domain.JobID, result domain.JobResult, execErr error) {
	job, ok := o.jobs[id]
	if _, running := o.running[id]; running {
		delete(o.running, id)
		o.slots.Release(1)
	}
	if !ok {
		// pruned or replaced while running
		o.processQueueLocked()
		return
	}

	now := o.clock.Now()
	var elapsed time.Duration
	if job.StartedAt != nil {
		elapsed = now.Sub(*job.StartedAt)
	}

	if execErr == nil {
		job.Status = domain.JobStatusCompleted
		job.CompletedAt = &now
		job.Duration = elapsed
		job.Result = result
		job.Error = nil
		o.logger.Info("job completed", "job_id", job.ID, "type", job.Type, "duration", elapsed)
		o.persistLocked()
		o.notifyLocked(job, nil)
		o.processQueueLocked()
		return
	}

	msg := execErr.Error()
	job.Error = &msg
	job.Duration = elapsed

	if job.RetryCount < job.MaxRetries {
		job.RetryCount++
		job.Status = domain.JobStatusRetrying
		delay := o.cfg.BaseDelay * time.Duration(job.RetryCount)
		o.logger.Warn("job failed, scheduling retry",
			"job_id", job.ID,
			"type", job.Type,
			"retry_count", job.RetryCount,
			"max_retries", job.MaxRetries,
			"delay", delay,
			"error", execErr,
		)
		if o.started {
			o.retries[id] = o.clock.AfterFunc(delay, func() { o.requeue(id) })
		}
		o.persistLocked()
		o.notifyLocked(job, map[string]any{"delay_ms": delay.Milliseconds()})
	} else {
		job.Status = domain.JobStatusFailed
		job.CompletedAt = &now
		o.logger.Error("job failed permanently",
			"job_id", job.ID,
			"type", job.Type,
			"retry_count", job.RetryCount,
			"error", execErr,
		)
		o.persistLocked()
		o.notifyLocked(job, nil)
	}

	o.processQueueLocked()
}

// requeue moves a retrying job back to the head of the queue.
func (o *JobOrchestrator) requeue(id domain.JobID) {
	o.mu.Lock()
	defer o.unlock()

	delete(o.retries, id)
	job, ok := o.jobs[id]
	if !ok || job.Status != domain.JobStatusRetrying {
		return
	}
	job.Status = domain.JobStatusPending
	job.StartedAt = nil
	o.queue = append([]domain.JobID{id}, o.queue...)

	o.persistLocked()
	o.notifyLocked(job, nil)
	o.processQueueLocked()
}

func (o *JobOrchestrator) unmetLocked(job *domain.Job) []domain.JobType {
	if len(job.Dependencies) == 0 {
		return nil
	}
	cutoff := o.clock.Now().Add(-o.cfg.FreshnessWindow)

	var unmet []domain.JobType
	for _, dep := range job.Dependencies {
		latest := o.latestCompletedLocked(dep)
		if latest == nil || latest.CompletedAt.Before(cutoff) {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

func (o *JobOrchestrator) latestCompletedLocked(jobType domain.JobType) *domain.Job {
	var latest *domain.Job
	for _, other := range o.jobs {
		if other.Type != jobType || other.Status != domain.JobStatusCompleted || other.CompletedAt == nil {
			continue
		}
		if latest == nil || other.CompletedAt.After(*latest.CompletedAt) {
			latest = other
		}
	}
	return latest
}

func (o *JobOrchestrator) runningIDsLocked() []domain.JobID {
	ids := make([]domain.JobID, 0, len(o.running))
	for id := range o.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// persistLocked snapshots the full state. The snapshot is written by
// unlock once mu is released.
func (o *JobOrchestrator) persistLocked() {
	if o.store == nil {
		return
	}
	jobs := sortedJobs(o.jobs)
	state := &domain.OrchestratorState{
		Jobs:    make([]*domain.Job, len(jobs)),
		Queue:   append([]domain.JobID{}, o.queue...),
		Running: o.runningIDsLocked(),
		SavedAt: o.clock.Now(),
	}
	for i, job := range jobs {
		state.Jobs[i] = job.Clone()
	}
	o.seq++
	o.pending, o.pendingSeq = state, o.seq
}

// unlock releases mu, then writes the snapshot taken while it was held.
func (o *JobOrchestrator) unlock() {
	state, seq := o.pending, o.pendingSeq
	o.pending = nil
	o.mu.Unlock()

	if state != nil {
		o.writeState(state, seq)
	}
}

// writeState saves state unless a newer snapshot already reached the store.
func (o *JobOrchestrator) writeState(state *domain.OrchestratorState, seq uint64) {
	o.saveMu.Lock()
	defer o.saveMu.Unlock()
	if seq <= o.savedSeq {
		return
	}
	o.savedSeq = seq
	if err := o.store.SaveOrchestratorState(context.Background(), state); err != nil {
		o.logger.Error("failed to persist orchestrator state", "error", err)
	}
}

func (o *JobOrchestrator) notifyLocked(job *domain.Job, extra map[string]any) {
	if o.notifier == nil {
		return
	}
	data := map[string]any{
		"status":      string(job.Status),
		"type":        string(job.Type),
		"retry_count": job.RetryCount,
	}
	if job.Error != nil {
		data["error"] = *job.Error
	}
	for k, v := range extra {
		data[k] = v
	}
	o.notifier.Notify(domain.Notification{
		Type:      domain.NotifyJobStatus,
		JobID:     job.ID,
		Title:     fmt.Sprintf("%s job %s", job.Type, job.Status),
		Message:   string(job.Status),
		Data:      data,
		Timestamp: o.clock.Now(),
	})
}

func sortedJobs(m map[domain.JobID]*domain.Job) []*domain.Job {
	jobs := make([]*domain.Job, 0, len(m))
	for _, job := range m {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// dependenciesFromConfig honours an explicit "dependencies" entry. A nil
// return means the caller should use the type defaults; an empty slice
// means no dependencies.
func dependenciesFromConfig(cfg domain.JobConfig) ([]domain.JobType, error) {
	raw, ok := cfg["dependencies"]
	if !ok {
		return nil, nil
	}
	var names []string
	switch v := raw.(type) {
	case []domain.JobType:
		for _, t := range v {
			names = append(names, string(t))
		}
	case []string:
		names = v
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: dependency %v", domain.ErrUnknownJobType, item)
			}
			names = append(names, s)
		}
	case nil:
	default:
		return nil, fmt.Errorf("invalid dependencies value %T", raw)
	}

	deps := make([]domain.JobType, 0, len(names))
	for _, name := range names {
		t, err := domain.ParseJobType(name)
		if err != nil {
			return nil, err
		}
		deps = append(deps, t)
	}
	return deps, nil
}
