package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/manthysbr/autopress/internal/core/domain"
	"github.com/manthysbr/autopress/internal/core/ports"
)

const (
	// AutoApproveScore is the minimum score an auto-approved draft needs.
	AutoApproveScore = 80.0
	// QualityWarningScore triggers a non-blocking warning at final approval.
	QualityWarningScore = 70.0

	jobPollInterval = time.Second
)

// JobSubmitter is the slice of the orchestrator a workflow may use.
type JobSubmitter interface {
	CreateJob(jobType domain.JobType, cfg domain.JobConfig) (*domain.Job, error)
	EnqueueJob(job *domain.Job) error
	GetJob(id domain.JobID) (*domain.Job, error)
}

// EventSubscriber delivers job status events; satisfied by *EventBus.
type EventSubscriber interface {
	Subscribe(topic string) (<-chan Event, func())
}

// WorkflowDeps are the collaborators shared by every workflow instance.
type WorkflowDeps struct {
	Logger      *slog.Logger
	Generator   ports.Generator
	Scorer      ports.QualityScorer
	Publisher   ports.Publisher // verification only; optional
	Notifier    ports.Notifier  // optional
	Store       ports.WorkflowStore
	Jobs        JobSubmitter
	Events      EventSubscriber // optional; polling is used without it
	Stats       *StatsTracker   // optional
	Clock       clock.Clock
	Preparation domain.PreparationConfig
}

var errCancelledWhileWaiting = errors.New("workflow cancelled while waiting for publish job")

type workflowMsg struct {
	action    domain.UserAction
	data      domain.ActionData
	reviewSeq uint64 // set on timer-synthesized review cancels
	resume    bool   // scheduled publish timer fired
}

// PublishingWorkflow drives one article from draft to published. A single
// goroutine owns every transition; users, timers and the registry talk to
// it through the inbox.
type PublishingWorkflow struct {
	deps   WorkflowDeps
	logger *slog.Logger
	clock  clock.Clock

	mu      sync.RWMutex
	state   domain.WorkflowSnapshot
	started bool
	hooks   []func(*PublishingWorkflow)
	// CANCEL or REJECT accepted but not yet carried out; checked before
	// every forward transition so a running step chain cannot outrun it.
	stopRequest *workflowMsg

	inbox     chan workflowMsg
	done      chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	// owned by the run goroutine
	reviewTimer   *clock.Timer
	reviewSeq     uint64
	scheduleTimer *clock.Timer
}

// NewPublishingWorkflow creates an Idle instance. cfg is used as is; callers
// resolve defaults beforehand.
func NewPublishingWorkflow(ctx context.Context, deps WorkflowDeps, opts domain.WorkflowOptions, cfg domain.WorkflowConfig) *PublishingWorkflow {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	id := domain.WorkflowID("wf_" + uuid.NewString())
	now := deps.Clock.Now()

	runCtx, cancel := context.WithCancel(ctx)
	return &PublishingWorkflow{
		deps:   deps,
		logger: deps.Logger.With("workflow_id", id),
		clock:  deps.Clock,
		state: domain.WorkflowSnapshot{
			ID:              id,
			Status:          domain.WorkflowStatusIdle,
			CurrentStep:     domain.StepInitialize,
			Selection:       opts.Selection,
			UserFeedback:    []domain.FeedbackEntry{},
			RevisionHistory: []domain.RevisionSnapshot{},
			PublishOptions:  opts.PublishOptions,
			Config:          cfg,
			RetriedSteps:    map[domain.StepID]bool{},
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		inbox:  make(chan workflowMsg, 16),
		done:   make(chan struct{}),
		ctx:    runCtx,
		cancel: cancel,
	}
}

func (w *PublishingWorkflow) ID() domain.WorkflowID { return w.state.ID }

func (w *PublishingWorkflow) Status() domain.WorkflowStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state.Status
}

// Snapshot returns a copy of the full instance state.
func (w *PublishingWorkflow) Snapshot() *domain.WorkflowSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return cloneSnapshot(&w.state)
}

// Done is closed once the instance stops processing, normally because it
// reached a terminal status.
func (w *PublishingWorkflow) Done() <-chan struct{} { return w.done }

// OnTerminal registers fn to run after the instance reaches a terminal
// status. Hooks registered after that point never run.
func (w *PublishingWorkflow) OnTerminal(fn func(*PublishingWorkflow)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hooks = append(w.hooks, fn)
}

// Start moves the instance out of Idle and runs it in the background.
func (w *PublishingWorkflow) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return domain.ErrWorkflowStarted
	}
	w.started = true
	now := w.clock.Now()
	w.state.StartedAt = &now
	w.mu.Unlock()

	w.logger.Info("workflow started", "title", w.state.Selection.Title)
	go w.run()
	return nil
}

// HandleUserAction validates and queues a user decision. It returns once the
// action is accepted, not once it has been carried out.
func (w *PublishingWorkflow) HandleUserAction(action domain.UserAction, data domain.ActionData) error {
	if !action.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownAction, action)
	}

	w.mu.RLock()
	status, started := w.state.Status, w.started
	w.mu.RUnlock()

	if status.Terminal() {
		return domain.ErrWorkflowFinished
	}
	switch action {
	case domain.ActionApprove, domain.ActionRequestRevision, domain.ActionSchedule:
		if status != domain.WorkflowStatusUserReview {
			return fmt.Errorf("%w: %s in %s", domain.ErrActionNotAllowed, action, status)
		}
	}
	if action == domain.ActionSchedule {
		if data.ScheduledTime == nil || !data.ScheduledTime.After(w.clock.Now()) {
			return domain.ErrInvalidScheduleTime
		}
	}

	stop := action == domain.ActionCancel || action == domain.ActionReject
	if !started && stop {
		return w.cancelBeforeStart(action, data)
	}
	msg := workflowMsg{action: action, data: data}
	if stop {
		w.mu.Lock()
		if w.stopRequest == nil {
			w.stopRequest = &msg
		}
		w.mu.Unlock()
	}
	return w.submit(msg)
}

// Cancel is shorthand for a CANCEL action.
func (w *PublishingWorkflow) Cancel(reason string) error {
	return w.HandleUserAction(domain.ActionCancel, domain.ActionData{Reason: reason})
}

// Stop abandons in-memory processing without changing the persisted status.
func (w *PublishingWorkflow) Stop() {
	w.cancel()
}

func (w *PublishingWorkflow) submit(msg workflowMsg) error {
	select {
	case w.inbox <- msg:
		return nil
	case <-w.done:
		return domain.ErrWorkflowFinished
	}
}

func (w *PublishingWorkflow) cancelBeforeStart(action domain.UserAction, data domain.ActionData) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return w.submit(workflowMsg{action: action, data: data})
	}
	w.started = true
	w.mu.Unlock()

	w.handleUserAction(action, data)
	w.finish()
	return nil
}

func (w *PublishingWorkflow) run() {
	defer w.finish()

	w.executeContentGeneration()
	for !w.Status().Terminal() {
		select {
		case <-w.ctx.Done():
			w.logger.Info("workflow processing stopped", "status", w.Status())
			return
		case msg := <-w.inbox:
			w.dispatch(msg)
		}
	}
}

func (w *PublishingWorkflow) finish() {
	w.stopReviewTimer()
	if w.scheduleTimer != nil {
		w.scheduleTimer.Stop()
		w.scheduleTimer = nil
	}
	w.closeOnce.Do(func() { close(w.done) })

	w.mu.RLock()
	terminal := w.state.Status.Terminal()
	hooks := append([]func(*PublishingWorkflow){}, w.hooks...)
	w.mu.RUnlock()

	if terminal {
		for _, fn := range hooks {
			fn(w)
		}
	}
	w.cancel()
}

func (w *PublishingWorkflow) dispatch(msg workflowMsg) {
	if msg.resume {
		if w.Status() == domain.WorkflowStatusPublishPreparation {
			w.scheduleTimer = nil
			w.executePublishPreparation()
		}
		return
	}
	if w.stale(msg) {
		w.logger.Debug("dropping stale review timeout")
		return
	}
	w.handleUserAction(msg.action, msg.data)
}

// stale reports whether msg is a review timeout for a review that already ended.
func (w *PublishingWorkflow) stale(msg workflowMsg) bool {
	if msg.reviewSeq == 0 {
		return false
	}
	return msg.reviewSeq != w.reviewSeq || w.Status() != domain.WorkflowStatusUserReview
}

// handleUserAction is the single dispatch point for user decisions.
func (w *PublishingWorkflow) handleUserAction(action domain.UserAction, data domain.ActionData) {
	status := w.Status()
	if status.Terminal() {
		return
	}
	switch action {
	case domain.ActionApprove, domain.ActionRequestRevision, domain.ActionSchedule:
		if status != domain.WorkflowStatusUserReview {
			w.logger.Warn("ignoring action outside review", "action", action, "status", status)
			return
		}
	}

	w.stopReviewTimer()

	w.mu.Lock()
	if action == domain.ActionCancel || action == domain.ActionReject {
		w.stopRequest = nil
	}
	w.state.UserFeedback = append(w.state.UserFeedback, domain.FeedbackEntry{
		Action:    action,
		Data:      data,
		Timestamp: w.clock.Now(),
	})
	w.mu.Unlock()
	w.logger.Info("user action received", "action", action, "synthesized", data.Synthesized)

	switch action {
	case domain.ActionApprove:
		w.executeFinalApproval()
	case domain.ActionRequestRevision:
		w.executeRevision(data.Feedback)
	case domain.ActionSchedule:
		w.schedulePublishing(data.ScheduledTime, data.PublishOptions)
	case domain.ActionReject, domain.ActionCancel:
		reason := data.Reason
		if reason == "" {
			reason = "rejected by user"
			if action == domain.ActionCancel {
				reason = "cancelled by user"
			}
		}
		w.cancelWorkflow(reason)
	}
}

func (w *PublishingWorkflow) executeContentGeneration() {
	if !w.setStatus(domain.WorkflowStatusContentGeneration, domain.StepGeneration) {
		return
	}

	w.mu.RLock()
	selection := w.state.Selection
	w.mu.RUnlock()

	articles, err := w.deps.Generator.Generate(w.ctx, selection)
	if err == nil && len(articles) == 0 {
		err = errors.New("generator returned no articles")
	}
	if err != nil {
		w.stepFailed(domain.StepGeneration, fmt.Errorf("generate: %w", err), w.executeContentGeneration)
		return
	}

	article := articles[0]
	if article.CreatedAt.IsZero() {
		article.CreatedAt = w.clock.Now()
	}
	report, err := w.deps.Scorer.Score(w.ctx, article)
	if err != nil {
		w.stepFailed(domain.StepGeneration, fmt.Errorf("score: %w", err), w.executeContentGeneration)
		return
	}

	w.mu.Lock()
	w.state.Article = &article
	w.state.QualityReport = &report
	w.mu.Unlock()
	w.persist()
	w.notify(domain.Notification{
		Type:    domain.NotifyStepCompleted,
		Step:    domain.StepGeneration,
		Title:   article.Title,
		Message: fmt.Sprintf("draft generated with score %.1f", report.Total),
	})

	w.executeUserReview()
}

func (w *PublishingWorkflow) executeUserReview() {
	if !w.setStatus(domain.WorkflowStatusUserReview, domain.StepReview) {
		return
	}

	w.mu.RLock()
	cfg := w.state.Config
	score := w.state.QualityReport.Total
	title := w.state.Article.Title
	w.mu.RUnlock()

	if cfg.AutoApprove {
		if score >= AutoApproveScore {
			w.handleUserAction(domain.ActionApprove, domain.ActionData{
				Reason:      "auto-approved",
				Synthesized: true,
			})
		} else {
			w.handleUserAction(domain.ActionRequestRevision, domain.ActionData{
				Feedback:    fmt.Sprintf("quality score %.1f is below %.0f, improve the draft", score, AutoApproveScore),
				Synthesized: true,
			})
		}
		return
	}

	w.notify(domain.Notification{
		Type:    domain.NotifyReviewRequired,
		Step:    domain.StepReview,
		Title:   title,
		Message: "draft is waiting for review",
		Data: map[string]any{
			"score": score,
			"actions": []domain.UserAction{
				domain.ActionApprove,
				domain.ActionRequestRevision,
				domain.ActionSchedule,
				domain.ActionReject,
			},
		},
	})

	w.reviewSeq++
	if cfg.ReviewTimeout > 0 {
		seq := w.reviewSeq
		w.reviewTimer = w.clock.AfterFunc(cfg.ReviewTimeout, func() {
			_ = w.submit(workflowMsg{
				action:    domain.ActionCancel,
				data:      domain.ActionData{Reason: "timeout", Synthesized: true},
				reviewSeq: seq,
			})
		})
	}
}

func (w *PublishingWorkflow) executeRevision(feedback string) {
	if !w.setStatus(domain.WorkflowStatusRevisionRequest, domain.StepRevision) {
		return
	}

	w.mu.Lock()
	limit := w.state.Config.MaxRevisions
	count := len(w.state.RevisionHistory)
	if count >= limit {
		w.mu.Unlock()
		w.failWorkflow(domain.StepRevision, fmt.Errorf("%w: %d of %d revisions used", domain.ErrRevisionLimitExceeded, count, limit))
		return
	}
	current := *w.state.Article
	w.state.RevisionHistory = append(w.state.RevisionHistory, domain.RevisionSnapshot{
		Version:       count + 1,
		Article:       w.state.Article.Clone(),
		QualityReport: cloneReport(w.state.QualityReport),
		Reason:        feedback,
		Timestamp:     w.clock.Now(),
	})
	w.mu.Unlock()
	w.persist()

	rewritten, err := w.deps.Generator.Rewrite(w.ctx, current, feedback)
	if err != nil {
		w.stepFailed(domain.StepRevision, fmt.Errorf("rewrite: %w", err), nil)
		return
	}
	if rewritten.CreatedAt.IsZero() {
		rewritten.CreatedAt = w.clock.Now()
	}
	report, err := w.deps.Scorer.Score(w.ctx, rewritten)
	if err != nil {
		w.stepFailed(domain.StepRevision, fmt.Errorf("score: %w", err), nil)
		return
	}

	w.mu.Lock()
	w.state.Article = &rewritten
	w.state.QualityReport = &report
	w.mu.Unlock()
	w.persist()
	w.notify(domain.Notification{
		Type:    domain.NotifyStepCompleted,
		Step:    domain.StepRevision,
		Title:   rewritten.Title,
		Message: fmt.Sprintf("revision %d scored %.1f", count+1, report.Total),
	})

	w.executeUserReview()
}

func (w *PublishingWorkflow) executeFinalApproval() {
	if !w.setStatus(domain.WorkflowStatusFinalApproval, domain.StepApproval) {
		return
	}

	w.mu.RLock()
	article, report := w.state.Article, w.state.QualityReport
	w.mu.RUnlock()
	if article == nil || report == nil {
		w.failWorkflow(domain.StepApproval, errors.New("no draft to approve"))
		return
	}

	if report.Total < QualityWarningScore {
		w.notify(domain.Notification{
			Type:    domain.NotifyQualityWarning,
			Step:    domain.StepApproval,
			Title:   article.Title,
			Message: fmt.Sprintf("approved draft scores %.1f, below %.0f", report.Total, QualityWarningScore),
			Data:    map[string]any{"score": report.Total},
		})
	}

	w.executePublishPreparation()
}

func (w *PublishingWorkflow) schedulePublishing(at *time.Time, opts *domain.PublishOptions) {
	now := w.clock.Now()
	if at == nil || !at.After(now) {
		w.logger.Warn("rejecting schedule in the past", "scheduled_time", at)
		w.notify(domain.Notification{
			Type:    domain.NotifyQualityWarning,
			Step:    domain.StepReview,
			Title:   "Invalid schedule",
			Message: domain.ErrInvalidScheduleTime.Error(),
			Error:   domain.ErrInvalidScheduleTime.Error(),
		})
		// still in review; re-arm the timer cleared by handleUserAction
		w.executeUserReview()
		return
	}

	scheduled := *at
	w.mu.Lock()
	w.state.ScheduledTime = &scheduled
	if opts != nil {
		w.state.PublishOptions = *opts
	}
	title := w.state.Article.Title
	w.mu.Unlock()
	w.persist()

	w.notify(domain.Notification{
		Type:    domain.NotifyPublishScheduled,
		Step:    domain.StepPreparation,
		Title:   title,
		Message: fmt.Sprintf("publishing scheduled for %s", scheduled.Format(time.RFC3339)),
		Data:    map[string]any{"scheduled_time": scheduled},
	})

	w.executeFinalApproval()
}

// executePublishPreparation normalizes and backs up the draft. With a future
// scheduled time it arms a timer that re-enters this step at that instant.
func (w *PublishingWorkflow) executePublishPreparation() {
	w.setStatus(domain.WorkflowStatusPublishPreparation, domain.StepPreparation)
	if w.Status() != domain.WorkflowStatusPublishPreparation {
		return
	}

	w.mu.Lock()
	prepared := PrepareArticle(*w.state.Article, w.deps.Preparation)
	w.state.Article = &prepared
	scheduled := w.state.ScheduledTime
	id := w.state.ID
	w.mu.Unlock()

	if err := w.deps.Store.SaveBackup(w.ctx, id, prepared); err != nil {
		w.failWorkflow(domain.StepPreparation, fmt.Errorf("backup: %w", err))
		return
	}
	w.persist()

	if scheduled != nil {
		if delay := scheduled.Sub(w.clock.Now()); delay > 0 {
			w.logger.Info("publish deferred until scheduled time", "scheduled_time", scheduled, "delay", delay)
			w.scheduleTimer = w.clock.AfterFunc(delay, func() {
				_ = w.submit(workflowMsg{resume: true})
			})
			return
		}
	}

	w.executePublishing()
}

func (w *PublishingWorkflow) createPublishJob() (*domain.Job, error) {
	w.mu.RLock()
	req := domain.PublishRequest{
		WorkflowID: w.state.ID,
		Article:    *w.state.Article.Clone(),
		Options:    w.state.PublishOptions,
	}
	w.mu.RUnlock()

	job, err := w.deps.Jobs.CreateJob(domain.JobTypePublish, domain.JobConfig{
		"request":      req,
		"workflow_id":  string(req.WorkflowID),
		"dependencies": []domain.JobType{},
	})
	if err != nil {
		return nil, fmt.Errorf("create publish job: %w", err)
	}
	return job, nil
}

// outstandingPublishJob returns the publish job of an earlier attempt that
// is still queued or running, or has completed without being collected.
func (w *PublishingWorkflow) outstandingPublishJob() (domain.JobID, bool) {
	w.mu.RLock()
	id := w.state.PublishJobID
	w.mu.RUnlock()
	if id == "" {
		return "", false
	}
	job, err := w.deps.Jobs.GetJob(id)
	if err != nil || job.Status == domain.JobStatusFailed {
		return "", false
	}
	return id, true
}

func (w *PublishingWorkflow) executePublishing() {
	if !w.setStatus(domain.WorkflowStatusPublishing, domain.StepPublishing) {
		return
	}

	w.mu.RLock()
	timeout := w.state.Config.PublishTimeout
	w.mu.RUnlock()

	var events <-chan Event
	unsub := func() {}
	subscribe := func(id domain.JobID) {
		if w.deps.Events != nil {
			events, unsub = w.deps.Events.Subscribe(string(id))
		}
	}
	defer func() { unsub() }()

	// A retry after a timed-out wait keeps waiting on the job already in
	// flight; a second job would publish the article twice.
	jobID, ok := w.outstandingPublishJob()
	if ok {
		w.logger.Info("waiting again on outstanding publish job", "job_id", jobID)
		subscribe(jobID)
	} else {
		job, err := w.createPublishJob()
		if err != nil {
			w.stepFailed(domain.StepPublishing, err, w.executePublishing)
			return
		}
		subscribe(job.ID)

		if w.honorStopRequest() {
			return
		}
		if err := w.deps.Jobs.EnqueueJob(job); err != nil {
			w.stepFailed(domain.StepPublishing, fmt.Errorf("enqueue publish job: %w", err), w.executePublishing)
			return
		}
		w.mu.Lock()
		w.state.PublishJobID = job.ID
		w.mu.Unlock()
		w.persist()
		jobID = job.ID
	}

	final, err := w.waitForJob(jobID, events, timeout)
	if errors.Is(err, errCancelledWhileWaiting) {
		return
	}
	if err != nil {
		w.stepFailed(domain.StepPublishing, err, w.executePublishing)
		return
	}
	if final.Status != domain.JobStatusCompleted {
		reason := "unknown error"
		if final.Error != nil {
			reason = *final.Error
		}
		w.stepFailed(domain.StepPublishing, fmt.Errorf("publish job %s failed: %s", final.ID, reason), w.executePublishing)
		return
	}

	result, err := PublishResultFromJob(final)
	if err != nil {
		w.stepFailed(domain.StepPublishing, err, w.executePublishing)
		return
	}
	w.mu.Lock()
	w.state.PublishResult = &result
	w.mu.Unlock()
	w.persist()

	w.executePublishVerification()
}

// waitForJob blocks until the job is terminal, the timeout expires or the
// user cancels. Job events only wake the loop; GetJob is authoritative.
func (w *PublishingWorkflow) waitForJob(id domain.JobID, events <-chan Event, timeout time.Duration) (*domain.Job, error) {
	if timeout <= 0 {
		timeout = domain.DefaultWorkflowConfig().PublishTimeout
	}
	deadline := w.clock.Timer(timeout)
	defer deadline.Stop()
	poll := w.clock.Ticker(jobPollInterval)
	defer poll.Stop()

	for {
		job, err := w.deps.Jobs.GetJob(id)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}

		select {
		case <-w.ctx.Done():
			return nil, w.ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: publish job %s after %s", domain.ErrTimeout, id, timeout)
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case <-poll.C:
		case msg := <-w.inbox:
			if msg.resume || w.stale(msg) {
				continue
			}
			if msg.action == domain.ActionCancel || msg.action == domain.ActionReject {
				w.handleUserAction(msg.action, msg.data)
				return nil, errCancelledWhileWaiting
			}
			w.logger.Warn("ignoring action while publishing", "action", msg.action)
		}
	}
}

func (w *PublishingWorkflow) executePublishVerification() {
	w.mu.Lock()
	w.state.CurrentStep = domain.StepVerification
	w.state.Progress = domain.Progress(domain.StepVerification)
	result := w.state.PublishResult
	verify := w.state.Config.VerifyPublished
	title := w.state.Article.Title
	w.mu.Unlock()
	w.persist()

	if verify && w.deps.Publisher != nil && result != nil && result.URL != "" {
		if err := w.deps.Publisher.Verify(w.ctx, result.URL); err != nil {
			w.logger.Warn("published url not reachable", "url", result.URL, "error", err)
			w.notify(domain.Notification{
				Type:    domain.NotifyPublishUnverified,
				Step:    domain.StepVerification,
				Title:   title,
				Message: "published article could not be verified",
				Error:   err.Error(),
			})
		}
	}

	now := w.clock.Now()
	w.mu.Lock()
	w.state.CompletedAt = &now
	var elapsed time.Duration
	if w.state.StartedAt != nil {
		elapsed = now.Sub(*w.state.StartedAt)
	}
	snap := cloneSnapshot(&w.state)
	w.mu.Unlock()

	if w.deps.Stats != nil {
		if err := w.deps.Stats.RecordPublished(w.ctx, snap, elapsed); err != nil {
			w.logger.Error("failed to record publish", "error", err)
		}
	}

	w.setStatus(domain.WorkflowStatusPublished, domain.StepComplete)
	data := map[string]any{"execution_time_ms": elapsed.Milliseconds()}
	if result != nil {
		data["url"] = result.URL
	}
	w.notify(domain.Notification{
		Type:    domain.NotifyPublished,
		Step:    domain.StepComplete,
		Title:   title,
		Message: "article published",
		Data:    data,
	})
}

// stepFailed applies the step failure policy: generation and publishing get
// one automatic retry per instance, everything else fails the workflow.
func (w *PublishingWorkflow) stepFailed(step domain.StepID, err error, retry func()) {
	retryable := step == domain.StepGeneration || step == domain.StepPublishing

	w.mu.Lock()
	already := w.state.RetriedSteps[step]
	if retryable && !already && retry != nil {
		w.state.RetriedSteps[step] = true
		w.mu.Unlock()
		w.logger.Warn("step failed, retrying once", "step", step, "error", err)
		w.persist()
		retry()
		return
	}
	w.mu.Unlock()

	w.failWorkflow(step, err)
}

func (w *PublishingWorkflow) failWorkflow(step domain.StepID, err error) {
	msg := err.Error()
	now := w.clock.Now()

	w.mu.Lock()
	w.state.Error = &msg
	w.state.FailedStep = step
	w.state.CompletedAt = &now
	title := w.state.Selection.Title
	if w.state.Article != nil {
		title = w.state.Article.Title
	}
	w.mu.Unlock()

	if !w.setStatus(domain.WorkflowStatusFailed, step) {
		return
	}
	w.logger.Error("workflow failed", "step", step, "error", err)
	w.notify(domain.Notification{
		Type:    domain.NotifyFailed,
		Step:    step,
		Title:   title,
		Message: fmt.Sprintf("workflow failed during %s", step),
		Error:   msg,
	})
	w.recordOutcome(domain.WorkflowStatusFailed)
}

func (w *PublishingWorkflow) cancelWorkflow(reason string) {
	now := w.clock.Now()
	w.mu.Lock()
	w.state.CompletedAt = &now
	step := w.state.CurrentStep
	w.mu.Unlock()

	w.stopReviewTimer()
	if !w.setStatus(domain.WorkflowStatusCancelled, step) {
		return
	}
	w.logger.Info("workflow cancelled", "reason", reason)
	w.notify(domain.Notification{
		Type:    domain.NotifyCancelled,
		Step:    step,
		Title:   "Workflow cancelled",
		Message: reason,
		Data:    map[string]any{"reason": reason},
	})
	w.recordOutcome(domain.WorkflowStatusCancelled)
}

func (w *PublishingWorkflow) recordOutcome(status domain.WorkflowStatus) {
	if w.deps.Stats == nil {
		return
	}
	if err := w.deps.Stats.RecordOutcome(context.Background(), status); err != nil {
		w.logger.Error("failed to record workflow outcome", "error", err)
	}
}

// setStatus moves to a new status and step, persists and announces it.
// It refuses to leave a terminal status.
func (w *PublishingWorkflow) setStatus(status domain.WorkflowStatus, step domain.StepID) bool {
	if !status.Terminal() && w.honorStopRequest() {
		return false
	}

	w.mu.Lock()
	prev := w.state.Status
	if prev.Terminal() {
		w.mu.Unlock()
		return false
	}
	if prev == status && w.state.CurrentStep == step {
		w.mu.Unlock()
		return true
	}
	w.state.Status = status
	w.state.CurrentStep = step
	w.state.Progress = domain.Progress(step)
	if status.Terminal() {
		w.state.Progress = domain.Progress(domain.StepComplete)
	}
	w.state.UpdatedAt = w.clock.Now()
	progress := w.state.Progress
	w.mu.Unlock()

	w.logger.Info("workflow status changed", "from", prev, "to", status, "step", step)
	w.persist()
	w.notify(domain.Notification{
		Type:    domain.NotifyStatusChanged,
		Step:    step,
		Title:   string(status),
		Message: fmt.Sprintf("%s -> %s", prev, status),
		Data:    map[string]any{"from": string(prev), "to": string(status)},
	})
	w.notify(domain.Notification{
		Type:    domain.NotifyProgress,
		Step:    step,
		Title:   string(step),
		Message: fmt.Sprintf("%d%%", progress),
		Data:    map[string]any{"progress": progress},
	})
	return true
}

// honorStopRequest carries out a pending CANCEL or REJECT on the run
// goroutine. It reports whether the workflow stopped.
func (w *PublishingWorkflow) honorStopRequest() bool {
	w.mu.Lock()
	req := w.stopRequest
	w.stopRequest = nil
	w.mu.Unlock()
	if req == nil {
		return false
	}
	w.handleUserAction(req.action, req.data)
	return w.Status().Terminal()
}

func (w *PublishingWorkflow) stopReviewTimer() {
	if w.reviewTimer != nil {
		w.reviewTimer.Stop()
		w.reviewTimer = nil
	}
}

func (w *PublishingWorkflow) persist() {
	if w.deps.Store == nil {
		return
	}
	snap := w.Snapshot()
	if err := w.deps.Store.SaveWorkflow(context.Background(), snap); err != nil {
		w.logger.Error("failed to persist workflow", "error", err)
	}
}

func (w *PublishingWorkflow) notify(n domain.Notification) {
	if w.deps.Notifier == nil {
		return
	}
	n.WorkflowID = w.state.ID
	n.Timestamp = w.clock.Now()
	w.deps.Notifier.Notify(n)
}

func cloneReport(r *domain.QualityReport) *domain.QualityReport {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Details != nil {
		cp.Details = make(map[string]float64, len(r.Details))
		for k, v := range r.Details {
			cp.Details[k] = v
		}
	}
	return &cp
}

func cloneSnapshot(s *domain.WorkflowSnapshot) *domain.WorkflowSnapshot {
	cp := *s
	cp.Article = s.Article.Clone()
	cp.QualityReport = cloneReport(s.QualityReport)
	cp.UserFeedback = append([]domain.FeedbackEntry{}, s.UserFeedback...)
	cp.RevisionHistory = make([]domain.RevisionSnapshot, len(s.RevisionHistory))
	for i, rev := range s.RevisionHistory {
		rev.Article = rev.Article.Clone()
		rev.QualityReport = cloneReport(rev.QualityReport)
		cp.RevisionHistory[i] = rev
	}
	cp.RetriedSteps = make(map[domain.StepID]bool, len(s.RetriedSteps))
	for k, v := range s.RetriedSteps {
		cp.RetriedSteps[k] = v
	}
	if s.PublishResult != nil {
		r := *s.PublishResult
		cp.PublishResult = &r
	}
	if s.ScheduledTime != nil {
		t := *s.ScheduledTime
		cp.ScheduledTime = &t
	}
	if s.Error != nil {
		e := *s.Error
		cp.Error = &e
	}
	return &cp
}
