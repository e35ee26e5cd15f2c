package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/autopress/internal/core/domain"
)

type workflowHarness struct {
	clk    *clock.Mock
	store  *memWorkflowStore
	notes  *recordingNotifier
	gen    *fakeGenerator
	scorer *fakeScorer
	pub    *fakePublisher
	orch   *JobOrchestrator
	deps   WorkflowDeps
}

func newWorkflowHarness(t *testing.T) *workflowHarness {
	t.Helper()
	clk := newMockClock()
	h := &workflowHarness{
		clk:    clk,
		store:  newMemWorkflowStore(),
		notes:  &recordingNotifier{},
		gen:    &fakeGenerator{},
		scorer: &fakeScorer{},
		pub:    &fakePublisher{at: clk.Now()},
	}
	bus := NewEventBus(discardLogger())
	h.orch = NewJobOrchestrator(discardLogger(), domain.OrchestratorConfig{MaxConcurrent: 2}, &memJobStore{},
		fanoutNotifier{bus, h.notes}, clk,
		map[domain.JobType]JobHandler{domain.JobTypePublish: NewPublishHandler(discardLogger(), h.pub)})
	h.orch.Start(context.Background())
	t.Cleanup(func() { h.orch.Stop(time.Second) })

	h.deps = WorkflowDeps{
		Logger:      discardLogger(),
		Generator:   h.gen,
		Scorer:      h.scorer,
		Publisher:   h.pub,
		Notifier:    h.notes,
		Store:       h.store,
		Jobs:        h.orch,
		Events:      bus,
		Stats:       NewStatsTracker(discardLogger(), h.store, clk),
		Clock:       clk,
		Preparation: domain.DefaultConfig().Preparation,
	}
	return h
}

func (h *workflowHarness) newWorkflow(cfg domain.WorkflowConfig) *PublishingWorkflow {
	return NewPublishingWorkflow(context.Background(), h.deps, domain.WorkflowOptions{
		Selection: domain.Selection{Title: "Go 1.26 released", URL: "https://go.dev/blog/go1.26"},
	}, cfg)
}

func (h *workflowHarness) start(t *testing.T, cfg domain.WorkflowConfig) *PublishingWorkflow {
	t.Helper()
	wf := h.newWorkflow(cfg)
	require.NoError(t, wf.Start())
	t.Cleanup(wf.Stop)
	return wf
}

func reviewConfig() domain.WorkflowConfig {
	return domain.WorkflowConfig{
		MaxRevisions:    3,
		PublishTimeout:  10 * time.Hour,
		VerifyPublished: true,
	}
}

func autoConfig() domain.WorkflowConfig {
	cfg := reviewConfig()
	cfg.AutoApprove = true
	return cfg
}

func waitDone(t *testing.T, wf *PublishingWorkflow) {
	t.Helper()
	select {
	case <-wf.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("workflow %s did not finish, status %s", wf.ID(), wf.Status())
	}
}

func waitWorkflowStatus(t *testing.T, wf *PublishingWorkflow, want domain.WorkflowStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return wf.Status() == want },
		3*time.Second, 5*time.Millisecond, "workflow never reached %s", want)
}

func TestPublishingWorkflow_AutoApprovePublishes(t *testing.T) {
	h := newWorkflowHarness(t)
	wf := h.start(t, autoConfig())
	waitDone(t, wf)

	snap := wf.Snapshot()
	assert.Equal(t, domain.WorkflowStatusPublished, snap.Status)
	assert.Equal(t, domain.StepComplete, snap.CurrentStep)
	assert.Equal(t, 100, snap.Progress)
	require.NotNil(t, snap.PublishResult)
	assert.Equal(t, "https://social.example/p/1", snap.PublishResult.URL)
	assert.NotEmpty(t, snap.PublishJobID)
	require.NotNil(t, snap.CompletedAt)
	assert.Empty(t, snap.RevisionHistory)

	require.Len(t, snap.UserFeedback, 1)
	assert.Equal(t, domain.ActionApprove, snap.UserFeedback[0].Action)
	assert.True(t, snap.UserFeedback[0].Data.Synthesized)

	// prepared draft was backed up and is what got published
	backup, ok := h.store.backups[wf.ID()]
	require.True(t, ok)
	assert.Equal(t, []string{"news", "go"}, backup.Hashtags)
	require.Equal(t, 1, h.pub.publishCount())
	assert.Equal(t, wf.ID(), h.pub.published[0].WorkflowID)
	assert.Equal(t, []string{"https://social.example/p/1"}, h.pub.verified)

	persisted := h.store.snapshot(wf.ID())
	require.NotNil(t, persisted)
	assert.Equal(t, domain.WorkflowStatusPublished, persisted.Status)

	stats, err := h.store.LoadStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SuccessfulPublishes)
	assert.Equal(t, 1, stats.TotalWorkflows)
	assert.InDelta(t, 90, stats.AverageQualityScore, 0.001)
	require.Len(t, h.store.records, 1)
	assert.True(t, h.store.records[0].Success)

	assert.Len(t, h.notes.ofType(domain.NotifyPublished), 1)
	assert.Empty(t, h.notes.ofType(domain.NotifyReviewRequired))
}

func TestPublishingWorkflow_AutoApproveRevisesLowScore(t *testing.T) {
	h := newWorkflowHarness(t)
	h.scorer.scores = []float64{60, 85}
	wf := h.start(t, autoConfig())
	waitDone(t, wf)

	snap := wf.Snapshot()
	assert.Equal(t, domain.WorkflowStatusPublished, snap.Status)
	require.Len(t, snap.RevisionHistory, 1)
	assert.Equal(t, 1, snap.RevisionHistory[0].Version)
	assert.InDelta(t, 60, snap.RevisionHistory[0].QualityReport.Total, 0.001)
	assert.InDelta(t, 85, snap.QualityReport.Total, 0.001)

	require.Len(t, snap.UserFeedback, 2)
	assert.Equal(t, domain.ActionRequestRevision, snap.UserFeedback[0].Action)
	assert.Equal(t, domain.ActionApprove, snap.UserFeedback[1].Action)
	assert.Len(t, h.gen.rewrites, 1)
}

func TestPublishingWorkflow_AutoApproveWithoutRevisionsFails(t *testing.T) {
	h := newWorkflowHarness(t)
	h.scorer.scores = []float64{50}
	cfg := autoConfig()
	cfg.MaxRevisions = 0
	wf := h.start(t, cfg)
	waitDone(t, wf)

	snap := wf.Snapshot()
	assert.Equal(t, domain.WorkflowStatusFailed, snap.Status)
	assert.Equal(t, domain.StepRevision, snap.FailedStep)
	assert.Empty(t, snap.RevisionHistory)
	assert.Zero(t, h.pub.publishCount())
}

func TestPublishingWorkflow_ReviewTimeoutCancels(t *testing.T) {
	h := newWorkflowHarness(t)
	cfg := reviewConfig()
	cfg.ReviewTimeout = time.Hour
	wf := h.start(t, cfg)

	waitWorkflowStatus(t, wf, domain.WorkflowStatusUserReview)
	// the timer is armed right after the status flips; keep advancing until it fires
	require.Eventually(t, func() bool {
		h.clk.Add(30 * time.Minute)
		return wf.Status() == domain.WorkflowStatusCancelled
	}, 3*time.Second, 5*time.Millisecond)
	waitDone(t, wf)

	snap := wf.Snapshot()
	require.Len(t, snap.UserFeedback, 1)
	assert.Equal(t, domain.ActionCancel, snap.UserFeedback[0].Action)
	assert.Equal(t, "timeout", snap.UserFeedback[0].Data.Reason)
	assert.True(t, snap.UserFeedback[0].Data.Synthesized)

	cancelled := h.notes.ofType(domain.NotifyCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "timeout", cancelled[0].Message)
	assert.Len(t, h.notes.ofType(domain.NotifyReviewRequired), 1)

	stats, err := h.store.LoadStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CancelledWorkflows)
}

func TestPublishingWorkflow_RevisionThenApprove(t *testing.T) {
	h := newWorkflowHarness(t)
	wf := h.start(t, reviewConfig())
	waitWorkflowStatus(t, wf, domain.WorkflowStatusUserReview)

	require.NoError(t, wf.HandleUserAction(domain.ActionRequestRevision, domain.ActionData{Feedback: "make it punchier"}))
	require.Eventually(t, func() bool {
		snap := wf.Snapshot()
		return snap.Status == domain.WorkflowStatusUserReview && len(snap.RevisionHistory) == 1
	}, 3*time.Second, 5*time.Millisecond)

	snap := wf.Snapshot()
	assert.Equal(t, "Go 1.26 released (rev 1)", snap.Article.Title)
	assert.Equal(t, "Go 1.26 released", snap.RevisionHistory[0].Article.Title)
	assert.Equal(t, "make it punchier", snap.RevisionHistory[0].Reason)

	require.NoError(t, wf.HandleUserAction(domain.ActionApprove, domain.ActionData{}))
	waitDone(t, wf)

	snap = wf.Snapshot()
	assert.Equal(t, domain.WorkflowStatusPublished, snap.Status)
	assert.Equal(t, []string{"make it punchier"}, h.gen.rewrites)
	assert.Equal(t, "Go 1.26 released (rev 1)", h.pub.published[0].Article.Title)
	assert.Len(t, h.notes.ofType(domain.NotifyReviewRequired), 2)
}

func TestPublishingWorkflow_RevisionLimitFails(t *testing.T) {
	h := newWorkflowHarness(t)
	cfg := reviewConfig()
	cfg.MaxRevisions = 1
	wf := h.start(t, cfg)
	waitWorkflowStatus(t, wf, domain.WorkflowStatusUserReview)

	require.NoError(t, wf.HandleUserAction(domain.ActionRequestRevision, domain.ActionData{Feedback: "first"}))
	require.Eventually(t, func() bool {
		snap := wf.Snapshot()
		return snap.Status == domain.WorkflowStatusUserReview && len(snap.RevisionHistory) == 1
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, wf.HandleUserAction(domain.ActionRequestRevision, domain.ActionData{Feedback: "second"}))
	waitDone(t, wf)

	snap := wf.Snapshot()
	assert.Equal(t, domain.WorkflowStatusFailed, snap.Status)
	assert.Equal(t, domain.StepRevision, snap.FailedStep)
	assert.Len(t, snap.RevisionHistory, 1)
	require.NotNil(t, snap.Error)
	assert.Contains(t, *snap.Error, domain.ErrRevisionLimitExceeded.Error())
	assert.Len(t, snap.UserFeedback, 2)
	assert.Equal(t, []string{"first"}, h.gen.rewrites)
	assert.Len(t, h.notes.ofType(domain.NotifyFailed), 1)
}

func TestPublishingWorkflow_RejectUsesDefaultReason(t *testing.T) {
	h := newWorkflowHarness(t)
	wf := h.start(t, reviewConfig())
	waitWorkflowStatus(t, wf, domain.WorkflowStatusUserReview)

	require.NoError(t, wf.HandleUserAction(domain.ActionReject, domain.ActionData{}))
	waitDone(t, wf)

	assert.Equal(t, domain.WorkflowStatusCancelled, wf.Status())
	cancelled := h.notes.ofType(domain.NotifyCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "rejected by user", cancelled[0].Message)
}

func TestPublishingWorkflow_TerminalStatusIsSticky(t *testing.T) {
	h := newWorkflowHarness(t)
	wf := h.start(t, autoConfig())
	waitDone(t, wf)
	require.Equal(t, domain.WorkflowStatusPublished, wf.Status())

	assert.ErrorIs(t, wf.Cancel("too late"), domain.ErrWorkflowFinished)
	assert.ErrorIs(t, wf.HandleUserAction(domain.ActionApprove, domain.ActionData{}), domain.ErrWorkflowFinished)
	assert.ErrorIs(t, wf.Start(), domain.ErrWorkflowStarted)
	assert.Equal(t, domain.WorkflowStatusPublished, wf.Status())
	assert.Empty(t, h.notes.ofType(domain.NotifyCancelled))
}

func TestPublishingWorkflow_ActionValidation(t *testing.T) {
	h := newWorkflowHarness(t)
	wf := h.newWorkflow(reviewConfig())

	assert.ErrorIs(t, wf.HandleUserAction("PUBLISH_NOW", domain.ActionData{}), domain.ErrUnknownAction)
	assert.ErrorIs(t, wf.HandleUserAction(domain.ActionApprove, domain.ActionData{}), domain.ErrActionNotAllowed)
	assert.Equal(t, domain.WorkflowStatusIdle, wf.Status())

	require.NoError(t, wf.Start())
	t.Cleanup(wf.Stop)
	waitWorkflowStatus(t, wf, domain.WorkflowStatusUserReview)

	past := h.clk.Now().Add(-time.Minute)
	assert.ErrorIs(t, wf.HandleUserAction(domain.ActionSchedule, domain.ActionData{ScheduledTime: &past}), domain.ErrInvalidScheduleTime)
	assert.ErrorIs(t, wf.HandleUserAction(domain.ActionSchedule, domain.ActionData{}), domain.ErrInvalidScheduleTime)
	assert.Equal(t, domain.WorkflowStatusUserReview, wf.Status())
	assert.Empty(t, wf.Snapshot().UserFeedback)
}

func TestPublishingWorkflow_CancelBeforeStart(t *testing.T) {
	h := newWorkflowHarness(t)
	wf := h.newWorkflow(reviewConfig())
	var hooked atomic.Int32
	wf.OnTerminal(func(*PublishingWorkflow) { hooked.Add(1) })

	require.NoError(t, wf.Cancel(""))
	waitDone(t, wf)

	assert.Equal(t, domain.WorkflowStatusCancelled, wf.Status())
	assert.Equal(t, int32(1), hooked.Load())
	assert.ErrorIs(t, wf.Start(), domain.ErrWorkflowStarted)
	assert.Zero(t, h.gen.generateCalls())

	cancelled := h.notes.ofType(domain.NotifyCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "cancelled by user", cancelled[0].Message)
}

func TestPublishingWorkflow_ScheduledPublish(t *testing.T) {
	h := newWorkflowHarness(t)
	wf := h.start(t, reviewConfig())
	waitWorkflowStatus(t, wf, domain.WorkflowStatusUserReview)

	at := h.clk.Now().Add(2 * time.Hour)
	require.NoError(t, wf.HandleUserAction(domain.ActionSchedule, domain.ActionData{
		ScheduledTime:  &at,
		PublishOptions: &domain.PublishOptions{Visibility: "public"},
	}))

	require.Eventually(t, func() bool {
		snap := wf.Snapshot()
		return snap.Status == domain.WorkflowStatusPublishPreparation && snap.ScheduledTime != nil
	}, 3*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.pub.publishCount(), "nothing is published before the scheduled time")
	assert.Len(t, h.notes.ofType(domain.NotifyPublishScheduled), 1)

	require.Eventually(t, func() bool {
		if wf.Status() == domain.WorkflowStatusPublishPreparation {
			h.clk.Add(30 * time.Minute)
		}
		return wf.Status() == domain.WorkflowStatusPublished
	}, 3*time.Second, 5*time.Millisecond)
	waitDone(t, wf)

	assert.False(t, h.clk.Now().Before(at))
	require.Equal(t, 1, h.pub.publishCount())
	assert.Equal(t, "public", h.pub.published[0].Options.Visibility)
}

func TestPublishingWorkflow_GenerationRetriedOnce(t *testing.T) {
	h := newWorkflowHarness(t)
	h.gen.generateErrs = []error{errBoom}
	wf := h.start(t, autoConfig())
	waitDone(t, wf)

	snap := wf.Snapshot()
	assert.Equal(t, domain.WorkflowStatusPublished, snap.Status)
	assert.True(t, snap.RetriedSteps[domain.StepGeneration])
	assert.Equal(t, 2, h.gen.generateCalls())
}

func TestPublishingWorkflow_GenerationFailsAfterRetry(t *testing.T) {
	h := newWorkflowHarness(t)
	h.gen.generateErrs = []error{errBoom, errBoom}
	wf := h.start(t, autoConfig())
	waitDone(t, wf)

	snap := wf.Snapshot()
	assert.Equal(t, domain.WorkflowStatusFailed, snap.Status)
	assert.Equal(t, domain.StepGeneration, snap.FailedStep)
	require.NotNil(t, snap.Error)
	assert.Contains(t, *snap.Error, "boom")
	assert.Equal(t, 2, h.gen.generateCalls())

	stats, err := h.store.LoadStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FailedWorkflows)
}

func TestPublishingWorkflow_PublishRetriedOnce(t *testing.T) {
	h := newWorkflowHarness(t)
	h.pub.publishErr = []error{errBoom}
	wf := h.start(t, autoConfig())
	waitDone(t, wf)

	snap := wf.Snapshot()
	assert.Equal(t, domain.WorkflowStatusPublished, snap.Status)
	assert.True(t, snap.RetriedSteps[domain.StepPublishing])
	assert.Equal(t, 1, h.pub.publishCount())

	// two publish jobs: the failed first attempt and the retry
	var publishJobs int
	for _, job := range h.orch.ListJobs() {
		if job.Type == domain.JobTypePublish {
			publishJobs++
		}
	}
	assert.Equal(t, 2, publishJobs)
	job, err := h.orch.GetJob(snap.PublishJobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
}

func TestPublishingWorkflow_PublishTimeoutFails(t *testing.T) {
	h := newWorkflowHarness(t)
	h.pub.block = make(chan struct{})
	defer close(h.pub.block)

	cfg := autoConfig()
	cfg.PublishTimeout = time.Hour
	wf := h.start(t, cfg)

	require.Eventually(t, func() bool {
		if wf.Status() == domain.WorkflowStatusPublishing {
			h.clk.Add(30 * time.Minute)
		}
		return wf.Status() == domain.WorkflowStatusFailed
	}, 3*time.Second, 5*time.Millisecond)
	waitDone(t, wf)

	snap := wf.Snapshot()
	assert.Equal(t, domain.StepPublishing, snap.FailedStep)
	assert.True(t, snap.RetriedSteps[domain.StepPublishing])
	require.NotNil(t, snap.Error)
	assert.Contains(t, *snap.Error, domain.ErrTimeout.Error())
	assert.Len(t, publishJobs(h.orch), 1)
}

func publishJobs(o *JobOrchestrator) []*domain.Job {
	var out []*domain.Job
	for _, job := range o.ListJobs() {
		if job.Type == domain.JobTypePublish {
			out = append(out, job)
		}
	}
	return out
}

func TestPublishingWorkflow_PublishRetryWaitsOnSameJob(t *testing.T) {
	h := newWorkflowHarness(t)
	h.pub.block = make(chan struct{})

	cfg := autoConfig()
	cfg.PublishTimeout = time.Hour
	wf := h.start(t, cfg)
	waitWorkflowStatus(t, wf, domain.WorkflowStatusPublishing)

	// let the first wait time out while the publisher is still busy
	require.Eventually(t, func() bool {
		if wf.Snapshot().RetriedSteps[domain.StepPublishing] {
			return true
		}
		h.clk.Add(30 * time.Minute)
		return false
	}, 3*time.Second, 5*time.Millisecond)

	close(h.pub.block)
	waitDone(t, wf)

	snap := wf.Snapshot()
	assert.Equal(t, domain.WorkflowStatusPublished, snap.Status)
	require.NotNil(t, snap.PublishResult)
	assert.Equal(t, "https://social.example/p/1", snap.PublishResult.URL)
	assert.Equal(t, 1, h.pub.publishCount())

	jobs := publishJobs(h.orch)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobs[0].ID, snap.PublishJobID)
}

func TestPublishingWorkflow_CancelWhilePublishing(t *testing.T) {
	h := newWorkflowHarness(t)
	h.pub.block = make(chan struct{})
	defer close(h.pub.block)

	wf := h.start(t, autoConfig())
	waitWorkflowStatus(t, wf, domain.WorkflowStatusPublishing)

	require.NoError(t, wf.Cancel("stop now"))
	waitDone(t, wf)

	snap := wf.Snapshot()
	assert.Equal(t, domain.WorkflowStatusCancelled, snap.Status)
	assert.Equal(t, domain.StepPublishing, snap.CurrentStep)
	assert.Nil(t, snap.PublishResult)
	last := snap.UserFeedback[len(snap.UserFeedback)-1]
	assert.Equal(t, domain.ActionCancel, last.Action)
	assert.Equal(t, "stop now", last.Data.Reason)
}

func TestPublishingWorkflow_CancelDuringGenerationNeverPublishes(t *testing.T) {
	h := newWorkflowHarness(t)
	h.gen.block = make(chan struct{})

	wf := h.start(t, autoConfig())
	require.Eventually(t, func() bool { return h.gen.generateCalls() == 1 },
		3*time.Second, 5*time.Millisecond)

	require.NoError(t, wf.Cancel("user changed mind"))
	close(h.gen.block)
	waitDone(t, wf)

	snap := wf.Snapshot()
	assert.Equal(t, domain.WorkflowStatusCancelled, snap.Status)
	assert.Empty(t, snap.PublishJobID)
	assert.Nil(t, snap.PublishResult)
	require.Len(t, snap.UserFeedback, 1)
	assert.Equal(t, domain.ActionCancel, snap.UserFeedback[0].Action)
	assert.Equal(t, "user changed mind", snap.UserFeedback[0].Data.Reason)

	assert.Zero(t, h.pub.publishCount())
	assert.Empty(t, publishJobs(h.orch))
}

func TestPublishingWorkflow_UnverifiedPublishStillSucceeds(t *testing.T) {
	h := newWorkflowHarness(t)
	h.pub.verifyErr = errBoom
	wf := h.start(t, autoConfig())
	waitDone(t, wf)

	assert.Equal(t, domain.WorkflowStatusPublished, wf.Status())
	unverified := h.notes.ofType(domain.NotifyPublishUnverified)
	require.Len(t, unverified, 1)
	assert.Equal(t, "boom", unverified[0].Error)
}

func TestPublishingWorkflow_LowScoreApprovalWarns(t *testing.T) {
	h := newWorkflowHarness(t)
	h.scorer.scores = []float64{55}
	wf := h.start(t, reviewConfig())
	waitWorkflowStatus(t, wf, domain.WorkflowStatusUserReview)

	require.NoError(t, wf.HandleUserAction(domain.ActionApprove, domain.ActionData{}))
	waitDone(t, wf)

	assert.Equal(t, domain.WorkflowStatusPublished, wf.Status())
	warnings := h.notes.ofType(domain.NotifyQualityWarning)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "55.0")
}

func TestPublishingWorkflow_StatusNotificationsFollowProgress(t *testing.T) {
	h := newWorkflowHarness(t)
	wf := h.start(t, autoConfig())
	waitDone(t, wf)

	var seen []string
	last := -1
	for _, n := range h.notes.ofType(domain.NotifyProgress) {
		if n.WorkflowID != wf.ID() {
			continue
		}
		p, _ := n.Data["progress"].(int)
		assert.GreaterOrEqual(t, p, last, "progress must not go backwards on the happy path")
		last = p
		seen = append(seen, string(n.Step))
	}
	assert.Equal(t, 100, last)
	assert.Equal(t, []string{
		string(domain.StepGeneration),
		string(domain.StepReview),
		string(domain.StepApproval),
		string(domain.StepPreparation),
		string(domain.StepPublishing),
		string(domain.StepComplete),
	}, seen)
}
