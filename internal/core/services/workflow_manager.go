package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/manthysbr/autopress/internal/core/domain"
)

// WorkflowManager owns every live workflow instance. Finished instances are
// dropped after a grace period so their final state stays inspectable.
type WorkflowManager struct {
	logger      *slog.Logger
	deps        WorkflowDeps
	defaults    domain.WorkflowConfig
	retireAfter time.Duration

	mu        sync.RWMutex
	workflows map[domain.WorkflowID]*PublishingWorkflow
	ctx       context.Context
	cancel    context.CancelFunc
	closed    bool
}

func NewWorkflowManager(deps WorkflowDeps, defaults domain.WorkflowConfig, retireAfter time.Duration) *WorkflowManager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkflowManager{
		logger:      deps.Logger,
		deps:        deps,
		defaults:    defaults,
		retireAfter: retireAfter,
		workflows:   make(map[domain.WorkflowID]*PublishingWorkflow),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// CreateWorkflow registers a new Idle instance. The caller starts it.
func (m *WorkflowManager) CreateWorkflow(opts domain.WorkflowOptions) (*PublishingWorkflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("workflow manager is shut down")
	}

	wf := NewPublishingWorkflow(m.ctx, m.deps, opts, m.resolveConfig(opts.Config))
	wf.OnTerminal(m.retire)
	m.workflows[wf.ID()] = wf

	m.logger.Info("workflow created", "workflow_id", wf.ID(), "title", opts.Selection.Title)
	return wf, nil
}

// GetWorkflow returns the live instance with the given id.
func (m *WorkflowManager) GetWorkflow(id domain.WorkflowID) (*PublishingWorkflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, id)
	}
	return wf, nil
}

// ActiveWorkflows lists snapshots of every registered non-terminal instance,
// oldest first.
func (m *WorkflowManager) ActiveWorkflows() []*domain.WorkflowSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.WorkflowSnapshot, 0, len(m.workflows))
	for _, wf := range m.workflows {
		snap := wf.Snapshot()
		if !snap.Status.Terminal() {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// TerminateWorkflow cancels the instance. Unknown ids are a no-op.
func (m *WorkflowManager) TerminateWorkflow(id domain.WorkflowID, reason string) error {
	m.mu.RLock()
	wf, ok := m.workflows[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	if reason == "" {
		reason = "terminated"
	}
	err := wf.Cancel(reason)
	if errors.Is(err, domain.ErrWorkflowFinished) {
		return nil
	}
	return err
}

// Shutdown stops every instance's processing loop. Persisted state is left
// as is.
func (m *WorkflowManager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	wfs := make([]*PublishingWorkflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		wfs = append(wfs, wf)
	}
	m.mu.Unlock()

	m.cancel()
	for _, wf := range wfs {
		wf.Stop()
	}
	m.logger.Info("workflow manager shut down", "live", len(wfs))
}

func (m *WorkflowManager) retire(wf *PublishingWorkflow) {
	remove := func() {
		m.mu.Lock()
		delete(m.workflows, wf.ID())
		m.mu.Unlock()
		m.logger.Debug("workflow retired", "workflow_id", wf.ID())
	}
	if m.retireAfter <= 0 {
		remove()
		return
	}
	m.deps.Clock.AfterFunc(m.retireAfter, remove)
}

func (m *WorkflowManager) resolveConfig(override *domain.WorkflowConfig) domain.WorkflowConfig {
	cfg := m.defaults
	if override != nil {
		cfg = *override
	}
	def := domain.DefaultWorkflowConfig()
	if cfg.MaxRevisions < 0 {
		cfg.MaxRevisions = 0
	}
	if cfg.ReviewTimeout < 0 {
		cfg.ReviewTimeout = def.ReviewTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	return cfg
}
