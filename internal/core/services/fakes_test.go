package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/autopress/internal/core/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memJobStore round-trips through JSON so restored state looks like it came
// off disk.
type memJobStore struct {
	mu    sync.Mutex
	raw   []byte
	saves int
}

func (s *memJobStore) SaveOrchestratorState(ctx context.Context, state *domain.OrchestratorState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = data
	s.saves++
	return nil
}

func (s *memJobStore) LoadOrchestratorState(ctx context.Context) (*domain.OrchestratorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw == nil {
		return nil, nil
	}
	var state domain.OrchestratorState
	if err := json.Unmarshal(s.raw, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *memJobStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

type memWorkflowStore struct {
	mu        sync.Mutex
	workflows map[domain.WorkflowID]*domain.WorkflowSnapshot
	latest    *domain.WorkflowSnapshot
	backups   map[domain.WorkflowID]domain.Article
	records   []domain.PublishRecord
	stats     *domain.WorkflowStats
	saveErr   error
}

func newMemWorkflowStore() *memWorkflowStore {
	return &memWorkflowStore{
		workflows: make(map[domain.WorkflowID]*domain.WorkflowSnapshot),
		backups:   make(map[domain.WorkflowID]domain.Article),
	}
}

func (s *memWorkflowStore) SaveWorkflow(ctx context.Context, snap *domain.WorkflowSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := cloneSnapshot(snap)
	s.workflows[snap.ID] = cp
	s.latest = cp
	return nil
}

func (s *memWorkflowStore) GetWorkflow(ctx context.Context, id domain.WorkflowID) (*domain.WorkflowSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.workflows[id]
	if !ok {
		return nil, domain.ErrWorkflowNotFound
	}
	return cloneSnapshot(snap), nil
}

func (s *memWorkflowStore) SaveBackup(ctx context.Context, id domain.WorkflowID, article domain.Article) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backups[id] = article
	return nil
}

func (s *memWorkflowStore) AppendPublishRecord(ctx context.Context, rec domain.PublishRecord, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	if limit > 0 && len(s.records) > limit {
		s.records = s.records[len(s.records)-limit:]
	}
	return nil
}

func (s *memWorkflowStore) ListPublishRecords(ctx context.Context) ([]domain.PublishRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.PublishRecord{}, s.records...), nil
}

func (s *memWorkflowStore) LoadStats(ctx context.Context) (*domain.WorkflowStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats == nil {
		return &domain.WorkflowStats{}, nil
	}
	cp := *s.stats
	return &cp, nil
}

func (s *memWorkflowStore) SaveStats(ctx context.Context, stats *domain.WorkflowStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *stats
	s.stats = &cp
	return nil
}

func (s *memWorkflowStore) snapshot(id domain.WorkflowID) *domain.WorkflowSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, ok := s.workflows[id]; ok {
		return cloneSnapshot(snap)
	}
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []domain.Notification
}

func (r *recordingNotifier) Notify(n domain.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

func (r *recordingNotifier) all() []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Notification{}, r.items...)
}

func (r *recordingNotifier) ofType(t domain.NotificationType) []domain.Notification {
	var out []domain.Notification
	for _, n := range r.all() {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func (r *recordingNotifier) forJob(id domain.JobID) []domain.Notification {
	var out []domain.Notification
	for _, n := range r.all() {
		if n.JobID == id {
			out = append(out, n)
		}
	}
	return out
}

// fanoutNotifier lets a test record notifications and still drive an EventBus.
type fanoutNotifier []interface{ Notify(domain.Notification) }

func (f fanoutNotifier) Notify(n domain.Notification) {
	for _, x := range f {
		x.Notify(n)
	}
}

type fakeGenerator struct {
	mu           sync.Mutex
	generateErrs []error // consumed one per call
	rewriteErr   error
	generated    int
	rewrites     []string
	block        chan struct{} // when set, Generate waits on it after counting the call
}

func (g *fakeGenerator) Generate(ctx context.Context, sel domain.Selection) ([]domain.Article, error) {
	g.mu.Lock()
	g.generated++
	block := g.block
	g.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.generateErrs) > 0 {
		err := g.generateErrs[0]
		g.generateErrs = g.generateErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return []domain.Article{{
		Title:    sel.Title,
		Body:     "Body about " + sel.Title,
		Hashtags: []string{"#news", "go", "News"},
	}}, nil
}

func (g *fakeGenerator) Rewrite(ctx context.Context, a domain.Article, feedback string) (domain.Article, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rewriteErr != nil {
		return domain.Article{}, g.rewriteErr
	}
	g.rewrites = append(g.rewrites, feedback)
	a.Title = fmt.Sprintf("%s (rev %d)", a.Title, len(g.rewrites))
	return a, nil
}

func (g *fakeGenerator) generateCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generated
}

// fakeScorer returns scores in order, repeating the last one.
type fakeScorer struct {
	mu     sync.Mutex
	scores []float64
	calls  int
}

func (s *fakeScorer) Score(ctx context.Context, a domain.Article) (domain.QualityReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	score := 90.0
	if len(s.scores) > 0 {
		i := s.calls
		if i >= len(s.scores) {
			i = len(s.scores) - 1
		}
		score = s.scores[i]
	}
	s.calls++
	return domain.QualityReport{Total: score, Passed: score >= 70}, nil
}

type fakePublisher struct {
	mu         sync.Mutex
	publishErr []error // consumed one per call
	verifyErr  error
	published  []domain.PublishRequest
	verified   []string
	block      chan struct{} // when set, Publish waits on it
	at         time.Time
}

func (p *fakePublisher) Publish(ctx context.Context, req domain.PublishRequest) (domain.PublishResult, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return domain.PublishResult{}, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.publishErr) > 0 {
		err := p.publishErr[0]
		p.publishErr = p.publishErr[1:]
		if err != nil {
			return domain.PublishResult{}, err
		}
	}
	p.published = append(p.published, req)
	return domain.PublishResult{
		Success:     true,
		URL:         fmt.Sprintf("https://social.example/p/%d", len(p.published)),
		PublishedAt: p.at,
	}, nil
}

func (p *fakePublisher) Verify(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verified = append(p.verified, url)
	return p.verifyErr
}

func (p *fakePublisher) publishCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

var errBoom = errors.New("boom")
