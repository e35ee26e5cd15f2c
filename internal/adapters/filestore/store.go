package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/moby/sys/atomicwriter"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/autopress/internal/core/domain"
	"github.com/manthysbr/autopress/internal/core/ports"
)

const (
	orchestratorStateFile = "orchestrator-state.json"
	workflowsDir          = "workflows"
	latestWorkflowFile    = "latest-workflow.json"
	backupsDir            = "backups"
	publishRecordsFile    = "publish-records.json"
	workflowStatsFile     = "workflow-stats.json"
)

// Store keeps every piece of durable state as a JSON document under one
// data directory. Each write replaces its file atomically.
type Store struct {
	dir string

	// serialises read-modify-write of the publish record log
	recordsMu sync.Mutex
}

var (
	_ ports.JobStore      = (*Store)(nil)
	_ ports.WorkflowStore = (*Store)(nil)
)

func New(dir string) (*Store, error) {
	for _, sub := range []string{"", workflowsDir, backupsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) SaveOrchestratorState(ctx context.Context, state *domain.OrchestratorState) error {
	return s.writeJSON(filepath.Join(s.dir, orchestratorStateFile), state)
}

func (s *Store) LoadOrchestratorState(ctx context.Context) (*domain.OrchestratorState, error) {
	var state domain.OrchestratorState
	found, err := s.readJSON(filepath.Join(s.dir, orchestratorStateFile), &state)
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

// SaveWorkflow writes the per-instance file and the shared latest pointer.
// The pointer is last-writer-wins across instances.
func (s *Store) SaveWorkflow(ctx context.Context, snap *domain.WorkflowSnapshot) error {
	if snap == nil || snap.ID == "" {
		return errors.New("workflow snapshot without id")
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %s: %w", snap.ID, err)
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		return atomicwriter.WriteFile(s.workflowPath(snap.ID), data, 0o644)
	})
	g.Go(func() error {
		return atomicwriter.WriteFile(filepath.Join(s.dir, workflowsDir, latestWorkflowFile), data, 0o644)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to write workflow %s: %w", snap.ID, err)
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id domain.WorkflowID) (*domain.WorkflowSnapshot, error) {
	var snap domain.WorkflowSnapshot
	found, err := s.readJSON(s.workflowPath(id), &snap)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, id)
	}
	return &snap, nil
}

// LatestWorkflow returns whichever snapshot was written last, by any instance.
func (s *Store) LatestWorkflow(ctx context.Context) (*domain.WorkflowSnapshot, error) {
	var snap domain.WorkflowSnapshot
	found, err := s.readJSON(filepath.Join(s.dir, workflowsDir, latestWorkflowFile), &snap)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.ErrWorkflowNotFound
	}
	return &snap, nil
}

// SaveBackup stores the prepared draft before publishing.
func (s *Store) SaveBackup(ctx context.Context, id domain.WorkflowID, article domain.Article) error {
	return s.writeJSON(filepath.Join(s.dir, backupsDir, safeName(string(id))+".json"), article)
}

// AppendPublishRecord appends rec and keeps only the newest limit entries.
func (s *Store) AppendPublishRecord(ctx context.Context, rec domain.PublishRecord, limit int) error {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()

	records, err := s.listPublishRecords()
	if err != nil {
		return err
	}
	records = append(records, rec)
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return s.writeJSON(filepath.Join(s.dir, publishRecordsFile), records)
}

func (s *Store) ListPublishRecords(ctx context.Context) ([]domain.PublishRecord, error) {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	return s.listPublishRecords()
}

func (s *Store) listPublishRecords() ([]domain.PublishRecord, error) {
	records := []domain.PublishRecord{}
	if _, err := s.readJSON(filepath.Join(s.dir, publishRecordsFile), &records); err != nil {
		return nil, err
	}
	return records, nil
}

// LoadStats returns zeroed stats when nothing has been recorded yet.
func (s *Store) LoadStats(ctx context.Context) (*domain.WorkflowStats, error) {
	stats := &domain.WorkflowStats{}
	if _, err := s.readJSON(filepath.Join(s.dir, workflowStatsFile), stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) SaveStats(ctx context.Context, stats *domain.WorkflowStats) error {
	return s.writeJSON(filepath.Join(s.dir, workflowStatsFile), stats)
}

func (s *Store) workflowPath(id domain.WorkflowID) string {
	return filepath.Join(s.dir, workflowsDir, safeName(string(id))+".json")
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readJSON reports found=false without error when the file does not exist.
func (s *Store) readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// safeName keeps ids from escaping the data directory.
func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '.':
			return '_'
		}
		return r
	}, id)
}
