package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/manthysbr/autopress/internal/core/domain"
)

// JobSource is what the cron scheduler needs to turn triggers into jobs.
type JobSource interface {
	Submit(jobType domain.JobType, cfg domain.JobConfig) (*domain.Job, error)
}

type cronTrigger struct {
	domain.TriggerConfig
	nextRun  time.Time
	runCount int
}

// CronScheduler enqueues jobs from configured cron triggers. It checks for
// due triggers once a minute.
type CronScheduler struct {
	logger *slog.Logger
	jobs   JobSource
	clock  clock.Clock
	tick   time.Duration

	mu       sync.Mutex
	triggers []*cronTrigger
}

// NewCronScheduler validates every trigger up front; one bad expression
// rejects the whole set.
func NewCronScheduler(logger *slog.Logger, jobs JobSource, clk clock.Clock, triggers []domain.TriggerConfig) (*CronScheduler, error) {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	s := &CronScheduler{
		logger: logger,
		jobs:   jobs,
		clock:  clk,
		tick:   time.Minute,
	}
	for _, tc := range triggers {
		if !tc.JobType.Valid() {
			return nil, fmt.Errorf("trigger %q: %w: %q", tc.Name, domain.ErrUnknownJobType, tc.JobType)
		}
		next, err := nextCronRun(tc.Cron, now)
		if err != nil {
			return nil, fmt.Errorf("trigger %q: %w", tc.Name, err)
		}
		s.triggers = append(s.triggers, &cronTrigger{TriggerConfig: tc, nextRun: next})
	}
	return s, nil
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *CronScheduler) Run(ctx context.Context) error {
	if len(s.triggers) == 0 {
		s.logger.Info("cron scheduler idle, no triggers configured")
		<-ctx.Done()
		return nil
	}

	s.logger.Info("cron scheduler started", "check_interval", s.tick, "triggers", len(s.triggers))
	ticker := s.clock.Ticker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cron scheduler stopped")
			return nil
		case <-ticker.C:
			s.fireDue()
		}
	}
}

// fireDue submits a job for every trigger whose next run has passed and
// returns how many were submitted.
func (s *CronScheduler) fireDue() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	fired := 0
	for _, t := range s.triggers {
		if now.Before(t.nextRun) {
			continue
		}

		cfg := domain.JobConfig{"trigger": t.Name}
		for k, v := range t.Config {
			cfg[k] = v
		}
		job, err := s.jobs.Submit(t.JobType, cfg)
		if err != nil {
			s.logger.Error("trigger failed to submit job", "trigger", t.Name, "error", err)
		} else {
			t.runCount++
			fired++
			s.logger.Info("trigger fired", "trigger", t.Name, "job_id", job.ID, "type", job.Type)
		}

		// expressions were validated in NewCronScheduler
		if next, err := nextCronRun(t.Cron, now); err == nil {
			t.nextRun = next
		}
	}
	return fired
}

// NextRuns reports each trigger's next scheduled time.
func (s *CronScheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.triggers))
	for _, t := range s.triggers {
		out[t.Name] = t.nextRun
	}
	return out
}

// nextCronRun parses a simple cron expression and returns the next run time.
// Supports: "minute hour day month weekday" (standard 5-field cron)
// Each field accepts *, N, */N, A-B and comma lists of those.
func nextCronRun(expr string, from time.Time) (time.Time, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return time.Time{}, fmt.Errorf("expected 5 fields (min hour day month weekday), got %d", len(fields))
	}

	// Scan forward minute by minute; 366 days covers yearly expressions.
	candidate := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.Add(366 * 24 * time.Hour)

	for candidate.Before(limit) {
		if matchesCronField(fields[0], candidate.Minute()) &&
			matchesCronField(fields[1], candidate.Hour()) &&
			matchesCronDay(fields[2], fields[4], candidate) &&
			matchesCronField(fields[3], int(candidate.Month())) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("no matching time found within a year for expression: %s", expr)
}

// matchesCronDay applies the usual cron rule for the two day fields: when
// both are restricted a time matches if either one does.
func matchesCronDay(dom, dow string, t time.Time) bool {
	domOK := matchesCronField(dom, t.Day())
	dowOK := matchesCronField(dow, int(t.Weekday()))
	if dom != "*" && dow != "*" {
		return domOK || dowOK
	}
	return domOK && dowOK
}

// matchesCronField checks if a value matches a cron field pattern
func matchesCronField(pattern string, value int) bool {
	if pattern == "*" {
		return true
	}

	// Handle */N (every N)
	if strings.HasPrefix(pattern, "*/") {
		n := 0
		if _, err := fmt.Sscanf(pattern, "*/%d", &n); err == nil && n > 0 {
			return value%n == 0
		}
		return false
	}

	// Handle comma-separated list (check BEFORE single number)
	if strings.Contains(pattern, ",") {
		for _, part := range strings.Split(pattern, ",") {
			if matchesCronField(strings.TrimSpace(part), value) {
				return true
			}
		}
		return false
	}

	if strings.Contains(pattern, "-") {
		lo, hi := 0, 0
		if _, err := fmt.Sscanf(pattern, "%d-%d", &lo, &hi); err == nil {
			return value >= lo && value <= hi
		}
		return false
	}

	// Handle specific number
	n := 0
	if _, err := fmt.Sscanf(pattern, "%d", &n); err == nil {
		return value == n
	}

	return false
}
