package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/autopress/internal/core/domain"
)

func TestMatchesCronField(t *testing.T) {
	tests := []struct {
		pattern string
		value   int
		want    bool
	}{
		{"*", 0, true},
		{"*", 59, true},
		{"0", 0, true},
		{"0", 1, false},
		{"*/5", 0, true},
		{"*/5", 5, true},
		{"*/5", 10, true},
		{"*/5", 3, false},
		{"*/15", 0, true},
		{"*/15", 15, true},
		{"*/15", 30, true},
		{"*/15", 7, false},
		{"1,5,10", 5, true},
		{"1,5,10", 3, false},
		{"1,5,10", 10, true},
		{"30", 30, true},
		{"30", 31, false},
		{"1-5", 3, true},
		{"1-5", 6, false},
		{"0,10-12", 11, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%d", tt.pattern, tt.value), func(t *testing.T) {
			got := matchesCronField(tt.pattern, tt.value)
			assert.Equal(t, tt.want, got, "pattern=%q value=%d", tt.pattern, tt.value)
		})
	}
}

func TestNextCronRun(t *testing.T) {
	// "0 9 * * *" = every day at 9:00 AM
	base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	next, err := nextCronRun("0 9 * * *", base)
	require.NoError(t, err)
	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, 0, next.Minute())
	assert.Equal(t, 1, next.Day()) // same day, just 1 hour later

	// From 9:30 should go to next day
	base2 := time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)
	next2, err := nextCronRun("0 9 * * *", base2)
	require.NoError(t, err)
	assert.Equal(t, 9, next2.Hour())
	assert.Equal(t, 2, next2.Day()) // next day

	// "*/30 * * * *" = every 30 minutes
	base3 := time.Date(2025, 1, 1, 12, 10, 0, 0, time.UTC)
	next3, err := nextCronRun("*/30 * * * *", base3)
	require.NoError(t, err)
	assert.Equal(t, 30, next3.Minute())

	// Invalid expression
	_, err = nextCronRun("bad expr", base)
	assert.Error(t, err)
}

func TestNextCronRun_DayFields(t *testing.T) {
	base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC) // a Wednesday

	// both day fields restricted: the 15th or any Monday
	next, err := nextCronRun("0 9 15 * 1", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC), next)

	next, err = nextCronRun("0 9 15 * 1", next)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 13, 9, 0, 0, 0, time.UTC), next)

	next, err = nextCronRun("0 9 15 * 1", next)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC), next)

	// only one restricted: it alone decides
	next, err = nextCronRun("0 9 15 * *", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC), next)

	next, err = nextCronRun("0 9 * * 1-5", time.Date(2025, 1, 3, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC), next)
}

type recordingSource struct {
	mu        sync.Mutex
	submitted []domain.JobConfig
	types     []domain.JobType
}

func (r *recordingSource) Submit(jobType domain.JobType, cfg domain.JobConfig) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted = append(r.submitted, cfg)
	r.types = append(r.types, jobType)
	return &domain.Job{ID: domain.JobID(fmt.Sprintf("job_%d", len(r.submitted))), Type: jobType}, nil
}

func TestCronScheduler_RejectsInvalidTriggers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewCronScheduler(logger, &recordingSource{}, clock.NewMock(), []domain.TriggerConfig{
		{Name: "bad", Cron: "* * *", JobType: domain.JobTypeCollection},
	})
	assert.Error(t, err)

	_, err = NewCronScheduler(logger, &recordingSource{}, clock.NewMock(), []domain.TriggerConfig{
		{Name: "bad-type", Cron: "* * * * *", JobType: "crawl"},
	})
	assert.ErrorIs(t, err, domain.ErrUnknownJobType)
}

func TestCronScheduler_FiresDueTriggers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewMock()
	clk.Set(time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC))
	src := &recordingSource{}

	s, err := NewCronScheduler(logger, src, clk, []domain.TriggerConfig{
		{Name: "morning-collect", Cron: "30 8 * * *", JobType: domain.JobTypeCollection, Config: domain.JobConfig{"source": "rss"}},
		{Name: "hourly-report", Cron: "0 * * * *", JobType: domain.JobTypeReport},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, s.fireDue())

	clk.Set(time.Date(2025, 1, 1, 8, 30, 0, 0, time.UTC))
	assert.Equal(t, 1, s.fireDue())
	require.Len(t, src.submitted, 1)
	assert.Equal(t, domain.JobTypeCollection, src.types[0])
	assert.Equal(t, "rss", src.submitted[0]["source"])
	assert.Equal(t, "morning-collect", src.submitted[0]["trigger"])

	// same minute does not fire twice
	assert.Equal(t, 0, s.fireDue())

	clk.Set(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	assert.Equal(t, 1, s.fireDue())
	assert.Equal(t, domain.JobTypeReport, src.types[1])

	next := s.NextRuns()
	assert.Equal(t, time.Date(2025, 1, 2, 8, 30, 0, 0, time.UTC), next["morning-collect"])
	assert.Equal(t, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), next["hourly-report"])
}

func TestCronScheduler_RunStopsOnCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewCronScheduler(logger, &recordingSource{}, clock.NewMock(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
