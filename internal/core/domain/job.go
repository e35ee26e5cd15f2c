package domain

import (
	"errors"
	"fmt"
	"time"
)

type JobID string

// JobType is the closed set of background work kinds the orchestrator knows.
type JobType string

const (
	JobTypeCollection  JobType = "collection"
	JobTypeAnalysis    JobType = "analysis"
	JobTypeGeneration  JobType = "generation"
	JobTypeStyleUpdate JobType = "style-update"
	JobTypeReport      JobType = "report"
	JobTypePublish     JobType = "publish"
)

// JobTypes lists every valid job type in declaration order.
func JobTypes() []JobType {
	return []JobType{
		JobTypeCollection,
		JobTypeAnalysis,
		JobTypeGeneration,
		JobTypeStyleUpdate,
		JobTypeReport,
		JobTypePublish,
	}
}

// Valid reports whether t is one of the closed enum values.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeCollection, JobTypeAnalysis, JobTypeGeneration,
		JobTypeStyleUpdate, JobTypeReport, JobTypePublish:
		return true
	}
	return false
}

// ParseJobType converts a raw string into a JobType.
func ParseJobType(s string) (JobType, error) {
	t := JobType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownJobType, s)
	}
	return t, nil
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusRetrying  JobStatus = "retrying"
)

// JobConfig is the opaque payload supplied by the job creator.
type JobConfig map[string]any

// JobResult is the opaque payload returned by a successful execution.
type JobResult map[string]any

// Job is a typed, retryable unit of background work. Jobs are owned by the
// orchestrator; everything outside it should treat them as read-only copies.
type Job struct {
	ID           JobID         `json:"id"`
	Type         JobType       `json:"type"`
	Status       JobStatus     `json:"status"`
	Config       JobConfig     `json:"config,omitempty"`
	Dependencies []JobType     `json:"dependencies,omitempty"`
	RetryCount   int           `json:"retry_count"`
	MaxRetries   int           `json:"max_retries"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Result       JobResult     `json:"result,omitempty"`
	Error        *string       `json:"error,omitempty"`
}

// Terminal reports whether the job can never run again.
func (j *Job) Terminal() bool {
	if j.Status == JobStatusCompleted {
		return true
	}
	return j.Status == JobStatusFailed && j.RetryCount >= j.MaxRetries
}

// Clone returns a deep enough copy for observers: maps and slices are
// copied one level down, payload values are shared.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Config != nil {
		cp.Config = make(JobConfig, len(j.Config))
		for k, v := range j.Config {
			cp.Config[k] = v
		}
	}
	if j.Result != nil {
		cp.Result = make(JobResult, len(j.Result))
		for k, v := range j.Result {
			cp.Result[k] = v
		}
	}
	if j.Dependencies != nil {
		cp.Dependencies = append([]JobType(nil), j.Dependencies...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.Error != nil {
		msg := *j.Error
		cp.Error = &msg
	}
	return &cp
}

// Int reads an integer option from the config. JSON round trips turn numbers
// into float64, so both are accepted.
func (c JobConfig) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// String reads a string option from the config.
func (c JobConfig) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// OrchestratorState is the on-disk snapshot of the job orchestrator.
type OrchestratorState struct {
	Jobs    []*Job    `json:"jobs"`
	Queue   []JobID   `json:"queue"`
	Running []JobID   `json:"running"`
	SavedAt time.Time `json:"saved_at"`
}

// OrchestratorStatus is the read-only view served to dashboards.
type OrchestratorStatus struct {
	Running       bool              `json:"running"`
	MaxConcurrent int               `json:"max_concurrent"`
	TotalJobs     int               `json:"total_jobs"`
	Queue         []JobID           `json:"queue"`
	RunningJobs   []JobID           `json:"running_jobs"`
	Counts        map[JobStatus]int `json:"counts"`
}

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrUnknownJobType      = errors.New("unknown job type")
	ErrNoHandler           = errors.New("no handler registered for job type")
	ErrExecution           = errors.New("job execution failed")
	ErrResultValidation    = errors.New("job result validation failed")
	ErrJobAlreadyEnqueued  = errors.New("job already enqueued")
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)

// JobRun is one finished job as recorded by the job history mirror.
type JobRun struct {
	JobID      JobID     `json:"job_id"`
	Type       JobType   `json:"type"`
	Status     JobStatus `json:"status"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}
