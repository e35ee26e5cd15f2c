package domain

import (
	"errors"
	"time"
)

type WorkflowID string
type WorkflowStatus string

const (
	WorkflowStatusIdle               WorkflowStatus = "idle"
	WorkflowStatusContentGeneration  WorkflowStatus = "content_generation"
	WorkflowStatusUserReview         WorkflowStatus = "user_review"
	WorkflowStatusRevisionRequest    WorkflowStatus = "revision_request"
	WorkflowStatusFinalApproval      WorkflowStatus = "final_approval"
	WorkflowStatusPublishPreparation WorkflowStatus = "publish_preparation"
	WorkflowStatusPublishing         WorkflowStatus = "publishing"
	WorkflowStatusPublished          WorkflowStatus = "published"
	WorkflowStatusFailed             WorkflowStatus = "failed"
	WorkflowStatusCancelled          WorkflowStatus = "cancelled"
)

// Terminal reports whether s is one of Published, Failed or Cancelled.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusPublished || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// StepID names a position in the fixed workflow sequence.
type StepID string

const (
	StepInitialize   StepID = "initialize"
	StepGeneration   StepID = "content_generation"
	StepReview       StepID = "user_review"
	StepRevision     StepID = "revision"
	StepApproval     StepID = "final_approval"
	StepPreparation  StepID = "publish_preparation"
	StepPublishing   StepID = "publishing"
	StepVerification StepID = "verification"
	StepComplete     StepID = "complete"
)

// WorkflowSteps is the ordered sequence used to compute progress.
var WorkflowSteps = []StepID{
	StepInitialize,
	StepGeneration,
	StepReview,
	StepRevision,
	StepApproval,
	StepPreparation,
	StepPublishing,
	StepVerification,
	StepComplete,
}

// Progress maps a step to a percentage in [0, 100].
func Progress(step StepID) int {
	for i, s := range WorkflowSteps {
		if s == step {
			return i * 100 / (len(WorkflowSteps) - 1)
		}
	}
	return 0
}

// UserAction is one of the review decisions a user (or a timer) can make.
type UserAction string

const (
	ActionApprove         UserAction = "APPROVE"
	ActionRequestRevision UserAction = "REQUEST_REVISION"
	ActionSchedule        UserAction = "SCHEDULE"
	ActionReject          UserAction = "REJECT"
	ActionCancel          UserAction = "CANCEL"
)

// Valid reports whether a is a known action.
func (a UserAction) Valid() bool {
	switch a {
	case ActionApprove, ActionRequestRevision, ActionSchedule, ActionReject, ActionCancel:
		return true
	}
	return false
}

// ActionData carries the optional arguments of a user action.
type ActionData struct {
	Feedback       string          `json:"feedback,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	ScheduledTime  *time.Time      `json:"scheduled_time,omitempty"`
	PublishOptions *PublishOptions `json:"publish_options,omitempty"`
	Synthesized    bool            `json:"synthesized,omitempty"`
}

// FeedbackEntry is one record of the append-only user feedback log.
type FeedbackEntry struct {
	Action    UserAction `json:"action"`
	Data      ActionData `json:"data"`
	Timestamp time.Time  `json:"timestamp"`
}

// RevisionSnapshot preserves a draft before it was rewritten.
type RevisionSnapshot struct {
	Version       int            `json:"version"`
	Article       *Article       `json:"article"`
	QualityReport *QualityReport `json:"quality_report"`
	Reason        string         `json:"reason"`
	Timestamp     time.Time      `json:"timestamp"`
}

// WorkflowConfig tunes one workflow instance.
type WorkflowConfig struct {
	AutoApprove     bool          `json:"auto_approve" yaml:"auto_approve"`
	MaxRevisions    int           `json:"max_revisions" yaml:"max_revisions"`
	ReviewTimeout   time.Duration `json:"review_timeout" yaml:"review_timeout"`
	PublishTimeout  time.Duration `json:"publish_timeout" yaml:"publish_timeout"`
	VerifyPublished bool          `json:"verify_published" yaml:"verify_published"`
}

// WorkflowOptions are supplied when a workflow is created and started.
type WorkflowOptions struct {
	Selection      Selection       `json:"selection"`
	Config         *WorkflowConfig `json:"config,omitempty"`
	PublishOptions PublishOptions  `json:"publish_options"`
}

// WorkflowSnapshot is the complete persisted state of a workflow instance.
type WorkflowSnapshot struct {
	ID              WorkflowID         `json:"id"`
	Status          WorkflowStatus     `json:"status"`
	CurrentStep     StepID             `json:"current_step"`
	Progress        int                `json:"progress"`
	Selection       Selection          `json:"selection"`
	Article         *Article           `json:"article,omitempty"`
	QualityReport   *QualityReport     `json:"quality_report,omitempty"`
	UserFeedback    []FeedbackEntry    `json:"user_feedback"`
	RevisionHistory []RevisionSnapshot `json:"revision_history"`
	PublishResult   *PublishResult     `json:"publish_result,omitempty"`
	PublishJobID    JobID              `json:"publish_job_id,omitempty"`
	ScheduledTime   *time.Time         `json:"scheduled_time,omitempty"`
	PublishOptions  PublishOptions     `json:"publish_options"`
	Config          WorkflowConfig     `json:"config"`
	RetriedSteps    map[StepID]bool    `json:"retried_steps,omitempty"`
	Error           *string            `json:"error,omitempty"`
	FailedStep      StepID             `json:"failed_step,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// PublishRecord is an entry of the capped publish audit log.
type PublishRecord struct {
	WorkflowID    WorkflowID    `json:"workflow_id"`
	Title         string        `json:"title"`
	PublishedURL  string        `json:"published_url"`
	PublishedAt   time.Time     `json:"published_at"`
	QualityScore  float64       `json:"quality_score"`
	RevisionCount int           `json:"revision_count"`
	ExecutionTime time.Duration `json:"execution_time"`
	Success       bool          `json:"success"`
	Timestamp     time.Time     `json:"timestamp"`
}

// PublishSummary aggregates mirrored publish records with plain averages.
type PublishSummary struct {
	Count            int           `json:"count"`
	AverageScore     float64       `json:"average_score"`
	AverageRevisions float64       `json:"average_revisions"`
	AverageExecution time.Duration `json:"average_execution"`
	LastPublishedAt  *time.Time    `json:"last_published_at,omitempty"`
}

// WorkflowStats are rolling aggregates over all finished workflows.
type WorkflowStats struct {
	TotalWorkflows       int           `json:"total_workflows"`
	SuccessfulPublishes  int           `json:"successful_publishes"`
	FailedWorkflows      int           `json:"failed_workflows"`
	CancelledWorkflows   int           `json:"cancelled_workflows"`
	AverageQualityScore  float64       `json:"average_quality_score"`
	AverageRevisionCount float64       `json:"average_revision_count"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	LastUpdated          time.Time     `json:"last_updated"`
}

var (
	ErrWorkflowNotFound      = errors.New("workflow not found")
	ErrWorkflowFinished      = errors.New("workflow already finished")
	ErrWorkflowStarted       = errors.New("workflow already started")
	ErrUnknownAction         = errors.New("unknown user action")
	ErrActionNotAllowed      = errors.New("action not allowed in current status")
	ErrInvalidScheduleTime   = errors.New("scheduled time must be in the future")
	ErrRevisionLimitExceeded = errors.New("revision limit exceeded")
	ErrTimeout               = errors.New("timed out")
)
