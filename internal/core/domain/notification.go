package domain

import "time"

// NotificationType is the closed set of events the orchestration core emits.
type NotificationType string

const (
	NotifyStatusChanged     NotificationType = "status_changed"
	NotifyProgress          NotificationType = "progress"
	NotifyStepCompleted     NotificationType = "step_completed"
	NotifyReviewRequired    NotificationType = "review_required"
	NotifyQualityWarning    NotificationType = "quality_warning"
	NotifyPublishScheduled  NotificationType = "publish_scheduled"
	NotifyPublished         NotificationType = "workflow_published"
	NotifyPublishUnverified NotificationType = "publish_unverified"
	NotifyFailed            NotificationType = "workflow_failed"
	NotifyCancelled         NotificationType = "workflow_cancelled"
	NotifyJobStatus         NotificationType = "job_status"
)

// Notification is delivered fire-and-forget to the notification sink.
type Notification struct {
	Type       NotificationType `json:"type"`
	WorkflowID WorkflowID       `json:"workflow_id,omitempty"`
	JobID      JobID            `json:"job_id,omitempty"`
	Title      string           `json:"title"`
	Message    string           `json:"message"`
	Step       StepID           `json:"step,omitempty"`
	Error      string           `json:"error,omitempty"`
	Data       map[string]any   `json:"data,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}
