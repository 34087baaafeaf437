package task

import (
	"time"
)

// Status of an application task. Transitions follow the dispatcher state
// machine; completed, failed and cancelled are terminal, needs_review is
// terminal from the engine's perspective.
type Status string

var (
	StatusQueued      Status = "queued"
	StatusProcessing  Status = "processing"
	StatusNeedsReview Status = "needs_review"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

func (s Status) String() string {
	switch s {
	case StatusQueued, StatusProcessing, StatusNeedsReview, StatusCompleted, StatusFailed, StatusCancelled:
		return string(s)
	default:
		return ""
	}
}

// Terminal reports whether no further engine-driven transition may occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusNeedsReview, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Active statuses participate in the at-most-one-per-pair invariant.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusProcessing
}

// Task is one unit of "apply candidate X to job Y". Rows are never deleted;
// cancellation is a status, not a removal.
type Task struct {
	ID              string     `gorm:"column:id;primaryKey"`
	CandidateID     string     `gorm:"column:candidate_id;not null;uniqueIndex:ux_active_application,where:status = 'queued' OR status = 'processing',priority:1"`
	JobID           string     `gorm:"column:job_id;not null;uniqueIndex:ux_active_application,where:status = 'queued' OR status = 'processing',priority:2"`
	TargetHost      string     `gorm:"column:target_host;index;not null"`
	Status          Status     `gorm:"column:status;type:varchar(20);index;default:'queued'"`
	AttemptCount    int        `gorm:"column:attempt_count;not null;default:0"`
	LastError       *string    `gorm:"column:last_error"`
	AssignedWorker  *string    `gorm:"column:assigned_worker"`
	CancelRequested bool       `gorm:"column:cancel_requested;not null;default:false"`
	NextAttemptAt   time.Time  `gorm:"column:next_attempt_at;index"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at"`
}

func (Task) TableName() string {
	return "application_tasks"
}

// StatusView is the point-in-time read returned to callers.
type StatusView struct {
	TaskID       string     `json:"task_id"`
	Status       Status     `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	LastError    *string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
