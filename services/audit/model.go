package audit

import (
	"time"

	"gorm.io/datatypes"
)

// Step labels recorded while executing a task.
const (
	StepExecutionStarted = "execution_started"
	StepNavigated        = "navigated"
	StepFieldFilled      = "field_filled"
	StepCaptchaDetected  = "captcha_detected"
	StepSubmitted        = "submitted"
)

// Log is one immutable record of a step taken while executing a task.
// Entries are append-only: nothing in the engine updates or deletes a row.
type Log struct {
	ID        string         `gorm:"column:id;primaryKey"`
	TaskID    string         `gorm:"column:task_id;not null;uniqueIndex:ux_audit_task_seq,priority:1"`
	Seq       int64          `gorm:"column:seq;not null;uniqueIndex:ux_audit_task_seq,priority:2"`
	Step      string         `gorm:"column:step;type:varchar(50);not null"`
	Payload   datatypes.JSON `gorm:"column:payload"`
	Artifacts datatypes.JSON `gorm:"column:artifacts"`
	CreatedAt time.Time      `gorm:"column:created_at"`
}

func (Log) TableName() string {
	return "application_audit_logs"
}
