package models

import (
	"time"

	"gorm.io/datatypes"
)

// Lifecycle status values for a SyncTask
const (
	TaskStatusPending    = "PENDING"
	TaskStatusDispatched = "DISPATCHED"
	TaskStatusCompleted  = "COMPLETED"
	TaskStatusFailed     = "FAILED"
)

// SyncTask is a durable, retryable unit of "pull fresh data for this user"
// work. The unique name is the idempotency key: re-enqueuing the same logical
// event (for example the same webhook trace id) collapses onto one row.
type SyncTask struct {
	ID      int            `json:"id" gorm:"primaryKey;autoIncrement"`
	Name    string         `json:"name" gorm:"uniqueIndex;not null"`
	Queue   string         `json:"queue" gorm:"index;not null"`
	Payload datatypes.JSON `json:"payload"`

	// Retry policy, recorded for the consumer
	MaxAttempts       int `json:"max_attempts" gorm:"not null"`
	MinBackoffSeconds int `json:"min_backoff_seconds" gorm:"not null"`
	MaxBackoffSeconds int `json:"max_backoff_seconds" gorm:"not null"`

	Status         string     `json:"status" gorm:"index;not null;default:PENDING"`
	NotBefore      *time.Time `json:"not_before" gorm:"index"`
	Attempts       int        `json:"attempts" gorm:"not null;default:0"`
	FirstAttemptAt *time.Time `json:"first_attempt_at"`
	LastAttemptAt  *time.Time `json:"last_attempt_at"`
	LastError      *string    `json:"last_error"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for SyncTask
func (SyncTask) TableName() string {
	return "sync_tasks"
}
