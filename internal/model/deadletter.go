package model

import "time"

type FailureReason string

const (
	ReasonMaxRetriesExceeded FailureReason = "max_retries_exceeded"
	ReasonExpired            FailureReason = "expired"
	ReasonInvalidRequest     FailureReason = "invalid_request"
	ReasonContextExceeded    FailureReason = "context_exceeded"
	ReasonSchedulingTimeout  FailureReason = "scheduling_timeout"
)

// Retryable reports whether another execution attempt could plausibly succeed.
func (r FailureReason) Retryable() bool {
	return r == ReasonMaxRetriesExceeded || r == ReasonExpired || r == ReasonSchedulingTimeout || r == ""
}

type DeadLetterScope string

const (
	ScopeExecution DeadLetterScope = "execution"
	ScopeDelivery  DeadLetterScope = "delivery"
)

type DeadLetterEntry struct {
	ID                 uint64          `json:"id" gorm:"primaryKey"`
	TaskID             uint64          `json:"task_id" gorm:"index"`
	Scope              DeadLetterScope `json:"scope" gorm:"size:16;default:execution"`
	OutboxEventID      *int64          `json:"outbox_event_id,omitempty" gorm:"index"`
	TaskRecord         string          `json:"task_record" gorm:"type:text"` // JSON snapshot of the task
	FailureReason      FailureReason   `json:"failure_reason" gorm:"size:32;index"`
	ErrorDetails       string          `json:"error_details" gorm:"type:text"`
	Attempts           string          `json:"attempts" gorm:"type:text"` // JSON []AttemptRecord
	Dismissed          bool            `json:"dismissed" gorm:"index"`
	Retried            bool            `json:"retried" gorm:"index"`
	RetryTaskID        *uint64         `json:"retry_task_id,omitempty"`
	ResolvedBy         string          `json:"resolved_by,omitempty" gorm:"size:64"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty"`
	OriginallyQueuedAt *time.Time      `json:"originally_queued_at,omitempty"`
	DeadLetteredAt     time.Time       `json:"dead_lettered_at" gorm:"index"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func (DeadLetterEntry) TableName() string { return "dead_letter_entries" }

// Resolved entries were retried or dismissed and accept no further operator action.
func (e *DeadLetterEntry) Resolved() bool {
	return e.Dismissed || e.Retried
}
