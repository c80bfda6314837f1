package model

import "time"

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxDelivered OutboxStatus = "delivered"
	OutboxFailed    OutboxStatus = "failed"
)

const (
	EventTaskStatusChanged   = "task.status.changed"
	EventTaskResultProcessed = "task.result.processed"
	EventTaskDeadLettered    = "task.dead_lettered"
)

const (
	AggregateTask       = "task"
	AggregateDeadLetter = "dead_letter"
)

const OutboxSchemaVersion = 1

type OutboxEvent struct {
	ID            int64        `json:"id" gorm:"primaryKey"`
	EventID       string       `json:"event_id" gorm:"size:36;uniqueIndex"`
	EventType     string       `json:"event_type" gorm:"size:64;index"`
	AggregateType string       `json:"aggregate_type" gorm:"size:32"`
	AggregateID   uint64       `json:"aggregate_id" gorm:"index"`
	SchemaVersion int          `json:"schema_version" gorm:"default:1"`
	Payload       string       `json:"payload" gorm:"type:text"`
	OccurredAt    time.Time    `json:"occurred_at"`
	Status        OutboxStatus `json:"status" gorm:"size:16;index:idx_outbox_claim,priority:1"`
	Attempts      int          `json:"attempts" gorm:"default:0"`
	LastError     string       `json:"last_error,omitempty" gorm:"type:text"`
	AvailableAt   time.Time    `json:"available_at" gorm:"index:idx_outbox_claim,priority:2"`
	FailedAt      *time.Time   `json:"failed_at,omitempty"`
	DeliveredAt   *time.Time   `json:"delivered_at,omitempty"`
	LeaseOwner    string       `json:"-" gorm:"size:36"`
	LeaseExpires  *time.Time   `json:"-"`
	TraceID       string       `json:"trace_id,omitempty" gorm:"size:64;index"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (OutboxEvent) TableName() string { return "internal_outbox_events" }

// TaskStatusChanged is the payload of task.status.changed. It carries enough of the
// post-transition task that consumers never need to read the task back.
type TaskStatusChanged struct {
	TaskID         uint64     `json:"task_id"`
	From           TaskStatus `json:"from"`
	To             TaskStatus `json:"to"`
	Type           TaskType   `json:"type"`
	Priority       Priority   `json:"priority"`
	Origin         TaskOrigin `json:"origin"`
	ProjectID      int64      `json:"project_id"`
	MrIID          *int64     `json:"mr_iid,omitempty"`
	IssueIID       *int64     `json:"issue_iid,omitempty"`
	PipelineID     *int64     `json:"pipeline_id,omitempty"`
	PipelineStatus *string    `json:"pipeline_status,omitempty"`
	ResultSummary  string     `json:"result_summary,omitempty"`
	ErrorReason    string     `json:"error_reason,omitempty"`
	SupersededBy   *uint64    `json:"superseded_by,omitempty"`
	Attempt        int        `json:"attempt"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// TaskResultProcessed is the payload of task.result.processed.
type TaskResultProcessed struct {
	TaskID          uint64     `json:"task_id"`
	Status          TaskStatus `json:"status"`
	Type            TaskType   `json:"type"`
	ProjectID       int64      `json:"project_id"`
	MrIID           *int64     `json:"mr_iid,omitempty"`
	IssueIID        *int64     `json:"issue_iid,omitempty"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	InputTokens     int        `json:"input_tokens"`
	OutputTokens    int        `json:"output_tokens"`
	ThinkingTokens  int        `json:"thinking_tokens"`
	CostUSD         float64    `json:"cost_usd"`
	DurationSeconds float64    `json:"duration_seconds"`
	PromptVersion   string     `json:"prompt_version,omitempty"`
}

// TaskDeadLettered is the payload of task.dead_lettered.
type TaskDeadLettered struct {
	EntryID       uint64          `json:"entry_id"`
	TaskID        uint64          `json:"task_id"`
	Scope         DeadLetterScope `json:"scope"`
	FailureReason FailureReason   `json:"failure_reason"`
	ErrorDetails  string          `json:"error_details"`
	ProjectID     int64           `json:"project_id"`
	Type          TaskType        `json:"type"`
}
