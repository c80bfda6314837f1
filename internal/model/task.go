package model

import "time"

type TaskType string

const (
	TaskTypeCodeReview      TaskType = "code_review"
	TaskTypeFeatureDev      TaskType = "feature_dev"
	TaskTypeIssueDiscussion TaskType = "issue_discussion"
	TaskTypeUiAdjustment    TaskType = "ui_adjustment"
	TaskTypeSecurityAudit   TaskType = "security_audit"
	TaskTypePrdCreation     TaskType = "prd_creation"
	TaskTypeDeepAnalysis    TaskType = "deep_analysis"
)

type ExecutionMode string

const (
	ExecutionRunner ExecutionMode = "runner" // external GitLab-runner agent
	ExecutionServer ExecutionMode = "server" // in-process
)

var executionModes = map[TaskType]ExecutionMode{
	TaskTypeCodeReview:      ExecutionRunner,
	TaskTypeFeatureDev:      ExecutionRunner,
	TaskTypeUiAdjustment:    ExecutionRunner,
	TaskTypeSecurityAudit:   ExecutionRunner,
	TaskTypeIssueDiscussion: ExecutionServer,
	TaskTypePrdCreation:     ExecutionServer,
	TaskTypeDeepAnalysis:    ExecutionServer,
}

// ExecutionMode reports where tasks of this type run. Unknown types run on the server.
func (t TaskType) ExecutionMode() ExecutionMode {
	if m, ok := executionModes[t]; ok {
		return m
	}
	return ExecutionServer
}

func (t TaskType) Valid() bool {
	_, ok := executionModes[t]
	return ok
}

type TaskOrigin string

const (
	OriginWebhook      TaskOrigin = "webhook"
	OriginConversation TaskOrigin = "conversation"
	OriginManual       TaskOrigin = "manual"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists queue priorities in the order workers drain them.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

type TaskStatus string

const (
	TaskReceived   TaskStatus = "received"
	TaskQueued     TaskStatus = "queued"
	TaskRunning    TaskStatus = "running"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSuperseded TaskStatus = "superseded"
)

// AllTaskStatuses is every status, terminal ones included.
var AllTaskStatuses = []TaskStatus{TaskReceived, TaskQueued, TaskRunning, TaskCompleted, TaskFailed, TaskSuperseded}

// ActiveTaskStatuses are the non-terminal statuses.
var ActiveTaskStatuses = []TaskStatus{TaskReceived, TaskQueued, TaskRunning}

var transitions = map[TaskStatus][]TaskStatus{
	TaskReceived: {TaskQueued, TaskSuperseded},
	TaskQueued:   {TaskRunning, TaskSuperseded},
	TaskRunning:  {TaskCompleted, TaskFailed, TaskSuperseded},
}

// CanTransitionTo reports whether the lifecycle allows moving from s to target.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSuperseded
}

// AllowedTransitions returns a copy of the allowed targets for s.
func (s TaskStatus) AllowedTransitions() []TaskStatus {
	return append([]TaskStatus(nil), transitions[s]...)
}

type Task struct {
	ID       uint64     `json:"id" gorm:"primaryKey"`
	Type     TaskType   `json:"type" gorm:"size:32;index:idx_task_conflict,priority:3"`
	Origin   TaskOrigin `json:"origin" gorm:"size:16"`
	Priority Priority   `json:"priority" gorm:"size:16"`
	Status   TaskStatus `json:"status" gorm:"size:16;index:idx_task_conflict,priority:4;index"`

	ProjectID      int64   `json:"project_id" gorm:"index:idx_task_conflict,priority:1"`
	MrIID          *int64  `json:"mr_iid,omitempty" gorm:"column:mr_iid;index:idx_task_conflict,priority:2"`
	IssueIID       *int64  `json:"issue_iid,omitempty" gorm:"column:issue_iid"`
	ConversationID *string `json:"conversation_id,omitempty" gorm:"size:64"`
	CommitSHA      *string `json:"commit_sha,omitempty" gorm:"size:64"`
	PipelineID     *int64  `json:"pipeline_id,omitempty"`
	PipelineStatus *string `json:"pipeline_status,omitempty" gorm:"size:32"`
	AuthorID       int64   `json:"author_id"`
	Intent         string  `json:"intent" gorm:"size:32"`

	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	InputTokens     int        `json:"input_tokens"`
	OutputTokens    int        `json:"output_tokens"`
	ThinkingTokens  int        `json:"thinking_tokens"`
	CostUSD         float64    `json:"cost_usd"`
	DurationSeconds float64    `json:"duration_seconds"`
	PromptVersion   string     `json:"prompt_version,omitempty" gorm:"size:32"`
	Result          string     `json:"result,omitempty" gorm:"type:text"`
	ErrorReason     string     `json:"error_reason,omitempty" gorm:"type:text"`

	Attempt      int        `json:"attempt" gorm:"default:1"`
	MaxAttempts  int        `json:"max_attempts" gorm:"default:3"`
	AttemptLog   string     `json:"attempt_log,omitempty" gorm:"type:text"` // JSON []AttemptRecord
	SupersededBy *uint64    `json:"superseded_by,omitempty"`
	RetriedFrom  *uint64    `json:"retried_from,omitempty"`
	AvailableAt  time.Time  `json:"available_at" gorm:"index"`
	EnqueuedAt   *time.Time `json:"enqueued_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t *Task) ExecutionMode() ExecutionMode {
	return t.Type.ExecutionMode()
}

// QueueName is the execution queue a task belongs on, e.g. "runner:high".
func (t *Task) QueueName() string {
	return QueueName(t.ExecutionMode(), t.Priority)
}

func QueueName(mode ExecutionMode, p Priority) string {
	return string(mode) + ":" + string(p)
}

// AttemptRecord is one execution attempt kept for dead-letter triage.
type AttemptRecord struct {
	TaskID      uint64    `json:"task_id"`
	AttemptedAt time.Time `json:"attempted_at"`
	Error       string    `json:"error"`
}
