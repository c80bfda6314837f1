package v1

const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

type TokenUsage struct {
	Input    int `json:"input"`
	Output   int `json:"output"`
	Thinking int `json:"thinking"`
}

// ResultReport is what an executor posts once a task finishes.
type ResultReport struct {
	Status          string         `json:"status"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	Tokens          TokenUsage     `json:"tokens"`
	DurationSeconds float64        `json:"duration_seconds"`
	PromptVersion   string         `json:"prompt_version"`
}

type ResultAck struct {
	Accepted   bool   `json:"accepted"`
	TaskStatus string `json:"task_status"`
}

// TaskAssignment is the item pushed onto an execution queue.
type TaskAssignment struct {
	TaskID   uint64 `json:"task_id"`
	Type     string `json:"type"`
	Priority string `json:"priority"`
	Queue    string `json:"queue"`
	Attempt  int    `json:"attempt"`
	Token    string `json:"token,omitempty"`
}

// Message is one task event pushed to stream subscribers.
type Message struct {
	Seq       int64  `json:"seq"` // assigned by the hub, strictly increasing per process
	ID        int64  `json:"id"`  // outbox row id
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	TaskID    uint64 `json:"task_id"`
	ProjectID int64  `json:"project_id"`
	Status    string `json:"status,omitempty"`
	Payload   string `json:"payload,omitempty"`
	Type      string `json:"type,omitempty"` // "ping" for heartbeats
}
