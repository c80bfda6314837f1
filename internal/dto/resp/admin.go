package resp

import "taskorch/internal/model"

type ReplayResp struct {
	Replayed int64 `json:"replayed"`
}

type DeadLetterListResp struct {
	Items []model.DeadLetterEntry `json:"items"`
	Total int64                   `json:"total"`
}

// RetryResp reports what a dead-letter retry produced. Task is nil for delivery
// entries, whose outbox row is replayed instead.
type RetryResp struct {
	EntryID uint64      `json:"entry_id"`
	Task    *model.Task `json:"task,omitempty"`
	Queued  bool        `json:"queued"`
}
