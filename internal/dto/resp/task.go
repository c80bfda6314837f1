package resp

import "taskorch/internal/model"

type WebhookResp struct {
	Routed bool   `json:"routed"`
	Intent string `json:"intent,omitempty"`
	TaskID uint64 `json:"task_id,omitempty"`
	// EnqueuePending is set when the task is stored but the queue push failed.
	EnqueuePending bool `json:"enqueue_pending,omitempty"`
	Ignored        bool `json:"ignored,omitempty"`
}

type TaskListResp struct {
	Items []model.Task `json:"items"`
	Total int64        `json:"total"`
}

type TaskEventsResp struct {
	TaskID uint64              `json:"task_id"`
	Events []model.OutboxEvent `json:"events"`
}
