package consumer

import (
	"context"
	"encoding/json"

	"taskorch/internal/model"
	v1 "taskorch/pkg/api/v1"
)

// Publisher is the part of the stream hub a consumer needs.
type Publisher interface {
	Publish(ctx context.Context, msg v1.Message) error
}

// HubBroadcaster forwards task events to connected stream clients.
type HubBroadcaster struct {
	hub Publisher
}

func NewHubBroadcaster(hub Publisher) *HubBroadcaster {
	return &HubBroadcaster{hub: hub}
}

func (b *HubBroadcaster) Name() string { return "stream-broadcast" }

func (b *HubBroadcaster) Consume(ctx context.Context, evt model.OutboxEvent) error {
	// only the fields every payload shares
	var head struct {
		TaskID    uint64 `json:"task_id"`
		ProjectID int64  `json:"project_id"`
		To        string `json:"to"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal([]byte(evt.Payload), &head); err != nil {
		return err
	}
	status := head.To
	if status == "" {
		status = head.Status
	}
	return b.hub.Publish(ctx, v1.Message{
		ID:        evt.ID,
		EventID:   evt.EventID,
		EventType: evt.EventType,
		TaskID:    head.TaskID,
		ProjectID: head.ProjectID,
		Status:    status,
		Payload:   evt.Payload,
	})
}
