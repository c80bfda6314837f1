package service

import (
	"context"
	"time"

	"taskorch/internal/buffer"
	"taskorch/internal/metrics"
	v1 "taskorch/pkg/api/v1"
	"taskorch/pkg/logger"

	"go.uber.org/zap"
)

// Client is one stream subscriber. A zero ProjectID receives every project.
type Client struct {
	Send      chan v1.Message
	ProjectID int64
}

func (c *Client) wants(msg v1.Message) bool {
	return msg.Type == "ping" || c.ProjectID == 0 || c.ProjectID == msg.ProjectID
}

// Hub fans task events out to stream clients and keeps a ring buffer so
// reconnecting clients can catch up from their last seen seq.
type Hub struct {
	clients    map[*Client]bool
	Broadcast  chan v1.Message
	Register   chan *Client
	Unregister chan *Client

	history   *buffer.EventBuffer
	seq       int64
	observer  metrics.HubObserver
	heartbeat time.Duration
}

func NewHub(observer metrics.HubObserver, heartbeat time.Duration, bufferSize int) *Hub {
	if observer == nil {
		observer = metrics.Nop{}
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		Broadcast:  make(chan v1.Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		history:    buffer.NewEventBuffer(bufferSize),
		observer:   observer,
		heartbeat:  heartbeat,
	}
}

// Since returns buffered messages newer than lastSeq. ok is false when some of
// them were already evicted and the client must resync from the task list.
func (h *Hub) Since(lastSeq int64) ([]v1.Message, bool) {
	return h.history.Since(lastSeq)
}

// Publish queues msg for broadcast without blocking the caller for long.
func (h *Hub) Publish(ctx context.Context, msg v1.Message) error {
	select {
	case h.Broadcast <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.Send)
				delete(h.clients, client)
			}
			return
		case client := <-h.Register:
			h.clients[client] = true
			h.observer.IncOnline()
		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				h.observer.DecOnline()
			}
		case msg := <-h.Broadcast:
			h.seq++
			msg.Seq = h.seq
			h.history.Add(msg)
			h.fanout(msg)
			h.observer.RecordPush()
		case <-ticker.C:
			h.fanout(v1.Message{Type: "ping"})
		}
	}
}

func (h *Hub) fanout(msg v1.Message) {
	for client := range h.clients {
		if !client.wants(msg) {
			continue
		}
		select {
		case client.Send <- msg:
		default:
			logger.Warn("stream client too slow, disconnecting", zap.Int64("project_id", client.ProjectID))
			close(client.Send)
			delete(h.clients, client)
			h.observer.DecOnline()
			h.observer.RecordDrop()
		}
	}
}
