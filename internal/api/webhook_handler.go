package api

import (
	"context"
	"errors"
	"net/http"

	"taskorch/internal/dto/resp"
	"taskorch/internal/metrics"
	"taskorch/internal/model"
	"taskorch/internal/service"
	v1 "taskorch/pkg/api/v1"
	"taskorch/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type EventRouter interface {
	Route(evt v1.WebhookEvent) *service.RoutingResult
}

type Dispatcher interface {
	Dispatch(ctx context.Context, rr service.RoutingResult) (*model.Task, error)
}

type WebhookHandler struct {
	router     EventRouter
	dispatcher Dispatcher
	observer   metrics.DispatchObserver
}

func NewWebhookHandler(router EventRouter, dispatcher Dispatcher, observer metrics.DispatchObserver) *WebhookHandler {
	if observer == nil {
		observer = metrics.Nop{}
	}
	return &WebhookHandler{router: router, dispatcher: dispatcher, observer: observer}
}

// Receive routes one normalized GitLab event. Events no rule matches are
// acknowledged with 200 so GitLab does not retry them.
func (h *WebhookHandler) Receive(c *gin.Context) {
	var evt v1.WebhookEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON format error"})
		return
	}
	if evt.EventType == "" || evt.ProjectID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event_type and project_id are required"})
		return
	}

	rr := h.router.Route(evt)
	if rr == nil {
		h.observer.RecordIgnored(evt.EventType)
		c.JSON(http.StatusOK, resp.WebhookResp{Ignored: true})
		return
	}

	h.observer.RecordRouted(string(rr.Intent))

	task, err := h.dispatcher.Dispatch(c.Request.Context(), *rr)
	if err != nil && !(task != nil && errors.Is(err, service.ErrEnqueueFailed)) {
		writeError(c, err)
		return
	}
	out := resp.WebhookResp{
		Routed:         true,
		Intent:         string(rr.Intent),
		TaskID:         task.ID,
		EnqueuePending: err != nil,
	}
	if err != nil {
		logger.Warn("task stored but not enqueued", zap.Uint64("task_id", task.ID), zap.Error(err))
	}
	c.JSON(http.StatusAccepted, out)
}
