package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"taskorch/internal/dto/req"
	"taskorch/internal/dto/resp"
	"taskorch/internal/model"
	"taskorch/internal/repository"
	"taskorch/internal/service"
	v1 "taskorch/pkg/api/v1"

	"github.com/gin-gonic/gin"
)

const maxClaimWait = 30 * time.Second

type TaskProvider interface {
	Get(ctx context.Context, id uint64) (*model.Task, error)
	List(ctx context.Context, filter repository.TaskFilter) ([]model.Task, int64, error)
	Events(ctx context.Context, id uint64) ([]model.OutboxEvent, error)
	Claim(ctx context.Context, mode model.ExecutionMode, wait time.Duration) (*v1.TaskAssignment, error)
}

type TaskStarter interface {
	Start(ctx context.Context, taskID uint64) (service.TransitionResult, error)
}

type ResultIngester interface {
	Ingest(ctx context.Context, taskID uint64, report v1.ResultReport) (service.IngestOutcome, error)
}

type ManualDispatcher interface {
	DispatchManual(ctx context.Context, r service.ManualRequest) (*model.Task, error)
}

type TaskHandler struct {
	tasks    TaskProvider
	starter  TaskStarter
	ingester ResultIngester
	manual   ManualDispatcher
}

func NewTaskHandler(tasks TaskProvider, starter TaskStarter, ingester ResultIngester, manual ManualDispatcher) *TaskHandler {
	return &TaskHandler{tasks: tasks, starter: starter, ingester: ingester, manual: manual}
}

func taskID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return 0, false
	}
	return id, true
}

func (h *TaskHandler) GetTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	task, err := h.tasks.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandler) ListTasks(c *gin.Context) {
	var r req.ListTasksReq
	if err := c.ShouldBindQuery(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params"})
		return
	}
	items, total, err := h.tasks.List(c.Request.Context(), repository.TaskFilter{
		ProjectID: r.ProjectID,
		MrIID:     r.MrIID,
		Type:      model.TaskType(r.Type),
		Status:    model.TaskStatus(r.Status),
		Offset:    r.Offset,
		Limit:     r.Limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.TaskListResp{Items: items, Total: total})
}

func (h *TaskHandler) TaskEvents(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	if _, err := h.tasks.Get(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	events, err := h.tasks.Events(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.TaskEventsResp{TaskID: id, Events: events})
}

// CreateTask dispatches an operator-requested task outside webhook routing.
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var r req.CreateTaskReq
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON format error"})
		return
	}
	origin := model.OriginManual
	if r.ConversationID != nil && *r.ConversationID != "" {
		origin = model.OriginConversation
	}
	task, err := h.manual.DispatchManual(c.Request.Context(), service.ManualRequest{
		Type:           model.TaskType(r.Type),
		Priority:       model.Priority(r.Priority),
		Origin:         origin,
		ProjectID:      r.ProjectID,
		MrIID:          r.MrIID,
		IssueIID:       r.IssueIID,
		ConversationID: r.ConversationID,
		AuthorID:       r.AuthorID,
	})
	if err != nil && !(task != nil && errors.Is(err, service.ErrEnqueueFailed)) {
		writeError(c, err)
		return
	}
	// an unenqueued task is still durable; the queue repair sweep pushes it
	c.JSON(http.StatusCreated, task)
}

// StartTask moves a queued task to running on behalf of the executor holding
// its token.
func (h *TaskHandler) StartTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	res, err := h.starter.Start(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !res.OK() {
		c.JSON(http.StatusConflict, gin.H{"error": res.Conflict.Error(), "task_status": res.Conflict.From})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_status": res.Task.Status})
}

func (h *TaskHandler) ReportResult(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	var report v1.ResultReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON format error"})
		return
	}
	out, err := h.ingester.Ingest(c.Request.Context(), id, report)
	if err != nil {
		writeError(c, err)
		return
	}
	ack := v1.ResultAck{Accepted: out.Accepted, TaskStatus: string(out.Status)}
	if !out.Accepted {
		c.JSON(http.StatusConflict, ack)
		return
	}
	c.JSON(http.StatusOK, ack)
}

// Claim long-polls the execution queue for runner-mode work. 204 means nothing
// arrived within the wait.
func (h *TaskHandler) Claim(c *gin.Context) {
	var r req.ClaimReq
	if err := c.ShouldBindQuery(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params"})
		return
	}
	mode := model.ExecutionRunner
	if r.Mode != "" {
		mode = model.ExecutionMode(r.Mode)
		if mode != model.ExecutionRunner && mode != model.ExecutionServer {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown execution mode"})
			return
		}
	}
	wait := 10 * time.Second
	if r.Wait != "" {
		d, err := time.ParseDuration(r.Wait)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wait"})
			return
		}
		wait = min(d, maxClaimWait)
	}

	a, err := h.tasks.Claim(c.Request.Context(), mode, wait)
	if err != nil {
		writeError(c, err)
		return
	}
	if a == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, a)
}
