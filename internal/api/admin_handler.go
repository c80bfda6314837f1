package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"taskorch/internal/dto/req"
	"taskorch/internal/dto/resp"
	"taskorch/internal/model"
	"taskorch/internal/repository"
	"taskorch/internal/service"
	"taskorch/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type OutboxReplayer interface {
	Replay(ctx context.Context, sel repository.ReplaySelector) (int64, error)
}

type DeadLetterProvider interface {
	List(ctx context.Context, filter repository.DeadLetterFilter) ([]model.DeadLetterEntry, int64, error)
	Get(ctx context.Context, entryID uint64) (*model.DeadLetterEntry, error)
	Retry(ctx context.Context, entryID uint64, operator string) (*model.Task, error)
	Dismiss(ctx context.Context, entryID uint64, operator string) (*model.DeadLetterEntry, error)
}

type TaskPromoter interface {
	Promote(ctx context.Context, taskID uint64) (*model.Task, error)
}

type StatsProvider interface {
	Stats(ctx context.Context) (*service.Stats, error)
}

type AdminHandler struct {
	replayer    OutboxReplayer
	deadLetters DeadLetterProvider
	promoter    TaskPromoter
	stats       StatsProvider
}

func NewAdminHandler(replayer OutboxReplayer, deadLetters DeadLetterProvider, promoter TaskPromoter, stats StatsProvider) *AdminHandler {
	return &AdminHandler{replayer: replayer, deadLetters: deadLetters, promoter: promoter, stats: stats}
}

// ReplayOutbox resets outbox rows to pending. Rows named in ids are redelivered
// to every consumer; failed=true only reaches consumers that never handled a row.
func (h *AdminHandler) ReplayOutbox(c *gin.Context) {
	var r req.ReplayReq
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON format error"})
		return
	}
	sel := repository.ReplaySelector{IDs: r.IDs, Failed: r.Failed}
	if sel.Empty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids or failed required"})
		return
	}
	n, err := h.replayer.Replay(c.Request.Context(), sel)
	if err != nil {
		writeError(c, err)
		return
	}
	logger.Info("outbox replay requested",
		zap.String("operator", service.GetOperator(c.Request.Context())),
		zap.Int64s("ids", r.IDs),
		zap.Bool("failed", r.Failed),
		zap.Int64("replayed", n),
	)
	c.JSON(http.StatusOK, resp.ReplayResp{Replayed: n})
}

func entryID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
		return 0, false
	}
	return id, true
}

func (h *AdminHandler) ListDeadLetters(c *gin.Context) {
	var r req.ListDeadLettersReq
	if err := c.ShouldBindQuery(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params"})
		return
	}
	items, total, err := h.deadLetters.List(c.Request.Context(), repository.DeadLetterFilter{
		Reason:          model.FailureReason(r.Reason),
		IncludeResolved: r.IncludeResolved,
		Offset:          r.Offset,
		Limit:           r.Limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.DeadLetterListResp{Items: items, Total: total})
}

func (h *AdminHandler) GetDeadLetter(c *gin.Context) {
	id, ok := entryID(c)
	if !ok {
		return
	}
	entry, err := h.deadLetters.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// RetryDeadLetter resolves the entry and queues the resulting task. When the
// entry is resolved but queueing fails, the task stays at received for the
// sweeper and the response reports queued=false.
func (h *AdminHandler) RetryDeadLetter(c *gin.Context) {
	id, ok := entryID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	task, err := h.deadLetters.Retry(ctx, id, service.GetOperator(ctx))
	if err != nil {
		writeError(c, err)
		return
	}
	out := resp.RetryResp{EntryID: id, Task: task}
	if task == nil {
		c.JSON(http.StatusOK, out)
		return
	}

	queued, err := h.promoter.Promote(ctx, task.ID)
	// an enqueue failure still leaves the task queued; the repair sweep pushes it
	if err == nil || (queued != nil && errors.Is(err, service.ErrEnqueueFailed)) {
		out.Task = queued
		out.Queued = true
	} else {
		logger.Warn("retry task left for the sweeper", zap.Uint64("task_id", task.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, out)
}

func (h *AdminHandler) DismissDeadLetter(c *gin.Context) {
	id, ok := entryID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	entry, err := h.deadLetters.Dismiss(ctx, id, service.GetOperator(ctx))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *AdminHandler) Stats(c *gin.Context) {
	stats, err := h.stats.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
