package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"taskorch/internal/model"
	"taskorch/internal/repository"
	"taskorch/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FailureDecision reports what happened to a failed execution.
type FailureDecision struct {
	RetryTask  *model.Task
	DeadLetter *model.DeadLetterEntry
}

type DeadLetterHandler struct {
	db             *gorm.DB
	taskRepo       repository.TaskInterface
	deadLetterRepo repository.DeadLetterInterface
	outboxRepo     repository.OutboxInterface
	machine        *StateMachine
	publisher      *OutboxPublisher
	backoff        Backoff
	now            func() time.Time
}

func NewDeadLetterHandler(db *gorm.DB, taskRepo repository.TaskInterface, deadLetterRepo repository.DeadLetterInterface,
	outboxRepo repository.OutboxInterface, machine *StateMachine, publisher *OutboxPublisher, backoff Backoff) *DeadLetterHandler {
	return &DeadLetterHandler{
		db:             db,
		taskRepo:       taskRepo,
		deadLetterRepo: deadLetterRepo,
		outboxRepo:     outboxRepo,
		machine:        machine,
		publisher:      publisher,
		backoff:        backoff,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// HandleExecutionFailure fails a running task and either schedules another
// attempt or dead-letters it.
func (h *DeadLetterHandler) HandleExecutionFailure(ctx context.Context, taskID uint64, errMsg string, reason model.FailureReason) (FailureDecision, error) {
	if errMsg == "" {
		return FailureDecision{}, ErrReasonRequired
	}
	var decision FailureDecision
	rec, err := h.lockedTask(ctx, taskID, func(tx *gorm.DB, rec *EventRecorder, task *model.Task) error {
		tasks := h.taskRepo.WithTx(tx)
		if err := h.machine.apply(ctx, tasks, rec, task, model.TaskFailed, errMsg); err != nil {
			return err
		}
		var err error
		decision, err = h.escalate(ctx, tx, rec, task, reason, errMsg)
		return err
	})
	if err != nil {
		return FailureDecision{}, err
	}
	h.publisher.AfterCommit(ctx, rec.Events())
	return decision, nil
}

// Expire dead-letters a task the sweep found stuck. Running tasks fail. Queued
// tasks can only leave through superseded, so a scheduling timeout ends in
// superseded with error_reason "scheduling_timeout" and superseded_by unset,
// which tells it apart from replacement by a newer event. Tasks that moved on
// since the sweep read them are skipped and nil is returned.
func (h *DeadLetterHandler) Expire(ctx context.Context, taskID uint64, expected model.TaskStatus, reason model.FailureReason) (*model.DeadLetterEntry, error) {
	var entry *model.DeadLetterEntry
	rec, err := h.lockedTask(ctx, taskID, func(tx *gorm.DB, rec *EventRecorder, task *model.Task) error {
		if task.Status != expected {
			return nil
		}
		tasks := h.taskRepo.WithTx(tx)
		var detail string
		switch task.Status {
		case model.TaskRunning:
			detail = "no result received within the task timeout"
			if err := h.machine.apply(ctx, tasks, rec, task, model.TaskFailed, string(reason)); err != nil {
				return err
			}
		case model.TaskQueued:
			detail = "not picked up by an executor within the scheduling timeout"
			if err := h.machine.apply(ctx, tasks, rec, task, model.TaskSuperseded, string(reason)); err != nil {
				return err
			}
		default:
			return nil
		}
		h.appendAttempt(task, detail)
		if err := tasks.Save(ctx, task); err != nil {
			return err
		}
		var err error
		entry, err = h.deadLetter(ctx, tx, rec, task, reason, detail)
		return err
	})
	if err != nil {
		return nil, err
	}
	h.publisher.AfterCommit(ctx, rec.Events())
	return entry, nil
}

// lockedTask runs fn with the task row locked, taking the conflict-key lock
// first when the task has one so lock order matches dispatch.
func (h *DeadLetterHandler) lockedTask(ctx context.Context, taskID uint64, fn func(tx *gorm.DB, rec *EventRecorder, task *model.Task) error) (*EventRecorder, error) {
	pre, err := h.taskRepo.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if pre == nil {
		return nil, ErrTaskNotFound
	}
	var rec *EventRecorder
	err = h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec = h.publisher.Begin(ctx, tx)
		tasks := h.taskRepo.WithTx(tx)
		if key, ok := pre.ConflictKey(); ok {
			if err := tasks.LockConflictKey(ctx, key); err != nil {
				return err
			}
		}
		task, err := tasks.GetForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return ErrTaskNotFound
		}
		return fn(tx, rec, task)
	})
	return rec, err
}

// escalate decides the fate of a task that just entered failed inside tx.
func (h *DeadLetterHandler) escalate(ctx context.Context, tx *gorm.DB, rec *EventRecorder, task *model.Task, reason model.FailureReason, errMsg string) (FailureDecision, error) {
	h.appendAttempt(task, errMsg)
	if err := h.taskRepo.WithTx(tx).Save(ctx, task); err != nil {
		return FailureDecision{}, err
	}

	if reason.Retryable() && task.Attempt < task.MaxAttempts {
		retry, err := h.scheduleRetry(ctx, tx, rec, task)
		if err != nil {
			return FailureDecision{}, err
		}
		return FailureDecision{RetryTask: retry}, nil
	}

	if reason.Retryable() {
		reason = model.ReasonMaxRetriesExceeded
	}
	entry, err := h.deadLetter(ctx, tx, rec, task, reason, errMsg)
	if err != nil {
		return FailureDecision{}, err
	}
	return FailureDecision{DeadLetter: entry}, nil
}

func (h *DeadLetterHandler) scheduleRetry(ctx context.Context, tx *gorm.DB, rec *EventRecorder, failed *model.Task) (*model.Task, error) {
	tasks := h.taskRepo.WithTx(tx)
	retry := &model.Task{
		Type:           failed.Type,
		Origin:         failed.Origin,
		Priority:       failed.Priority,
		Status:         model.TaskReceived,
		ProjectID:      failed.ProjectID,
		MrIID:          failed.MrIID,
		IssueIID:       failed.IssueIID,
		ConversationID: failed.ConversationID,
		CommitSHA:      failed.CommitSHA,
		PipelineID:     failed.PipelineID,
		PipelineStatus: failed.PipelineStatus,
		AuthorID:       failed.AuthorID,
		Intent:         failed.Intent,
		Attempt:        failed.Attempt + 1,
		MaxAttempts:    failed.MaxAttempts,
		AttemptLog:     failed.AttemptLog,
		AvailableAt:    h.now().Add(h.backoff.Delay(fmt.Sprintf("task-%d", failed.ID), failed.Attempt)),
	}
	if err := tasks.Create(ctx, retry); err != nil {
		return nil, err
	}
	if err := h.machine.apply(ctx, tasks, rec, retry, model.TaskQueued, ""); err != nil {
		return nil, err
	}
	logger.Info("execution retry scheduled",
		zap.Uint64("failed_task_id", failed.ID),
		zap.Uint64("retry_task_id", retry.ID),
		zap.Int("attempt", retry.Attempt),
		zap.Time("available_at", retry.AvailableAt),
	)
	return retry, nil
}

func (h *DeadLetterHandler) deadLetter(ctx context.Context, tx *gorm.DB, rec *EventRecorder, task *model.Task, reason model.FailureReason, errMsg string) (*model.DeadLetterEntry, error) {
	snapshot, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	queuedAt := task.CreatedAt
	entry := &model.DeadLetterEntry{
		TaskID:             task.ID,
		Scope:              model.ScopeExecution,
		TaskRecord:         string(snapshot),
		FailureReason:      reason,
		ErrorDetails:       errMsg,
		Attempts:           task.AttemptLog,
		OriginallyQueuedAt: &queuedAt,
		DeadLetteredAt:     h.now(),
	}
	if entry.Attempts == "" {
		entry.Attempts = "[]"
	}
	if err := h.deadLetterRepo.WithTx(tx).Create(ctx, entry); err != nil {
		return nil, err
	}
	payload := model.TaskDeadLettered{
		EntryID:       entry.ID,
		TaskID:        task.ID,
		Scope:         entry.Scope,
		FailureReason: reason,
		ErrorDetails:  errMsg,
		ProjectID:     task.ProjectID,
		Type:          task.Type,
	}
	if err := rec.Record(ctx, model.EventTaskDeadLettered, model.AggregateDeadLetter, entry.ID, payload); err != nil {
		return nil, err
	}
	logger.Warn("task dead-lettered",
		zap.Uint64("task_id", task.ID),
		zap.Uint64("entry_id", entry.ID),
		zap.String("reason", string(reason)),
	)
	return entry, nil
}

// deadLetterDelivery records an outbox row that exhausted its delivery budget.
// No outbox event is written for it, since delivery itself is what failed.
func (h *DeadLetterHandler) deadLetterDelivery(ctx context.Context, tx *gorm.DB, evt model.OutboxEvent, attempts int, lastErr string) (*model.DeadLetterEntry, error) {
	outboxID := evt.ID
	history, _ := json.Marshal([]model.AttemptRecord{{
		AttemptedAt: h.now(),
		Error:       fmt.Sprintf("%d delivery attempts, last: %s", attempts, lastErr),
	}})
	var taskID uint64
	if evt.AggregateType == model.AggregateTask {
		taskID = evt.AggregateID
	}
	entry := &model.DeadLetterEntry{
		TaskID:         taskID,
		Scope:          model.ScopeDelivery,
		OutboxEventID:  &outboxID,
		TaskRecord:     evt.Payload,
		FailureReason:  model.ReasonMaxRetriesExceeded,
		ErrorDetails:   lastErr,
		Attempts:       string(history),
		DeadLetteredAt: h.now(),
	}
	occurred := evt.OccurredAt
	entry.OriginallyQueuedAt = &occurred
	if err := h.deadLetterRepo.WithTx(tx).Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (h *DeadLetterHandler) appendAttempt(task *model.Task, errMsg string) {
	var log []model.AttemptRecord
	if task.AttemptLog != "" {
		if err := json.Unmarshal([]byte(task.AttemptLog), &log); err != nil {
			logger.Warn("discarding unreadable attempt log", zap.Uint64("task_id", task.ID), zap.Error(err))
			log = nil
		}
	}
	log = append(log, model.AttemptRecord{TaskID: task.ID, AttemptedAt: h.now(), Error: errMsg})
	b, _ := json.Marshal(log)
	task.AttemptLog = string(b)
}

// Retry resolves an entry. Execution entries yield a fresh task at received,
// which the caller queues with TaskDispatcher.Promote; delivery entries replay
// their outbox row and return a nil task.
func (h *DeadLetterHandler) Retry(ctx context.Context, entryID uint64, operator string) (*model.Task, error) {
	var task *model.Task
	replayed := false
	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entries := h.deadLetterRepo.WithTx(tx)
		entry, err := entries.GetForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if entry == nil {
			return ErrEntryNotFound
		}
		if entry.Resolved() {
			return ErrEntryResolved
		}

		if entry.Scope == model.ScopeDelivery && entry.OutboxEventID != nil {
			sel := repository.ReplaySelector{IDs: []int64{*entry.OutboxEventID}}
			if _, err := h.outboxRepo.WithTx(tx).Replay(ctx, sel, h.now()); err != nil {
				return err
			}
			replayed = true
		} else {
			var snap model.Task
			if err := json.Unmarshal([]byte(entry.TaskRecord), &snap); err != nil {
				return fmt.Errorf("decode task snapshot of entry %d: %w", entry.ID, err)
			}
			task = &model.Task{
				Type:           snap.Type,
				Origin:         model.OriginManual,
				Priority:       snap.Priority,
				Status:         model.TaskReceived,
				ProjectID:      snap.ProjectID,
				MrIID:          snap.MrIID,
				IssueIID:       snap.IssueIID,
				ConversationID: snap.ConversationID,
				CommitSHA:      snap.CommitSHA,
				PipelineID:     snap.PipelineID,
				PipelineStatus: snap.PipelineStatus,
				AuthorID:       snap.AuthorID,
				Intent:         snap.Intent,
				Attempt:        1,
				MaxAttempts:    snap.MaxAttempts,
				RetriedFrom:    &entry.ID,
				AvailableAt:    h.now(),
			}
			if task.MaxAttempts <= 0 {
				task.MaxAttempts = 3
			}
			if err := h.taskRepo.WithTx(tx).Create(ctx, task); err != nil {
				return err
			}
			entry.RetryTaskID = &task.ID
		}

		now := h.now()
		entry.Retried = true
		entry.ResolvedBy = operator
		entry.ResolvedAt = &now
		return entries.Save(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	if replayed && h.publisher.worker != nil {
		h.publisher.worker.Trigger()
	}
	logger.Info("dead-letter entry retried", zap.Uint64("entry_id", entryID), zap.String("operator", operator))
	return task, nil
}

func (h *DeadLetterHandler) Dismiss(ctx context.Context, entryID uint64, operator string) (*model.DeadLetterEntry, error) {
	var out *model.DeadLetterEntry
	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entries := h.deadLetterRepo.WithTx(tx)
		entry, err := entries.GetForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if entry == nil {
			return ErrEntryNotFound
		}
		if entry.Resolved() {
			return ErrEntryResolved
		}
		now := h.now()
		entry.Dismissed = true
		entry.ResolvedBy = operator
		entry.ResolvedAt = &now
		out = entry
		return entries.Save(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	logger.Info("dead-letter entry dismissed", zap.Uint64("entry_id", entryID), zap.String("operator", operator))
	return out, nil
}

func (h *DeadLetterHandler) Get(ctx context.Context, entryID uint64) (*model.DeadLetterEntry, error) {
	entry, err := h.deadLetterRepo.GetByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

func (h *DeadLetterHandler) List(ctx context.Context, filter repository.DeadLetterFilter) ([]model.DeadLetterEntry, int64, error) {
	return h.deadLetterRepo.List(ctx, filter)
}
