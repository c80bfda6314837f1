package service

import (
	"context"
	"errors"
	"time"

	"taskorch/internal/model"
	"taskorch/internal/repository"
	"taskorch/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TransitionResult separates a guard rejection from infrastructure failure. When
// Conflict is set the task was left untouched.
type TransitionResult struct {
	Task     *model.Task
	Conflict *InvalidTransitionError
}

func (r TransitionResult) OK() bool { return r.Conflict == nil }

// StateMachine is the only writer of Task.Status. Every accepted transition
// appends exactly one task.status.changed outbox row in the same transaction.
type StateMachine struct {
	db        *gorm.DB
	taskRepo  repository.TaskInterface
	publisher *OutboxPublisher
	now       func() time.Time
}

func NewStateMachine(db *gorm.DB, taskRepo repository.TaskInterface, publisher *OutboxPublisher) *StateMachine {
	return &StateMachine{
		db:        db,
		taskRepo:  taskRepo,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// TransitionTo moves a task to target in its own transaction. A rejected move
// surfaces as *InvalidTransitionError.
func (m *StateMachine) TransitionTo(ctx context.Context, taskID uint64, target model.TaskStatus, reason string) (*model.Task, error) {
	res, err := m.TryTransition(ctx, taskID, target, reason)
	if err != nil {
		return nil, err
	}
	if res.Conflict != nil {
		return res.Task, res.Conflict
	}
	return res.Task, nil
}

func (m *StateMachine) TryTransition(ctx context.Context, taskID uint64, target model.TaskStatus, reason string) (TransitionResult, error) {
	var res TransitionResult
	var rec *EventRecorder
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec = m.publisher.Begin(ctx, tx)
		task, err := m.taskRepo.WithTx(tx).GetForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return ErrTaskNotFound
		}
		res.Task = task
		err = m.apply(ctx, m.taskRepo.WithTx(tx), rec, task, target, reason)
		var conflict *InvalidTransitionError
		if errors.As(err, &conflict) {
			res.Conflict = conflict
			return nil
		}
		return err
	})
	if err != nil {
		return TransitionResult{}, err
	}
	m.publisher.AfterCommit(ctx, rec.Events())
	return res, nil
}

// Start moves a queued task to running when an executor picks it up.
func (m *StateMachine) Start(ctx context.Context, taskID uint64) (TransitionResult, error) {
	return m.TryTransition(ctx, taskID, model.TaskRunning, "")
}

// apply transitions a task already locked by the caller's transaction and
// records the status-change event. tasks and rec must be bound to that
// transaction.
func (m *StateMachine) apply(ctx context.Context, tasks repository.TaskInterface, rec *EventRecorder, task *model.Task, target model.TaskStatus, reason string) error {
	from := task.Status
	if !from.CanTransitionTo(target) {
		logger.Warn("rejected task transition",
			zap.Uint64("task_id", task.ID),
			zap.String("from", string(from)),
			zap.String("to", string(target)),
		)
		return &InvalidTransitionError{TaskID: task.ID, From: from, To: target}
	}
	if target == model.TaskFailed && reason == "" {
		return ErrReasonRequired
	}

	now := m.now()
	task.Status = target
	switch target {
	case model.TaskRunning:
		task.StartedAt = &now
	case model.TaskCompleted, model.TaskFailed, model.TaskSuperseded:
		task.CompletedAt = &now
	}
	if reason != "" && target != model.TaskCompleted {
		task.ErrorReason = reason
	}
	if err := tasks.Save(ctx, task); err != nil {
		return err
	}

	payload := statusChangedPayload(task, from)
	if err := rec.Record(ctx, model.EventTaskStatusChanged, model.AggregateTask, task.ID, payload); err != nil {
		return err
	}
	logger.Debug("task transitioned",
		zap.Uint64("task_id", task.ID),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
	)
	return nil
}

func statusChangedPayload(task *model.Task, from model.TaskStatus) model.TaskStatusChanged {
	return model.TaskStatusChanged{
		TaskID:         task.ID,
		From:           from,
		To:             task.Status,
		Type:           task.Type,
		Priority:       task.Priority,
		Origin:         task.Origin,
		ProjectID:      task.ProjectID,
		MrIID:          task.MrIID,
		IssueIID:       task.IssueIID,
		PipelineID:     task.PipelineID,
		PipelineStatus: task.PipelineStatus,
		ResultSummary:  summarize(task.Result, 280),
		ErrorReason:    task.ErrorReason,
		SupersededBy:   task.SupersededBy,
		Attempt:        task.Attempt,
		StartedAt:      task.StartedAt,
		CompletedAt:    task.CompletedAt,
	}
}

func summarize(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
