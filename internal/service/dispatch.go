package service

import (
	"context"
	"fmt"
	"time"

	"taskorch/internal/metrics"
	"taskorch/internal/model"
	"taskorch/internal/repository"
	v1 "taskorch/pkg/api/v1"
	"taskorch/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("taskorch/internal/service")

type DispatchMode string

const (
	DispatchKernel DispatchMode = "kernel"
	DispatchLegacy DispatchMode = "legacy"
)

func ParseDispatchMode(s string) (DispatchMode, error) {
	switch DispatchMode(s) {
	case DispatchKernel, DispatchLegacy:
		return DispatchMode(s), nil
	case "":
		return DispatchKernel, nil
	}
	return "", fmt.Errorf("unknown dispatch mode %q", s)
}

type DispatchConfig struct {
	Mode        DispatchMode
	MaxAttempts int
}

// TaskTokenIssuer mints the credential an executor uses to report on one task.
type TaskTokenIssuer interface {
	IssueTaskToken(taskID uint64) (string, error)
}

// ManualRequest creates a task outside webhook routing, e.g. from an operator or
// a chat conversation. Manual tasks never supersede each other.
type ManualRequest struct {
	Type           model.TaskType
	Priority       model.Priority
	Origin         model.TaskOrigin
	ProjectID      int64
	MrIID          *int64
	IssueIID       *int64
	ConversationID *string
	AuthorID       int64
}

type TaskDispatcher struct {
	db        *gorm.DB
	taskRepo  repository.TaskInterface
	machine   *StateMachine
	publisher *OutboxPublisher
	queue     repository.QueueInterface
	tokens    TaskTokenIssuer
	cfg       DispatchConfig
	observer  metrics.DispatchObserver
	now       func() time.Time
}

func NewTaskDispatcher(db *gorm.DB, taskRepo repository.TaskInterface, machine *StateMachine, publisher *OutboxPublisher,
	queue repository.QueueInterface, tokens TaskTokenIssuer, cfg DispatchConfig, observer metrics.DispatchObserver) *TaskDispatcher {
	if cfg.Mode == "" {
		cfg.Mode = DispatchKernel
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if observer == nil {
		observer = metrics.Nop{}
	}
	return &TaskDispatcher{
		db:        db,
		taskRepo:  taskRepo,
		machine:   machine,
		publisher: publisher,
		queue:     queue,
		tokens:    tokens,
		cfg:       cfg,
		observer:  observer,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch turns a routing decision into a queued task, superseding any live task
// for the same merge request and type. A non-nil task with ErrEnqueueFailed means
// the task is durable but still waits for the queue repair sweep.
func (d *TaskDispatcher) Dispatch(ctx context.Context, rr RoutingResult) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("intent", string(rr.Intent)),
		attribute.String("dispatch.mode", string(d.cfg.Mode)),
		attribute.Int64("project_id", rr.SourceEvent.ProjectID),
	)

	var task *model.Task
	var err error
	if d.cfg.Mode == DispatchLegacy {
		task, err = legacyTaskFromRouting(rr)
	} else {
		task, err = taskFromRouting(rr)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	task.MaxAttempts = d.cfg.MaxAttempts

	if err := d.create(ctx, task); err != nil {
		span.SetStatus(codes.Error, err.Error())
		logger.Error("dispatch failed", zap.String("intent", string(rr.Intent)), zap.Error(err))
		return nil, err
	}
	span.SetAttributes(attribute.Int64("task_id", int64(task.ID)))
	d.observer.RecordDispatch(string(task.Type), string(d.cfg.Mode))

	if err := d.enqueue(ctx, task); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return task, err
	}
	return task, nil
}

// DispatchManual creates and queues a task that is not tied to a webhook.
func (d *TaskDispatcher) DispatchManual(ctx context.Context, req ManualRequest) (*model.Task, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown task type %q", ErrInvalidRequest, req.Type)
	}
	if req.Priority == "" {
		req.Priority = model.PriorityNormal
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %q", ErrInvalidRequest, req.Priority)
	}
	origin := req.Origin
	if origin == "" || origin == model.OriginWebhook {
		origin = model.OriginManual
	}
	task := &model.Task{
		Type:           req.Type,
		Origin:         origin,
		Priority:       req.Priority,
		Status:         model.TaskReceived,
		ProjectID:      req.ProjectID,
		MrIID:          req.MrIID,
		IssueIID:       req.IssueIID,
		ConversationID: req.ConversationID,
		AuthorID:       req.AuthorID,
		Attempt:        1,
		MaxAttempts:    d.cfg.MaxAttempts,
	}
	if err := d.create(ctx, task); err != nil {
		return nil, err
	}
	d.observer.RecordDispatch(string(task.Type), "manual")
	if err := d.enqueue(ctx, task); err != nil {
		return task, err
	}
	return task, nil
}

// create persists task at received, supersedes older live work sharing its
// conflict key and moves it to queued, all in one transaction.
func (d *TaskDispatcher) create(ctx context.Context, task *model.Task) error {
	var rec *EventRecorder
	superseded := 0
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec = d.publisher.Begin(ctx, tx)
		tasks := d.taskRepo.WithTx(tx)

		key, hasKey := task.ConflictKey()
		if hasKey {
			if err := tasks.LockConflictKey(ctx, key); err != nil {
				return fmt.Errorf("lock conflict key %s: %w", key, err)
			}
		}

		task.Status = model.TaskReceived
		task.AvailableAt = d.now()
		if err := tasks.Create(ctx, task); err != nil {
			return err
		}

		if hasKey {
			active, err := tasks.ListActiveByConflictKeyForUpdate(ctx, task.ProjectID, *task.MrIID, task.Type)
			if err != nil {
				return err
			}
			for _, old := range active {
				// status is re-read under lock; anything terminal finished on its own
				if old.ID == task.ID || old.Status.IsTerminal() {
					continue
				}
				old.SupersededBy = &task.ID
				reason := fmt.Sprintf("superseded by task %d", task.ID)
				if err := d.machine.apply(ctx, tasks, rec, old, model.TaskSuperseded, reason); err != nil {
					return err
				}
				superseded++
			}
		}
		return d.machine.apply(ctx, tasks, rec, task, model.TaskQueued, "")
	})
	if err != nil {
		return err
	}
	for i := 0; i < superseded; i++ {
		d.observer.RecordSupersede(string(task.Type))
	}
	d.publisher.AfterCommit(ctx, rec.Events())
	logger.Info("task dispatched",
		zap.Uint64("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.String("priority", string(task.Priority)),
		zap.Int("superseded", superseded),
	)
	return nil
}

// Promote queues a task left at received, such as one created by a dead-letter
// retry.
func (d *TaskDispatcher) Promote(ctx context.Context, taskID uint64) (*model.Task, error) {
	res, err := d.machine.TryTransition(ctx, taskID, model.TaskQueued, "")
	if err != nil {
		return nil, err
	}
	if res.Conflict != nil {
		return res.Task, res.Conflict
	}
	if err := d.enqueue(ctx, res.Task); err != nil {
		return res.Task, err
	}
	return res.Task, nil
}

// Requeue pushes due queued tasks that never reached the execution queue.
func (d *TaskDispatcher) Requeue(ctx context.Context, limit int) (int, error) {
	tasks, err := d.taskRepo.ListUnenqueued(ctx, d.now(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range tasks {
		if err := d.enqueue(ctx, &tasks[i]); err != nil {
			continue
		}
		n++
	}
	return n, nil
}

func (d *TaskDispatcher) enqueue(ctx context.Context, task *model.Task) error {
	if task.AvailableAt.After(d.now()) {
		// retry backoff still running; the sweep picks it up once due
		return nil
	}
	a := v1.TaskAssignment{
		TaskID:   task.ID,
		Type:     string(task.Type),
		Priority: string(task.Priority),
		Queue:    task.QueueName(),
		Attempt:  task.Attempt,
	}
	if d.tokens != nil {
		token, err := d.tokens.IssueTaskToken(task.ID)
		if err != nil {
			return fmt.Errorf("%w: issue token: %v", ErrEnqueueFailed, err)
		}
		a.Token = token
	}
	if err := d.queue.Enqueue(ctx, a); err != nil {
		d.observer.RecordEnqueueFailure(a.Queue)
		logger.Error("failed to enqueue task",
			zap.Uint64("task_id", task.ID),
			zap.String("queue", a.Queue),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}
	now := d.now()
	if err := d.taskRepo.MarkEnqueued(ctx, task.ID, now); err != nil {
		// the sweep may push it again; executors tolerate duplicates via Start
		logger.Warn("failed to mark task enqueued", zap.Uint64("task_id", task.ID), zap.Error(err))
		return nil
	}
	task.EnqueuedAt = &now
	return nil
}

func taskFromRouting(rr RoutingResult) (*model.Task, error) {
	taskType, ok := rr.Intent.TaskType()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntent, rr.Intent)
	}
	return newTaskFromEvent(rr, taskType), nil
}

// legacyTaskFromRouting is the pre-kernel mapping, kept selectable until the
// kernel path is fully rolled out.
func legacyTaskFromRouting(rr RoutingResult) (*model.Task, error) {
	var taskType model.TaskType
	switch string(rr.Intent) {
	case "auto_review", "on_demand_review":
		taskType = model.TaskTypeCodeReview
	case "feature_dev":
		taskType = model.TaskTypeFeatureDev
	case "issue_discussion":
		taskType = model.TaskTypeIssueDiscussion
	case "ui_adjustment":
		taskType = model.TaskTypeUiAdjustment
	case "security_audit":
		taskType = model.TaskTypeSecurityAudit
	case "prd_creation":
		taskType = model.TaskTypePrdCreation
	case "deep_analysis":
		taskType = model.TaskTypeDeepAnalysis
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntent, rr.Intent)
	}
	return newTaskFromEvent(rr, taskType), nil
}

func newTaskFromEvent(rr RoutingResult, taskType model.TaskType) *model.Task {
	evt := rr.SourceEvent
	origin := model.OriginWebhook
	if evt.ConversationID != nil && *evt.ConversationID != "" {
		origin = model.OriginConversation
	}
	return &model.Task{
		Type:           taskType,
		Origin:         origin,
		Priority:       rr.Priority,
		Status:         model.TaskReceived,
		ProjectID:      evt.ProjectID,
		MrIID:          evt.MrIID,
		IssueIID:       evt.IssueIID,
		ConversationID: evt.ConversationID,
		CommitSHA:      evt.CommitSHA,
		PipelineID:     evt.PipelineID,
		PipelineStatus: evt.PipelineStatus,
		AuthorID:       evt.AuthorID,
		Intent:         string(rr.Intent),
		Attempt:        1,
	}
}
