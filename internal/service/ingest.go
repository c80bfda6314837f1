package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"taskorch/internal/model"
	"taskorch/internal/repository"
	v1 "taskorch/pkg/api/v1"
	"taskorch/pkg/logger"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Pricing is the per-million-token price used to estimate task cost.
type Pricing struct {
	InputPerMillion    float64
	OutputPerMillion   float64
	ThinkingPerMillion float64
}

func (p Pricing) Cost(t v1.TokenUsage) float64 {
	return (float64(t.Input)*p.InputPerMillion +
		float64(t.Output)*p.OutputPerMillion +
		float64(t.Thinking)*p.ThinkingPerMillion) / 1e6
}

// IngestOutcome is the result of one report. Accepted=false is a conflict: the
// task was not running, so the report changed nothing.
type IngestOutcome struct {
	Accepted   bool
	Status     model.TaskStatus
	Task       *model.Task
	RetryTask  *model.Task
	DeadLetter *model.DeadLetterEntry
}

type ResultIngestor struct {
	db          *gorm.DB
	taskRepo    repository.TaskInterface
	machine     *StateMachine
	publisher   *OutboxPublisher
	deadLetters *DeadLetterHandler
	validator   *ResultValidator
	pricing     Pricing
}

func NewResultIngestor(db *gorm.DB, taskRepo repository.TaskInterface, machine *StateMachine, publisher *OutboxPublisher,
	deadLetters *DeadLetterHandler, validator *ResultValidator, pricing Pricing) *ResultIngestor {
	return &ResultIngestor{
		db:          db,
		taskRepo:    taskRepo,
		machine:     machine,
		publisher:   publisher,
		deadLetters: deadLetters,
		validator:   validator,
		pricing:     pricing,
	}
}

// Ingest applies an executor's report to a running task. Stale and duplicate
// reports come back as a non-accepted outcome, never as an error.
func (s *ResultIngestor) Ingest(ctx context.Context, taskID uint64, report v1.ResultReport) (IngestOutcome, error) {
	ctx, span := tracer.Start(ctx, "ingest_result")
	defer span.End()
	span.SetAttributes(attribute.Int64("task_id", int64(taskID)), attribute.String("result.status", report.Status))

	if err := s.validator.Validate(report); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return IngestOutcome{}, err
	}

	pre, err := s.taskRepo.GetByID(ctx, taskID)
	if err != nil {
		return IngestOutcome{}, err
	}
	if pre == nil {
		return IngestOutcome{}, ErrTaskNotFound
	}

	var out IngestOutcome
	var rec *EventRecorder
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec = s.publisher.Begin(ctx, tx)
		tasks := s.taskRepo.WithTx(tx)
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
		out.Task = task
		out.Status = task.Status
		if task.Status != model.TaskRunning {
			return nil
		}

		task.InputTokens = report.Tokens.Input
		task.OutputTokens = report.Tokens.Output
		task.ThinkingTokens = report.Tokens.Thinking
		task.CostUSD = s.pricing.Cost(report.Tokens)
		task.DurationSeconds = report.DurationSeconds
		task.PromptVersion = report.PromptVersion
		if report.Result != nil {
			b, err := json.Marshal(report.Result)
			if err != nil {
				return err
			}
			task.Result = string(b)
		}

		target := model.TaskCompleted
		if report.Status == v1.ResultFailed {
			target = model.TaskFailed
		}
		err = s.machine.apply(ctx, tasks, rec, task, target, report.Error)
		var conflict *InvalidTransitionError
		if errors.As(err, &conflict) {
			out.Status = conflict.From
			return nil
		}
		if err != nil {
			return err
		}

		processed := model.TaskResultProcessed{
			TaskID:          task.ID,
			Status:          task.Status,
			Type:            task.Type,
			ProjectID:       task.ProjectID,
			MrIID:           task.MrIID,
			IssueIID:        task.IssueIID,
			Result:          task.Result,
			Error:           report.Error,
			InputTokens:     task.InputTokens,
			OutputTokens:    task.OutputTokens,
			ThinkingTokens:  task.ThinkingTokens,
			CostUSD:         task.CostUSD,
			DurationSeconds: task.DurationSeconds,
			PromptVersion:   task.PromptVersion,
		}
		if err := rec.Record(ctx, model.EventTaskResultProcessed, model.AggregateTask, task.ID, processed); err != nil {
			return err
		}

		if target == model.TaskFailed {
			decision, err := s.deadLetters.escalate(ctx, tx, rec, task, model.FailureReason(report.FailureReason), report.Error)
			if err != nil {
				return err
			}
			out.RetryTask = decision.RetryTask
			out.DeadLetter = decision.DeadLetter
		}
		out.Accepted = true
		out.Status = task.Status
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		logger.Error("result ingestion failed", zap.Uint64("task_id", taskID), zap.Error(err))
		return IngestOutcome{}, err
	}
	s.publisher.AfterCommit(ctx, rec.Events())

	if !out.Accepted {
		logger.Info("stale result rejected",
			zap.Uint64("task_id", taskID),
			zap.String("status", string(out.Status)),
			zap.String("reported", report.Status),
		)
		return out, nil
	}
	logger.Info("result ingested",
		zap.Uint64("task_id", taskID),
		zap.String("status", string(out.Status)),
		zap.Float64("cost_usd", out.Task.CostUSD),
		zap.Duration("duration", time.Duration(report.DurationSeconds*float64(time.Second))),
	)
	return out, nil
}
