package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"taskorch/internal/model"
	"taskorch/internal/repository"
	v1 "taskorch/pkg/api/v1"
	"taskorch/pkg/logger"

	"go.uber.org/zap"
)

// Executor runs one task to completion and reports what happened. A returned
// error is treated as an execution failure of the task.
type Executor interface {
	Execute(ctx context.Context, task model.Task) (v1.ResultReport, error)
}

// ExecutionWorker drains the server-mode queues and runs tasks in process.
type ExecutionWorker struct {
	queue       repository.QueueInterface
	machine     *StateMachine
	ingestor    *ResultIngestor
	deadLetters *DeadLetterHandler
	executor    Executor
	mode        model.ExecutionMode
	pollTimeout time.Duration
}

func NewExecutionWorker(queue repository.QueueInterface, machine *StateMachine, ingestor *ResultIngestor,
	deadLetters *DeadLetterHandler, executor Executor, pollTimeout time.Duration) *ExecutionWorker {
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	return &ExecutionWorker{
		queue:       queue,
		machine:     machine,
		ingestor:    ingestor,
		deadLetters: deadLetters,
		executor:    executor,
		mode:        model.ExecutionServer,
		pollTimeout: pollTimeout,
	}
}

func (w *ExecutionWorker) Run(ctx context.Context) {
	logger.Info("execution worker started", zap.String("mode", string(w.mode)))
	for {
		if ctx.Err() != nil {
			logger.Info("execution worker stopped")
			return
		}
		a, err := w.queue.Dequeue(ctx, w.mode, w.pollTimeout)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("dequeue failed", zap.Error(err))
				time.Sleep(time.Second)
			}
			continue
		}
		if a == nil {
			continue
		}
		w.Handle(ctx, *a)
	}
}

// Handle starts, executes and reports one assignment. Assignments whose task is
// no longer queued (superseded or a duplicate push) are dropped.
func (w *ExecutionWorker) Handle(ctx context.Context, a v1.TaskAssignment) {
	res, err := w.machine.Start(ctx, a.TaskID)
	if err != nil {
		logger.Error("failed to start task", zap.Uint64("task_id", a.TaskID), zap.Error(err))
		return
	}
	if !res.OK() {
		logger.Info("dropping stale assignment",
			zap.Uint64("task_id", a.TaskID),
			zap.String("status", string(res.Conflict.From)),
		)
		return
	}

	start := time.Now()
	report, err := w.executor.Execute(ctx, *res.Task)
	if err != nil {
		report = v1.ResultReport{
			Status:          v1.ResultFailed,
			Error:           err.Error(),
			DurationSeconds: time.Since(start).Seconds(),
		}
		var fe *ExecutionError
		if errors.As(err, &fe) {
			report.FailureReason = string(fe.Reason)
		}
	}
	if report.DurationSeconds == 0 {
		report.DurationSeconds = time.Since(start).Seconds()
	}

	out, err := w.ingestor.Ingest(context.WithoutCancel(ctx), a.TaskID, report)
	if errors.Is(err, ErrInvalidResult) {
		// a rejected report still has to end the attempt
		w.failInvalid(context.WithoutCancel(ctx), a.TaskID, err)
		return
	}
	if err != nil {
		logger.Error("failed to ingest in-process result", zap.Uint64("task_id", a.TaskID), zap.Error(err))
		return
	}
	if !out.Accepted {
		logger.Info("in-process result rejected", zap.Uint64("task_id", a.TaskID), zap.String("status", string(out.Status)))
	}
}

func (w *ExecutionWorker) failInvalid(ctx context.Context, taskID uint64, cause error) {
	decision, err := w.deadLetters.HandleExecutionFailure(ctx, taskID, cause.Error(), model.ReasonInvalidRequest)
	if err != nil {
		logger.Error("failed to fail task after invalid report", zap.Uint64("task_id", taskID), zap.Error(err))
		return
	}
	logger.Warn("executor returned an invalid report",
		zap.Uint64("task_id", taskID),
		zap.Error(cause),
		zap.Bool("dead_lettered", decision.DeadLetter != nil),
	)
}

// ExecutionError carries a classified failure reason out of an Executor.
type ExecutionError struct {
	Reason model.FailureReason
	Err    error
}

func (e *ExecutionError) Error() string { return e.Err.Error() }
func (e *ExecutionError) Unwrap() error { return e.Err }

// CommandExecutor runs an external agent command per task. The task is written
// to stdin as JSON and a ResultReport is read back from stdout.
type CommandExecutor struct {
	Path    string
	Args    []string
	Timeout time.Duration
}

func (e *CommandExecutor) Execute(ctx context.Context, task model.Task) (v1.ResultReport, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	in, err := json.Marshal(task)
	if err != nil {
		return v1.ResultReport{}, err
	}

	cmd := exec.CommandContext(ctx, e.Path, e.Args...)
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// grandchildren holding stdout open must not outlive the timeout
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return v1.ResultReport{}, &ExecutionError{Reason: model.ReasonExpired, Err: fmt.Errorf("executor timed out: %w", ctx.Err())}
		}
		return v1.ResultReport{}, fmt.Errorf("executor %s: %w: %s", e.Path, err, bytes.TrimSpace(stderr.Bytes()))
	}

	var report v1.ResultReport
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		return v1.ResultReport{}, &ExecutionError{Reason: model.ReasonInvalidRequest, Err: fmt.Errorf("decode executor output: %w", err)}
	}
	return report, nil
}
