package service

import (
	"context"
	"errors"
	"time"

	"taskorch/internal/model"
	"taskorch/internal/repository"
	"taskorch/pkg/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type SweepConfig struct {
	Schedule          string
	TaskTimeout       time.Duration
	SchedulingTimeout time.Duration
	PromoteAfter      time.Duration
	BatchSize         int
}

// SweepReport counts what one sweep changed.
type SweepReport struct {
	Expired  int
	TimedOut int
	Promoted int
	Requeued int
	Skipped  bool
}

// Sweeper periodically expires stuck tasks and repairs the execution queue. An
// etcd lock makes sure only one instance sweeps at a time.
type Sweeper struct {
	taskRepo    repository.TaskInterface
	deadLetters *DeadLetterHandler
	dispatcher  *TaskDispatcher
	locker      repository.LockerInterface
	cfg         SweepConfig
	now         func() time.Time
}

func NewSweeper(taskRepo repository.TaskInterface, deadLetters *DeadLetterHandler, dispatcher *TaskDispatcher,
	locker repository.LockerInterface, cfg SweepConfig) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PromoteAfter <= 0 {
		cfg.PromoteAfter = time.Minute
	}
	return &Sweeper{
		taskRepo:    taskRepo,
		deadLetters: deadLetters,
		dispatcher:  dispatcher,
		locker:      locker,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.Sweep(ctx) }); err != nil {
		return err
	}
	logger.Info("sweeper started", zap.String("schedule", s.cfg.Schedule))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("sweeper stopped")
	return nil
}

func (s *Sweeper) Sweep(ctx context.Context) SweepReport {
	if s.locker != nil {
		lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		unlock, err := s.locker.TryLock(lockCtx, "sweeper")
		cancel()
		if err != nil {
			if errors.Is(err, repository.ErrLockHeld) {
				logger.Debug("sweep skipped, another instance holds the lock")
			} else {
				logger.Error("failed to acquire sweep lock", zap.Error(err))
			}
			return SweepReport{Skipped: true}
		}
		defer func() {
			if err := unlock(context.Background()); err != nil {
				logger.Warn("failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	var report SweepReport
	now := s.now()
	if s.cfg.TaskTimeout > 0 {
		report.Expired = s.expire(ctx, model.TaskRunning, now.Add(-s.cfg.TaskTimeout), model.ReasonExpired)
	}
	if s.cfg.SchedulingTimeout > 0 {
		report.TimedOut = s.expire(ctx, model.TaskQueued, now.Add(-s.cfg.SchedulingTimeout), model.ReasonSchedulingTimeout)
	}
	report.Promoted = s.promote(ctx, now.Add(-s.cfg.PromoteAfter))

	n, err := s.dispatcher.Requeue(ctx, s.cfg.BatchSize)
	if err != nil {
		logger.Error("sweep: requeue failed", zap.Error(err))
	}
	report.Requeued = n

	if report != (SweepReport{}) {
		logger.Info("sweep finished",
			zap.Int("expired", report.Expired),
			zap.Int("scheduling_timeouts", report.TimedOut),
			zap.Int("promoted", report.Promoted),
			zap.Int("requeued", report.Requeued),
		)
	}
	return report
}

func (s *Sweeper) expire(ctx context.Context, status model.TaskStatus, before time.Time, reason model.FailureReason) int {
	stale, err := s.taskRepo.ListStale(ctx, status, before, s.cfg.BatchSize)
	if err != nil {
		logger.Error("sweep: list stale tasks", zap.String("status", string(status)), zap.Error(err))
		return 0
	}
	n := 0
	for _, t := range stale {
		entry, err := s.deadLetters.Expire(ctx, t.ID, status, reason)
		if err != nil {
			logger.Error("sweep: expire task", zap.Uint64("task_id", t.ID), zap.Error(err))
			continue
		}
		if entry != nil {
			n++
		}
	}
	return n
}

// promote queues tasks left at received, e.g. dead-letter retries whose queueing
// step never ran.
func (s *Sweeper) promote(ctx context.Context, before time.Time) int {
	stale, err := s.taskRepo.ListStale(ctx, model.TaskReceived, before, s.cfg.BatchSize)
	if err != nil {
		logger.Error("sweep: list received tasks", zap.Error(err))
		return 0
	}
	n := 0
	for _, t := range stale {
		if _, err := s.dispatcher.Promote(ctx, t.ID); err != nil && !errors.Is(err, ErrEnqueueFailed) {
			logger.Warn("sweep: promote task", zap.Uint64("task_id", t.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n
}
