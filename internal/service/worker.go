package service

import (
	"context"
	"fmt"
	"time"

	"taskorch/internal/metrics"
	"taskorch/internal/model"
	"taskorch/internal/repository"
	"taskorch/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type DeliveryConfig struct {
	Interval    time.Duration
	BatchSize   int
	Lease       time.Duration
	MaxAttempts int
	Backoff     Backoff
}

// DeliveryWorker polls due outbox rows and hands them to the consumers.
type DeliveryWorker struct {
	db          *gorm.DB
	outboxRepo  repository.OutboxInterface
	deadLetters *DeadLetterHandler
	deliverer   Deliverer
	mode        DeliveryMode
	cfg         DeliveryConfig
	owner       string
	wake        chan struct{}
	observer    metrics.DeliveryObserver
	now         func() time.Time
}

func NewDeliveryWorker(db *gorm.DB, outboxRepo repository.OutboxInterface, deadLetters *DeadLetterHandler, deliverer Deliverer,
	mode DeliveryMode, cfg DeliveryConfig, observer metrics.DeliveryObserver) *DeliveryWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if observer == nil {
		observer = metrics.Nop{}
	}
	return &DeliveryWorker{
		db:          db,
		outboxRepo:  outboxRepo,
		deadLetters: deadLetters,
		deliverer:   deliverer,
		mode:        mode,
		cfg:         cfg,
		owner:       uuid.NewString(),
		wake:        make(chan struct{}, 1),
		observer:    observer,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Trigger asks for a poll before the next tick. It never blocks.
func (w *DeliveryWorker) Trigger() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *DeliveryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	logger.Info("delivery worker started",
		zap.Duration("interval", w.cfg.Interval),
		zap.String("mode", string(w.mode)),
		zap.String("owner", w.owner),
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("delivery worker stopped")
			return
		case <-ticker.C:
			w.ProcessPending(ctx)
		case <-w.wake:
			w.ProcessPending(ctx)
		}
	}
}

// ProcessPending claims one batch and delivers it. It returns how many rows were
// delivered.
func (w *DeliveryWorker) ProcessPending(ctx context.Context) int {
	events, err := w.outboxRepo.ClaimPending(ctx, w.owner, w.now(), w.cfg.Lease, w.cfg.BatchSize)
	if err != nil {
		logger.Error("failed to claim outbox events", zap.Error(err))
		return 0
	}

	delivered := 0
	for _, evt := range events {
		if ctx.Err() != nil {
			return delivered
		}
		if w.deliver(ctx, evt) {
			delivered++
		}
	}
	return delivered
}

func (w *DeliveryWorker) deliver(ctx context.Context, evt model.OutboxEvent) bool {
	logger.Debug("delivering outbox event", zap.Int64("id", evt.ID), zap.String("event_type", evt.EventType))

	err := w.deliverer.Deliver(ctx, evt)
	now := w.now()
	if err == nil {
		held, err := w.outboxRepo.MarkDelivered(ctx, evt.ID, w.owner, now)
		if err != nil {
			logger.Error("failed to mark outbox event delivered", zap.Int64("id", evt.ID), zap.Error(err))
			return false
		}
		if !held {
			logger.Warn("outbox lease lost before ack", zap.Int64("id", evt.ID))
		}
		w.observer.RecordDelivery(evt.EventType, "delivered")
		w.observer.ObserveDeliveryLag(now.Sub(evt.OccurredAt).Seconds())
		return true
	}

	attempts := evt.Attempts + 1
	fields := []zap.Field{
		zap.Int64("id", evt.ID),
		zap.String("event_id", evt.EventID),
		zap.String("event_type", evt.EventType),
		zap.Int("attempts", attempts),
		zap.String("mode", string(w.mode)),
		zap.Error(err),
	}
	if attempts < w.cfg.MaxAttempts {
		next := now.Add(w.cfg.Backoff.Delay(evt.EventID, attempts))
		if _, merr := w.outboxRepo.MarkRetry(ctx, evt.ID, w.owner, attempts, next, err.Error()); merr != nil {
			logger.Error("failed to reschedule outbox event", zap.Int64("id", evt.ID), zap.Error(merr))
		}
		logger.Warn("outbox delivery failed, will retry", append(fields, zap.Time("available_at", next))...)
		w.observer.RecordDelivery(evt.EventType, "retry")
		return false
	}

	w.fail(ctx, evt, attempts, err.Error(), fields)
	return false
}

// fail marks a row failed. In outbox mode it is also dead-lettered for operator
// triage; in shadow mode the direct path is authoritative, so it is only logged.
func (w *DeliveryWorker) fail(ctx context.Context, evt model.OutboxEvent, attempts int, lastErr string, fields []zap.Field) {
	w.observer.RecordDelivery(evt.EventType, "failed")
	if w.mode == ModeShadow || w.deadLetters == nil {
		if _, err := w.outboxRepo.MarkFailed(ctx, evt.ID, w.owner, attempts, w.now(), lastErr); err != nil {
			logger.Error("failed to mark outbox event failed", zap.Int64("id", evt.ID), zap.Error(err))
		}
		logger.Warn("shadow outbox delivery exhausted", fields...)
		return
	}

	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		held, err := w.outboxRepo.WithTx(tx).MarkFailed(ctx, evt.ID, w.owner, attempts, w.now(), lastErr)
		if err != nil || !held {
			return err
		}
		_, err = w.deadLetters.deadLetterDelivery(ctx, tx, evt, attempts, lastErr)
		return err
	})
	if err != nil {
		logger.Error("failed to dead-letter outbox event", append(fields, zap.NamedError("dlq_error", err))...)
		return
	}
	logger.Error("outbox delivery exhausted, dead-lettered", fields...)
}

// Replay resets the selected rows and wakes the worker. Rows named by id are
// redelivered to every consumer, including ones that already handled them;
// rows picked up by Failed only reach the consumers that have not.
func (w *DeliveryWorker) Replay(ctx context.Context, sel repository.ReplaySelector) (int64, error) {
	if f, ok := w.deliverer.(Forgetter); ok {
		for _, id := range sel.IDs {
			evt, err := w.outboxRepo.GetByID(ctx, id)
			if err != nil {
				return 0, err
			}
			if evt == nil {
				continue
			}
			if err := f.Forget(ctx, *evt); err != nil {
				return 0, fmt.Errorf("clear delivery ledger for outbox row %d: %w", id, err)
			}
		}
	}
	n, err := w.outboxRepo.Replay(ctx, sel, w.now())
	if err != nil {
		return 0, err
	}
	logger.Info("outbox replay", zap.Int64s("ids", sel.IDs), zap.Bool("failed", sel.Failed), zap.Int64("replayed", n))
	if n > 0 {
		w.Trigger()
	}
	return n, nil
}
