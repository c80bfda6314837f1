package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"taskorch/internal/model"
	"taskorch/internal/repository"
	"taskorch/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type DeliveryMode string

const (
	// ModeShadow keeps the direct in-process publish authoritative and runs the
	// outbox worker alongside it. Worker failures are only logged.
	ModeShadow DeliveryMode = "shadow"
	// ModeOutbox makes the outbox worker the only delivery path.
	ModeOutbox DeliveryMode = "outbox"
)

func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch DeliveryMode(s) {
	case ModeShadow, ModeOutbox:
		return DeliveryMode(s), nil
	case "":
		return ModeShadow, nil
	}
	return "", fmt.Errorf("unknown outbox mode %q", s)
}

// Deliverer hands one event to every consumer subscribed to its type.
type Deliverer interface {
	Deliver(ctx context.Context, event model.OutboxEvent) error
}

// Forgetter is implemented by deliverers that deduplicate by event id. An
// explicit replay clears that record so the replayed row is delivered again.
type Forgetter interface {
	Forget(ctx context.Context, event model.OutboxEvent) error
}

type waker interface {
	Trigger()
}

// OutboxPublisher records events inside business transactions and, once those
// commit, kicks off delivery according to the configured mode.
type OutboxPublisher struct {
	outboxRepo    repository.OutboxInterface
	mode          DeliveryMode
	direct        Deliverer
	directTimeout time.Duration
	worker        waker
}

func NewOutboxPublisher(outboxRepo repository.OutboxInterface, mode DeliveryMode, direct Deliverer) *OutboxPublisher {
	return &OutboxPublisher{
		outboxRepo:    outboxRepo,
		mode:          mode,
		direct:        direct,
		directTimeout: 10 * time.Second,
	}
}

func (p *OutboxPublisher) Mode() DeliveryMode { return p.mode }

// AttachWorker lets AfterCommit wake the delivery worker instead of waiting for
// its next tick.
func (p *OutboxPublisher) AttachWorker(w waker) {
	p.worker = w
}

// Begin returns a recorder bound to tx.
func (p *OutboxPublisher) Begin(ctx context.Context, tx *gorm.DB) *EventRecorder {
	return &EventRecorder{
		outbox:  p.outboxRepo.WithTx(tx),
		traceID: TraceIDFrom(ctx),
	}
}

// AfterCommit must only be called once the recorder's transaction committed.
func (p *OutboxPublisher) AfterCommit(ctx context.Context, events []model.OutboxEvent) {
	if len(events) == 0 {
		return
	}
	if p.mode == ModeShadow && p.direct != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.directTimeout)
		for _, evt := range events {
			if err := p.direct.Deliver(dctx, evt); err != nil {
				logger.Warn("direct publish failed",
					zap.String("event_id", evt.EventID),
					zap.String("event_type", evt.EventType),
					zap.Error(err),
				)
			}
		}
		cancel()
	}
	if p.worker != nil {
		p.worker.Trigger()
	}
}

// EventRecorder appends outbox rows within one transaction and remembers them for
// AfterCommit.
type EventRecorder struct {
	outbox  repository.OutboxInterface
	traceID string
	events  []model.OutboxEvent
}

func (r *EventRecorder) Record(ctx context.Context, eventType, aggregateType string, aggregateID uint64, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	now := time.Now().UTC()
	evt := &model.OutboxEvent{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		SchemaVersion: model.OutboxSchemaVersion,
		Payload:       string(b),
		OccurredAt:    now,
		Status:        model.OutboxPending,
		AvailableAt:   now,
		TraceID:       r.traceID,
	}
	if err := r.outbox.Create(ctx, evt); err != nil {
		logger.Error("failed to create outbox event", zap.String("event_type", eventType), zap.Error(err))
		return err
	}
	r.events = append(r.events, *evt)
	return nil
}

func (r *EventRecorder) Events() []model.OutboxEvent {
	if r == nil {
		return nil
	}
	return r.events
}
