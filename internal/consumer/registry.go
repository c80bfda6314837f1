package consumer

import (
	"context"
	"errors"
	"fmt"

	"taskorch/internal/model"
	"taskorch/internal/repository"
	"taskorch/pkg/logger"

	"go.uber.org/zap"
)

// Consumer reacts to one outbox event. Name must be stable across releases since
// it keys the delivery ledger.
type Consumer interface {
	Name() string
	Consume(ctx context.Context, evt model.OutboxEvent) error
}

// Registry routes events to consumers by event type and skips consumers that
// already handled an event, so redelivery is harmless.
type Registry struct {
	byType map[string][]Consumer
	ledger repository.LedgerInterface
}

func NewRegistry(ledger repository.LedgerInterface) *Registry {
	return &Registry{
		byType: make(map[string][]Consumer),
		ledger: ledger,
	}
}

// Register subscribes c to the given event types. Registration happens at
// startup, before any delivery.
func (r *Registry) Register(c Consumer, eventTypes ...string) {
	for _, t := range eventTypes {
		r.byType[t] = append(r.byType[t], c)
	}
}

func (r *Registry) Consumers(eventType string) []Consumer {
	return r.byType[eventType]
}

// Deliver runs every subscribed consumer. One consumer failing does not stop the
// others; the joined error makes the whole row retry, and consumers that
// succeeded are skipped next time.
func (r *Registry) Deliver(ctx context.Context, evt model.OutboxEvent) error {
	var errs []error
	for _, c := range r.byType[evt.EventType] {
		if r.ledger != nil {
			seen, err := r.ledger.Seen(ctx, c.Name(), evt.EventID)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: ledger: %w", c.Name(), err))
				continue
			}
			if seen {
				continue
			}
		}
		if err := c.Consume(ctx, evt); err != nil {
			logger.Warn("consumer failed",
				zap.String("consumer", c.Name()),
				zap.String("event_id", evt.EventID),
				zap.String("event_type", evt.EventType),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			continue
		}
		if r.ledger != nil {
			if err := r.ledger.Mark(ctx, c.Name(), evt.EventID); err != nil {
				// consumed but unrecorded; the consumer may see it once more
				logger.Warn("ledger mark failed", zap.String("consumer", c.Name()), zap.Error(err))
			}
		}
	}
	return errors.Join(errs...)
}

// Forget clears the ledger for evt so every subscribed consumer handles it again
// on the next delivery.
func (r *Registry) Forget(ctx context.Context, evt model.OutboxEvent) error {
	if r.ledger == nil {
		return nil
	}
	var errs []error
	for _, c := range r.byType[evt.EventType] {
		if err := r.ledger.Forget(ctx, c.Name(), evt.EventID); err != nil {
			errs = append(errs, fmt.Errorf("%s: ledger: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}
