package consumer

import (
	"context"

	"taskorch/internal/metrics"
	"taskorch/internal/model"
)

// MetricsRecorder feeds task lifecycle and usage counters.
type MetricsRecorder struct {
	observer metrics.TaskObserver
}

func NewMetricsRecorder(observer metrics.TaskObserver) *MetricsRecorder {
	return &MetricsRecorder{observer: observer}
}

func (m *MetricsRecorder) Name() string { return "metrics" }

func (m *MetricsRecorder) Consume(ctx context.Context, evt model.OutboxEvent) error {
	switch evt.EventType {
	case model.EventTaskStatusChanged:
		p, err := decode[model.TaskStatusChanged](evt)
		if err != nil {
			return err
		}
		m.observer.RecordTransition(string(p.Type), string(p.From), string(p.To))
	case model.EventTaskResultProcessed:
		p, err := decode[model.TaskResultProcessed](evt)
		if err != nil {
			return err
		}
		m.observer.RecordUsage(string(p.Type), p.InputTokens, p.OutputTokens, p.ThinkingTokens, p.CostUSD, p.DurationSeconds)
	case model.EventTaskDeadLettered:
		p, err := decode[model.TaskDeadLettered](evt)
		if err != nil {
			return err
		}
		m.observer.RecordDeadLetter(string(p.Scope), string(p.FailureReason))
	}
	return nil
}
