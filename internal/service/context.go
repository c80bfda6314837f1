package service

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const (
	operatorKey contextKey = "operator"
	traceIDKey  contextKey = "trace_id"
)

// OperatorInfo identifies the human behind an admin request.
type OperatorInfo struct {
	UserID string
	Name   string
	Role   string
}

func WithOperator(ctx context.Context, op *OperatorInfo) context.Context {
	return context.WithValue(ctx, operatorKey, op)
}

func GetOperatorInfo(ctx context.Context) *OperatorInfo {
	val, ok := ctx.Value(operatorKey).(*OperatorInfo)
	if !ok {
		return nil
	}
	return val
}

// GetOperator returns the operator name, or "system" for background jobs.
func GetOperator(ctx context.Context) string {
	op := GetOperatorInfo(ctx)
	if op == nil {
		return "system"
	}
	return op.Name
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFrom prefers an active OpenTelemetry span and falls back to the request
// trace id set by the HTTP layer.
func TraceIDFrom(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}
