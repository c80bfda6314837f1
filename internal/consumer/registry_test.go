package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"taskorch/internal/model"
	"taskorch/internal/testutil"
	"taskorch/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.InitLogger("test")
}

type countingConsumer struct {
	mu    sync.Mutex
	name  string
	calls int
	err   error
}

func (c *countingConsumer) Name() string { return c.name }

func (c *countingConsumer) Consume(ctx context.Context, evt model.OutboxEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func event(t *testing.T, eventType string, payload any) model.OutboxEvent {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return model.OutboxEvent{ID: 11, EventID: "evt-" + eventType, EventType: eventType, Payload: string(b)}
}

func TestRegistry_RoutesByEventType(t *testing.T) {
	r := NewRegistry(nil)
	status := &countingConsumer{name: "status"}
	all := &countingConsumer{name: "all"}
	r.Register(status, model.EventTaskStatusChanged)
	r.Register(all, model.EventTaskStatusChanged, model.EventTaskResultProcessed)

	require.NoError(t, r.Deliver(context.Background(), event(t, model.EventTaskResultProcessed, map[string]any{})))
	assert.Zero(t, status.calls)
	assert.Equal(t, 1, all.calls)
	assert.Len(t, r.Consumers(model.EventTaskStatusChanged), 2)

	// no subscribers is not an error
	assert.NoError(t, r.Deliver(context.Background(), event(t, "task.unknown", map[string]any{})))
}

func TestRegistry_LedgerSkipsConsumersThatSucceeded(t *testing.T) {
	r := NewRegistry(testutil.NewLedger())
	ok := &countingConsumer{name: "ok"}
	flaky := &countingConsumer{name: "flaky", err: errors.New("timeout")}
	r.Register(ok, model.EventTaskStatusChanged)
	r.Register(flaky, model.EventTaskStatusChanged)
	evt := event(t, model.EventTaskStatusChanged, map[string]any{})

	err := r.Deliver(context.Background(), evt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flaky")

	flaky.err = nil
	require.NoError(t, r.Deliver(context.Background(), evt))
	require.NoError(t, r.Deliver(context.Background(), evt))

	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, 2, flaky.calls)
}

func TestRegistry_ForgetAllowsRedelivery(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(testutil.NewLedger())
	a := &countingConsumer{name: "a"}
	b := &countingConsumer{name: "b"}
	r.Register(a, model.EventTaskStatusChanged)
	r.Register(b, model.EventTaskStatusChanged)
	evt := event(t, model.EventTaskStatusChanged, map[string]any{})

	require.NoError(t, r.Deliver(ctx, evt))
	require.NoError(t, r.Deliver(ctx, evt))
	assert.Equal(t, 1, a.calls)

	require.NoError(t, r.Forget(ctx, evt))
	require.NoError(t, r.Deliver(ctx, evt))
	assert.Equal(t, 2, a.calls)
	assert.Equal(t, 2, b.calls)

	assert.NoError(t, NewRegistry(nil).Forget(ctx, evt))
}
