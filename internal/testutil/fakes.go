package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"taskorch/internal/model"
	"taskorch/internal/repository"
	v1 "taskorch/pkg/api/v1"
)

// Queue is an in-memory execution queue. Set Err to make Enqueue fail.
type Queue struct {
	mu     sync.Mutex
	queues map[string][]v1.TaskAssignment
	Err    error
}

func NewQueue() *Queue {
	return &Queue{queues: make(map[string][]v1.TaskAssignment)}
}

func (q *Queue) Enqueue(ctx context.Context, a v1.TaskAssignment) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return q.Err
	}
	q.queues[a.Queue] = append(q.queues[a.Queue], a)
	return nil
}

// Dequeue returns nil when every queue of mode is empty. It does not wait for
// new items, it only sleeps out timeout so polling loops do not spin.
func (q *Queue) Dequeue(ctx context.Context, mode model.ExecutionMode, timeout time.Duration) (*v1.TaskAssignment, error) {
	if a := q.pop(mode); a != nil {
		return a, nil
	}
	if timeout > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(timeout):
		}
	}
	return nil, nil
}

func (q *Queue) pop(mode model.ExecutionMode) *v1.TaskAssignment {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range model.Priorities {
		name := model.QueueName(mode, p)
		if items := q.queues[name]; len(items) > 0 {
			a := items[0]
			q.queues[name] = items[1:]
			return &a
		}
	}
	return nil
}

func (q *Queue) Depth(ctx context.Context, queue string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.queues[queue])), nil
}

// Pushed returns every assignment still waiting, across queues.
func (q *Queue) Pushed() []v1.TaskAssignment {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []v1.TaskAssignment
	for _, items := range q.queues {
		out = append(out, items...)
	}
	return out
}

func (q *Queue) SetErr(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Err = err
}

type Ledger struct {
	mu   sync.Mutex
	seen map[string]bool
}

func NewLedger() *Ledger {
	return &Ledger{seen: make(map[string]bool)}
}

func (l *Ledger) Seen(ctx context.Context, consumer, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[consumer+"/"+eventID], nil
}

func (l *Ledger) Mark(ctx context.Context, consumer, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[consumer+"/"+eventID] = true
	return nil
}

func (l *Ledger) Forget(ctx context.Context, consumer, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, consumer+"/"+eventID)
	return nil
}

// Locker grants the lock unless Held is set.
type Locker struct {
	mu    sync.Mutex
	Held  bool
	Taken int
}

func (l *Locker) TryLock(ctx context.Context, name string) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Held {
		return nil, repository.ErrLockHeld
	}
	l.Taken++
	return func(context.Context) error { return nil }, nil
}

// Deliverer records delivered events. Fail makes every call fail until reset.
type Deliverer struct {
	mu     sync.Mutex
	events []model.OutboxEvent
	Fail   bool
}

var ErrDeliveryFailed = errors.New("consumer unavailable")

func (d *Deliverer) Deliver(ctx context.Context, evt model.OutboxEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail {
		return ErrDeliveryFailed
	}
	d.events = append(d.events, evt)
	return nil
}

func (d *Deliverer) SetFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Fail = fail
}

func (d *Deliverer) Events() []model.OutboxEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.OutboxEvent(nil), d.events...)
}

// EventsOfType filters Events by event type.
func (d *Deliverer) EventsOfType(eventType string) []model.OutboxEvent {
	var out []model.OutboxEvent
	for _, e := range d.Events() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
