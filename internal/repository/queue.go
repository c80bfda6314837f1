package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskorch/internal/model"
	v1 "taskorch/pkg/api/v1"

	"github.com/redis/go-redis/v9"
)

// QueueInterface is the execution queue executors pull assignments from.
type QueueInterface interface {
	Enqueue(ctx context.Context, a v1.TaskAssignment) error
	Dequeue(ctx context.Context, mode model.ExecutionMode, timeout time.Duration) (*v1.TaskAssignment, error)
	Depth(ctx context.Context, queue string) (int64, error)
}

// RedisQueue keeps one Redis list per "<mode>:<priority>" queue name.
type RedisQueue struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisQueue(rdb *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "taskorch"
	}
	return &RedisQueue{rdb: rdb, prefix: prefix}
}

func (q *RedisQueue) key(queue string) string {
	return fmt.Sprintf("%s:queue:%s", q.prefix, queue)
}

func (q *RedisQueue) Enqueue(ctx context.Context, a v1.TaskAssignment) error {
	if a.Queue == "" {
		return errors.New("assignment has no queue")
	}
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.key(a.Queue), b).Err()
}

// Dequeue blocks up to timeout for the next assignment of mode, draining
// higher-priority queues first. It returns nil, nil on timeout.
func (q *RedisQueue) Dequeue(ctx context.Context, mode model.ExecutionMode, timeout time.Duration) (*v1.TaskAssignment, error) {
	keys := make([]string, 0, len(model.Priorities))
	for _, p := range model.Priorities {
		keys = append(keys, q.key(model.QueueName(mode, p)))
	}
	res, err := q.rdb.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// res is [key, value]
	var a v1.TaskAssignment
	if err := json.Unmarshal([]byte(res[1]), &a); err != nil {
		return nil, fmt.Errorf("decode assignment from %s: %w", res[0], err)
	}
	return &a, nil
}

func (q *RedisQueue) Depth(ctx context.Context, queue string) (int64, error) {
	return q.rdb.LLen(ctx, q.key(queue)).Result()
}
