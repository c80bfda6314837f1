package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LedgerInterface remembers which consumer already handled which outbox event, so
// redelivery after a crash or in shadow mode is a no-op.
type LedgerInterface interface {
	Seen(ctx context.Context, consumer, eventID string) (bool, error)
	Mark(ctx context.Context, consumer, eventID string) error
	Forget(ctx context.Context, consumer, eventID string) error
}

type RedisLedger struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLedger(rdb *redis.Client, prefix string, ttl time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = "taskorch"
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisLedger{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (l *RedisLedger) key(consumer, eventID string) string {
	return fmt.Sprintf("%s:delivered:%s:%s", l.prefix, consumer, eventID)
}

func (l *RedisLedger) Seen(ctx context.Context, consumer, eventID string) (bool, error) {
	n, err := l.rdb.Exists(ctx, l.key(consumer, eventID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLedger) Mark(ctx context.Context, consumer, eventID string) error {
	return l.rdb.Set(ctx, l.key(consumer, eventID), time.Now().Unix(), l.ttl).Err()
}

func (l *RedisLedger) Forget(ctx context.Context, consumer, eventID string) error {
	return l.rdb.Del(ctx, l.key(consumer, eventID)).Err()
}
