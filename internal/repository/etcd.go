package repository

import (
	"context"
	"errors"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

var ErrLockHeld = errors.New("lock held by another instance")

// LockerInterface guards singleton jobs across service instances.
type LockerInterface interface {
	TryLock(ctx context.Context, name string) (unlock func(context.Context) error, err error)
}

type EtcdLocker struct {
	client *clientv3.Client
	ttl    int
}

func NewEtcdLocker(client *clientv3.Client, ttlSeconds int) *EtcdLocker {
	if ttlSeconds <= 0 {
		ttlSeconds = 10
	}
	return &EtcdLocker{client: client, ttl: ttlSeconds}
}

// TryLock acquires /locks/<name> without waiting. ErrLockHeld means another
// instance owns it this round.
func (l *EtcdLocker) TryLock(ctx context.Context, name string) (func(context.Context) error, error) {
	// the session lease ties the lock to this process
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(l.ttl), concurrency.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("create etcd session: %w", err)
	}
	mutex := concurrency.NewMutex(session, "/locks/"+name)
	if err := mutex.TryLock(ctx); err != nil {
		session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, ErrLockHeld
		}
		return nil, err
	}
	return func(ctx context.Context) error {
		defer session.Close()
		return mutex.Unlock(ctx)
	}, nil
}

func (l *EtcdLocker) Health(ctx context.Context) error {
	_, err := l.client.Get(ctx, "health_check")
	return err
}
