package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultLockTTL = 5 * time.Minute

// Lock serializes sweep cycles across worker replicas.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// lockStore is the slice of the redis client the lock needs.
type lockStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisLock claims a key with SETNX for the lease TTL. The TTL bounds how
// long a crashed holder can block the other replicas.
type RedisLock struct {
	store lockStore
	key   string
	ttl   time.Duration
	owner string
}

// NewRedisLock builds a lock on key with the given lease TTL.
func NewRedisLock(store lockStore, key string, ttl time.Duration) (*RedisLock, error) {
	if store == nil {
		return nil, errors.New("lock needs a redis client")
	}
	if key == "" {
		return nil, errors.New("lock needs a key")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{store: store, key: key, ttl: ttl}, nil
}

// Acquire claims the key for this replica. Every claim carries a fresh owner
// token so Release cannot free a lease that expired and was re-claimed.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	claimed, err := l.store.SetNX(ctx, l.key, token, l.ttl)
	if err != nil {
		return false, fmt.Errorf("claim lock: %w", err)
	}
	if claimed {
		l.owner = token
	}
	return claimed, nil
}

// Release drops the claim only while the stored token is still ours. A lease
// that expired and was re-claimed by another replica is left untouched.
func (l *RedisLock) Release(ctx context.Context) error {
	if l.owner == "" {
		return nil
	}

	holder, err := l.store.Get(ctx, l.key)
	switch {
	case errors.Is(err, redis.Nil):
		l.owner = ""
		return nil
	case err != nil:
		return fmt.Errorf("inspect lock holder: %w", err)
	case holder != l.owner:
		l.owner = ""
		return nil
	}

	if err := l.store.Del(ctx, l.key); err != nil {
		return fmt.Errorf("drop lock: %w", err)
	}
	l.owner = ""
	return nil
}

// NoopLock always grants the lock. Single-instance deployments without
// Redis run the worker behind this.
type NoopLock struct{}

// NewNoopLock constructs a lock that never contends.
func NewNoopLock() *NoopLock { return &NoopLock{} }

// Acquire always succeeds.
func (*NoopLock) Acquire(context.Context) (bool, error) { return true, nil }

// Release is a no-op.
func (*NoopLock) Release(context.Context) error { return nil }
