package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeLockStore mimics the redis lock commands with a single key slot.
type fakeLockStore struct {
	value  string
	getErr error
	setErr error
	dels   int
}

func (f *fakeLockStore) SetNX(_ context.Context, _ string, value any, _ time.Duration) (bool, error) {
	if f.setErr != nil {
		return false, f.setErr
	}
	if f.value != "" {
		return false, nil
	}
	f.value = value.(string)
	return true, nil
}

func (f *fakeLockStore) Get(context.Context, string) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	if f.value == "" {
		return "", redis.Nil
	}
	return f.value, nil
}

func (f *fakeLockStore) Del(context.Context, ...string) error {
	f.dels++
	f.value = ""
	return nil
}

func newTestLock(t *testing.T, store *fakeLockStore) *RedisLock {
	t.Helper()
	lock, err := NewRedisLock(store, "kino:lock:provision-worker", time.Minute)
	if err != nil {
		t.Fatalf("construct lock: %v", err)
	}
	return lock
}

func TestRedisLockAcquireAndRelease(t *testing.T) {
	store := &fakeLockStore{}
	lock := newTestLock(t, store)
	ctx := context.Background()

	claimed, err := lock.Acquire(ctx)
	if err != nil || !claimed {
		t.Fatalf("first acquire = (%v, %v), want claimed", claimed, err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if store.dels != 1 {
		t.Errorf("dels = %d, want 1", store.dels)
	}

	// Released lock can be claimed again.
	claimed, err = lock.Acquire(ctx)
	if err != nil || !claimed {
		t.Errorf("re-acquire = (%v, %v), want claimed", claimed, err)
	}
}

func TestRedisLockContendersAreDenied(t *testing.T) {
	store := &fakeLockStore{}
	ctx := context.Background()

	winner := newTestLock(t, store)
	if claimed, err := winner.Acquire(ctx); err != nil || !claimed {
		t.Fatalf("winner acquire = (%v, %v)", claimed, err)
	}

	loser := newTestLock(t, store)
	if claimed, err := loser.Acquire(ctx); err != nil || claimed {
		t.Fatalf("loser acquire = (%v, %v), want denied", claimed, err)
	}

	// The loser never owned the lease, so its release must not free it.
	if err := loser.Release(ctx); err != nil {
		t.Fatalf("loser release: %v", err)
	}
	if store.dels != 0 || store.value == "" {
		t.Errorf("loser release touched the lease: dels=%d value=%q", store.dels, store.value)
	}
}

func TestRedisLockReleaseSkipsReclaimedLease(t *testing.T) {
	store := &fakeLockStore{}
	lock := newTestLock(t, store)
	ctx := context.Background()

	if claimed, _ := lock.Acquire(ctx); !claimed {
		t.Fatal("expected claim")
	}

	// Lease expired and a different replica claimed the key.
	store.value = "other-replica-token"

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if store.dels != 0 {
		t.Error("release deleted a lease it no longer owned")
	}
	if store.value != "other-replica-token" {
		t.Errorf("lease value = %q, want untouched", store.value)
	}
}

func TestRedisLockReleaseTreatsExpiredLeaseAsFreed(t *testing.T) {
	store := &fakeLockStore{}
	lock := newTestLock(t, store)
	ctx := context.Background()

	if claimed, _ := lock.Acquire(ctx); !claimed {
		t.Fatal("expected claim")
	}
	store.value = "" // lease expired

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release after expiry: %v", err)
	}
	if store.dels != 0 {
		t.Error("release deleted an already-expired lease")
	}
}

func TestRedisLockSurfacesStoreErrors(t *testing.T) {
	boom := errors.New("redis down")

	store := &fakeLockStore{setErr: boom}
	lock := newTestLock(t, store)
	if _, err := lock.Acquire(context.Background()); !errors.Is(err, boom) {
		t.Errorf("acquire error = %v, want wrapped %v", err, boom)
	}

	store = &fakeLockStore{}
	lock = newTestLock(t, store)
	if claimed, _ := lock.Acquire(context.Background()); !claimed {
		t.Fatal("expected claim")
	}
	store.getErr = boom
	if err := lock.Release(context.Background()); !errors.Is(err, boom) {
		t.Errorf("release error = %v, want wrapped %v", err, boom)
	}
}

func TestNewRedisLockValidation(t *testing.T) {
	if _, err := NewRedisLock(nil, "key", time.Minute); err == nil {
		t.Error("nil store must be rejected")
	}
	if _, err := NewRedisLock(&fakeLockStore{}, "", time.Minute); err == nil {
		t.Error("empty key must be rejected")
	}

	lock, err := NewRedisLock(&fakeLockStore{}, "key", 0)
	if err != nil {
		t.Fatalf("zero ttl should fall back to default: %v", err)
	}
	if lock.ttl != defaultLockTTL {
		t.Errorf("ttl = %v, want %v", lock.ttl, defaultLockTTL)
	}
}
