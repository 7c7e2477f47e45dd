package turnlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newLock(t *testing.T, mr *miniredis.Miniredis) *RedisLock {
	t.Helper()
	lock, err := NewRedisLock(mr.Addr(), "", "test:inflight", time.Minute)
	if err != nil {
		t.Fatalf("new redis lock: %v", err)
	}
	t.Cleanup(func() { _ = lock.Close() })
	return lock
}

func TestRedisLockExcludesOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a, b := newLock(t, mr), newLock(t, mr)
	ctx := context.Background()

	release, ok, err := a.Acquire(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("first acquire should succeed, ok=%v err=%v", ok, err)
	}
	if _, ok, err := b.Acquire(ctx, "c1"); err != nil || ok {
		t.Fatalf("second instance must not take a held lock, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := b.Acquire(ctx, "c2"); !ok {
		t.Fatalf("other conversations stay free")
	}
	release()
	if _, ok, err := b.Acquire(ctx, "c1"); err != nil || !ok {
		t.Fatalf("released lock should be free, ok=%v err=%v", ok, err)
	}
}

func TestRedisLockExpiredReleaseKeepsNewHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	a, b := newLock(t, mr), newLock(t, mr)
	ctx := context.Background()

	staleRelease, ok, _ := a.Acquire(ctx, "c1")
	if !ok {
		t.Fatalf("expected first acquire to succeed")
	}
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := b.Acquire(ctx, "c1"); !ok {
		t.Fatalf("expired lock should be taken over")
	}
	staleRelease()
	if !mr.Exists("test:inflight:c1") {
		t.Fatalf("stale release removed the new holder's lock")
	}
}

func TestRedisLockReportsRedisErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	lock := newLock(t, mr)
	mr.Close()
	if _, ok, err := lock.Acquire(context.Background(), "c1"); err == nil || ok {
		t.Fatalf("expected error when redis is down, ok=%v err=%v", ok, err)
	}
}

func TestNewRedisLockValidates(t *testing.T) {
	if _, err := NewRedisLock("", "", "", time.Minute); err == nil {
		t.Fatalf("expected error for empty addr")
	}
	if _, err := NewRedisLock("127.0.0.1:6379", "", "", 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}
