package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	locker := NewRedisLocker(rdb, "")

	first, err := locker.Acquire(ctx, JobTapas, time.Minute)
	if err != nil || first == nil {
		t.Fatalf("expected first acquire to succeed, got %v %v", first, err)
	}
	second, err := locker.Acquire(ctx, JobTapas, time.Minute)
	if err != nil || second != nil {
		t.Fatalf("expected second acquire to be refused, got %v %v", second, err)
	}
	if !mr.Exists("toonrank:job-lock:" + JobTapas) {
		t.Fatalf("expected lock key in redis")
	}

	if err := first.Extend(ctx, 2*time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if ttl := mr.TTL("toonrank:job-lock:" + JobTapas); ttl != 2*time.Minute {
		t.Fatalf("expected extended ttl, got %s", ttl)
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := first.Release(ctx); !errors.Is(err, ErrLockNotHeld) {
		t.Fatalf("expected second release to report ErrLockNotHeld, got %v", err)
	}

	again, err := locker.Acquire(ctx, JobTapas, time.Minute)
	if err != nil || again == nil {
		t.Fatalf("expected acquire after release, got %v %v", again, err)
	}
}

func TestRedisLockExpires(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	locker := NewRedisLocker(rdb, "test:")
	stale, err := locker.Acquire(ctx, JobAsura, time.Second)
	if err != nil || stale == nil {
		t.Fatalf("acquire: %v %v", stale, err)
	}
	mr.FastForward(2 * time.Second)

	fresh, err := locker.Acquire(ctx, JobAsura, time.Second)
	if err != nil || fresh == nil {
		t.Fatalf("expected expired lock to be reacquired, got %v %v", fresh, err)
	}
	if err := stale.Extend(ctx, time.Second); !errors.Is(err, ErrLockNotHeld) {
		t.Fatalf("expected stale holder to lose the lock, got %v", err)
	}
}

func TestLocalLockerExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	locker := NewLocalLocker()
	locker.clock = func() time.Time { return now }

	ctx := context.Background()
	first, err := locker.Acquire(ctx, JobWebtoons, time.Minute)
	if err != nil || first == nil {
		t.Fatalf("acquire: %v %v", first, err)
	}
	if second, _ := locker.Acquire(ctx, JobWebtoons, time.Minute); second != nil {
		t.Fatalf("expected held lock to refuse a second holder")
	}

	now = now.Add(2 * time.Minute)
	taken, err := locker.Acquire(ctx, JobWebtoons, time.Minute)
	if err != nil || taken == nil {
		t.Fatalf("expected expired lock to be reacquired, got %v %v", taken, err)
	}
	if err := first.Release(ctx); !errors.Is(err, ErrLockNotHeld) {
		t.Fatalf("expected old holder release to fail, got %v", err)
	}
	if err := taken.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}
