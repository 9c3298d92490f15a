package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryLockerMutualExclusion(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	locker := NewMemoryLocker(func() time.Time { return now })
	ctx := context.Background()

	handle, err := locker.Acquire(ctx, "coupon:SPRING10", time.Minute)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	if _, err := locker.Acquire(ctx, "coupon:SPRING10", time.Minute); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired for contended key, got %v", err)
	}

	// A different key is unaffected.
	other, err := locker.Acquire(ctx, "coupon:WELCOME", time.Minute)
	if err != nil {
		t.Fatalf("acquire on distinct key failed: %v", err)
	}
	if err := other.Release(ctx); err != nil {
		t.Fatalf("release on distinct key failed: %v", err)
	}

	if err := handle.Release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := locker.Acquire(ctx, "coupon:SPRING10", time.Minute); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
}

func TestMemoryLockerExpiry(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	locker := NewMemoryLocker(func() time.Time { return now })
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "coupon:SPRING10", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	now = now.Add(time.Minute)

	fresh, err := locker.Acquire(ctx, "coupon:SPRING10", time.Minute)
	if err != nil {
		t.Fatalf("expected takeover of expired lock, got %v", err)
	}

	// The stale handle must not free the new holder's lock.
	if err := stale.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld from stale release, got %v", err)
	}
	if err := fresh.Release(ctx); err != nil {
		t.Fatalf("release of fresh handle failed: %v", err)
	}
}

func TestMemoryLockerDoubleRelease(t *testing.T) {
	locker := NewMemoryLocker(nil)
	ctx := context.Background()

	handle, err := locker.Acquire(ctx, "coupon:SPRING10", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := handle.Release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := handle.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld on double release, got %v", err)
	}
}
