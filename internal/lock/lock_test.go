package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	lease, err := l.Obtain(ctx, "queue", time.Minute)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	if _, err := l.Obtain(ctx, "queue", time.Minute); !errors.Is(err, ErrNotObtained) {
		t.Fatalf("expected ErrNotObtained, got %v", err)
	}
	if _, err := l.Obtain(ctx, "reset", time.Minute); err != nil {
		t.Fatalf("independent key should be free: %v", err)
	}

	_ = lease.Release(ctx)
	if _, err := l.Obtain(ctx, "queue", time.Minute); err != nil {
		t.Fatalf("obtain after release: %v", err)
	}
}

func TestLocalLockerExpires(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()
	if _, err := l.Obtain(ctx, "queue", time.Millisecond); err != nil {
		t.Fatalf("obtain: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := l.Obtain(ctx, "queue", time.Minute); err != nil {
		t.Fatalf("expired lease should not block: %v", err)
	}
}

func TestLocalLockerStaleReleaseKeepsNewHolder(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	stale, err := l.Obtain(ctx, "queue", time.Millisecond)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := l.Obtain(ctx, "queue", time.Minute); err != nil {
		t.Fatalf("obtain after expiry: %v", err)
	}

	_ = stale.Release(ctx)
	if _, err := l.Obtain(ctx, "queue", time.Minute); !errors.Is(err, ErrNotObtained) {
		t.Fatalf("expired lease released the current holder's key: %v", err)
	}
}
