package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coedit/engine/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func intPtr(v int) *int { return &v }

func newTestManager(onExpired func(store.Lock)) (*Manager, *fakeClock) {
	clock := newFakeClock()
	return NewManager(clock, 30*time.Second, 5*time.Minute, nil, onExpired), clock
}

func TestAcquireOverlapConflict(t *testing.T) {
	mgr, _ := newTestManager(nil)
	ctx := context.Background()

	first, err := mgr.Acquire(ctx, Request{
		DocID: "doc-1", OwnerID: "u-alice", OwnerName: "Alice",
		RangeStart: intPtr(10), RangeEnd: intPtr(20),
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if first.LockType != "section" {
		t.Fatalf("lock type = %q, want section", first.LockType)
	}

	// [15,25] intersects [10,20] at the inclusive boundary region.
	_, err = mgr.Acquire(ctx, Request{
		DocID: "doc-1", OwnerID: "u-bob", OwnerName: "Bob",
		RangeStart: intPtr(15), RangeEnd: intPtr(25),
	})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(conflict.Conflicting) != 1 || conflict.Conflicting[0].ID != first.ID {
		t.Fatalf("conflicting = %+v", conflict.Conflicting)
	}

	// [30,40] is disjoint and must be granted.
	if _, err := mgr.Acquire(ctx, Request{
		DocID: "doc-1", OwnerID: "u-bob", OwnerName: "Bob",
		RangeStart: intPtr(30), RangeEnd: intPtr(40),
	}); err != nil {
		t.Fatalf("disjoint Acquire: %v", err)
	}
}

func TestInclusiveBoundaryConflicts(t *testing.T) {
	mgr, _ := newTestManager(nil)
	ctx := context.Background()

	if _, err := mgr.Acquire(ctx, Request{
		DocID: "doc-1", OwnerID: "u-alice",
		RangeStart: intPtr(10), RangeEnd: intPtr(20),
	}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// [20,30] touches exactly at 20; inclusive ranges conflict.
	_, err := mgr.Acquire(ctx, Request{
		DocID: "doc-1", OwnerID: "u-bob",
		RangeStart: intPtr(20), RangeEnd: intPtr(30),
	})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("boundary ranges must conflict, got %v", err)
	}
}

func TestNilRangeLocksWholeDocument(t *testing.T) {
	mgr, _ := newTestManager(nil)
	ctx := context.Background()

	full, err := mgr.Acquire(ctx, Request{DocID: "doc-1", OwnerID: "u-alice"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if full.LockType != "full" {
		t.Fatalf("lock type = %q, want full", full.LockType)
	}

	_, err = mgr.Acquire(ctx, Request{
		DocID: "doc-1", OwnerID: "u-bob",
		RangeStart: intPtr(900), RangeEnd: intPtr(950),
	})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("document lock must block every range, got %v", err)
	}
}

func TestSameOwnerOverlapAllowed(t *testing.T) {
	mgr, _ := newTestManager(nil)
	ctx := context.Background()

	if _, err := mgr.Acquire(ctx, Request{
		DocID: "doc-1", OwnerID: "u-alice",
		RangeStart: intPtr(10), RangeEnd: intPtr(20),
	}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := mgr.Acquire(ctx, Request{
		DocID: "doc-1", OwnerID: "u-alice",
		RangeStart: intPtr(15), RangeEnd: intPtr(25),
	}); err != nil {
		t.Fatalf("own overlap must be allowed: %v", err)
	}
}

func TestOtherDocumentDoesNotConflict(t *testing.T) {
	mgr, _ := newTestManager(nil)
	ctx := context.Background()

	if _, err := mgr.Acquire(ctx, Request{DocID: "doc-1", OwnerID: "u-alice"}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := mgr.Acquire(ctx, Request{DocID: "doc-2", OwnerID: "u-bob"}); err != nil {
		t.Fatalf("other document must not conflict: %v", err)
	}
}

func TestReleaseOwnership(t *testing.T) {
	mgr, _ := newTestManager(nil)
	ctx := context.Background()

	granted, err := mgr.Acquire(ctx, Request{DocID: "doc-1", OwnerID: "u-alice"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := mgr.Release(ctx, granted.ID, "u-bob"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("Release by non-owner = %v, want ErrNotOwner", err)
	}
	if err := mgr.Release(ctx, granted.ID, "u-alice"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := mgr.Release(ctx, granted.ID, "u-alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double Release = %v, want ErrNotFound", err)
	}
}

func TestReleaseAll(t *testing.T) {
	mgr, _ := newTestManager(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		start, end := i*10, i*10+5
		if _, err := mgr.Acquire(ctx, Request{
			DocID: "doc-1", OwnerID: "u-alice",
			RangeStart: &start, RangeEnd: &end,
		}); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if _, err := mgr.Acquire(ctx, Request{
		DocID: "doc-1", OwnerID: "u-bob",
		RangeStart: intPtr(100), RangeEnd: intPtr(110),
	}); err != nil {
		t.Fatalf("Acquire bob: %v", err)
	}

	released := mgr.ReleaseAll(ctx, "doc-1", "u-alice")
	if len(released) != 3 {
		t.Fatalf("released %d locks, want 3", len(released))
	}
	remaining := mgr.DocLocks("doc-1")
	if len(remaining) != 1 || remaining[0].OwnerID != "u-bob" {
		t.Fatalf("remaining = %+v", remaining)
	}
}

func TestExpiryFreesRangeAndNotifies(t *testing.T) {
	var mu sync.Mutex
	var expired []store.Lock
	mgr, clock := newTestManager(func(l store.Lock) {
		mu.Lock()
		expired = append(expired, l)
		mu.Unlock()
	})
	ctx := context.Background()

	granted, err := mgr.Acquire(ctx, Request{
		DocID: "doc-1", OwnerID: "u-alice",
		RangeStart: intPtr(10), RangeEnd: intPtr(20),
		TTL:        30 * time.Second,
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	clock.Advance(31 * time.Second)
	mgr.ExpireDue(ctx)

	mu.Lock()
	if len(expired) != 1 || expired[0].ID != granted.ID {
		mu.Unlock()
		t.Fatalf("expired = %+v", expired)
	}
	mu.Unlock()

	// The range is free for someone else now.
	if _, err := mgr.Acquire(ctx, Request{
		DocID: "doc-1", OwnerID: "u-bob",
		RangeStart: intPtr(10), RangeEnd: intPtr(20),
	}); err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
}

func TestRenewOutlivesOriginalDeadline(t *testing.T) {
	var mu sync.Mutex
	expiredCount := 0
	mgr, clock := newTestManager(func(store.Lock) {
		mu.Lock()
		expiredCount++
		mu.Unlock()
	})
	ctx := context.Background()

	granted, err := mgr.Acquire(ctx, Request{DocID: "doc-1", OwnerID: "u-alice", TTL: 30 * time.Second})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	clock.Advance(20 * time.Second)
	if _, err := mgr.Renew(granted.ID, "u-alice"); err != nil {
		t.Fatalf("Renew: %v", err)
	}

	clock.Advance(20 * time.Second)
	mgr.ExpireDue(ctx)
	mu.Lock()
	if expiredCount != 0 {
		mu.Unlock()
		t.Fatal("renewed lock expired at the original deadline")
	}
	mu.Unlock()
	if len(mgr.DocLocks("doc-1")) != 1 {
		t.Fatal("renewed lock missing")
	}

	clock.Advance(11 * time.Second)
	mgr.ExpireDue(ctx)
	mu.Lock()
	if expiredCount != 1 {
		mu.Unlock()
		t.Fatal("renewed lock must expire at the renewed deadline")
	}
	mu.Unlock()
}

func TestTTLClampedToMax(t *testing.T) {
	mgr, clock := newTestManager(nil)
	ctx := context.Background()

	granted, err := mgr.Acquire(ctx, Request{DocID: "doc-1", OwnerID: "u-alice", TTL: time.Hour})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := granted.ExpiresAt.Sub(clock.Now()); got != 5*time.Minute {
		t.Fatalf("deadline clamped to %v, want 5m", got)
	}
}
