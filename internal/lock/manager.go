// Package lock manages exclusive section locks with TTL expiry.
package lock

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"coedit/engine/internal/store"
	"coedit/engine/internal/util"
)

var (
	ErrNotFound = errors.New("lock not found")
	ErrNotOwner = errors.New("lock held by another user")
)

// ConflictError reports a failed acquire along with every lock that blocked
// it, so the caller can surface who holds what.
type ConflictError struct {
	Conflicting []store.Lock
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lock conflict with %d existing lock(s)", len(e.Conflicting))
}

// Clock abstracts time for the expiry loop.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func SystemClock() Clock { return systemClock{} }

// Request describes a lock acquisition. A nil range locks the whole document.
type Request struct {
	DocID      string
	OwnerID    string
	OwnerName  string
	RangeStart *int
	RangeEnd   *int
	TTL        time.Duration
}

// lockStore is the optional durable write-through behind the in-memory
// authority. Failures are logged, never surfaced to the caller.
type lockStore interface {
	InsertLock(ctx context.Context, l store.Lock) error
	DeleteLock(ctx context.Context, lockID string) (bool, error)
}

// Manager is the in-memory authority over section locks. Expiry runs off a
// min-heap of deadlines drained by a single goroutine in Run.
type Manager struct {
	mu         sync.Mutex
	locks      map[string]store.Lock
	deadlines  deadlineHeap
	clock      Clock
	defaultTTL time.Duration
	maxTTL     time.Duration
	durable    lockStore
	onExpired  func(store.Lock)
	wake       chan struct{}
}

// NewManager builds a lock manager. durable may be nil for a purely
// in-memory manager; onExpired may be nil when nobody listens for expiry.
func NewManager(clock Clock, defaultTTL, maxTTL time.Duration, durable lockStore, onExpired func(store.Lock)) *Manager {
	return &Manager{
		locks:      make(map[string]store.Lock),
		clock:      clock,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
		durable:    durable,
		onExpired:  onExpired,
		wake:       make(chan struct{}, 1),
	}
}

// Acquire grants the requested lock or fails with a ConflictError listing
// every overlapping lock held by someone else. Never blocks waiting for a
// holder to release.
func (m *Manager) Acquire(ctx context.Context, req Request) (store.Lock, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if ttl > m.maxTTL {
		ttl = m.maxTTL
	}

	m.mu.Lock()
	now := m.clock.Now()
	var conflicting []store.Lock
	for _, held := range m.locks {
		if held.DocID != req.DocID || held.OwnerID == req.OwnerID {
			continue
		}
		if held.ExpiresAt.Before(now) {
			continue
		}
		if rangesOverlap(req.RangeStart, req.RangeEnd, held.RangeStart, held.RangeEnd) {
			conflicting = append(conflicting, held)
		}
	}
	if len(conflicting) > 0 {
		m.mu.Unlock()
		return store.Lock{}, &ConflictError{Conflicting: conflicting}
	}

	granted := store.Lock{
		ID:         util.NewID("lock"),
		DocID:      req.DocID,
		OwnerID:    req.OwnerID,
		OwnerName:  req.OwnerName,
		LockType:   lockType(req.RangeStart, req.RangeEnd),
		RangeStart: req.RangeStart,
		RangeEnd:   req.RangeEnd,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
	m.locks[granted.ID] = granted
	heap.Push(&m.deadlines, deadline{at: granted.ExpiresAt, lockID: granted.ID})
	m.mu.Unlock()
	m.signal()

	if m.durable != nil {
		if err := m.durable.InsertLock(ctx, granted); err != nil {
			log.Printf("lock: durable write-through failed for %s: %v", granted.ID, err)
		}
	}
	return granted, nil
}

// Release frees a lock held by userID. ErrNotFound if the lock is unknown or
// already expired, ErrNotOwner if someone else holds it.
func (m *Manager) Release(ctx context.Context, lockID, userID string) error {
	m.mu.Lock()
	held, ok := m.locks[lockID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if held.OwnerID != userID {
		m.mu.Unlock()
		return ErrNotOwner
	}
	delete(m.locks, lockID)
	m.mu.Unlock()

	m.dropDurable(ctx, lockID)
	return nil
}

// ReleaseAll frees every lock userID holds on a document, on session close.
// Returns the released locks.
func (m *Manager) ReleaseAll(ctx context.Context, docID, userID string) []store.Lock {
	m.mu.Lock()
	var released []store.Lock
	for id, held := range m.locks {
		if held.DocID == docID && held.OwnerID == userID {
			released = append(released, held)
			delete(m.locks, id)
		}
	}
	m.mu.Unlock()

	for _, held := range released {
		m.dropDurable(ctx, held.ID)
	}
	return released
}

// Renew pushes a held lock's deadline out by its manager default TTL.
func (m *Manager) Renew(lockID, userID string) (store.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.locks[lockID]
	if !ok {
		return store.Lock{}, ErrNotFound
	}
	if held.OwnerID != userID {
		return store.Lock{}, ErrNotOwner
	}
	held.ExpiresAt = m.clock.Now().Add(m.defaultTTL)
	m.locks[lockID] = held
	heap.Push(&m.deadlines, deadline{at: held.ExpiresAt, lockID: lockID})
	return held, nil
}

// DocLocks lists unexpired locks on a document.
func (m *Manager) DocLocks(docID string) []store.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	out := make([]store.Lock, 0)
	for _, held := range m.locks {
		if held.DocID == docID && !held.ExpiresAt.Before(now) {
			out = append(out, held)
		}
	}
	return out
}

// Run drains the deadline heap until ctx is done. Expired locks are removed
// and reported through the onExpired callback.
func (m *Manager) Run(ctx context.Context) {
	for {
		wait := m.ExpireDue(ctx)
		var timer *time.Timer
		var fire <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-m.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// ExpireDue expires every lock whose deadline passed and returns how long
// until the next deadline, or 0 when the heap is empty.
func (m *Manager) ExpireDue(ctx context.Context) time.Duration {
	m.mu.Lock()
	now := m.clock.Now()
	var expired []store.Lock
	for m.deadlines.Len() > 0 {
		next := m.deadlines[0]
		held, ok := m.locks[next.lockID]
		if !ok || held.ExpiresAt.After(next.at) {
			// Released early, or renewed past this deadline entry.
			heap.Pop(&m.deadlines)
			continue
		}
		if next.at.After(now) {
			break
		}
		heap.Pop(&m.deadlines)
		delete(m.locks, next.lockID)
		expired = append(expired, held)
	}
	var wait time.Duration
	if m.deadlines.Len() > 0 {
		wait = m.deadlines[0].at.Sub(now)
	}
	m.mu.Unlock()

	for _, held := range expired {
		m.dropDurable(ctx, held.ID)
		if m.onExpired != nil {
			m.onExpired(held)
		}
	}
	return wait
}

// dropDurable deletes the durable row if still present. A row already gone
// means release and expiry raced; both outcomes are the same.
func (m *Manager) dropDurable(ctx context.Context, lockID string) {
	if m.durable == nil {
		return
	}
	if _, err := m.durable.DeleteLock(ctx, lockID); err != nil {
		log.Printf("lock: durable delete failed for %s: %v", lockID, err)
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func lockType(start, end *int) string {
	if start == nil && end == nil {
		return "full"
	}
	return "section"
}

// rangesOverlap treats ranges as inclusive. A nil range is the whole
// document and overlaps everything.
func rangesOverlap(aStart, aEnd, bStart, bEnd *int) bool {
	if aStart == nil || aEnd == nil || bStart == nil || bEnd == nil {
		return true
	}
	return *aStart <= *bEnd && *bStart <= *aEnd
}

type deadline struct {
	at     time.Time
	lockID string
}

type deadlineHeap []deadline

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x interface{}) { *h = append(*h, x.(deadline)) }
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
