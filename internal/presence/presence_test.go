package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestTracker(t *testing.T) (*Tracker, *time.Time) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	current := time.Unix(1_700_000_000, 0)
	tracker := NewTrackerWithClient(client, 30*time.Second)
	tracker.now = func() time.Time { return current }
	return tracker, &current
}

func intPtr(v int) *int { return &v }

func TestUpsertAndActiveUsers(t *testing.T) {
	tracker, _ := setupTestTracker(t)
	ctx := context.Background()

	err := tracker.Upsert(ctx, "doc-1", Entry{
		UserID:   "u-1",
		Name:     "Alice",
		Color:    "#ff0000",
		Cursor:   intPtr(42),
		SelStart: intPtr(40),
		SelEnd:   intPtr(50),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := tracker.Upsert(ctx, "doc-1", Entry{UserID: "u-2", Name: "Bob", Color: "#00ff00"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	entries, err := tracker.ActiveUsers(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ActiveUsers: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	byUser := make(map[string]Entry)
	for _, entry := range entries {
		byUser[entry.UserID] = entry
	}
	alice := byUser["u-1"]
	if alice.Name != "Alice" || alice.Cursor == nil || *alice.Cursor != 42 {
		t.Fatalf("alice entry = %+v", alice)
	}
	if alice.LastSeen.IsZero() {
		t.Fatal("LastSeen should be stamped on upsert")
	}
}

func TestStaleEntriesInvisible(t *testing.T) {
	tracker, current := setupTestTracker(t)
	ctx := context.Background()

	if err := tracker.Upsert(ctx, "doc-1", Entry{UserID: "u-1", Name: "Alice"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	*current = current.Add(31 * time.Second)
	entries, err := tracker.ActiveUsers(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ActiveUsers: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("stale entry still visible: %+v", entries)
	}
}

func TestHeartbeatRefreshesDeadline(t *testing.T) {
	tracker, current := setupTestTracker(t)
	ctx := context.Background()

	if err := tracker.Upsert(ctx, "doc-1", Entry{UserID: "u-1", Name: "Alice"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	*current = current.Add(20 * time.Second)
	if err := tracker.Upsert(ctx, "doc-1", Entry{UserID: "u-1", Name: "Alice"}); err != nil {
		t.Fatalf("heartbeat Upsert: %v", err)
	}

	*current = current.Add(20 * time.Second)
	entries, err := tracker.ActiveUsers(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ActiveUsers: %v", err)
	}
	if len(entries) != 1 {
		t.Fatal("refreshed entry must survive past the original deadline")
	}
}

func TestRemove(t *testing.T) {
	tracker, _ := setupTestTracker(t)
	ctx := context.Background()

	if err := tracker.Upsert(ctx, "doc-1", Entry{UserID: "u-1", Name: "Alice"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := tracker.Remove(ctx, "doc-1", "u-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	entries, err := tracker.ActiveUsers(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ActiveUsers: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("removed entry still visible: %+v", entries)
	}
}

func TestSweepReapsExpired(t *testing.T) {
	tracker, current := setupTestTracker(t)
	ctx := context.Background()

	if err := tracker.Upsert(ctx, "doc-1", Entry{UserID: "u-1", Name: "Alice"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := tracker.Upsert(ctx, "doc-2", Entry{UserID: "u-2", Name: "Bob"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	*current = current.Add(20 * time.Second)
	if err := tracker.Upsert(ctx, "doc-2", Entry{UserID: "u-3", Name: "Carol"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	*current = current.Add(15 * time.Second)
	removed, err := tracker.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 2 {
		t.Fatalf("swept %d entries, want 2", removed)
	}

	entries, err := tracker.ActiveUsers(ctx, "doc-2")
	if err != nil {
		t.Fatalf("ActiveUsers: %v", err)
	}
	if len(entries) != 1 || entries[0].UserID != "u-3" {
		t.Fatalf("doc-2 entries = %+v, want only u-3", entries)
	}
}

func TestDocuments(t *testing.T) {
	tracker, _ := setupTestTracker(t)
	ctx := context.Background()

	if err := tracker.Upsert(ctx, "doc-a", Entry{UserID: "u-1"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := tracker.Upsert(ctx, "doc-b", Entry{UserID: "u-2"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	docs, err := tracker.Documents(ctx)
	if err != nil {
		t.Fatalf("Documents: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2", len(docs))
	}
}
