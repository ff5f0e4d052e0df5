package version

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"testing"

	"coedit/engine/internal/store"
)

type fakeSnapshotStore struct {
	mu    sync.Mutex
	items map[string]store.Snapshot
	order []string
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{items: make(map[string]store.Snapshot)}
}

func (f *fakeSnapshotStore) InsertSnapshot(_ context.Context, item store.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[item.ID] = item
	f.order = append(f.order, item.ID)
	return nil
}

func (f *fakeSnapshotStore) GetSnapshot(_ context.Context, snapshotID string) (store.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[snapshotID]
	if !ok {
		return store.Snapshot{}, sql.ErrNoRows
	}
	return item, nil
}

func (f *fakeSnapshotStore) ListDocSnapshots(_ context.Context, docID string) ([]store.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Snapshot, 0)
	for i := len(f.order) - 1; i >= 0; i-- {
		item := f.items[f.order[i]]
		if item.DocID == docID {
			out = append(out, item)
		}
	}
	return out, nil
}

type fakeReplicas struct {
	state  []byte
	vector map[string]int64
}

func (f *fakeReplicas) State(_ context.Context, _ string) ([]byte, map[string]int64) {
	return f.state, f.vector
}

func TestSnapshotCapturesStateAndVector(t *testing.T) {
	replicas := &fakeReplicas{state: []byte("doc state v1"), vector: map[string]int64{"alice": 3}}
	mgr := NewManager(newFakeSnapshotStore(), replicas)

	snap, err := mgr.Snapshot(context.Background(), "doc-1", Metadata{Reason: "manual", AuthorID: "u-alice"})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if string(snap.State) != "doc state v1" {
		t.Fatalf("state = %q", snap.State)
	}
	var vector map[string]int64
	if err := json.Unmarshal([]byte(snap.VersionVector), &vector); err != nil {
		t.Fatalf("vector json: %v", err)
	}
	if vector["alice"] != 3 {
		t.Fatalf("vector = %v", vector)
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(snap.Metadata), &meta); err != nil {
		t.Fatalf("metadata json: %v", err)
	}
	if meta.Reason != "manual" || meta.AuthorID != "u-alice" {
		t.Fatalf("metadata = %+v", meta)
	}
}

func TestRestoreTakesPreRestoreSnapshotFirst(t *testing.T) {
	fake := newFakeSnapshotStore()
	replicas := &fakeReplicas{state: []byte("old state"), vector: map[string]int64{"alice": 1}}
	mgr := NewManager(fake, replicas)
	ctx := context.Background()

	target, err := mgr.Snapshot(ctx, "doc-1", Metadata{Reason: "manual"})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// Document moves on; live state diverges from the snapshot.
	replicas.state = []byte("current state")
	replicas.vector = map[string]int64{"alice": 5, "bob": 2}

	restored, err := mgr.Restore(ctx, "doc-1", target.ID, "u-carol")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if string(restored.State) != "old state" {
		t.Fatalf("restored state = %q", restored.State)
	}
	if restored.VersionVector["alice"] != 1 {
		t.Fatalf("restored vector = %v", restored.VersionVector)
	}

	history, err := mgr.History(ctx, "doc-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2 (target + pre-restore)", len(history))
	}

	reasons := make([]string, 0, len(history))
	for _, snap := range history {
		var meta Metadata
		if err := json.Unmarshal([]byte(snap.Metadata), &meta); err != nil {
			t.Fatalf("metadata json: %v", err)
		}
		reasons = append(reasons, meta.Reason)
		if meta.Reason == "pre-restore" {
			if string(snap.State) != "current state" {
				t.Fatalf("pre-restore snapshot captured %q, want live state", snap.State)
			}
			if meta.AuthorID != "u-carol" || meta.RestoreOf != target.ID {
				t.Fatalf("pre-restore metadata = %+v", meta)
			}
		}
	}
	sort.Strings(reasons)
	if reasons[0] != "manual" || reasons[1] != "pre-restore" {
		t.Fatalf("reasons = %v", reasons)
	}
}

func TestRestoreUnknownSnapshot(t *testing.T) {
	mgr := NewManager(newFakeSnapshotStore(), &fakeReplicas{})

	_, err := mgr.Restore(context.Background(), "doc-1", "snap-missing", "u-alice")
	if err != ErrNotFound {
		t.Fatalf("Restore unknown = %v, want ErrNotFound", err)
	}
}

func TestRestoreRejectsForeignDocument(t *testing.T) {
	fake := newFakeSnapshotStore()
	replicas := &fakeReplicas{state: []byte("state"), vector: nil}
	mgr := NewManager(fake, replicas)
	ctx := context.Background()

	snap, err := mgr.Snapshot(ctx, "doc-1", Metadata{Reason: "manual"})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, err := mgr.Restore(ctx, "doc-2", snap.ID, "u-alice"); err != ErrNotFound {
		t.Fatalf("cross-document restore = %v, want ErrNotFound", err)
	}
}
