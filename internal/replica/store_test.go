package replica

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"coedit/engine/internal/store"
)

type memoryLog struct {
	mu      sync.Mutex
	records map[string][]store.UpdateRecord
	failAll bool
}

func newMemoryLog() *memoryLog {
	return &memoryLog{records: make(map[string][]store.UpdateRecord)}
}

func (m *memoryLog) AppendUpdate(_ context.Context, docID string, update []byte, authorID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return 0, errors.New("log unavailable")
	}
	seq := int64(len(m.records[docID]) + 1)
	m.records[docID] = append(m.records[docID], store.UpdateRecord{
		DocID:     docID,
		Seq:       seq,
		Update:    update,
		AuthorID:  authorID,
		CreatedAt: time.Now(),
	})
	return seq, nil
}

func (m *memoryLog) ListUpdatesSince(_ context.Context, docID string, fromSeq int64) ([]store.UpdateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return nil, errors.New("log unavailable")
	}
	out := make([]store.UpdateRecord, 0)
	for _, record := range m.records[docID] {
		if record.Seq > fromSeq {
			out = append(out, record)
		}
	}
	return out, nil
}

func newTestStore() (*Store, *memoryLog) {
	updates := newMemoryLog()
	return NewStore(updates, NewLWWContainer, 5*time.Minute), updates
}

func testUpdates() [][]byte {
	return [][]byte{
		EncodeSegmentWrite("s1", "alpha ", "alice", 100, 1, false),
		EncodeSegmentWrite("s2", "bravo ", "bob", 101, 1, false),
		EncodeSegmentWrite("s1", "charlie ", "carol", 150, 1, false),
		EncodeSegmentWrite("s3", "delta", "alice", 120, 2, false),
		EncodeSegmentWrite("s2", "", "bob", 160, 2, true),
	}
}

func TestConvergenceUnderPermutation(t *testing.T) {
	// Applying the same update set in any order must yield identical content.
	ctx := context.Background()
	updates := testUpdates()

	want := ""
	for trial := 0; trial < 20; trial++ {
		shuffled := make([][]byte, len(updates))
		copy(shuffled, updates)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		replicaStore, _ := newTestStore()
		docID := fmt.Sprintf("doc-%d", trial)
		var info Info
		for _, update := range shuffled {
			var err error
			info, err = replicaStore.ApplyIncoming(ctx, docID, update, "peer")
			if err != nil {
				t.Fatalf("ApplyIncoming: %v", err)
			}
		}
		if trial == 0 {
			want = info.Content
			continue
		}
		if info.Content != want {
			t.Fatalf("permutation %d diverged: %q vs %q", trial, info.Content, want)
		}
	}
	if want != "charlie delta" {
		t.Fatalf("converged content = %q, want %q", want, "charlie delta")
	}
}

func TestIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	replicaStore, _ := newTestStore()
	update := EncodeSegmentWrite("s1", "hello", "alice", 100, 1, false)

	first, err := replicaStore.ApplyIncoming(ctx, "doc-1", update, "alice")
	if err != nil {
		t.Fatalf("ApplyIncoming: %v", err)
	}
	second, err := replicaStore.ApplyIncoming(ctx, "doc-1", update, "alice")
	if err != nil {
		t.Fatalf("ApplyIncoming replay: %v", err)
	}
	if second.Content != first.Content {
		t.Fatalf("replay changed content: %q vs %q", second.Content, first.Content)
	}
	if second.VersionVector["alice"] != 1 {
		t.Fatalf("version vector after replay = %v", second.VersionVector)
	}
}

func TestOpenReplaysLog(t *testing.T) {
	ctx := context.Background()
	updates := newMemoryLog()
	for _, update := range testUpdates() {
		if _, err := updates.AppendUpdate(ctx, "doc-1", update, "peer"); err != nil {
			t.Fatalf("seed log: %v", err)
		}
	}

	replicaStore := NewStore(updates, NewLWWContainer, 5*time.Minute)
	info, err := replicaStore.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if info.Content != "charlie delta" {
		t.Fatalf("replayed content = %q", info.Content)
	}
	if info.Seq != 5 {
		t.Fatalf("replayed seq = %d, want 5", info.Seq)
	}
}

func TestOpenWithUnreadableLogYieldsEmptyDocument(t *testing.T) {
	ctx := context.Background()
	updates := newMemoryLog()
	updates.failAll = true

	replicaStore := NewStore(updates, NewLWWContainer, 5*time.Minute)
	info, err := replicaStore.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Open must not fail on unreadable log, got %v", err)
	}
	if info.Content != "" {
		t.Fatalf("content = %q, want empty", info.Content)
	}
}

func TestProduceOutgoingCoalescesPending(t *testing.T) {
	ctx := context.Background()
	replicaStore, _ := newTestStore()

	if _, err := replicaStore.ApplyLocal(ctx, "doc-1", EncodeSegmentWrite("s1", "one ", "alice", 100, 1, false), "alice"); err != nil {
		t.Fatalf("ApplyLocal: %v", err)
	}
	if _, err := replicaStore.ApplyLocal(ctx, "doc-1", EncodeSegmentWrite("s2", "two", "alice", 101, 2, false), "alice"); err != nil {
		t.Fatalf("ApplyLocal: %v", err)
	}

	merged, err := replicaStore.ProduceOutgoing(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ProduceOutgoing: %v", err)
	}
	if merged == nil {
		t.Fatal("expected pending update")
	}

	// Another replica applying the merged update converges.
	other := NewLWWContainer()
	if err := other.ApplyUpdate(merged); err != nil {
		t.Fatalf("apply merged: %v", err)
	}
	if other.Content() != "one two" {
		t.Fatalf("merged content = %q", other.Content())
	}

	again, err := replicaStore.ProduceOutgoing(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ProduceOutgoing again: %v", err)
	}
	if again != nil {
		t.Fatal("stage should be empty after produce")
	}
}

func TestDeltaReturnsUpdatesAfterSequence(t *testing.T) {
	ctx := context.Background()
	replicaStore, _ := newTestStore()
	for _, update := range testUpdates() {
		if _, err := replicaStore.ApplyIncoming(ctx, "doc-1", update, "peer"); err != nil {
			t.Fatalf("ApplyIncoming: %v", err)
		}
	}

	records, err := replicaStore.Delta(ctx, "doc-1", 3)
	if err != nil {
		t.Fatalf("Delta: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("delta count = %d, want 2", len(records))
	}
	if records[0].Seq != 4 || records[1].Seq != 5 {
		t.Fatalf("delta sequences = %d,%d", records[0].Seq, records[1].Seq)
	}
}

func TestEvictIdleHonorsGracePeriod(t *testing.T) {
	ctx := context.Background()
	replicaStore, _ := newTestStore()
	current := time.Unix(1000, 0)
	replicaStore.now = func() time.Time { return current }

	if _, err := replicaStore.Open(ctx, "doc-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	replicaStore.Close("doc-1")

	if evicted := replicaStore.EvictIdle(); evicted != 0 {
		t.Fatalf("evicted %d inside grace period", evicted)
	}

	current = current.Add(6 * time.Minute)
	if evicted := replicaStore.EvictIdle(); evicted != 1 {
		t.Fatalf("evicted %d after grace period, want 1", evicted)
	}
}

func TestEvictIdleCoversUnopenedReplicas(t *testing.T) {
	// A replica nobody holds a reference on must still age out, whether it
	// came into residence through a peer update or was touched after close.
	ctx := context.Background()
	replicaStore, _ := newTestStore()
	current := time.Unix(1000, 0)
	replicaStore.now = func() time.Time { return current }

	update := EncodeSegmentWrite("s1", "pushed", "peer", 100, 1, false)
	if _, err := replicaStore.ApplyIncoming(ctx, "doc-pushed", update, "peer"); err != nil {
		t.Fatalf("ApplyIncoming: %v", err)
	}

	if _, err := replicaStore.Open(ctx, "doc-snapshotted"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	replicaStore.Close("doc-snapshotted")
	replicaStore.State(ctx, "doc-snapshotted")

	if evicted := replicaStore.EvictIdle(); evicted != 0 {
		t.Fatalf("evicted %d inside grace period", evicted)
	}

	current = current.Add(24 * time.Hour)
	if evicted := replicaStore.EvictIdle(); evicted != 2 {
		t.Fatalf("evicted %d after grace period, want 2", evicted)
	}
}
