package comment

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"coedit/engine/internal/store"
)

type fakeCommentStore struct {
	mu       sync.Mutex
	comments []store.Comment
}

func (f *fakeCommentStore) InsertComment(_ context.Context, item store.Comment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, item)
	return nil
}

func (f *fakeCommentStore) ResolveCommentThread(_ context.Context, docID, threadID, resolvedBy string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	found := false
	for i := range f.comments {
		if f.comments[i].DocID == docID && f.comments[i].ThreadID == threadID {
			f.comments[i].Status = StatusResolved
			f.comments[i].ResolvedBy = resolvedBy
			found = true
		}
	}
	return found, nil
}

func (f *fakeCommentStore) ListDocComments(_ context.Context, docID string) ([]store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Comment, 0)
	for _, c := range f.comments {
		if c.DocID == docID {
			out = append(out, c)
		}
	}
	return out, nil
}

func newTestService() (*Service, *fakeCommentStore) {
	fake := &fakeCommentStore{}
	svc := NewService(fake)
	base := time.Unix(1_700_000_000, 0)
	calls := 0
	svc.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}
	return svc, fake
}

func TestAddAndReply(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	root, err := svc.Add(ctx, "doc-1", "u-alice", "Alice", "needs a citation", 12, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if root.Status != StatusOpen || root.ThreadID == "" {
		t.Fatalf("root = %+v", root)
	}

	reply, err := svc.Reply(ctx, "doc-1", root.ThreadID, "u-bob", "Bob", "added one")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if reply.ParentCommentID != root.ID || reply.PositionStart != 12 {
		t.Fatalf("reply = %+v", reply)
	}

	threads, err := svc.Threads(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Threads: %v", err)
	}
	if len(threads) != 1 || len(threads[0].Replies) != 1 {
		t.Fatalf("threads = %+v", threads)
	}
}

func TestReplyToUnknownThread(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Reply(context.Background(), "doc-1", "thr-missing", "u-bob", "Bob", "hello?")
	if err != ErrNotFound {
		t.Fatalf("Reply unknown = %v, want ErrNotFound", err)
	}
}

func TestResolveThread(t *testing.T) {
	svc, fake := newTestService()
	ctx := context.Background()

	root, err := svc.Add(ctx, "doc-1", "u-alice", "Alice", "typo here", 3, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := svc.Reply(ctx, "doc-1", root.ThreadID, "u-bob", "Bob", "fixed"); err != nil {
		t.Fatalf("Reply: %v", err)
	}

	if err := svc.ResolveThread(ctx, "doc-1", root.ThreadID, "u-bob"); err != nil {
		t.Fatalf("ResolveThread: %v", err)
	}
	for _, c := range fake.comments {
		if c.Status != StatusResolved {
			t.Fatalf("comment %s not resolved", c.ID)
		}
	}

	if err := svc.ResolveThread(ctx, "doc-1", "thr-missing", "u-bob"); err != ErrNotFound {
		t.Fatalf("resolve unknown = %v, want ErrNotFound", err)
	}
}

func TestThreadsOrderedByPosition(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Add(ctx, "doc-1", "u-a", "A", "later anchor", 30, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := svc.Add(ctx, "doc-1", "u-b", "B", "earlier anchor", 5, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	threads, err := svc.Threads(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Threads: %v", err)
	}
	if threads[0].Root.Content != "earlier anchor" || threads[1].Root.Content != "later anchor" {
		t.Fatalf("thread order wrong: %+v", threads)
	}
}

func TestExportMarkersAndFootnotes(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	content := "The quick brown fox jumps over the lazy dog"

	first, err := svc.Add(ctx, "doc-1", "u-alice", "Alice", "which fox?", 4, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := svc.Reply(ctx, "doc-1", first.ThreadID, "u-bob", "Bob", "a red one"); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if _, err := svc.Add(ctx, "doc-1", "u-carol", "Carol", "lazy is unfair", 35, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	out, err := svc.Export(ctx, "doc-1", content)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	if !strings.HasPrefix(out, "The [c1]quick") {
		t.Fatalf("first marker misplaced: %q", out)
	}
	if !strings.Contains(out, "[c2]lazy dog") {
		t.Fatalf("second marker misplaced: %q", out)
	}
	if !strings.Contains(out, "[c1] (open) Alice: which fox?") {
		t.Fatalf("footnote missing root: %q", out)
	}
	if !strings.Contains(out, "    Bob: a red one") {
		t.Fatalf("footnote missing reply: %q", out)
	}
	if !strings.Contains(out, "[c2] (open) Carol: lazy is unfair") {
		t.Fatalf("footnote missing second thread: %q", out)
	}
}

func TestExportClampsAnchorPastEnd(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Add(ctx, "doc-1", "u-a", "A", "dangling", 999, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	out, err := svc.Export(ctx, "doc-1", "short")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !strings.HasPrefix(out, "short[c1]") {
		t.Fatalf("anchor not clamped: %q", out)
	}
}

func TestExportWithoutComments(t *testing.T) {
	svc, _ := newTestService()

	out, err := svc.Export(context.Background(), "doc-1", "plain content")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if out != "plain content" {
		t.Fatalf("export without comments = %q", out)
	}
}
