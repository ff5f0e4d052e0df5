// Package comment stores positioned comment threads and renders exports.
package comment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"coedit/engine/internal/store"
	"coedit/engine/internal/util"
)

var ErrNotFound = errors.New("comment thread not found")

const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

type commentStore interface {
	InsertComment(ctx context.Context, item store.Comment) error
	ResolveCommentThread(ctx context.Context, docID, threadID, resolvedBy string) (bool, error)
	ListDocComments(ctx context.Context, docID string) ([]store.Comment, error)
}

// Thread is a root comment plus its replies, ordered oldest first.
type Thread struct {
	ThreadID string
	Root     store.Comment
	Replies  []store.Comment
}

type Service struct {
	store commentStore
	now   func() time.Time
}

func NewService(s commentStore) *Service {
	return &Service{store: s, now: time.Now}
}

// Add starts a new thread anchored at a content position.
func (s *Service) Add(ctx context.Context, docID, authorID, authorName, content string, posStart int, posEnd *int) (store.Comment, error) {
	now := s.now()
	item := store.Comment{
		ID:            util.NewID("cmt"),
		DocID:         docID,
		ThreadID:      util.NewID("thr"),
		AuthorID:      authorID,
		AuthorName:    authorName,
		Content:       content,
		PositionStart: posStart,
		PositionEnd:   posEnd,
		Status:        StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.InsertComment(ctx, item); err != nil {
		return store.Comment{}, err
	}
	return item, nil
}

// Reply appends to an existing thread. The reply inherits the thread anchor.
func (s *Service) Reply(ctx context.Context, docID, threadID, authorID, authorName, content string) (store.Comment, error) {
	threads, err := s.Threads(ctx, docID)
	if err != nil {
		return store.Comment{}, err
	}
	var root *store.Comment
	for i := range threads {
		if threads[i].ThreadID == threadID {
			root = &threads[i].Root
			break
		}
	}
	if root == nil {
		return store.Comment{}, ErrNotFound
	}

	now := s.now()
	item := store.Comment{
		ID:              util.NewID("cmt"),
		DocID:           docID,
		ThreadID:        threadID,
		ParentCommentID: root.ID,
		AuthorID:        authorID,
		AuthorName:      authorName,
		Content:         content,
		PositionStart:   root.PositionStart,
		PositionEnd:     root.PositionEnd,
		Status:          root.Status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.InsertComment(ctx, item); err != nil {
		return store.Comment{}, err
	}
	return item, nil
}

// ResolveThread marks every comment in a thread resolved.
func (s *Service) ResolveThread(ctx context.Context, docID, threadID, resolvedBy string) error {
	ok, err := s.store.ResolveCommentThread(ctx, docID, threadID, resolvedBy)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Threads groups a document's comments into threads ordered by anchor
// position, replies oldest first within each.
func (s *Service) Threads(ctx context.Context, docID string) ([]Thread, error) {
	comments, err := s.store.ListDocComments(ctx, docID)
	if err != nil {
		return nil, err
	}

	byThread := make(map[string]*Thread)
	var order []string
	for _, c := range comments {
		t, ok := byThread[c.ThreadID]
		if !ok {
			t = &Thread{ThreadID: c.ThreadID}
			byThread[c.ThreadID] = t
			order = append(order, c.ThreadID)
		}
		if c.ParentCommentID == "" {
			t.Root = c
		} else {
			t.Replies = append(t.Replies, c)
		}
	}

	threads := make([]Thread, 0, len(order))
	for _, id := range order {
		t := byThread[id]
		sort.Slice(t.Replies, func(i, j int) bool {
			return t.Replies[i].CreatedAt.Before(t.Replies[j].CreatedAt)
		})
		threads = append(threads, *t)
	}
	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].Root.PositionStart < threads[j].Root.PositionStart
	})
	return threads, nil
}

// Export renders the document content with [c1]-style markers at each
// thread's anchor and a footnote section listing the threads. Anchors past
// the end of the content are clamped to the end.
func (s *Service) Export(ctx context.Context, docID, content string) (string, error) {
	threads, err := s.Threads(ctx, docID)
	if err != nil {
		return "", err
	}
	if len(threads) == 0 {
		return content, nil
	}

	// Insert back to front so earlier anchors stay valid.
	rendered := content
	for i := len(threads) - 1; i >= 0; i-- {
		pos := threads[i].Root.PositionStart
		if pos < 0 {
			pos = 0
		}
		if pos > len(rendered) {
			pos = len(rendered)
		}
		marker := fmt.Sprintf("[c%d]", i+1)
		rendered = rendered[:pos] + marker + rendered[pos:]
	}

	var b strings.Builder
	b.WriteString(rendered)
	b.WriteString("\n\n---\nComments:\n")
	for i, t := range threads {
		status := t.Root.Status
		if status == "" {
			status = StatusOpen
		}
		fmt.Fprintf(&b, "[c%d] (%s) %s: %s\n", i+1, status, t.Root.AuthorName, t.Root.Content)
		for _, reply := range t.Replies {
			fmt.Fprintf(&b, "    %s: %s\n", reply.AuthorName, reply.Content)
		}
	}
	return b.String(), nil
}
