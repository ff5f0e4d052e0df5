// Package conflict records concurrent-edit conflicts and their resolutions.
package conflict

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"coedit/engine/internal/store"
	"coedit/engine/internal/util"
)

var ErrNotFound = errors.New("conflict not found")

type conflictStore interface {
	InsertConflict(ctx context.Context, item store.Conflict) error
	GetConflict(ctx context.Context, conflictID string) (store.Conflict, error)
	MarkConflictResolved(ctx context.Context, conflictID, resolverID, strategy, mergedContent string) (bool, error)
	ListDocConflicts(ctx context.Context, docID string, openOnly bool) ([]store.Conflict, error)
}

// Report describes a detected conflict. Both sides are captured verbatim so
// a human can reconstruct what each replica saw.
type Report struct {
	DocID         string
	OrgID         string
	ConflictType  string
	LocalVersion  int64
	RemoteVersion int64
	LocalContent  string
	RemoteContent string
	LocalAuthor   string
	RemoteAuthor  string
}

// Registry is an append-only record of conflicts. Records are never deleted;
// resolving stamps the record, and a later resolve overwrites the stamp.
type Registry struct {
	store conflictStore
	now   func() time.Time
}

func NewRegistry(s conflictStore) *Registry {
	return &Registry{store: s, now: time.Now}
}

// Record inserts a conflict unconditionally. Two reports of the same
// divergence are two records; deduplication is the reporter's problem.
func (r *Registry) Record(ctx context.Context, report Report) (store.Conflict, error) {
	item := store.Conflict{
		ID:            util.NewID("cfl"),
		DocID:         report.DocID,
		OrgID:         report.OrgID,
		ConflictType:  report.ConflictType,
		LocalVersion:  report.LocalVersion,
		RemoteVersion: report.RemoteVersion,
		LocalContent:  report.LocalContent,
		RemoteContent: report.RemoteContent,
		LocalAuthor:   report.LocalAuthor,
		RemoteAuthor:  report.RemoteAuthor,
		CreatedAt:     r.now(),
	}
	if err := r.store.InsertConflict(ctx, item); err != nil {
		return store.Conflict{}, err
	}
	return item, nil
}

// Resolve stamps a conflict with resolver, strategy and merged content.
// Resolving an already-resolved conflict overwrites the previous stamp, so a
// bad resolution can be corrected by resolving again.
func (r *Registry) Resolve(ctx context.Context, conflictID, resolverID, strategy, mergedContent string) (store.Conflict, error) {
	ok, err := r.store.MarkConflictResolved(ctx, conflictID, resolverID, strategy, mergedContent)
	if err != nil {
		return store.Conflict{}, err
	}
	if !ok {
		return store.Conflict{}, ErrNotFound
	}
	return r.Get(ctx, conflictID)
}

func (r *Registry) Get(ctx context.Context, conflictID string) (store.Conflict, error) {
	item, err := r.store.GetConflict(ctx, conflictID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Conflict{}, ErrNotFound
	}
	if err != nil {
		return store.Conflict{}, err
	}
	return item, nil
}

// List returns a document's conflicts, optionally only the unresolved ones.
func (r *Registry) List(ctx context.Context, docID string, openOnly bool) ([]store.Conflict, error) {
	return r.store.ListDocConflicts(ctx, docID, openOnly)
}
