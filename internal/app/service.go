// Package app wires the engine's components behind the HTTP surface and
// owns the error taxonomy exposed to clients.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"coedit/engine/internal/comment"
	"coedit/engine/internal/conflict"
	"coedit/engine/internal/gateway"
	"coedit/engine/internal/knowsync"
	"coedit/engine/internal/lock"
	"coedit/engine/internal/perm"
	"coedit/engine/internal/presence"
	"coedit/engine/internal/replica"
	"coedit/engine/internal/search"
	"coedit/engine/internal/store"
	"coedit/engine/internal/version"
)

type pinger interface {
	PingContext(ctx context.Context) error
}

// auditStore exposes the durable rows the HTTP surface reads directly,
// bypassing the in-memory components: session history, the persisted lock
// mirror, and org membership administration.
type auditStore interface {
	ListActiveSessions(ctx context.Context, docID string) ([]store.Session, error)
	ListDocLocks(ctx context.Context, docID string) ([]store.Lock, error)
	UpsertOrgMember(ctx context.Context, member store.OrgMember) error
}

// Service composes the engine components. Each method translates component
// sentinel errors into the wire error taxonomy; the components themselves
// never know about HTTP.
type Service struct {
	gateway   *gateway.Gateway
	replicas  *replica.Store
	locks     *lock.Manager
	conflicts *conflict.Registry
	versions  *version.Manager
	comments  *comment.Service
	know      *knowsync.Broadcaster
	search    *search.Service
	perms     *perm.Service
	data      auditStore
	db        pinger
}

func NewService(g *gateway.Gateway, replicas *replica.Store, locks *lock.Manager, conflicts *conflict.Registry, versions *version.Manager, comments *comment.Service, know *knowsync.Broadcaster, searcher *search.Service, perms *perm.Service, data auditStore, db pinger) *Service {
	return &Service{
		gateway:   g,
		replicas:  replicas,
		locks:     locks,
		conflicts: conflicts,
		versions:  versions,
		comments:  comments,
		know:      know,
		search:    searcher,
		perms:     perms,
		data:      data,
		db:        db,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- sessions ---

func (s *Service) OpenDocument(ctx context.Context, docID, userID, userName, orgID string) (gateway.JoinPayload, error) {
	if docID == "" || userID == "" {
		return gateway.JoinPayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "docId and userId are required", nil)
	}
	return s.gateway.Open(ctx, docID, userID, userName, orgID)
}

func (s *Service) CloseSession(ctx context.Context, sessionID string) error {
	if err := s.gateway.Close(ctx, sessionID); err != nil {
		return mapSessionErr(err)
	}
	return nil
}

func (s *Service) SubmitUpdate(ctx context.Context, sessionID string, update []byte) (replica.Info, error) {
	if len(update) == 0 {
		return replica.Info{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "update payload is required", nil)
	}
	info, err := s.gateway.SubmitUpdate(ctx, sessionID, update)
	if err != nil {
		return replica.Info{}, mapSessionErr(err)
	}
	return info, nil
}

func (s *Service) UpdatesSince(ctx context.Context, docID string, fromSeq int64) ([]store.UpdateRecord, error) {
	return s.gateway.UpdatesSince(ctx, docID, fromSeq)
}

func (s *Service) Awareness(ctx context.Context, docID string) ([]presence.Entry, error) {
	return s.gateway.Awareness(ctx, docID)
}

func (s *Service) UpdateAwareness(ctx context.Context, sessionID string, cursor, selStart, selEnd *int) error {
	if err := s.gateway.UpdateAwareness(ctx, sessionID, cursor, selStart, selEnd); err != nil {
		return mapSessionErr(err)
	}
	return nil
}

func (s *Service) Stats(docID string) gateway.Stats {
	return s.gateway.Stats(docID)
}

// ActiveSessions lists a document's open sessions from the durable rows, so
// sessions held by other engine processes show up too.
func (s *Service) ActiveSessions(ctx context.Context, docID string) ([]store.Session, error) {
	return s.data.ListActiveSessions(ctx, docID)
}

// --- locks ---

func (s *Service) AcquireLock(ctx context.Context, sessionID string, rangeStart, rangeEnd *int, ttl time.Duration) (store.Lock, error) {
	docID, userID, userName, _, err := s.gateway.Session(sessionID)
	if err != nil {
		return store.Lock{}, mapSessionErr(err)
	}
	granted, err := s.locks.Acquire(ctx, lock.Request{
		DocID:      docID,
		OwnerID:    userID,
		OwnerName:  userName,
		RangeStart: rangeStart,
		RangeEnd:   rangeEnd,
		TTL:        ttl,
	})
	if err != nil {
		var conflictErr *lock.ConflictError
		if errors.As(err, &conflictErr) {
			return store.Lock{}, domainError(http.StatusConflict, "LOCK_CONFLICT", "Requested range is locked", map[string]any{
				"conflicting": conflictErr.Conflicting,
			})
		}
		return store.Lock{}, err
	}
	s.gateway.PublishLockEvent("lock_granted", granted)
	return granted, nil
}

func (s *Service) ReleaseLock(ctx context.Context, sessionID, lockID string) error {
	docID, userID, _, _, err := s.gateway.Session(sessionID)
	if err != nil {
		return mapSessionErr(err)
	}
	if err := s.locks.Release(ctx, lockID, userID); err != nil {
		switch {
		case errors.Is(err, lock.ErrNotFound):
			return domainError(http.StatusNotFound, "LOCK_NOT_FOUND", "Lock not found", nil)
		case errors.Is(err, lock.ErrNotOwner):
			return domainError(http.StatusForbidden, "NOT_LOCK_OWNER", "Lock is held by another user", nil)
		default:
			return err
		}
	}
	s.gateway.PublishLockEvent("lock_released", store.Lock{ID: lockID, DocID: docID, OwnerID: userID})
	return nil
}

func (s *Service) RenewLock(sessionID, lockID string) (store.Lock, error) {
	_, userID, _, _, err := s.gateway.Session(sessionID)
	if err != nil {
		return store.Lock{}, mapSessionErr(err)
	}
	renewed, err := s.locks.Renew(lockID, userID)
	if err != nil {
		switch {
		case errors.Is(err, lock.ErrNotFound):
			return store.Lock{}, domainError(http.StatusNotFound, "LOCK_NOT_FOUND", "Lock not found", nil)
		case errors.Is(err, lock.ErrNotOwner):
			return store.Lock{}, domainError(http.StatusForbidden, "NOT_LOCK_OWNER", "Lock is held by another user", nil)
		default:
			return store.Lock{}, err
		}
	}
	s.gateway.PublishLockEvent("lock_renewed", renewed)
	return renewed, nil
}

func (s *Service) DocLocks(docID string) []store.Lock {
	return s.locks.DocLocks(docID)
}

// DurableDocLocks reads the persisted lock mirror instead of the in-memory
// manager. After a restart, or from a process that is not running the
// manager, this is the only view of locks granted elsewhere.
func (s *Service) DurableDocLocks(ctx context.Context, docID string) ([]store.Lock, error) {
	return s.data.ListDocLocks(ctx, docID)
}

// --- conflicts ---

func (s *Service) ReportConflict(ctx context.Context, report conflict.Report) (store.Conflict, error) {
	recorded, err := s.conflicts.Record(ctx, report)
	if err != nil {
		return store.Conflict{}, err
	}
	s.gateway.RecordConflict(report.DocID)
	s.gateway.PublishEvent("conflict_reported", report.DocID, recorded)
	return recorded, nil
}

func (s *Service) ResolveConflict(ctx context.Context, conflictID, resolverID, strategy, mergedContent string) (store.Conflict, error) {
	resolved, err := s.conflicts.Resolve(ctx, conflictID, resolverID, strategy, mergedContent)
	if err != nil {
		if errors.Is(err, conflict.ErrNotFound) {
			return store.Conflict{}, domainError(http.StatusNotFound, "CONFLICT_NOT_FOUND", "Conflict not found", nil)
		}
		return store.Conflict{}, err
	}
	s.gateway.PublishEvent("conflict_resolved", resolved.DocID, resolved)
	return resolved, nil
}

func (s *Service) ListConflicts(ctx context.Context, docID string, openOnly bool) ([]store.Conflict, error) {
	return s.conflicts.List(ctx, docID, openOnly)
}

// --- versions ---

func (s *Service) CreateSnapshot(ctx context.Context, docID, authorID, reason string) (store.Snapshot, error) {
	if reason == "" {
		reason = "manual"
	}
	return s.versions.Snapshot(ctx, docID, version.Metadata{Reason: reason, AuthorID: authorID})
}

func (s *Service) VersionHistory(ctx context.Context, docID string) ([]store.Snapshot, error) {
	return s.versions.History(ctx, docID)
}

// RestoreVersion takes the pre-restore snapshot, re-applies the target state
// through the replica store, and fans the restore out.
func (s *Service) RestoreVersion(ctx context.Context, docID, snapshotID, authorID string) (replica.Info, error) {
	restored, err := s.versions.Restore(ctx, docID, snapshotID, authorID)
	if err != nil {
		if errors.Is(err, version.ErrNotFound) {
			return replica.Info{}, domainError(http.StatusNotFound, "VERSION_NOT_FOUND", "Snapshot not found", nil)
		}
		return replica.Info{}, err
	}
	info, err := s.replicas.ApplyIncoming(ctx, docID, restored.State, authorID)
	if err != nil {
		return replica.Info{}, err
	}
	s.gateway.PublishEvent("document_restored", docID, map[string]any{
		"snapshot_id": snapshotID,
		"author_id":   authorID,
		"seq":         info.Seq,
	})
	return info, nil
}

// --- comments ---

func (s *Service) AddComment(ctx context.Context, docID, authorID, authorName, content string, posStart int, posEnd *int) (store.Comment, error) {
	if content == "" {
		return store.Comment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	added, err := s.comments.Add(ctx, docID, authorID, authorName, content, posStart, posEnd)
	if err != nil {
		return store.Comment{}, err
	}
	s.gateway.RecordComment(docID)
	s.gateway.PublishEvent("comment_added", docID, added)
	return added, nil
}

func (s *Service) ReplyComment(ctx context.Context, docID, threadID, authorID, authorName, content string) (store.Comment, error) {
	reply, err := s.comments.Reply(ctx, docID, threadID, authorID, authorName, content)
	if err != nil {
		if errors.Is(err, comment.ErrNotFound) {
			return store.Comment{}, domainError(http.StatusNotFound, "COMMENT_NOT_FOUND", "Comment thread not found", nil)
		}
		return store.Comment{}, err
	}
	s.gateway.RecordComment(docID)
	s.gateway.PublishEvent("comment_added", docID, reply)
	return reply, nil
}

func (s *Service) ResolveCommentThread(ctx context.Context, docID, threadID, resolvedBy string) error {
	if err := s.comments.ResolveThread(ctx, docID, threadID, resolvedBy); err != nil {
		if errors.Is(err, comment.ErrNotFound) {
			return domainError(http.StatusNotFound, "COMMENT_NOT_FOUND", "Comment thread not found", nil)
		}
		return err
	}
	s.gateway.PublishEvent("comment_resolved", docID, map[string]string{"thread_id": threadID, "resolved_by": resolvedBy})
	return nil
}

func (s *Service) ListComments(ctx context.Context, docID string) ([]comment.Thread, error) {
	return s.comments.Threads(ctx, docID)
}

// ExportDocument renders the document text with comment markers and
// footnotes. The replica is opened just for the read.
func (s *Service) ExportDocument(ctx context.Context, docID string) (string, error) {
	info, err := s.replicas.Open(ctx, docID)
	if err != nil {
		return "", err
	}
	defer s.replicas.Close(docID)
	if info.Seq == 0 && info.Content == "" {
		return "", domainError(http.StatusNotFound, "DOCUMENT_NOT_FOUND", "Document has no content", nil)
	}
	return s.comments.Export(ctx, docID, info.Content)
}

// --- knowledge ---

func (s *Service) SearchKnowledge(ctx context.Context, orgID, query string, limit int) ([]search.Result, error) {
	if orgID == "" || query == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "orgId and q are required", nil)
	}
	return s.search.Search(ctx, orgID, query, limit)
}

func (s *Service) CreateKnowledgeItem(ctx context.Context, orgID, actorID, folderID, title, content string) (store.KnowledgeItem, error) {
	item, err := s.know.CreateItem(ctx, orgID, actorID, folderID, title, content)
	return item, mapKnowErr(err)
}

func (s *Service) UpdateKnowledgeItem(ctx context.Context, orgID, actorID, itemID, title, content string) (store.KnowledgeItem, error) {
	item, err := s.know.UpdateItem(ctx, orgID, actorID, itemID, title, content)
	return item, mapKnowErr(err)
}

func (s *Service) DeleteKnowledgeItem(ctx context.Context, orgID, actorID, itemID string) error {
	return mapKnowErr(s.know.DeleteItem(ctx, orgID, actorID, itemID))
}

func (s *Service) MoveKnowledgeItem(ctx context.Context, orgID, actorID, itemID, folderID string) error {
	return mapKnowErr(s.know.MoveItem(ctx, orgID, actorID, itemID, folderID))
}

func (s *Service) CreateFolder(ctx context.Context, orgID, actorID, parentID, name string) (store.Folder, error) {
	folder, err := s.know.CreateFolder(ctx, orgID, actorID, parentID, name)
	return folder, mapKnowErr(err)
}

func (s *Service) UpdateFolder(ctx context.Context, orgID, actorID, folderID, name string) (store.Folder, error) {
	folder, err := s.know.UpdateFolder(ctx, orgID, actorID, folderID, name)
	return folder, mapKnowErr(err)
}

func (s *Service) DeleteFolder(ctx context.Context, orgID, actorID, folderID string) error {
	return mapKnowErr(s.know.DeleteFolder(ctx, orgID, actorID, folderID))
}

func (s *Service) SetItemPermissions(ctx context.Context, orgID, actorID, itemID, permissionsJSON string) (store.KnowledgeItem, error) {
	if permissionsJSON != "" && !json.Valid([]byte(permissionsJSON)) {
		return store.KnowledgeItem{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "permissions must be a JSON object", nil)
	}
	item, err := s.know.SetItemPermissions(ctx, orgID, actorID, itemID, permissionsJSON)
	return item, mapKnowErr(err)
}

func (s *Service) SetFolderPermissions(ctx context.Context, orgID, actorID, folderID, permissionsJSON string) (store.Folder, error) {
	if permissionsJSON != "" && !json.Valid([]byte(permissionsJSON)) {
		return store.Folder{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "permissions must be a JSON object", nil)
	}
	folder, err := s.know.SetFolderPermissions(ctx, orgID, actorID, folderID, permissionsJSON)
	return folder, mapKnowErr(err)
}

func (s *Service) RequestKnowledgeSync(ctx context.Context, orgID string, since time.Time) error {
	if orgID == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "orgId is required", nil)
	}
	s.know.RequestSync(ctx, orgID, since)
	return nil
}

func (s *Service) EffectivePermissions(ctx context.Context, orgID, userID, resourceType, resourceID string) ([]perm.Action, error) {
	return s.perms.EffectivePermissions(ctx, orgID, userID, resourceType, resourceID)
}

// UpsertMember sets a user's role in an organization.
func (s *Service) UpsertMember(ctx context.Context, orgID, userID, role string) (store.OrgMember, error) {
	if orgID == "" || userID == "" {
		return store.OrgMember{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "orgId and userId are required", nil)
	}
	if perm.Normalize(role) == "" {
		return store.OrgMember{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown role", map[string]any{"role": role})
	}
	member := store.OrgMember{OrgID: orgID, UserID: userID, Role: role}
	if err := s.data.UpsertOrgMember(ctx, member); err != nil {
		return store.OrgMember{}, err
	}
	return member, nil
}

// --- peer replication ---

// ProduceOutgoing drains a document's pending local edits into one coalesced
// update for a pulling peer.
func (s *Service) ProduceOutgoing(ctx context.Context, docID string) ([]byte, error) {
	return s.replicas.ProduceOutgoing(ctx, docID)
}

// ApplyIncoming merges an update pushed by a remote peer.
func (s *Service) ApplyIncoming(ctx context.Context, docID string, update []byte, authorID string) (replica.Info, error) {
	if len(update) == 0 {
		return replica.Info{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "update payload is required", nil)
	}
	info, err := s.replicas.ApplyIncoming(ctx, docID, update, authorID)
	if err != nil {
		return replica.Info{}, err
	}
	s.gateway.PublishEvent("update", docID, map[string]any{
		"seq":       info.Seq,
		"author_id": authorID,
		"update":    update,
	})
	return info, nil
}

// --- error mapping helpers ---

func mapSessionErr(err error) error {
	if errors.Is(err, gateway.ErrSessionNotFound) {
		return domainError(http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", nil)
	}
	return err
}

func mapKnowErr(err error) error {
	if errors.Is(err, knowsync.ErrPermissionDenied) {
		return domainError(http.StatusForbidden, "PERMISSION_DENIED", "Not allowed", nil)
	}
	return err
}
