package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coedit/engine/internal/conflict"
)

// HTTPServer is the REST surface. Routing is a hand-rolled dispatch over the
// path segments; every handler ends in writeJSON or writeError.
type HTTPServer struct {
	svc        *Service
	corsOrigin string
}

func NewHTTPServer(svc *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{svc: svc, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/ready", s.handleReady)
	mux.HandleFunc("/api/docs/", s.handleDocs)
	mux.HandleFunc("/api/sessions/", s.handleSessions)
	mux.HandleFunc("/api/conflicts/", s.handleConflicts)
	mux.HandleFunc("/api/orgs/", s.handleOrgs)
	mux.HandleFunc("/api/knowledge/search", s.handleKnowledgeSearch)
	mux.HandleFunc("/api/knowledge/sync", s.handleKnowledgeSync)
	mux.HandleFunc("/api/knowledge/permissions", s.handleEffectivePermissions)
	mux.HandleFunc("/api/knowledge/items", s.handleKnowledgeItems)
	mux.HandleFunc("/api/knowledge/items/", s.handleKnowledgeItem)
	mux.HandleFunc("/api/knowledge/folders", s.handleFolders)
	mux.HandleFunc("/api/knowledge/folders/", s.handleFolder)
	return s.withMiddleware(mux)
}

// --- health ---

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok"}
	status := http.StatusOK
	if err := s.svc.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": status == http.StatusOK, "checks": checks})
}

// --- documents ---

// handleDocs dispatches /api/docs/{docID}/...
func (s *HTTPServer) handleDocs(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/docs/"))
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown route", nil)
		return
	}
	docID := parts[0]
	rest := parts[1:]

	switch {
	case len(rest) == 1 && rest[0] == "open" && r.Method == http.MethodPost:
		s.openDocument(w, r, docID)
	case len(rest) == 1 && rest[0] == "updates" && r.Method == http.MethodGet:
		s.listUpdates(w, r, docID)
	case len(rest) == 1 && rest[0] == "awareness" && r.Method == http.MethodGet:
		s.listAwareness(w, r, docID)
	case len(rest) == 1 && rest[0] == "locks" && r.Method == http.MethodGet:
		s.listLocks(w, r, docID)
	case len(rest) == 1 && rest[0] == "sessions" && r.Method == http.MethodGet:
		s.listSessions(w, r, docID)
	case len(rest) == 1 && rest[0] == "conflicts" && r.Method == http.MethodPost:
		s.reportConflict(w, r, docID)
	case len(rest) == 1 && rest[0] == "conflicts" && r.Method == http.MethodGet:
		s.listConflicts(w, r, docID)
	case len(rest) == 1 && rest[0] == "snapshots" && r.Method == http.MethodPost:
		s.createSnapshot(w, r, docID)
	case len(rest) == 1 && rest[0] == "snapshots" && r.Method == http.MethodGet:
		s.listSnapshots(w, r, docID)
	case len(rest) == 1 && rest[0] == "restore" && r.Method == http.MethodPost:
		s.restoreVersion(w, r, docID)
	case len(rest) == 1 && rest[0] == "comments" && r.Method == http.MethodPost:
		s.addComment(w, r, docID)
	case len(rest) == 1 && rest[0] == "comments" && r.Method == http.MethodGet:
		s.listComments(w, r, docID)
	case len(rest) == 3 && rest[0] == "comments" && rest[2] == "reply" && r.Method == http.MethodPost:
		s.replyComment(w, r, docID, rest[1])
	case len(rest) == 3 && rest[0] == "comments" && rest[2] == "resolve" && r.Method == http.MethodPost:
		s.resolveComment(w, r, docID, rest[1])
	case len(rest) == 1 && rest[0] == "export" && r.Method == http.MethodGet:
		s.exportDocument(w, r, docID)
	case len(rest) == 1 && rest[0] == "stats" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.svc.Stats(docID))
	case len(rest) == 1 && rest[0] == "outgoing" && r.Method == http.MethodPost:
		s.produceOutgoing(w, r, docID)
	case len(rest) == 1 && rest[0] == "incoming" && r.Method == http.MethodPost:
		s.applyIncoming(w, r, docID)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown route", nil)
	}
}

func (s *HTTPServer) openDocument(w http.ResponseWriter, r *http.Request, docID string) {
	var body struct {
		UserID   string `json:"user_id"`
		UserName string `json:"user_name"`
		OrgID    string `json:"org_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	payload, err := s.svc.OpenDocument(r.Context(), docID, body.UserID, body.UserName, body.OrgID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) listUpdates(w http.ResponseWriter, r *http.Request, docID string) {
	fromSeq, _ := strconv.ParseInt(r.URL.Query().Get("from_seq"), 10, 64)
	records, err := s.svc.UpdatesSince(r.Context(), docID, fromSeq)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// listLocks serves the in-memory lock manager's view by default; ?durable=true
// reads the persisted mirror instead, which also covers locks granted before
// a restart or by another process.
func (s *HTTPServer) listLocks(w http.ResponseWriter, r *http.Request, docID string) {
	if r.URL.Query().Get("durable") != "true" {
		writeJSON(w, http.StatusOK, s.svc.DocLocks(docID))
		return
	}
	locks, err := s.svc.DurableDocLocks(r.Context(), docID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, locks)
}

func (s *HTTPServer) listSessions(w http.ResponseWriter, r *http.Request, docID string) {
	sessions, err := s.svc.ActiveSessions(r.Context(), docID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *HTTPServer) listAwareness(w http.ResponseWriter, r *http.Request, docID string) {
	entries, err := s.svc.Awareness(r.Context(), docID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *HTTPServer) reportConflict(w http.ResponseWriter, r *http.Request, docID string) {
	var body struct {
		OrgID         string `json:"org_id"`
		ConflictType  string `json:"conflict_type"`
		LocalVersion  int64  `json:"local_version"`
		RemoteVersion int64  `json:"remote_version"`
		LocalContent  string `json:"local_content"`
		RemoteContent string `json:"remote_content"`
		LocalAuthor   string `json:"local_author"`
		RemoteAuthor  string `json:"remote_author"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	recorded, err := s.svc.ReportConflict(r.Context(), conflict.Report{
		DocID:         docID,
		OrgID:         body.OrgID,
		ConflictType:  body.ConflictType,
		LocalVersion:  body.LocalVersion,
		RemoteVersion: body.RemoteVersion,
		LocalContent:  body.LocalContent,
		RemoteContent: body.RemoteContent,
		LocalAuthor:   body.LocalAuthor,
		RemoteAuthor:  body.RemoteAuthor,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, recorded)
}

func (s *HTTPServer) listConflicts(w http.ResponseWriter, r *http.Request, docID string) {
	openOnly := r.URL.Query().Get("open") == "true"
	items, err := s.svc.ListConflicts(r.Context(), docID, openOnly)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) createSnapshot(w http.ResponseWriter, r *http.Request, docID string) {
	var body struct {
		AuthorID string `json:"author_id"`
		Reason   string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	snap, err := s.svc.CreateSnapshot(r.Context(), docID, body.AuthorID, body.Reason)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *HTTPServer) listSnapshots(w http.ResponseWriter, r *http.Request, docID string) {
	snaps, err := s.svc.VersionHistory(r.Context(), docID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *HTTPServer) restoreVersion(w http.ResponseWriter, r *http.Request, docID string) {
	var body struct {
		SnapshotID string `json:"snapshot_id"`
		AuthorID   string `json:"author_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.SnapshotID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "snapshot_id is required", nil)
		return
	}
	info, err := s.svc.RestoreVersion(r.Context(), docID, body.SnapshotID, body.AuthorID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *HTTPServer) addComment(w http.ResponseWriter, r *http.Request, docID string) {
	var body struct {
		AuthorID   string `json:"author_id"`
		AuthorName string `json:"author_name"`
		Content    string `json:"content"`
		PosStart   int    `json:"position_start"`
		PosEnd     *int   `json:"position_end"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	added, err := s.svc.AddComment(r.Context(), docID, body.AuthorID, body.AuthorName, body.Content, body.PosStart, body.PosEnd)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *HTTPServer) listComments(w http.ResponseWriter, r *http.Request, docID string) {
	threads, err := s.svc.ListComments(r.Context(), docID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, threads)
}

func (s *HTTPServer) replyComment(w http.ResponseWriter, r *http.Request, docID, threadID string) {
	var body struct {
		AuthorID   string `json:"author_id"`
		AuthorName string `json:"author_name"`
		Content    string `json:"content"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	reply, err := s.svc.ReplyComment(r.Context(), docID, threadID, body.AuthorID, body.AuthorName, body.Content)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reply)
}

func (s *HTTPServer) resolveComment(w http.ResponseWriter, r *http.Request, docID, threadID string) {
	var body struct {
		ResolvedBy string `json:"resolved_by"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.svc.ResolveCommentThread(r.Context(), docID, threadID, body.ResolvedBy); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

func (s *HTTPServer) exportDocument(w http.ResponseWriter, r *http.Request, docID string) {
	text, err := s.svc.ExportDocument(r.Context(), docID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"doc_id": docID, "content": text})
}

func (s *HTTPServer) produceOutgoing(w http.ResponseWriter, r *http.Request, docID string) {
	update, err := s.svc.ProduceOutgoing(r.Context(), docID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"doc_id": docID, "update": update})
}

func (s *HTTPServer) applyIncoming(w http.ResponseWriter, r *http.Request, docID string) {
	var body struct {
		Update   []byte `json:"update"`
		AuthorID string `json:"author_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	info, err := s.svc.ApplyIncoming(r.Context(), docID, body.Update, body.AuthorID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// --- sessions ---

// handleSessions dispatches /api/sessions/{sessionID}/...
func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/sessions/"))
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown route", nil)
		return
	}
	sessionID := parts[0]
	rest := parts[1:]

	switch {
	case len(rest) == 1 && rest[0] == "close" && r.Method == http.MethodPost:
		s.closeSession(w, r, sessionID)
	case len(rest) == 1 && rest[0] == "updates" && r.Method == http.MethodPost:
		s.submitUpdate(w, r, sessionID)
	case len(rest) == 1 && rest[0] == "awareness" && r.Method == http.MethodPost:
		s.updateAwareness(w, r, sessionID)
	case len(rest) == 1 && rest[0] == "locks" && r.Method == http.MethodPost:
		s.acquireLock(w, r, sessionID)
	case len(rest) == 2 && rest[0] == "locks" && r.Method == http.MethodDelete:
		s.releaseLock(w, r, sessionID, rest[1])
	case len(rest) == 3 && rest[0] == "locks" && rest[2] == "renew" && r.Method == http.MethodPost:
		s.renewLock(w, r, sessionID, rest[1])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown route", nil)
	}
}

func (s *HTTPServer) closeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := s.svc.CloseSession(r.Context(), sessionID); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"closed": true})
}

func (s *HTTPServer) submitUpdate(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body struct {
		Update []byte `json:"update"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	info, err := s.svc.SubmitUpdate(r.Context(), sessionID, body.Update)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *HTTPServer) updateAwareness(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body struct {
		Cursor   *int `json:"cursor"`
		SelStart *int `json:"sel_start"`
		SelEnd   *int `json:"sel_end"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.svc.UpdateAwareness(r.Context(), sessionID, body.Cursor, body.SelStart, body.SelEnd); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *HTTPServer) acquireLock(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body struct {
		RangeStart *int `json:"range_start"`
		RangeEnd   *int `json:"range_end"`
		TTLSeconds int  `json:"ttl_seconds"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	granted, err := s.svc.AcquireLock(r.Context(), sessionID, body.RangeStart, body.RangeEnd, time.Duration(body.TTLSeconds)*time.Second)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, granted)
}

func (s *HTTPServer) releaseLock(w http.ResponseWriter, r *http.Request, sessionID, lockID string) {
	if err := s.svc.ReleaseLock(r.Context(), sessionID, lockID); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": true})
}

func (s *HTTPServer) renewLock(w http.ResponseWriter, r *http.Request, sessionID, lockID string) {
	renewed, err := s.svc.RenewLock(sessionID, lockID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renewed)
}

// --- conflicts (cross-document id space) ---

// handleConflicts dispatches /api/conflicts/{conflictID}/resolve.
func (s *HTTPServer) handleConflicts(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/conflicts/"))
	if len(parts) != 2 || parts[1] != "resolve" || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown route", nil)
		return
	}
	var body struct {
		ResolverID    string `json:"resolver_id"`
		Strategy      string `json:"strategy"`
		MergedContent string `json:"merged_content"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	resolved, err := s.svc.ResolveConflict(r.Context(), parts[0], body.ResolverID, body.Strategy, body.MergedContent)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

// --- organizations ---

// handleOrgs dispatches /api/orgs/{orgID}/members.
func (s *HTTPServer) handleOrgs(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/orgs/"))
	if len(parts) != 2 || parts[1] != "members" || r.Method != http.MethodPut {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown route", nil)
		return
	}
	var body struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	member, err := s.svc.UpsertMember(r.Context(), parts[0], body.UserID, body.Role)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

// --- knowledge ---

func (s *HTTPServer) handleKnowledgeSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Use GET", nil)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	results, err := s.svc.SearchKnowledge(r.Context(), q.Get("org_id"), q.Get("q"), limit)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *HTTPServer) handleKnowledgeSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Use POST", nil)
		return
	}
	var body struct {
		OrgID string    `json:"org_id"`
		Since time.Time `json:"since"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.svc.RequestKnowledgeSync(r.Context(), body.OrgID, body.Since); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"requested": true})
}

func (s *HTTPServer) handleEffectivePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Use GET", nil)
		return
	}
	q := r.URL.Query()
	actions, err := s.svc.EffectivePermissions(r.Context(), q.Get("org_id"), q.Get("user_id"), q.Get("resource_type"), q.Get("resource_id"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *HTTPServer) handleKnowledgeItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Use POST", nil)
		return
	}
	var body struct {
		OrgID    string `json:"org_id"`
		ActorID  string `json:"actor_id"`
		FolderID string `json:"folder_id"`
		Title    string `json:"title"`
		Content  string `json:"content"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	item, err := s.svc.CreateKnowledgeItem(r.Context(), body.OrgID, body.ActorID, body.FolderID, body.Title, body.Content)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// handleKnowledgeItem dispatches /api/knowledge/items/{itemID}[/move].
func (s *HTTPServer) handleKnowledgeItem(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/knowledge/items/"))
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown route", nil)
		return
	}
	itemID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodPut:
		var body struct {
			OrgID   string `json:"org_id"`
			ActorID string `json:"actor_id"`
			Title   string `json:"title"`
			Content string `json:"content"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		item, err := s.svc.UpdateKnowledgeItem(r.Context(), body.OrgID, body.ActorID, itemID, body.Title, body.Content)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		q := r.URL.Query()
		if err := s.svc.DeleteKnowledgeItem(r.Context(), q.Get("org_id"), q.Get("actor_id"), itemID); err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	case len(parts) == 2 && parts[1] == "permissions" && r.Method == http.MethodPut:
		var body struct {
			OrgID       string `json:"org_id"`
			ActorID     string `json:"actor_id"`
			Permissions string `json:"permissions"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		item, err := s.svc.SetItemPermissions(r.Context(), body.OrgID, body.ActorID, itemID, body.Permissions)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	case len(parts) == 2 && parts[1] == "move" && r.Method == http.MethodPost:
		var body struct {
			OrgID    string `json:"org_id"`
			ActorID  string `json:"actor_id"`
			FolderID string `json:"folder_id"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if err := s.svc.MoveKnowledgeItem(r.Context(), body.OrgID, body.ActorID, itemID, body.FolderID); err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"moved": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown route", nil)
	}
}

func (s *HTTPServer) handleFolders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Use POST", nil)
		return
	}
	var body struct {
		OrgID    string `json:"org_id"`
		ActorID  string `json:"actor_id"`
		ParentID string `json:"parent_id"`
		Name     string `json:"name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	folder, err := s.svc.CreateFolder(r.Context(), body.OrgID, body.ActorID, body.ParentID, body.Name)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, folder)
}

// handleFolder dispatches /api/knowledge/folders/{folderID}.
func (s *HTTPServer) handleFolder(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/knowledge/folders/"))
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown route", nil)
		return
	}
	folderID := parts[0]

	if len(parts) == 2 && parts[1] == "permissions" && r.Method == http.MethodPut {
		var body struct {
			OrgID       string `json:"org_id"`
			ActorID     string `json:"actor_id"`
			Permissions string `json:"permissions"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		folder, err := s.svc.SetFolderPermissions(r.Context(), body.OrgID, body.ActorID, folderID, body.Permissions)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, folder)
		return
	}
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown route", nil)
		return
	}

	switch r.Method {
	case http.MethodPut:
		var body struct {
			OrgID   string `json:"org_id"`
			ActorID string `json:"actor_id"`
			Name    string `json:"name"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		folder, err := s.svc.UpdateFolder(r.Context(), body.OrgID, body.ActorID, folderID, body.Name)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, folder)
	case http.MethodDelete:
		q := r.URL.Query()
		if err := s.svc.DeleteFolder(r.Context(), q.Get("org_id"), q.Get("actor_id"), folderID); err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Use PUT or DELETE", nil)
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("http: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	payload := map[string]any{"code": code, "error": message}
	if details != nil {
		payload["details"] = details
	}
	writeJSON(w, status, payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return true
		}
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body", nil)
		return false
	}
	return true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// mapError is the single funnel from component errors to HTTP responses.
func mapError(w http.ResponseWriter, err error) {
	var domain *DomainError
	if errors.As(err, &domain) {
		writeError(w, domain.Status, domain.Code, domain.Message, domain.Details)
		return
	}
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
		return
	}
	log.Printf("http: internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Something went wrong", nil)
}

// --- middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)
		s.setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)

		entry, err := json.Marshal(map[string]any{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     recorder.status,
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
		if err == nil {
			log.Printf("http: %s", entry)
		}
	})
}

func (s *HTTPServer) setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Cache-Control", "no-store")
}

func randomRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(buf)
}
