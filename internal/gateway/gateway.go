// Package gateway owns editing sessions: join/leave, update fan-out,
// awareness and per-document statistics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"coedit/engine/internal/presence"
	"coedit/engine/internal/replica"
	"coedit/engine/internal/store"
	"coedit/engine/internal/util"
)

var ErrSessionNotFound = errors.New("session not found")

// colorPalette assigns cursor colors. The choice is a stable hash of the
// user id so a user keeps their color across sessions and documents.
var colorPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#e6beff", "#9a6324", "#800000", "#aaffc3",
}

func userColor(userID string) string {
	return colorPalette[util.StableHash(userID, len(colorPalette))]
}

type replicaStore interface {
	Open(ctx context.Context, docID string) (replica.Info, error)
	Close(docID string)
	ApplyLocal(ctx context.Context, docID string, update []byte, authorID string) (replica.Info, error)
	Delta(ctx context.Context, docID string, fromSeq int64) ([]store.UpdateRecord, error)
}

type presenceTracker interface {
	Upsert(ctx context.Context, docID string, entry presence.Entry) error
	Remove(ctx context.Context, docID, userID string) error
	ActiveUsers(ctx context.Context, docID string) ([]presence.Entry, error)
}

type lockView interface {
	DocLocks(docID string) []store.Lock
	ReleaseAll(ctx context.Context, docID, userID string) []store.Lock
}

type sessionStore interface {
	InsertSession(ctx context.Context, item store.Session) error
	TouchSession(ctx context.Context, sessionID string) error
	CloseSession(ctx context.Context, sessionID string) error
}

// Stats is the per-document activity counter set.
type Stats struct {
	Edits         int64 `json:"edits"`
	Conflicts     int64 `json:"conflicts"`
	Comments      int64 `json:"comments"`
	Sessions      int64 `json:"sessions"`
	Collaborators int   `json:"collaborators"`
}

type docStats struct {
	edits         int64
	conflicts     int64
	comments      int64
	sessions      int64
	collaborators map[string]struct{}
}

// JoinPayload is everything a client needs to start editing.
type JoinPayload struct {
	SessionID     string           `json:"session_id"`
	DocID         string           `json:"doc_id"`
	Content       string           `json:"content"`
	Seq           int64            `json:"seq"`
	VersionVector map[string]int64 `json:"version_vector"`
	Color         string           `json:"color"`
	ActiveUsers   []presence.Entry `json:"active_users"`
	Locks         []store.Lock     `json:"locks"`
}

type session struct {
	id       string
	docID    string
	userID   string
	userName string
	orgID    string
}

// Gateway coordinates sessions over the replica store, presence tracker and
// lock manager, and fans document events out to local subscribers.
type Gateway struct {
	replicas replicaStore
	presence presenceTracker
	locks    lockView
	sessions sessionStore
	bus      *pubsub
	now      func() time.Time

	mu    sync.Mutex
	live  map[string]session   // session id -> session
	stats map[string]*docStats // doc id -> counters
}

func New(replicas replicaStore, tracker presenceTracker, locks lockView, sessions sessionStore) *Gateway {
	return &Gateway{
		replicas: replicas,
		presence: tracker,
		locks:    locks,
		sessions: sessions,
		bus:      newPubsub(),
		now:      time.Now,
		live:     make(map[string]session),
		stats:    make(map[string]*docStats),
	}
}

// Open starts an editing session and returns the join payload.
func (g *Gateway) Open(ctx context.Context, docID, userID, userName, orgID string) (JoinPayload, error) {
	info, err := g.replicas.Open(ctx, docID)
	if err != nil {
		return JoinPayload{}, err
	}

	s := session{
		id:       util.NewID("sess"),
		docID:    docID,
		userID:   userID,
		userName: userName,
		orgID:    orgID,
	}
	now := g.now()
	if err := g.sessions.InsertSession(ctx, store.Session{
		ID:       s.id,
		DocID:    docID,
		UserID:   userID,
		UserName: userName,
		OrgID:    orgID,
		JoinedAt: now,
		LastSeen: now,
		Active:   true,
	}); err != nil {
		g.replicas.Close(docID)
		return JoinPayload{}, err
	}

	color := userColor(userID)
	if err := g.presence.Upsert(ctx, docID, presence.Entry{
		UserID:    userID,
		Name:      userName,
		Color:     color,
		SessionID: s.id,
	}); err != nil {
		log.Printf("gateway: presence upsert on join doc=%s user=%s: %v", docID, userID, err)
	}

	g.mu.Lock()
	g.live[s.id] = s
	st := g.statsLocked(docID)
	st.sessions++
	st.collaborators[userID] = struct{}{}
	g.mu.Unlock()

	active, err := g.presence.ActiveUsers(ctx, docID)
	if err != nil {
		log.Printf("gateway: active users on join doc=%s: %v", docID, err)
		active = []presence.Entry{}
	}

	g.publishJSON("user_joined", docID, map[string]string{
		"user_id": userID, "name": userName, "color": color,
	})

	return JoinPayload{
		SessionID:     s.id,
		DocID:         docID,
		Content:       info.Content,
		Seq:           info.Seq,
		VersionVector: info.VersionVector,
		Color:         color,
		ActiveUsers:   active,
		Locks:         g.locks.DocLocks(docID),
	}, nil
}

// Close ends a session: the durable row goes inactive, presence is removed,
// and every lock the user still holds on the document is released.
func (g *Gateway) Close(ctx context.Context, sessionID string) error {
	g.mu.Lock()
	s, ok := g.live[sessionID]
	if ok {
		delete(g.live, sessionID)
	}
	g.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	if err := g.sessions.CloseSession(ctx, sessionID); err != nil {
		log.Printf("gateway: close session %s: %v", sessionID, err)
	}
	if err := g.presence.Remove(ctx, s.docID, s.userID); err != nil {
		log.Printf("gateway: presence remove doc=%s user=%s: %v", s.docID, s.userID, err)
	}
	for _, released := range g.locks.ReleaseAll(ctx, s.docID, s.userID) {
		g.publishJSON("lock_released", s.docID, map[string]string{"lock_id": released.ID, "owner_id": released.OwnerID})
	}
	g.replicas.Close(s.docID)

	g.publishJSON("user_left", s.docID, map[string]string{"user_id": s.userID})
	return nil
}

// SubmitUpdate applies a local edit and fans it out.
func (g *Gateway) SubmitUpdate(ctx context.Context, sessionID string, update []byte) (replica.Info, error) {
	s, err := g.session(sessionID)
	if err != nil {
		return replica.Info{}, err
	}

	info, err := g.replicas.ApplyLocal(ctx, s.docID, update, s.userID)
	if err != nil {
		return replica.Info{}, err
	}
	if err := g.sessions.TouchSession(ctx, sessionID); err != nil {
		log.Printf("gateway: touch session %s: %v", sessionID, err)
	}

	g.mu.Lock()
	g.statsLocked(s.docID).edits++
	g.mu.Unlock()

	g.publishJSON("update", s.docID, map[string]any{
		"seq":       info.Seq,
		"author_id": s.userID,
		"update":    update,
	})
	return info, nil
}

// UpdatesSince returns catch-up updates for a reconnecting client.
func (g *Gateway) UpdatesSince(ctx context.Context, docID string, fromSeq int64) ([]store.UpdateRecord, error) {
	return g.replicas.Delta(ctx, docID, fromSeq)
}

// Awareness lists who is active in a document right now.
func (g *Gateway) Awareness(ctx context.Context, docID string) ([]presence.Entry, error) {
	return g.presence.ActiveUsers(ctx, docID)
}

// UpdateAwareness refreshes a session's cursor and selection. Doubles as the
// heartbeat; an idle client calls it with no position change.
func (g *Gateway) UpdateAwareness(ctx context.Context, sessionID string, cursor, selStart, selEnd *int) error {
	s, err := g.session(sessionID)
	if err != nil {
		return err
	}
	entry := presence.Entry{
		UserID:    s.userID,
		Name:      s.userName,
		Color:     userColor(s.userID),
		Cursor:    cursor,
		SelStart:  selStart,
		SelEnd:    selEnd,
		SessionID: sessionID,
	}
	if err := g.presence.Upsert(ctx, s.docID, entry); err != nil {
		return err
	}
	if err := g.sessions.TouchSession(ctx, sessionID); err != nil {
		log.Printf("gateway: touch session %s: %v", sessionID, err)
	}
	g.publishJSON("awareness", s.docID, entry)
	return nil
}

// Subscribe attaches a local consumer to a document's event stream.
func (g *Gateway) Subscribe(docID string, buffer int) *Subscription {
	return g.bus.subscribe(docID, buffer)
}

// PublishLockEvent fans out lock grants, releases and expiries to document
// subscribers. The lock manager's expiry callback lands here.
func (g *Gateway) PublishLockEvent(eventType string, l store.Lock) {
	g.publishJSON(eventType, l.DocID, l)
}

// PublishEvent fans an arbitrary document event out to subscribers.
func (g *Gateway) PublishEvent(eventType, docID string, payload any) {
	g.publishJSON(eventType, docID, payload)
}

// RecordConflict bumps a document's conflict counter.
func (g *Gateway) RecordConflict(docID string) {
	g.mu.Lock()
	g.statsLocked(docID).conflicts++
	g.mu.Unlock()
}

// RecordComment bumps a document's comment counter.
func (g *Gateway) RecordComment(docID string) {
	g.mu.Lock()
	g.statsLocked(docID).comments++
	g.mu.Unlock()
}

// Stats reports a document's activity counters.
func (g *Gateway) Stats(docID string) Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.stats[docID]
	if !ok {
		return Stats{}
	}
	return Stats{
		Edits:         st.edits,
		Conflicts:     st.conflicts,
		Comments:      st.comments,
		Sessions:      st.sessions,
		Collaborators: len(st.collaborators),
	}
}

// Session resolves a live session's document and user.
func (g *Gateway) Session(sessionID string) (docID, userID, userName, orgID string, err error) {
	s, err := g.session(sessionID)
	if err != nil {
		return "", "", "", "", err
	}
	return s.docID, s.userID, s.userName, s.orgID, nil
}

func (g *Gateway) session(sessionID string) (session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.live[sessionID]
	if !ok {
		return session{}, ErrSessionNotFound
	}
	return s, nil
}

func (g *Gateway) statsLocked(docID string) *docStats {
	st, ok := g.stats[docID]
	if !ok {
		st = &docStats{collaborators: make(map[string]struct{})}
		g.stats[docID] = st
	}
	return st
}

func (g *Gateway) publishJSON(eventType, docID string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("gateway: marshal %s event: %v", eventType, err)
		return
	}
	g.bus.publish(Event{Type: eventType, DocID: docID, Payload: raw})
}
