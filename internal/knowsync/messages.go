// Package knowsync replicates knowledge items and folders between peers
// over Kafka with last-writer-wins reconciliation.
package knowsync

import (
	"encoding/json"
	"fmt"
	"time"

	"coedit/engine/internal/store"
)

// Kind discriminates the closed set of sync messages. Decode rejects
// anything outside this set so a new kind cannot slip through half-handled.
type Kind string

const (
	KindKnowledgeCreate Kind = "KNOWLEDGE_CREATE"
	KindKnowledgeUpdate Kind = "KNOWLEDGE_UPDATE"
	KindKnowledgeDelete Kind = "KNOWLEDGE_DELETE"
	KindKnowledgeMove   Kind = "KNOWLEDGE_MOVE"
	KindFolderCreate    Kind = "FOLDER_CREATE"
	KindFolderUpdate    Kind = "FOLDER_UPDATE"
	KindFolderDelete    Kind = "FOLDER_DELETE"
	KindSyncRequest     Kind = "SYNC_REQUEST"
	KindSyncResponse    Kind = "SYNC_RESPONSE"
)

// Message is one member of the sync union.
type Message interface {
	kind() Kind
}

type KnowledgeCreate struct {
	Item store.KnowledgeItem `json:"item"`
}

type KnowledgeUpdate struct {
	Item store.KnowledgeItem `json:"item"`
}

type KnowledgeDelete struct {
	ItemID    string    `json:"item_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

type KnowledgeMove struct {
	ItemID   string    `json:"item_id"`
	FolderID string    `json:"folder_id"`
	MovedAt  time.Time `json:"moved_at"`
}

type FolderCreate struct {
	Folder store.Folder `json:"folder"`
}

type FolderUpdate struct {
	Folder store.Folder `json:"folder"`
}

type FolderDelete struct {
	FolderID string `json:"folder_id"`
}

// SyncRequest asks peers for everything changed since a point in time. The
// answer goes to the requester's direct topic, never the broadcast topic.
type SyncRequest struct {
	Since   time.Time `json:"since"`
	ReplyTo string    `json:"reply_to"`
}

type SyncResponse struct {
	Items   []store.KnowledgeItem `json:"items"`
	Folders []store.Folder        `json:"folders"`
}

func (KnowledgeCreate) kind() Kind { return KindKnowledgeCreate }
func (KnowledgeUpdate) kind() Kind { return KindKnowledgeUpdate }
func (KnowledgeDelete) kind() Kind { return KindKnowledgeDelete }
func (KnowledgeMove) kind() Kind   { return KindKnowledgeMove }
func (FolderCreate) kind() Kind    { return KindFolderCreate }
func (FolderUpdate) kind() Kind    { return KindFolderUpdate }
func (FolderDelete) kind() Kind    { return KindFolderDelete }
func (SyncRequest) kind() Kind     { return KindSyncRequest }
func (SyncResponse) kind() Kind    { return KindSyncResponse }

// Envelope is the wire frame around every message.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	OrgID   string          `json:"org_id"`
	PeerID  string          `json:"peer_id"`
	ActorID string          `json:"actor_id"`
	SentAt  time.Time       `json:"sent_at"`
	Payload json.RawMessage `json:"payload"`
}

// Encode frames a message for the wire.
func Encode(orgID, peerID, actorID string, sentAt time.Time, msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.kind(), err)
	}
	return json.Marshal(Envelope{
		Kind:    msg.kind(),
		OrgID:   orgID,
		PeerID:  peerID,
		ActorID: actorID,
		SentAt:  sentAt,
		Payload: payload,
	})
}

// Decode parses a wire frame back into its envelope and typed message.
func Decode(raw []byte) (Envelope, Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg Message
	switch env.Kind {
	case KindKnowledgeCreate:
		msg = &KnowledgeCreate{}
	case KindKnowledgeUpdate:
		msg = &KnowledgeUpdate{}
	case KindKnowledgeDelete:
		msg = &KnowledgeDelete{}
	case KindKnowledgeMove:
		msg = &KnowledgeMove{}
	case KindFolderCreate:
		msg = &FolderCreate{}
	case KindFolderUpdate:
		msg = &FolderUpdate{}
	case KindFolderDelete:
		msg = &FolderDelete{}
	case KindSyncRequest:
		msg = &SyncRequest{}
	case KindSyncResponse:
		msg = &SyncResponse{}
	default:
		return Envelope{}, nil, fmt.Errorf("unknown message kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return Envelope{}, nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return env, msg, nil
}
