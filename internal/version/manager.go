// Package version captures and restores point-in-time document snapshots.
package version

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"coedit/engine/internal/store"
	"coedit/engine/internal/util"
)

var ErrNotFound = errors.New("snapshot not found")

type snapshotStore interface {
	InsertSnapshot(ctx context.Context, item store.Snapshot) error
	GetSnapshot(ctx context.Context, snapshotID string) (store.Snapshot, error)
	ListDocSnapshots(ctx context.Context, docID string) ([]store.Snapshot, error)
}

// replicaSource exposes the live container state of an open document.
type replicaSource interface {
	State(ctx context.Context, docID string) ([]byte, map[string]int64)
}

// Metadata is the free-form record attached to a snapshot.
type Metadata struct {
	Reason    string `json:"reason"`
	AuthorID  string `json:"author_id,omitempty"`
	RestoreOf string `json:"restore_of,omitempty"`
}

// Restored carries a target snapshot's state back to the caller, who feeds
// the blob through the replica store to make it the live content.
type Restored struct {
	Snapshot      store.Snapshot
	State         []byte
	VersionVector map[string]int64
}

// Manager writes append-only snapshots of replica state. Snapshots are never
// mutated or deleted; restore itself leaves a snapshot behind.
type Manager struct {
	store    snapshotStore
	replicas replicaSource
	now      func() time.Time
}

func NewManager(s snapshotStore, replicas replicaSource) *Manager {
	return &Manager{store: s, replicas: replicas, now: time.Now}
}

// Snapshot captures the current state of a document.
func (m *Manager) Snapshot(ctx context.Context, docID string, meta Metadata) (store.Snapshot, error) {
	state, vector := m.replicas.State(ctx, docID)
	return m.write(ctx, docID, state, vector, meta)
}

// Restore captures an unconditional pre-restore snapshot, then returns the
// target state. Nothing is lost by a restore: the pre-restore snapshot can
// itself be restored.
func (m *Manager) Restore(ctx context.Context, docID, snapshotID, authorID string) (Restored, error) {
	target, err := m.store.GetSnapshot(ctx, snapshotID)
	if errors.Is(err, sql.ErrNoRows) {
		return Restored{}, ErrNotFound
	}
	if err != nil {
		return Restored{}, err
	}
	if target.DocID != docID {
		return Restored{}, ErrNotFound
	}

	state, vector := m.replicas.State(ctx, docID)
	if _, err := m.write(ctx, docID, state, vector, Metadata{
		Reason:    "pre-restore",
		AuthorID:  authorID,
		RestoreOf: snapshotID,
	}); err != nil {
		return Restored{}, err
	}

	var targetVector map[string]int64
	if target.VersionVector != "" {
		if err := json.Unmarshal([]byte(target.VersionVector), &targetVector); err != nil {
			return Restored{}, err
		}
	}
	return Restored{Snapshot: target, State: target.State, VersionVector: targetVector}, nil
}

// History lists a document's snapshots, newest first.
func (m *Manager) History(ctx context.Context, docID string) ([]store.Snapshot, error) {
	return m.store.ListDocSnapshots(ctx, docID)
}

func (m *Manager) Get(ctx context.Context, snapshotID string) (store.Snapshot, error) {
	item, err := m.store.GetSnapshot(ctx, snapshotID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Snapshot{}, ErrNotFound
	}
	return item, err
}

func (m *Manager) write(ctx context.Context, docID string, state []byte, vector map[string]int64, meta Metadata) (store.Snapshot, error) {
	vectorJSON, err := json.Marshal(vector)
	if err != nil {
		return store.Snapshot{}, err
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return store.Snapshot{}, err
	}
	item := store.Snapshot{
		ID:            util.NewID("snap"),
		DocID:         docID,
		State:         state,
		VersionVector: string(vectorJSON),
		Metadata:      string(metaJSON),
		CreatedAt:     m.now(),
	}
	if err := m.store.InsertSnapshot(ctx, item); err != nil {
		return store.Snapshot{}, err
	}
	return item, nil
}
