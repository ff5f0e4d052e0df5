package knowsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"coedit/engine/internal/perm"
	"coedit/engine/internal/store"
	"coedit/engine/internal/util"
)

var ErrPermissionDenied = errors.New("permission denied")

type knowledgeStore interface {
	GetKnowledgeItem(ctx context.Context, itemID string) (store.KnowledgeItem, error)
	InsertKnowledgeItem(ctx context.Context, item store.KnowledgeItem) error
	UpdateKnowledgeItem(ctx context.Context, item store.KnowledgeItem) error
	MoveKnowledgeItem(ctx context.Context, itemID, folderID string, movedBy string, at time.Time) error
	DeleteKnowledgeItem(ctx context.Context, itemID string) error
	ListKnowledgeUpdatedSince(ctx context.Context, orgID string, since time.Time) ([]store.KnowledgeItem, error)
	GetFolder(ctx context.Context, folderID string) (store.Folder, error)
	InsertFolder(ctx context.Context, item store.Folder) error
	UpdateFolder(ctx context.Context, item store.Folder) error
	DeleteFolder(ctx context.Context, folderID string) error
}

type permChecker interface {
	Check(ctx context.Context, orgID, userID, resourceType, resourceID string, action perm.Action) (bool, error)
	CanUpdatePermissions(ctx context.Context, orgID, userID, resourceType, resourceID string) (bool, error)
}

type indexer interface {
	IndexItem(item store.KnowledgeItem)
	DeleteItem(id string)
}

type outbound struct {
	topic string
	key   string
	value []byte
}

// Options tunes the outbound dispatch queue.
type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func defaultOptions(opt Options) Options {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	if opt.Workers <= 0 {
		opt.Workers = 2
	}
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = 3
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 100 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = 2 * time.Second
	}
	return opt
}

// Broadcaster applies local knowledge mutations and fans them out to peers.
// Outbound messages go through a bounded queue with retrying workers so a
// slow broker never blocks the caller; a full queue drops, it does not block
// forever.
type Broadcaster struct {
	producer  sarama.SyncProducer
	syncTopic string
	peerTopic string // this peer's direct topic
	peerID    string
	store     knowledgeStore
	perms     permChecker
	index     indexer
	now       func() time.Time

	opt   Options
	queue chan outbound
	wg    sync.WaitGroup
	once  sync.Once
}

func NewBroadcaster(producer sarama.SyncProducer, syncTopic, peerTopicPrefix, peerID string, ks knowledgeStore, perms permChecker, index indexer, opt Options) *Broadcaster {
	opt = defaultOptions(opt)
	b := &Broadcaster{
		producer:  producer,
		syncTopic: syncTopic,
		peerTopic: peerTopicPrefix + peerID,
		peerID:    peerID,
		store:     ks,
		perms:     perms,
		index:     index,
		now:       time.Now,
		opt:       opt,
		queue:     make(chan outbound, opt.QueueSize),
	}
	for i := 0; i < opt.Workers; i++ {
		b.wg.Add(1)
		go b.workerLoop(i)
	}
	return b
}

// PeerTopic is the direct topic peers use to answer this node's sync
// requests.
func (b *Broadcaster) PeerTopic() string { return b.peerTopic }

// Close drains the outbound queue and stops the workers.
func (b *Broadcaster) Close() {
	b.once.Do(func() { close(b.queue) })
	b.wg.Wait()
}

// --- local mutations; permission check precedes apply AND broadcast ---

// CreateItem inserts a knowledge item authored by actorID and broadcasts it.
func (b *Broadcaster) CreateItem(ctx context.Context, orgID, actorID, folderID, title, content string) (store.KnowledgeItem, error) {
	if err := b.requireFolderEdit(ctx, orgID, actorID, folderID); err != nil {
		return store.KnowledgeItem{}, err
	}
	now := b.now()
	item := store.KnowledgeItem{
		ID:           util.NewID("ki"),
		OrgID:        orgID,
		FolderID:     folderID,
		Title:        title,
		Content:      content,
		CreatedBy:    actorID,
		LastEditedBy: actorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := b.store.InsertKnowledgeItem(ctx, item); err != nil {
		return store.KnowledgeItem{}, err
	}
	b.index.IndexItem(item)
	b.broadcast(ctx, orgID, actorID, &KnowledgeCreate{Item: item})
	return item, nil
}

// UpdateItem rewrites title and content, stamping a fresh updated_at.
func (b *Broadcaster) UpdateItem(ctx context.Context, orgID, actorID, itemID, title, content string) (store.KnowledgeItem, error) {
	if err := b.require(ctx, orgID, actorID, perm.ResourceKnowledgeItem, itemID, perm.ActionEdit); err != nil {
		return store.KnowledgeItem{}, err
	}
	item, err := b.store.GetKnowledgeItem(ctx, itemID)
	if err != nil {
		return store.KnowledgeItem{}, err
	}
	item.Title = title
	item.Content = content
	item.LastEditedBy = actorID
	item.UpdatedAt = b.now()
	if err := b.store.UpdateKnowledgeItem(ctx, item); err != nil {
		return store.KnowledgeItem{}, err
	}
	b.index.IndexItem(item)
	b.broadcast(ctx, orgID, actorID, &KnowledgeUpdate{Item: item})
	return item, nil
}

func (b *Broadcaster) DeleteItem(ctx context.Context, orgID, actorID, itemID string) error {
	if err := b.require(ctx, orgID, actorID, perm.ResourceKnowledgeItem, itemID, perm.ActionDelete); err != nil {
		return err
	}
	if err := b.store.DeleteKnowledgeItem(ctx, itemID); err != nil {
		return err
	}
	b.index.DeleteItem(itemID)
	b.broadcast(ctx, orgID, actorID, &KnowledgeDelete{ItemID: itemID, DeletedAt: b.now()})
	return nil
}

func (b *Broadcaster) MoveItem(ctx context.Context, orgID, actorID, itemID, folderID string) error {
	if err := b.require(ctx, orgID, actorID, perm.ResourceKnowledgeItem, itemID, perm.ActionEdit); err != nil {
		return err
	}
	if err := b.requireFolderEdit(ctx, orgID, actorID, folderID); err != nil {
		return err
	}
	at := b.now()
	if err := b.store.MoveKnowledgeItem(ctx, itemID, folderID, actorID, at); err != nil {
		return err
	}
	if item, err := b.store.GetKnowledgeItem(ctx, itemID); err == nil {
		b.index.IndexItem(item)
	}
	b.broadcast(ctx, orgID, actorID, &KnowledgeMove{ItemID: itemID, FolderID: folderID, MovedAt: at})
	return nil
}

func (b *Broadcaster) CreateFolder(ctx context.Context, orgID, actorID, parentID, name string) (store.Folder, error) {
	if err := b.requireFolderEdit(ctx, orgID, actorID, parentID); err != nil {
		return store.Folder{}, err
	}
	now := b.now()
	folder := store.Folder{
		ID:        util.NewID("fld"),
		OrgID:     orgID,
		ParentID:  parentID,
		Name:      name,
		CreatedBy: actorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.store.InsertFolder(ctx, folder); err != nil {
		return store.Folder{}, err
	}
	b.broadcast(ctx, orgID, actorID, &FolderCreate{Folder: folder})
	return folder, nil
}

func (b *Broadcaster) UpdateFolder(ctx context.Context, orgID, actorID, folderID, name string) (store.Folder, error) {
	if err := b.require(ctx, orgID, actorID, perm.ResourceFolder, folderID, perm.ActionEdit); err != nil {
		return store.Folder{}, err
	}
	folder, err := b.store.GetFolder(ctx, folderID)
	if err != nil {
		return store.Folder{}, err
	}
	folder.Name = name
	folder.UpdatedAt = b.now()
	if err := b.store.UpdateFolder(ctx, folder); err != nil {
		return store.Folder{}, err
	}
	b.broadcast(ctx, orgID, actorID, &FolderUpdate{Folder: folder})
	return folder, nil
}

func (b *Broadcaster) DeleteFolder(ctx context.Context, orgID, actorID, folderID string) error {
	if err := b.require(ctx, orgID, actorID, perm.ResourceFolder, folderID, perm.ActionDelete); err != nil {
		return err
	}
	if err := b.store.DeleteFolder(ctx, folderID); err != nil {
		return err
	}
	b.broadcast(ctx, orgID, actorID, &FolderDelete{FolderID: folderID})
	return nil
}

// SetItemPermissions rewrites a knowledge item's ACL map. Gated on the
// stricter permission-update check, not plain edit.
func (b *Broadcaster) SetItemPermissions(ctx context.Context, orgID, actorID, itemID, permissionsJSON string) (store.KnowledgeItem, error) {
	ok, err := b.perms.CanUpdatePermissions(ctx, orgID, actorID, perm.ResourceKnowledgeItem, itemID)
	if err != nil {
		return store.KnowledgeItem{}, err
	}
	if !ok {
		return store.KnowledgeItem{}, ErrPermissionDenied
	}
	item, err := b.store.GetKnowledgeItem(ctx, itemID)
	if err != nil {
		return store.KnowledgeItem{}, err
	}
	item.Permissions = permissionsJSON
	item.LastEditedBy = actorID
	item.UpdatedAt = b.now()
	if err := b.store.UpdateKnowledgeItem(ctx, item); err != nil {
		return store.KnowledgeItem{}, err
	}
	b.broadcast(ctx, orgID, actorID, &KnowledgeUpdate{Item: item})
	return item, nil
}

// SetFolderPermissions rewrites a folder's ACL map under the stricter check.
func (b *Broadcaster) SetFolderPermissions(ctx context.Context, orgID, actorID, folderID, permissionsJSON string) (store.Folder, error) {
	ok, err := b.perms.CanUpdatePermissions(ctx, orgID, actorID, perm.ResourceFolder, folderID)
	if err != nil {
		return store.Folder{}, err
	}
	if !ok {
		return store.Folder{}, ErrPermissionDenied
	}
	folder, err := b.store.GetFolder(ctx, folderID)
	if err != nil {
		return store.Folder{}, err
	}
	folder.Permissions = permissionsJSON
	folder.UpdatedAt = b.now()
	if err := b.store.UpdateFolder(ctx, folder); err != nil {
		return store.Folder{}, err
	}
	b.broadcast(ctx, orgID, actorID, &FolderUpdate{Folder: folder})
	return folder, nil
}

// RequestSync asks peers for everything changed since a point in time.
// Answers arrive on this node's direct topic.
func (b *Broadcaster) RequestSync(ctx context.Context, orgID string, since time.Time) {
	b.broadcast(ctx, orgID, "", &SyncRequest{Since: since, ReplyTo: b.peerTopic})
}

// --- inbound ---

// HandleMessage applies one inbound wire frame. Callers run it in a consumer
// loop that logs failures and keeps consuming; a bad peer message must never
// stop the stream.
func (b *Broadcaster) HandleMessage(ctx context.Context, raw []byte) error {
	env, msg, err := Decode(raw)
	if err != nil {
		return err
	}
	if env.PeerID == b.peerID {
		return nil // own broadcast echoed back
	}

	switch m := msg.(type) {
	case *KnowledgeCreate:
		return b.applyCreate(ctx, env, m.Item)
	case *KnowledgeUpdate:
		return b.applyUpdate(ctx, env, m.Item)
	case *KnowledgeDelete:
		return b.applyDelete(ctx, env, m.ItemID)
	case *KnowledgeMove:
		return b.applyMove(ctx, env, m)
	case *FolderCreate:
		return b.applyFolderCreate(ctx, env, m.Folder)
	case *FolderUpdate:
		return b.applyFolderUpdate(ctx, env, m.Folder)
	case *FolderDelete:
		return b.applyFolderDelete(ctx, env, m.FolderID)
	case *SyncRequest:
		return b.answerSyncRequest(ctx, env, m)
	case *SyncResponse:
		return b.applySyncResponse(ctx, env, m)
	default:
		return fmt.Errorf("unhandled message kind %q", env.Kind)
	}
}

// applyCreate is idempotent: an item that already exists is left alone.
func (b *Broadcaster) applyCreate(ctx context.Context, env Envelope, item store.KnowledgeItem) error {
	if err := b.requireInbound(ctx, env, perm.ResourceKnowledgeItem, item.ID, perm.ActionEdit); err != nil {
		return err
	}
	if _, err := b.store.GetKnowledgeItem(ctx, item.ID); err == nil {
		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err := b.store.InsertKnowledgeItem(ctx, item); err != nil {
		return err
	}
	b.index.IndexItem(item)
	return nil
}

// applyUpdate reconciles last-writer-wins on updated_at: strictly newer wins,
// equal or older is dropped so replay cannot roll content back.
func (b *Broadcaster) applyUpdate(ctx context.Context, env Envelope, item store.KnowledgeItem) error {
	if err := b.requireInbound(ctx, env, perm.ResourceKnowledgeItem, item.ID, perm.ActionEdit); err != nil {
		return err
	}
	local, err := b.store.GetKnowledgeItem(ctx, item.ID)
	if errors.Is(err, sql.ErrNoRows) {
		// Update for an item never seen here; the create was missed.
		if err := b.store.InsertKnowledgeItem(ctx, item); err != nil {
			return err
		}
		b.index.IndexItem(item)
		return nil
	}
	if err != nil {
		return err
	}
	if !item.UpdatedAt.After(local.UpdatedAt) {
		return nil
	}
	if err := b.store.UpdateKnowledgeItem(ctx, item); err != nil {
		return err
	}
	b.index.IndexItem(item)
	return nil
}

// applyDelete is idempotent by construction: deleting a missing row is a
// no-op in the store.
func (b *Broadcaster) applyDelete(ctx context.Context, env Envelope, itemID string) error {
	if err := b.requireInbound(ctx, env, perm.ResourceKnowledgeItem, itemID, perm.ActionDelete); err != nil {
		return err
	}
	if err := b.store.DeleteKnowledgeItem(ctx, itemID); err != nil {
		return err
	}
	b.index.DeleteItem(itemID)
	return nil
}

func (b *Broadcaster) applyMove(ctx context.Context, env Envelope, m *KnowledgeMove) error {
	if err := b.requireInbound(ctx, env, perm.ResourceKnowledgeItem, m.ItemID, perm.ActionEdit); err != nil {
		return err
	}
	local, err := b.store.GetKnowledgeItem(ctx, m.ItemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // nothing to move here
	}
	if err != nil {
		return err
	}
	if !m.MovedAt.After(local.UpdatedAt) {
		return nil
	}
	return b.store.MoveKnowledgeItem(ctx, m.ItemID, m.FolderID, env.ActorID, m.MovedAt)
}

func (b *Broadcaster) applyFolderCreate(ctx context.Context, env Envelope, folder store.Folder) error {
	if err := b.requireInbound(ctx, env, perm.ResourceFolder, folder.ID, perm.ActionEdit); err != nil {
		return err
	}
	if _, err := b.store.GetFolder(ctx, folder.ID); err == nil {
		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return b.store.InsertFolder(ctx, folder)
}

func (b *Broadcaster) applyFolderUpdate(ctx context.Context, env Envelope, folder store.Folder) error {
	if err := b.requireInbound(ctx, env, perm.ResourceFolder, folder.ID, perm.ActionEdit); err != nil {
		return err
	}
	local, err := b.store.GetFolder(ctx, folder.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return b.store.InsertFolder(ctx, folder)
	}
	if err != nil {
		return err
	}
	if !folder.UpdatedAt.After(local.UpdatedAt) {
		return nil
	}
	return b.store.UpdateFolder(ctx, folder)
}

func (b *Broadcaster) applyFolderDelete(ctx context.Context, env Envelope, folderID string) error {
	if err := b.requireInbound(ctx, env, perm.ResourceFolder, folderID, perm.ActionDelete); err != nil {
		return err
	}
	return b.store.DeleteFolder(ctx, folderID)
}

// answerSyncRequest replies with local state changed since the requested
// time, directly to the requester's topic. Never re-broadcast.
func (b *Broadcaster) answerSyncRequest(ctx context.Context, env Envelope, m *SyncRequest) error {
	if m.ReplyTo == "" || m.ReplyTo == b.peerTopic {
		return nil
	}
	items, err := b.store.ListKnowledgeUpdatedSince(ctx, env.OrgID, m.Since)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	frame, err := Encode(env.OrgID, b.peerID, "", b.now(), &SyncResponse{Items: items})
	if err != nil {
		return err
	}
	b.enqueue(outbound{topic: m.ReplyTo, key: env.OrgID, value: frame})
	return nil
}

func (b *Broadcaster) applySyncResponse(ctx context.Context, env Envelope, m *SyncResponse) error {
	for _, item := range m.Items {
		if err := b.applyUpdate(ctx, env, item); err != nil {
			log.Printf("knowsync: apply synced item %s: %v", item.ID, err)
		}
	}
	for _, folder := range m.Folders {
		if err := b.applyFolderUpdate(ctx, env, folder); err != nil {
			log.Printf("knowsync: apply synced folder %s: %v", folder.ID, err)
		}
	}
	return nil
}

// --- permission helpers ---

func (b *Broadcaster) require(ctx context.Context, orgID, actorID, resourceType, resourceID string, action perm.Action) error {
	ok, err := b.perms.Check(ctx, orgID, actorID, resourceType, resourceID, action)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPermissionDenied
	}
	return nil
}

// requireFolderEdit guards writes into a folder. Root-level (no folder) is
// open to anyone who can edit at all.
func (b *Broadcaster) requireFolderEdit(ctx context.Context, orgID, actorID, folderID string) error {
	if folderID == "" {
		return b.require(ctx, orgID, actorID, perm.ResourceKnowledgeItem, "", perm.ActionEdit)
	}
	return b.require(ctx, orgID, actorID, perm.ResourceFolder, folderID, perm.ActionEdit)
}

func (b *Broadcaster) requireInbound(ctx context.Context, env Envelope, resourceType, resourceID string, action perm.Action) error {
	ok, err := b.perms.Check(ctx, env.OrgID, env.ActorID, resourceType, resourceID, action)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("peer %s actor %s: %w", env.PeerID, env.ActorID, ErrPermissionDenied)
	}
	return nil
}

// --- outbound dispatch (bounded queue, retrying workers) ---

func (b *Broadcaster) broadcast(ctx context.Context, orgID, actorID string, msg Message) {
	frame, err := Encode(orgID, b.peerID, actorID, b.now(), msg)
	if err != nil {
		log.Printf("knowsync: encode %T: %v", msg, err)
		return
	}
	b.enqueue(outbound{topic: b.syncTopic, key: orgID, value: frame})
}

// enqueue never blocks; a full queue drops the message.
func (b *Broadcaster) enqueue(out outbound) {
	select {
	case b.queue <- out:
	default:
		log.Printf("knowsync: outbound queue full, dropping message for %s", out.topic)
	}
}

func (b *Broadcaster) workerLoop(workerID int) {
	defer b.wg.Done()
	for out := range b.queue {
		b.sendWithRetry(workerID, out)
	}
}

func (b *Broadcaster) sendWithRetry(workerID int, out outbound) {
	for attempt := 0; attempt <= b.opt.MaxRetry; attempt++ {
		_, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
			Topic: out.topic,
			Key:   sarama.StringEncoder(out.key),
			Value: sarama.ByteEncoder(out.value),
		})
		if err == nil {
			return
		}
		if attempt == b.opt.MaxRetry {
			log.Printf("knowsync: send failed, dropping message topic=%s worker=%d: %v", out.topic, workerID, err)
			return
		}
		backoff := b.opt.BaseBackoff * time.Duration(1<<attempt)
		if backoff > b.opt.MaxBackoff {
			backoff = b.opt.MaxBackoff
		}
		time.Sleep(backoff)
	}
}
