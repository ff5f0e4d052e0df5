package replica

import (
	"context"
	"log"
	"sync"
	"time"

	"coedit/engine/internal/store"
)

type updateLog interface {
	AppendUpdate(ctx context.Context, docID string, update []byte, authorID string) (int64, error)
	ListUpdatesSince(ctx context.Context, docID string, fromSeq int64) ([]store.UpdateRecord, error)
}

// Replica is the process-local copy of one document's merged state.
// It is owned exclusively by the Store; all mutation goes through
// ApplyIncoming/ApplyLocal.
type Replica struct {
	mu        sync.Mutex
	docID     string
	container Container
	seq       int64
	pending   [][]byte

	// refs and closedAt are guarded by Store.mu, not Replica.mu.
	refs     int
	closedAt time.Time
}

// Info is a read-only view of a replica returned to callers.
type Info struct {
	DocID         string
	Content       string
	Seq           int64
	VersionVector map[string]int64
}

type Store struct {
	mu       sync.Mutex
	replicas map[string]*Replica
	log      updateLog
	factory  Factory
	grace    time.Duration
	now      func() time.Time
}

func NewStore(updates updateLog, factory Factory, grace time.Duration) *Store {
	return &Store{
		replicas: make(map[string]*Replica),
		log:      updates,
		factory:  factory,
		grace:    grace,
		now:      time.Now,
	}
}

// Open returns the replica for docID, creating it from the update log on
// first open. An unreadable log never fails the open: the document comes up
// empty and the condition is logged as recoverable.
func (s *Store) Open(ctx context.Context, docID string) (Info, error) {
	replica := s.acquire(ctx, docID, true)
	replica.mu.Lock()
	defer replica.mu.Unlock()
	return replica.infoLocked(), nil
}

// Close drops one reference. The replica stays resident for the grace period
// so a quick re-open does not replay the whole log.
func (s *Store) Close(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	replica, ok := s.replicas[docID]
	if !ok {
		return
	}
	if replica.refs > 0 {
		replica.refs--
	}
	if replica.refs == 0 {
		replica.closedAt = s.now()
	}
}

// EvictIdle removes replicas whose grace period elapsed. Returns how many
// were evicted.
func (s *Store) EvictIdle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	cutoff := s.now().Add(-s.grace)
	for docID, replica := range s.replicas {
		if replica.refs == 0 && !replica.closedAt.IsZero() && replica.closedAt.Before(cutoff) {
			delete(s.replicas, docID)
			evicted++
		}
	}
	return evicted
}

// ApplyIncoming merges an externally received update and persists it.
// Applying the same update twice converges to the same content because the
// container merge is idempotent.
func (s *Store) ApplyIncoming(ctx context.Context, docID string, update []byte, authorID string) (Info, error) {
	return s.apply(ctx, docID, update, authorID, false)
}

// ApplyLocal merges a locally authored update, persists it, and stages it
// for the next ProduceOutgoing.
func (s *Store) ApplyLocal(ctx context.Context, docID string, update []byte, authorID string) (Info, error) {
	return s.apply(ctx, docID, update, authorID, true)
}

func (s *Store) apply(ctx context.Context, docID string, update []byte, authorID string, local bool) (Info, error) {
	replica := s.acquire(ctx, docID, false)
	replica.mu.Lock()
	defer replica.mu.Unlock()

	if err := replica.container.ApplyUpdate(update); err != nil {
		return Info{}, err
	}
	seq, err := s.log.AppendUpdate(ctx, docID, update, authorID)
	if err != nil {
		return Info{}, err
	}
	if seq > replica.seq {
		replica.seq = seq
	}
	if local {
		replica.pending = append(replica.pending, update)
	}
	return replica.infoLocked(), nil
}

// ProduceOutgoing coalesces updates staged by ApplyLocal into a single
// broadcastable update and clears the stage. Returns nil when nothing is
// pending.
func (s *Store) ProduceOutgoing(ctx context.Context, docID string) ([]byte, error) {
	replica := s.acquire(ctx, docID, false)
	replica.mu.Lock()
	defer replica.mu.Unlock()

	if len(replica.pending) == 0 {
		return nil, nil
	}
	merged, err := MergeUpdates(s.factory, replica.pending)
	if err != nil {
		return nil, err
	}
	replica.pending = nil
	return merged, nil
}

// Delta returns the catch-up updates after fromSeq, for a reconnecting peer.
func (s *Store) Delta(ctx context.Context, docID string, fromSeq int64) ([]store.UpdateRecord, error) {
	return s.log.ListUpdatesSince(ctx, docID, fromSeq)
}

// State exposes the container's full state blob, used by the snapshot
// manager. The blob is itself applyable as an update.
func (s *Store) State(ctx context.Context, docID string) ([]byte, map[string]int64) {
	replica := s.acquire(ctx, docID, false)
	replica.mu.Lock()
	defer replica.mu.Unlock()
	return replica.container.State(), replica.container.VersionVector()
}

// acquire returns the resident replica for docID, creating it from the update
// log on first touch. open takes a reference; any other touch restamps the
// idle clock so a replica nobody holds open still ages out after the grace
// period.
func (s *Store) acquire(ctx context.Context, docID string, open bool) *Replica {
	s.mu.Lock()
	replica, ok := s.replicas[docID]
	if ok {
		s.touchLocked(replica, open)
		s.mu.Unlock()
		return replica
	}

	replica = &Replica{docID: docID, container: s.factory()}
	s.touchLocked(replica, open)
	s.replicas[docID] = replica
	s.mu.Unlock()

	replica.mu.Lock()
	defer replica.mu.Unlock()
	records, err := s.log.ListUpdatesSince(ctx, docID, 0)
	if err != nil {
		log.Printf("replica: update log unreadable for doc %s, opening empty (recoverable): %v", docID, err)
		return replica
	}
	for _, record := range records {
		if err := replica.container.ApplyUpdate(record.Update); err != nil {
			log.Printf("replica: skipping bad log record doc=%s seq=%d: %v", docID, record.Seq, err)
			continue
		}
		if record.Seq > replica.seq {
			replica.seq = record.Seq
		}
	}
	return replica
}

func (s *Store) touchLocked(r *Replica, open bool) {
	if open {
		r.refs++
		r.closedAt = time.Time{}
		return
	}
	if r.refs == 0 {
		r.closedAt = s.now()
	}
}

func (r *Replica) infoLocked() Info {
	return Info{
		DocID:         r.docID,
		Content:       r.container.Content(),
		Seq:           r.seq,
		VersionVector: r.container.VersionVector(),
	}
}
