package gateway

import (
	"encoding/json"
	"sync"
)

// Event is one fan-out message to every subscriber of a document.
type Event struct {
	Type    string          `json:"type"`
	DocID   string          `json:"doc_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Subscription is a handle to one subscriber's event channel. Cancel is
// idempotent and detaches the subscriber; the channel is closed afterwards.
type Subscription struct {
	C      <-chan Event
	cancel func()
	once   sync.Once
}

func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// pubsub fans events out per document. A slow subscriber loses events rather
// than blocking the publisher.
type pubsub struct {
	mu     sync.Mutex
	nextID int
	topics map[string]map[int]chan Event
}

func newPubsub() *pubsub {
	return &pubsub{topics: make(map[string]map[int]chan Event)}
}

func (p *pubsub) subscribe(docID string, buffer int) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	subs, ok := p.topics[docID]
	if !ok {
		subs = make(map[int]chan Event)
		p.topics[docID] = subs
	}
	id := p.nextID
	p.nextID++
	subs[id] = ch

	return &Subscription{
		C: ch,
		cancel: func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if subs, ok := p.topics[docID]; ok {
				if ch, ok := subs[id]; ok {
					delete(subs, id)
					close(ch)
				}
				if len(subs) == 0 {
					delete(p.topics, docID)
				}
			}
		},
	}
}

func (p *pubsub) publish(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.topics[event.DocID] {
		select {
		case ch <- event:
		default: // subscriber too slow, drop
		}
	}
}

func (p *pubsub) subscriberCount(docID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics[docID])
}
