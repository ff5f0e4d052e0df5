package gateway

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := newPubsub()
	a := bus.subscribe("doc-1", 4)
	b := bus.subscribe("doc-1", 4)
	other := bus.subscribe("doc-2", 4)
	defer a.Cancel()
	defer b.Cancel()
	defer other.Cancel()

	bus.publish(Event{Type: "update", DocID: "doc-1"})

	for name, sub := range map[string]*Subscription{"a": a, "b": b} {
		select {
		case event := <-sub.C:
			if event.Type != "update" {
				t.Fatalf("%s got %+v", name, event)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s never received the event", name)
		}
	}
	select {
	case event := <-other.C:
		t.Fatalf("doc-2 subscriber got doc-1 event: %+v", event)
	default:
	}
}

func TestCancelDetachesAndCloses(t *testing.T) {
	bus := newPubsub()
	sub := bus.subscribe("doc-1", 4)

	sub.Cancel()
	sub.Cancel() // idempotent

	if _, open := <-sub.C; open {
		t.Fatal("channel must be closed after cancel")
	}
	if bus.subscriberCount("doc-1") != 0 {
		t.Fatal("subscriber still attached after cancel")
	}

	// Publishing to a topic with no subscribers is a no-op.
	bus.publish(Event{Type: "update", DocID: "doc-1"})
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := newPubsub()
	sub := bus.subscribe("doc-1", 1)
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		bus.publish(Event{Type: "update", DocID: "doc-1"})
		bus.publish(Event{Type: "update", DocID: "doc-1"})
		bus.publish(Event{Type: "update", DocID: "doc-1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}
