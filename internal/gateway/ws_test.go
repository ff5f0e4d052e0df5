package gateway

import (
	"context"
	"testing"
)

func TestTeardownToleratesBufferedEvents(t *testing.T) {
	g, _, _, _, _ := newTestGateway()
	ctx := context.Background()

	payload, err := g.Open(ctx, "doc-1", "u-alice", "Alice", "org-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	conn := &wsConn{gateway: g, send: make(chan serverMessage, 2), sessionID: payload.SessionID}
	conn.sub = g.Subscribe("doc-1", 8)
	sub := conn.sub

	// Events landing just before a disconnect sit in the subscription buffer
	// until the forwarding goroutine gets scheduled.
	g.PublishEvent("update", "doc-1", map[string]int64{"seq": 1})
	g.PublishEvent("update", "doc-1", map[string]int64{"seq": 2})
	g.PublishEvent("update", "doc-1", map[string]int64{"seq": 3})

	conn.teardown(ctx)

	// The forwarder drains the leftovers after the send channel is closed;
	// they must be swallowed, not sent.
	conn.forwardEvents(sub)

	if conn.sessionID != "" {
		t.Fatalf("sessionID = %q after teardown, want empty", conn.sessionID)
	}
}

func TestDispatchAcceptsProtocolTypeNames(t *testing.T) {
	g, replicas, tracker, _, _ := newTestGateway()
	conn := &wsConn{gateway: g, send: make(chan serverMessage, sendQueueSize)}
	ctx := context.Background()

	conn.dispatch(ctx, clientMessage{Type: "join", DocID: "doc-1", UserID: "u-alice", UserName: "Alice", OrgID: "org-1"})
	if conn.sessionID == "" {
		t.Fatal("join did not open a session")
	}

	conn.dispatch(ctx, clientMessage{Type: "DOC_UPDATE", Update: []byte("edit")})
	replicas.mu.Lock()
	applied := len(replicas.log)
	replicas.mu.Unlock()
	if applied != 1 {
		t.Fatalf("DOC_UPDATE applied %d updates, want 1", applied)
	}

	cursor, selStart, selEnd := 7, 3, 9
	conn.dispatch(ctx, clientMessage{Type: "cursor", Cursor: &cursor})
	conn.dispatch(ctx, clientMessage{Type: "selection", Cursor: &cursor, SelStart: &selStart, SelEnd: &selEnd})

	entries, err := tracker.ActiveUsers(ctx, "doc-1")
	if err != nil {
		t.Fatalf("active users: %v", err)
	}
	found := false
	for _, entry := range entries {
		if entry.UserID != "u-alice" {
			continue
		}
		found = true
		if entry.Cursor == nil || *entry.Cursor != 7 {
			t.Fatalf("cursor = %v, want 7", entry.Cursor)
		}
		if entry.SelStart == nil || *entry.SelStart != 3 || entry.SelEnd == nil || *entry.SelEnd != 9 {
			t.Fatalf("selection = %v..%v, want 3..9", entry.SelStart, entry.SelEnd)
		}
	}
	if !found {
		t.Fatal("no presence entry for u-alice")
	}

	conn.dispatch(ctx, clientMessage{Type: "close"})
	if conn.sessionID != "" {
		t.Fatal("close left the session open")
	}
}
