package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 50 * time.Second
	sendQueueSize = 64
)

// clientMessage is the inbound transport envelope. Type selects the
// operation; unknown or malformed frames are logged and dropped.
type clientMessage struct {
	Type     string          `json:"type"`
	DocID    string          `json:"doc_id,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
	UserName string          `json:"user_name,omitempty"`
	OrgID    string          `json:"org_id,omitempty"`
	Update   []byte          `json:"update,omitempty"`
	FromSeq  int64           `json:"from_seq,omitempty"`
	Cursor   *int            `json:"cursor,omitempty"`
	SelStart *int            `json:"sel_start,omitempty"`
	SelEnd   *int            `json:"sel_end,omitempty"`
	Raw      json.RawMessage `json:"payload,omitempty"`
}

type serverMessage struct {
	Type    string `json:"type"`
	DocID   string `json:"doc_id,omitempty"`
	Error   string `json:"error,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// WSHandler upgrades HTTP connections and binds each one to the gateway.
type WSHandler struct {
	gateway  *Gateway
	upgrader websocket.Upgrader
}

func NewWSHandler(g *Gateway, originCheck func(*http.Request) bool) *WSHandler {
	return &WSHandler{
		gateway: g,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originCheck,
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade: %v", err)
		return
	}
	conn := &wsConn{
		ws:      ws,
		gateway: h.gateway,
		send:    make(chan serverMessage, sendQueueSize),
	}
	go conn.writePump()
	conn.readPump(r.Context())
}

// wsConn is one client connection. The read pump owns inbound dispatch; the
// write pump owns the socket for writing. Session and subscription are bound
// by the first successful "open".
type wsConn struct {
	ws        *websocket.Conn
	gateway   *Gateway
	send      chan serverMessage
	sessionID string
	sub       *Subscription

	mu     sync.Mutex // guards closed and the close of send
	closed bool
}

// enqueue hands a message to the write pump. Events buffered in the
// subscription can still arrive after teardown, so a closed connection
// swallows them instead of hitting a closed channel.
func (c *wsConn) enqueue(msg serverMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default: // client not draining, drop
	}
}

func (c *wsConn) readPump(ctx context.Context) {
	defer c.teardown(ctx)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg clientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: read: %v", err)
			}
			return
		}
		c.dispatch(ctx, msg)
	}
}

func (c *wsConn) dispatch(ctx context.Context, msg clientMessage) {
	// Each operation answers to its short name and to the client protocol's
	// own names for it, so editors speaking either dialect work.
	switch msg.Type {
	case "open", "join":
		c.handleOpen(ctx, msg)
	case "update", "DOC_UPDATE":
		c.handleUpdate(ctx, msg)
	case "awareness", "cursor", "selection", "presence", "AWARENESS_UPDATE":
		c.handleAwareness(ctx, msg)
	case "updates_since":
		c.handleUpdatesSince(ctx, msg)
	case "close":
		c.handleClose(ctx)
	default:
		log.Printf("ws: dropping unknown message type %q", msg.Type)
	}
}

func (c *wsConn) handleOpen(ctx context.Context, msg clientMessage) {
	if c.sessionID != "" {
		c.enqueue(serverMessage{Type: "error", Error: "session already open"})
		return
	}
	payload, err := c.gateway.Open(ctx, msg.DocID, msg.UserID, msg.UserName, msg.OrgID)
	if err != nil {
		log.Printf("ws: open doc=%s user=%s: %v", msg.DocID, msg.UserID, err)
		c.enqueue(serverMessage{Type: "error", Error: "open failed"})
		return
	}
	c.sessionID = payload.SessionID
	c.sub = c.gateway.Subscribe(msg.DocID, sendQueueSize)
	go c.forwardEvents(c.sub)

	c.enqueue(serverMessage{Type: "joined", DocID: msg.DocID, Payload: payload})
}

func (c *wsConn) handleUpdate(ctx context.Context, msg clientMessage) {
	if c.sessionID == "" {
		c.enqueue(serverMessage{Type: "error", Error: "no open session"})
		return
	}
	info, err := c.gateway.SubmitUpdate(ctx, c.sessionID, msg.Update)
	if err != nil {
		log.Printf("ws: update session=%s: %v", c.sessionID, err)
		c.enqueue(serverMessage{Type: "error", Error: "update rejected"})
		return
	}
	c.enqueue(serverMessage{Type: "ack", DocID: info.DocID, Payload: map[string]int64{"seq": info.Seq}})
}

func (c *wsConn) handleAwareness(ctx context.Context, msg clientMessage) {
	if c.sessionID == "" {
		return
	}
	if err := c.gateway.UpdateAwareness(ctx, c.sessionID, msg.Cursor, msg.SelStart, msg.SelEnd); err != nil {
		log.Printf("ws: awareness session=%s: %v", c.sessionID, err)
	}
}

func (c *wsConn) handleUpdatesSince(ctx context.Context, msg clientMessage) {
	if c.sessionID == "" {
		c.enqueue(serverMessage{Type: "error", Error: "no open session"})
		return
	}
	docID, _, _, _, err := c.gateway.Session(c.sessionID)
	if err != nil {
		c.enqueue(serverMessage{Type: "error", Error: "no open session"})
		return
	}
	records, err := c.gateway.UpdatesSince(ctx, docID, msg.FromSeq)
	if err != nil {
		log.Printf("ws: updates since doc=%s: %v", docID, err)
		c.enqueue(serverMessage{Type: "error", Error: "catch-up failed"})
		return
	}
	c.enqueue(serverMessage{Type: "updates", DocID: docID, Payload: records})
}

func (c *wsConn) handleClose(ctx context.Context) {
	if c.sessionID == "" {
		return
	}
	if err := c.gateway.Close(ctx, c.sessionID); err != nil {
		log.Printf("ws: close session=%s: %v", c.sessionID, err)
	}
	c.sessionID = ""
	if c.sub != nil {
		c.sub.Cancel()
		c.sub = nil
	}
}

// forwardEvents bridges the document's pubsub stream onto this connection.
// It keeps draining events the subscription buffered before Cancel, which can
// be after teardown has already run.
func (c *wsConn) forwardEvents(sub *Subscription) {
	for event := range sub.C {
		c.enqueue(serverMessage{Type: event.Type, DocID: event.DocID, Payload: event.Payload})
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown runs when the read pump exits, whether by clean close or drop.
// The request context is already dead at that point, so cleanup gets its own.
func (c *wsConn) teardown(_ context.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.handleClose(ctx)
	c.mu.Lock()
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}
