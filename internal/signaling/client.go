package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Default maximum message size allowed from peer.
	// 64 KB is enough for WebRTC SDP messages.
	defaultReadLimit = 64 * 1024

	// Default capacity of a client's outbound buffer.
	defaultSendBuffer = 256
)

// Client is a wrapper for a single websocket connection (a peer).
//
// Identity fields (PeerID, Role, Name, WalletAddress, RoomID) are written
// only by the client's own read goroutine, which is also the goroutine
// that drives the handler for every message this peer sends, so they need
// no locking. The send channel is guarded by sendMu so that the registry
// can supersede a stale connection without racing in-flight sends.
type Client struct {
	// Handler dispatches every message this client reads.
	Handler *Handler

	// Conn is the websocket connection.
	Conn *websocket.Conn

	// PeerID is the client-generated peer identity, adopted from the first
	// message the peer sends. Empty until then.
	PeerID string

	// Role is proctor or student, fixed by the first room operation.
	Role Role

	// Name is the optional display name supplied at create/join time. It
	// may be changed once after the initial supply; nameUpdated records
	// that the one change has been spent.
	Name        string
	nameUpdated bool

	// WalletAddress is the optional blockchain identity. Immutable once set.
	WalletAddress string

	// RoomID is the room this peer is bound to, set when it creates a room
	// or asks to join one. Whether the peer is pending or admitted is the
	// room store's business, not the client's.
	RoomID string

	// ReadLimit overrides defaultReadLimit when positive.
	ReadLimit int64

	// Send is the buffered channel of outbound messages. A separate
	// goroutine (WritePump) drains it onto the websocket.
	Send chan *Message

	sendMu sync.Mutex
	closed bool
}

// trySend queues a message for delivery without ever blocking. It reports
// false if the client's connection has been superseded or its buffer is
// full; a slow or stale peer loses messages rather than stalling a room.
func (c *Client) trySend(msg *Message) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- msg:
		return true
	default:
		return false
	}
}

// closeSend closes the outbound channel exactly once, stopping the
// client's WritePump. Safe to call from any goroutine and concurrently
// with trySend.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// ReadPump pumps messages from the websocket connection into the handler.
//
// The application runs ReadPump in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine. Because the handler runs on
// this goroutine too, all of a peer's messages are processed in the order
// they arrived.
func (c *Client) ReadPump() {
	// When this function exits (e.g., connection closes), let the handler
	// clean up whatever room state this peer holds.
	defer func() {
		c.Handler.HandleDisconnect(c)
		c.Conn.Close()
	}()

	limit := c.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	c.Conn.SetReadLimit(limit)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("websocket read failed", "peer_id", c.PeerID, "error", err)
			}
			break // Transport failure: exit and clean up.
		}

		// Malformed JSON is a logical error, not a transport one: tell the
		// sender and keep the connection open.
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.trySend(&Message{Type: TypeError, Message: "malformed message: not valid JSON"})
			continue
		}

		c.Handler.HandleMessage(c, &msg)
	}
}

// WritePump pumps messages from the send channel to the websocket
// connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The channel was closed: this connection was superseded
				// or its peer's room state is gone.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				slog.Debug("websocket write failed", "peer_id", c.PeerID, "error", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
