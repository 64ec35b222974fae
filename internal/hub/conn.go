package hub

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mentorhub/livecall/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP bodies fit comfortably.
	maxMessageSize = 64 * 1024
)

// Conn wraps a single websocket connection to the coordination service.
// All of its mutable fields except send are owned by the hub loop.
type Conn struct {
	hub *Hub
	ws  *websocket.Conn

	// ID is the connection id, assigned at upgrade time.
	ID string

	// identity is set once the connection registers; roomID once it joins.
	identity string
	roomID   string

	// sendMu guards send and closed; enqueue must never race closeSend into
	// a send on a closed channel.
	sendMu sync.Mutex
	send   chan protocol.Envelope
	closed bool
}

// NewConn wires a websocket connection to the hub. Tests pass a nil websocket
// and drain send directly.
func NewConn(h *Hub, ws *websocket.Conn, id string) *Conn {
	return &Conn{
		hub:  h,
		ws:   ws,
		ID:   id,
		send: make(chan protocol.Envelope, 32),
	}
}

// enqueue hands an envelope to the write pump without blocking the hub loop.
// Messages to a closed connection are dropped; a consumer too slow to drain
// its buffer loses messages too. Recoverability relies on reconnection
// re-synchronizing state.
func (c *Conn) enqueue(env protocol.Envelope) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		log.Printf("[hub] dropping %s to %s: connection closed", env.Type, c.ID)
		return
	}
	select {
	case c.send <- env:
	default:
		log.Printf("[hub] dropping %s to %s: send buffer full", env.Type, c.ID)
	}
}

// closeSend stops the write pump after it drains queued messages.
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ReadPump pumps messages from the websocket to the hub. It runs in a
// per-connection goroutine; all reads happen here.
func (c *Conn) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env protocol.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[hub] read error from %s: %v", c.ID, err)
			}
			return
		}
		c.hub.inbound <- inboundMessage{conn: c, env: env}
	}
}

// WritePump pumps messages from the hub to the websocket. It runs in a
// per-connection goroutine; all writes happen here.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(env); err != nil {
				log.Printf("[hub] write error to %s: %v", c.ID, err)
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
