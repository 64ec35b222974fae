// Package channel maintains the persistent websocket connection to the
// coordination service, re-dialing and re-registering after drops.
package channel

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mentorhub/livecall/internal/domain"
	"github.com/mentorhub/livecall/internal/protocol"
)

const (
	dialTimeout  = 10 * time.Second
	pingInterval = 20 * time.Second
	pingWait     = 5 * time.Second
)

// defaultBackoff is the redial schedule after an unexpected drop. The channel
// gives up after the last entry and reports OnChannelFailed.
var defaultBackoff = []time.Duration{
	time.Second,
	2 * time.Second,
	3 * time.Second,
	5 * time.Second,
	5 * time.Second,
}

// Client implements domain.Signaler over a gorilla websocket.
type Client struct {
	url         string
	identity    string
	displayName string
	role        string
	handler     domain.ChannelHandler
	backoff     []time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	wasUp     bool
	closed    chan struct{}
}

// NewClient creates a channel client for the signaling endpoint at url.
func NewClient(url, identity, displayName, role string, handler domain.ChannelHandler) *Client {
	return &Client{
		url:         url,
		identity:    identity,
		displayName: displayName,
		role:        role,
		handler:     handler,
		backoff:     defaultBackoff,
		closed:      make(chan struct{}),
	}
}

// Connect dials the signaling endpoint, registers the identity and starts the
// read and ping loops. A failed first dial is not terminal: it enters the
// same backoff schedule as a mid-session drop, and only schedule exhaustion
// surfaces through OnChannelFailed.
func (c *Client) Connect() error {
	conn, err := c.dial()
	if err != nil {
		log.Printf("[channel] dial failed, retrying: %v", err)
		go c.redial()
		return nil
	}
	c.attach(conn)
	return nil
}

// Close shuts the channel down for good; no reconnection follows.
func (c *Client) Close() {
	select {
	case <-c.closed:
		return
	default:
		close(c.closed)
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = dialTimeout

	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", c.url, err)
	}
	return conn, nil
}

// attach installs conn as the live connection, registers, and starts the
// per-connection loops. Loops are bound to their own conn so a stale loop
// dies with its connection instead of touching a replacement.
func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	reconnected := c.wasUp
	c.wasUp = true
	c.mu.Unlock()

	c.sendEnvelope(protocol.TypeRegister, protocol.Register{Identity: c.identity})

	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.handler.OnChannelUp(reconnected)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			log.Printf("[channel] read error: %v", err)
			c.mu.Lock()
			stale := c.conn != conn
			c.connected = false
			c.mu.Unlock()
			if !stale {
				c.handler.OnChannelDown(err)
				c.redial()
			}
			return
		}
		c.dispatch(env)
	}
}

// redial walks the backoff schedule until a dial succeeds or the schedule is
// exhausted.
func (c *Client) redial() {
	var lastErr error
	for attempt, delay := range c.backoff {
		select {
		case <-c.closed:
			return
		case <-time.After(delay):
		}

		conn, err := c.dial()
		if err != nil {
			lastErr = err
			log.Printf("[channel] reconnect attempt %d failed: %v", attempt+1, err)
			continue
		}
		log.Printf("[channel] reconnected after %d attempt(s)", attempt+1)
		c.attach(conn)
		return
	}
	c.handler.OnChannelFailed(fmt.Errorf("reconnect attempts exhausted: %w", lastErr))
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWait))
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRoomJoined:
		var p protocol.RoomJoined
		if c.decode(env, &p) {
			c.handler.OnRoomJoined(p)
		}
	case protocol.TypeUserJoined:
		var p protocol.UserJoined
		if c.decode(env, &p) {
			c.handler.OnUserJoined(p)
		}
	case protocol.TypeOffer, protocol.TypeAnswer:
		var p protocol.Signal
		if !c.decode(env, &p) {
			return
		}
		var desc protocol.SessionDescription
		if err := json.Unmarshal(p.Body, &desc); err != nil {
			log.Printf("[channel] bad %s body: %v", env.Type, err)
			return
		}
		if env.Type == protocol.TypeOffer {
			c.handler.OnOffer(p.FromConnection, desc)
		} else {
			c.handler.OnAnswer(p.FromConnection, desc)
		}
	case protocol.TypeICECandidate:
		var p protocol.Signal
		if !c.decode(env, &p) {
			return
		}
		var cand protocol.ICECandidate
		if err := json.Unmarshal(p.Body, &cand); err != nil {
			log.Printf("[channel] bad candidate body: %v", err)
			return
		}
		c.handler.OnCandidate(p.FromConnection, cand)
	case protocol.TypeRenegotiateRequest:
		var p protocol.RenegotiateRequest
		if c.decode(env, &p) {
			c.handler.OnRenegotiateRequest(p.From)
		}
	case protocol.TypePeerDisconnected:
		var p protocol.PeerDisconnected
		if c.decode(env, &p) {
			c.handler.OnPeerDisconnected(p.DisplayName)
		}
	case protocol.TypeUserLeft:
		var p protocol.UserLeft
		if c.decode(env, &p) {
			c.handler.OnUserLeft(p.DisplayName)
		}
	case protocol.TypeCallConnected:
		var p protocol.CallConnected
		if c.decode(env, &p) {
			c.handler.OnCallConnected(p.Participants)
		}
	case protocol.TypeChatMessage:
		var p protocol.ChatMessage
		if c.decode(env, &p) {
			c.handler.OnChat(p)
		}
	case protocol.TypeUserToggleVideo:
		var p protocol.UserToggle
		if c.decode(env, &p) {
			c.handler.OnUserToggleVideo(p)
		}
	case protocol.TypeUserToggleAudio:
		var p protocol.UserToggle
		if c.decode(env, &p) {
			c.handler.OnUserToggleAudio(p)
		}
	case protocol.TypeUserStartedScreenShare:
		var p protocol.ScreenShareNotice
		if c.decode(env, &p) {
			c.handler.OnUserScreenShare(p.DisplayName, true)
		}
	case protocol.TypeUserStoppedScreenShare:
		var p protocol.ScreenShareNotice
		if c.decode(env, &p) {
			c.handler.OnUserScreenShare(p.DisplayName, false)
		}
	case protocol.TypeCanRejoin:
		var p protocol.CanRejoin
		if c.decode(env, &p) {
			c.handler.OnCanRejoin(p.RoomID)
		}
	case protocol.TypeSessionReplaced:
		var p protocol.SessionReplaced
		if c.decode(env, &p) {
			c.handler.OnSessionReplaced(p.Message)
		}
	case protocol.TypeRoomEnded:
		c.handler.OnRoomEnded()
	default:
		log.Printf("[channel] unhandled message type: %s", env.Type)
	}
}

func (c *Client) decode(env protocol.Envelope, dst any) bool {
	if err := env.Decode(dst); err != nil {
		log.Printf("[channel] %v", err)
		return false
	}
	return true
}

// SendJoin requests a seat in roomID under the profile given at construction.
func (c *Client) SendJoin(roomID string) {
	c.sendEnvelope(protocol.TypeJoinRoom, protocol.JoinRoom{
		RoomID:      roomID,
		Identity:    c.identity,
		DisplayName: c.displayName,
		Role:        c.role,
	})
}

// SendReconnectAttempt asks whether the seat in roomID is still held.
func (c *Client) SendReconnectAttempt(roomID string) {
	c.sendEnvelope(protocol.TypeReconnectAttempt, protocol.JoinRoom{
		RoomID:      roomID,
		Identity:    c.identity,
		DisplayName: c.displayName,
		Role:        c.role,
	})
}

func (c *Client) SendOffer(toConn string, desc protocol.SessionDescription) {
	c.sendSignal(protocol.TypeOffer, toConn, desc)
}

func (c *Client) SendAnswer(toConn string, desc protocol.SessionDescription) {
	c.sendSignal(protocol.TypeAnswer, toConn, desc)
}

func (c *Client) SendCandidate(toConn string, cand protocol.ICECandidate) {
	c.sendSignal(protocol.TypeICECandidate, toConn, cand)
}

func (c *Client) SendToggleVideo(roomID string, enabled bool) {
	c.sendEnvelope(protocol.TypeToggleVideo, protocol.Toggle{RoomID: roomID, Enabled: enabled})
}

func (c *Client) SendToggleAudio(roomID string, enabled bool) {
	c.sendEnvelope(protocol.TypeToggleAudio, protocol.Toggle{RoomID: roomID, Enabled: enabled})
}

func (c *Client) SendScreenShare(roomID string, active bool) {
	t := protocol.TypeStartScreenShare
	if !active {
		t = protocol.TypeStopScreenShare
	}
	c.sendEnvelope(t, protocol.RoomRef{RoomID: roomID})
}

func (c *Client) SendChat(roomID, message string) {
	c.sendEnvelope(protocol.TypeSendMessage, protocol.Chat{RoomID: roomID, Message: message})
}

func (c *Client) SendConnectionState(state string) {
	c.sendEnvelope(protocol.TypeConnectionState, protocol.ConnectionState{State: state})
}

func (c *Client) SendLeave(roomID string) {
	c.sendEnvelope(protocol.TypeLeaveRoom, protocol.RoomRef{RoomID: roomID})
}

func (c *Client) sendSignal(t protocol.MessageType, toConn string, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		log.Printf("[channel] marshal %s body: %v", t, err)
		return
	}
	c.sendEnvelope(t, protocol.Signal{To: toConn, From: c.identity, Body: raw})
}

func (c *Client) sendEnvelope(t protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		log.Printf("[channel] %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.connected {
		log.Printf("[channel] dropping %s: not connected", t)
		return
	}
	if err := c.conn.WriteJSON(env); err != nil {
		log.Printf("[channel] write %s: %v", t, err)
	}
}
