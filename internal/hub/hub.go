// Package hub runs the coordination service: one event loop owning the
// identity registry and the room table, plus the stateless signaling relay
// between registered connections.
package hub

import (
	"context"
	"log"
	"time"

	"github.com/mentorhub/livecall/internal/domain"
	"github.com/mentorhub/livecall/internal/protocol"
	"github.com/mentorhub/livecall/internal/registry"
	"github.com/mentorhub/livecall/internal/room"
)

type inboundMessage struct {
	conn *Conn
	env  protocol.Envelope
}

// Hub is the coordination service state machine. All state is confined to the
// Run loop; timers re-enter the loop through the commands channel.
type Hub struct {
	identities *registry.Registry
	rooms      *room.Manager
	recorder   domain.CallRecorder

	gracePeriod  time.Duration
	emptyRoomTTL time.Duration

	register   chan *Conn
	unregister chan *Conn
	inbound    chan inboundMessage
	commands   chan func()

	conns       map[string]*Conn
	graceTimers map[string]*time.Timer
	emptyTimers map[string]*time.Timer
}

// New creates a hub. recorder may be a history.Nop when no store is wired.
func New(recorder domain.CallRecorder, gracePeriod, emptyRoomTTL time.Duration) *Hub {
	return &Hub{
		identities:   registry.New(),
		rooms:        room.NewManager(),
		recorder:     recorder,
		gracePeriod:  gracePeriod,
		emptyRoomTTL: emptyRoomTTL,
		register:     make(chan *Conn),
		unregister:   make(chan *Conn),
		inbound:      make(chan inboundMessage, 64),
		commands:     make(chan func(), 16),
		conns:        make(map[string]*Conn),
		graceTimers:  make(map[string]*time.Timer),
		emptyTimers:  make(map[string]*time.Timer),
	}
}

// Register is the entry point for new websocket connections.
func (h *Hub) Register(c *Conn) {
	h.register <- c
}

// Run processes all hub events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.conns[c.ID] = c
			log.Printf("[hub] connection %s opened", c.ID)

		case c := <-h.unregister:
			h.handleDisconnect(c)

		case msg := <-h.inbound:
			h.dispatch(msg.conn, msg.env)

		case fn := <-h.commands:
			fn()
		}
	}
}

// RoomSnapshots returns a consistent view of the room table for the HTTP
// inspection API. Safe to call from any goroutine.
func (h *Hub) RoomSnapshots() []room.Snapshot {
	reply := make(chan []room.Snapshot, 1)
	h.commands <- func() { reply <- h.rooms.Snapshots() }
	return <-reply
}

func (h *Hub) dispatch(c *Conn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRegister:
		h.handleRegister(c, env)
	case protocol.TypeJoinRoom:
		h.handleJoin(c, env)
	case protocol.TypeReconnectAttempt:
		h.handleReconnectAttempt(c, env)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		h.relay(c, env)
	case protocol.TypeToggleVideo:
		h.handleToggle(c, env, protocol.TypeUserToggleVideo, func(m *room.MediaFlags, on bool) { m.VideoEnabled = on })
	case protocol.TypeToggleAudio:
		h.handleToggle(c, env, protocol.TypeUserToggleAudio, func(m *room.MediaFlags, on bool) { m.AudioEnabled = on })
	case protocol.TypeStartScreenShare:
		h.handleScreenShare(c, env, true)
	case protocol.TypeStopScreenShare:
		h.handleScreenShare(c, env, false)
	case protocol.TypeSendMessage:
		h.handleChat(c, env)
	case protocol.TypeLeaveRoom:
		h.handleLeave(c, env)
	case protocol.TypeConnectionState:
		var p protocol.ConnectionState
		if err := env.Decode(&p); err == nil {
			log.Printf("[hub] %s reports transport %s", c.identity, p.State)
		}
	default:
		log.Printf("[hub] unhandled message type %q from %s", env.Type, c.ID)
	}
}

func (h *Hub) handleRegister(c *Conn, env protocol.Envelope) {
	var p protocol.Register
	if err := env.Decode(&p); err != nil || p.Identity == "" {
		log.Printf("[hub] malformed register from %s: %v", c.ID, err)
		return
	}

	displaced := h.identities.Register(p.Identity, c.ID)
	c.identity = p.Identity
	log.Printf("[hub] registered %s -> %s", p.Identity, c.ID)

	if displaced == "" {
		return
	}
	if prev, ok := h.conns[displaced]; ok {
		h.sendTo(prev, protocol.TypeSessionReplaced, protocol.SessionReplaced{
			Message: "You signed in from another device. This session has been disconnected.",
		})
		log.Printf("[hub] session takeover for %s, evicted %s", p.Identity, displaced)
		// Take the evicted connection through the full disconnect path now
		// rather than waiting for its read pump to exit: it must stop being a
		// relay target immediately, and any seat it held enters the grace
		// window for the new session to reclaim.
		h.handleDisconnect(prev)
	}
}

func (h *Hub) handleJoin(c *Conn, env protocol.Envelope) {
	var p protocol.JoinRoom
	if err := env.Decode(&p); err != nil {
		log.Printf("[hub] malformed join-room from %s: %v", c.ID, err)
		return
	}
	if c.identity == "" || c.identity != p.Identity {
		log.Printf("[hub] join-room from unregistered or mismatched identity on %s", c.ID)
		return
	}

	created := false
	if _, ok := h.rooms.Get(p.RoomID); !ok {
		created = true
	}

	res, err := h.rooms.Join(p.RoomID, p.Identity, p.DisplayName, p.Role, c.ID)
	if err != nil {
		log.Printf("[hub] join %s/%s rejected: %v", p.RoomID, p.Identity, err)
		return
	}
	c.roomID = p.RoomID

	if v := res.Vacated; v != nil {
		h.cancelGrace(v.Room.ID, p.Identity)
		for _, o := range v.Remaining {
			h.sendToConnection(o.ConnectionID, protocol.TypeUserLeft, protocol.UserLeft{
				DisplayName: v.Participant.DisplayName,
			})
		}
		if v.Empty {
			h.scheduleEmptyDeletion(v.Room.ID)
		}
		h.record(func() error { return h.recorder.End(v.Room.ID, p.Identity) })
		log.Printf("[hub] %s moved out of room %s", p.Identity, v.Room.ID)
	}

	// A rejoin within the grace window cancels the pending eviction; any
	// pending empty-room deletion is cancelled too.
	h.cancelGrace(p.RoomID, p.Identity)
	h.cancelEmptyTimer(p.RoomID)

	others := make([]protocol.Participant, 0, len(res.Others))
	for _, o := range res.Others {
		others = append(others, o.Wire())
	}
	h.sendTo(c, protocol.TypeRoomJoined, protocol.RoomJoined{
		RoomID:       p.RoomID,
		Participants: others,
		IsInitiator:  res.IsInitiator,
	})

	joined := protocol.UserJoined{
		Identity:     p.Identity,
		DisplayName:  p.DisplayName,
		Role:         p.Role,
		ConnectionID: c.ID,
	}
	for _, o := range res.Others {
		h.sendToConnection(o.ConnectionID, protocol.TypeUserJoined, joined)
	}

	if res.BecameActive {
		notice := protocol.CallConnected{Participants: res.Room.WireParticipants()}
		h.broadcast(res.Room, protocol.TypeCallConnected, notice)
	}

	h.record(func() error {
		if created {
			if err := h.recorder.Initiate(p.RoomID, p.Identity, "", nil); err != nil {
				return err
			}
		}
		return h.recorder.Join(p.RoomID, p.Identity)
	})
	log.Printf("[hub] %s joined room %s (initiator=%t rejoin=%t)", p.Identity, p.RoomID, res.IsInitiator, res.Rejoined)
}

func (h *Hub) handleReconnectAttempt(c *Conn, env protocol.Envelope) {
	var p protocol.JoinRoom
	if err := env.Decode(&p); err != nil {
		log.Printf("[hub] malformed reconnect-attempt from %s: %v", c.ID, err)
		return
	}
	if c.identity == "" || c.identity != p.Identity {
		return
	}

	r, ok := h.rooms.Get(p.RoomID)
	if !ok || r.Member(p.Identity) == nil {
		// Seat expired while the client was away; the call is over.
		h.sendTo(c, protocol.TypeRoomEnded, nil)
		return
	}
	h.sendTo(c, protocol.TypeCanRejoin, protocol.CanRejoin{RoomID: p.RoomID})
}

// relay validates and forwards a negotiation envelope. Malformed or
// stale-target messages are dropped and logged, never retried.
func (h *Hub) relay(c *Conn, env protocol.Envelope) {
	var p protocol.Signal
	if err := env.Decode(&p); err != nil {
		log.Printf("[hub] malformed %s from %s: %v", env.Type, c.ID, err)
		return
	}
	if c.identity == "" || c.roomID == "" {
		log.Printf("[hub] dropping %s from %s: not in a room", env.Type, c.ID)
		return
	}
	target, ok := h.conns[p.To]
	if !ok || target.roomID != c.roomID {
		log.Printf("[hub] dropping %s from %s: stale target %q", env.Type, c.identity, p.To)
		return
	}

	p.To = ""
	p.From = c.identity
	p.FromConnection = c.ID
	h.sendTo(target, env.Type, p)
}

func (h *Hub) handleToggle(c *Conn, env protocol.Envelope, out protocol.MessageType, apply func(*room.MediaFlags, bool)) {
	var p protocol.Toggle
	if err := env.Decode(&p); err != nil {
		log.Printf("[hub] malformed %s from %s: %v", env.Type, c.ID, err)
		return
	}
	r, me, ok := h.roomMember(c, p.RoomID)
	if !ok {
		return
	}
	h.rooms.UpdateMedia(p.RoomID, c.identity, func(m *room.MediaFlags) { apply(m, p.Enabled) })

	notice := protocol.UserToggle{Identity: c.identity, DisplayName: me.DisplayName, Enabled: p.Enabled}
	for _, o := range r.Others(c.identity) {
		h.sendToConnection(o.ConnectionID, out, notice)
	}
}

func (h *Hub) handleScreenShare(c *Conn, env protocol.Envelope, active bool) {
	var p protocol.RoomRef
	if err := env.Decode(&p); err != nil {
		log.Printf("[hub] malformed %s from %s: %v", env.Type, c.ID, err)
		return
	}
	r, me, ok := h.roomMember(c, p.RoomID)
	if !ok {
		return
	}
	h.rooms.UpdateMedia(p.RoomID, c.identity, func(m *room.MediaFlags) { m.ScreenSharing = active })

	out := protocol.TypeUserStartedScreenShare
	if !active {
		out = protocol.TypeUserStoppedScreenShare
	}
	notice := protocol.ScreenShareNotice{DisplayName: me.DisplayName}
	for _, o := range r.Others(c.identity) {
		h.sendToConnection(o.ConnectionID, out, notice)
	}
}

func (h *Hub) handleChat(c *Conn, env protocol.Envelope) {
	var p protocol.Chat
	if err := env.Decode(&p); err != nil {
		log.Printf("[hub] malformed send-message from %s: %v", c.ID, err)
		return
	}
	r, me, ok := h.roomMember(c, p.RoomID)
	if !ok {
		return
	}
	// Chat goes to the full room including the sender, so every client
	// renders one consistent transcript.
	h.broadcast(r, protocol.TypeChatMessage, protocol.ChatMessage{
		SenderID:   c.identity,
		SenderName: me.DisplayName,
		Message:    p.Message,
		Timestamp:  time.Now(),
	})
}

func (h *Hub) handleLeave(c *Conn, env protocol.Envelope) {
	var p protocol.RoomRef
	if err := env.Decode(&p); err != nil {
		log.Printf("[hub] malformed leave-room from %s: %v", c.ID, err)
		return
	}
	res, ok := h.rooms.Leave(p.RoomID, c.identity)
	if !ok {
		return
	}
	c.roomID = ""
	h.cancelGrace(p.RoomID, c.identity)

	for _, o := range res.Remaining {
		h.sendToConnection(o.ConnectionID, protocol.TypeUserLeft, protocol.UserLeft{
			DisplayName: res.Participant.DisplayName,
		})
	}
	if res.Empty {
		h.scheduleEmptyDeletion(p.RoomID)
	}
	h.record(func() error { return h.recorder.End(p.RoomID, c.identity) })
	log.Printf("[hub] %s left room %s", c.identity, p.RoomID)
}

// handleDisconnect runs when a connection's read pump exits without an
// explicit leave. The seat is held for the grace window.
func (h *Hub) handleDisconnect(c *Conn) {
	if _, ok := h.conns[c.ID]; !ok {
		return
	}
	delete(h.conns, c.ID)
	c.closeSend()

	if c.identity != "" {
		h.identities.Unregister(c.identity, c.ID)
	}

	res, ok := h.rooms.Disconnect(c.ID)
	if !ok {
		log.Printf("[hub] connection %s closed", c.ID)
		return
	}
	log.Printf("[hub] %s dropped from room %s, holding seat for %s", res.Participant.Identity, res.Room.ID, h.gracePeriod)

	for _, o := range res.Peers {
		h.sendToConnection(o.ConnectionID, protocol.TypePeerDisconnected, protocol.PeerDisconnected{
			DisplayName: res.Participant.DisplayName,
		})
	}

	roomID, identity := res.Room.ID, res.Participant.Identity
	h.graceTimers[graceKey(roomID, identity)] = time.AfterFunc(h.gracePeriod, func() {
		h.commands <- func() { h.expireGrace(roomID, identity) }
	})
}

func (h *Hub) expireGrace(roomID, identity string) {
	delete(h.graceTimers, graceKey(roomID, identity))
	res, ok := h.rooms.ExpireGrace(roomID, identity)
	if !ok {
		return
	}
	log.Printf("[hub] grace expired for %s in room %s", identity, roomID)

	for _, o := range res.Remaining {
		h.sendToConnection(o.ConnectionID, protocol.TypeUserLeft, protocol.UserLeft{
			DisplayName: res.Participant.DisplayName,
		})
	}
	if res.Ended {
		h.record(func() error { return h.recorder.Cancel(roomID, "grace-expired") })
	} else {
		h.record(func() error { return h.recorder.End(roomID, identity) })
	}
}

func (h *Hub) scheduleEmptyDeletion(roomID string) {
	h.cancelEmptyTimer(roomID)
	h.emptyTimers[roomID] = time.AfterFunc(h.emptyRoomTTL, func() {
		h.commands <- func() {
			delete(h.emptyTimers, roomID)
			if h.rooms.DeleteIfEmpty(roomID) {
				log.Printf("[hub] room %s deleted", roomID)
			}
		}
	})
}

func (h *Hub) cancelGrace(roomID, identity string) {
	if t, ok := h.graceTimers[graceKey(roomID, identity)]; ok {
		t.Stop()
		delete(h.graceTimers, graceKey(roomID, identity))
	}
}

func (h *Hub) cancelEmptyTimer(roomID string) {
	if t, ok := h.emptyTimers[roomID]; ok {
		t.Stop()
		delete(h.emptyTimers, roomID)
	}
}

func (h *Hub) roomMember(c *Conn, roomID string) (*room.Room, *room.Participant, bool) {
	if c.identity == "" || roomID == "" {
		return nil, nil, false
	}
	r, ok := h.rooms.Get(roomID)
	if !ok {
		return nil, nil, false
	}
	p := r.Member(c.identity)
	if p == nil {
		return nil, nil, false
	}
	return r, p, true
}

func (h *Hub) broadcast(r *room.Room, t protocol.MessageType, payload any) {
	for _, p := range r.Participants {
		h.sendToConnection(p.ConnectionID, t, payload)
	}
}

func (h *Hub) sendToConnection(connID string, t protocol.MessageType, payload any) {
	if connID == "" {
		return
	}
	if c, ok := h.conns[connID]; ok {
		h.sendTo(c, t, payload)
	}
}

func (h *Hub) sendTo(c *Conn, t protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		log.Printf("[hub] %v", err)
		return
	}
	c.enqueue(env)
}

// record runs a call-history side effect off the hub loop. Failures are
// logged and never block or affect the live call.
func (h *Hub) record(fn func() error) {
	go func() {
		if err := fn(); err != nil {
			log.Printf("[hub] call record: %v", err)
		}
	}()
}

func graceKey(roomID, identity string) string {
	return roomID + "\x00" + identity
}
