package hub

import (
	"context"
	"testing"
	"time"

	"github.com/mentorhub/livecall/internal/history"
	"github.com/mentorhub/livecall/internal/protocol"
)

const (
	testGrace    = 50 * time.Millisecond
	testEmptyTTL = 20 * time.Millisecond
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := New(history.Nop{}, testGrace, testEmptyTTL)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func connect(t *testing.T, h *Hub, connID, identity string) *Conn {
	t.Helper()
	c := NewConn(h, nil, connID)
	h.Register(c)
	send(t, h, c, protocol.TypeRegister, protocol.Register{Identity: identity})
	return c
}

func send(t *testing.T, h *Hub, c *Conn, typ protocol.MessageType, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	h.inbound <- inboundMessage{conn: c, env: env}
}

func join(t *testing.T, h *Hub, c *Conn, roomID, identity, displayName string) {
	t.Helper()
	send(t, h, c, protocol.TypeJoinRoom, protocol.JoinRoom{
		RoomID:      roomID,
		Identity:    identity,
		DisplayName: displayName,
		Role:        "student",
	})
}

func recv(t *testing.T, c *Conn) protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return protocol.Envelope{}
	}
}

func expect(t *testing.T, c *Conn, typ protocol.MessageType) protocol.Envelope {
	t.Helper()
	env := recv(t, c)
	if env.Type != typ {
		t.Fatalf("expected %s, got %s", typ, env.Type)
	}
	return env
}

func expectSilence(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case env := <-c.send:
		t.Fatalf("unexpected %s", env.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJoinFlow(t *testing.T) {
	h := newTestHub(t)
	mentor := connect(t, h, "conn-m", "mentor")
	student := connect(t, h, "conn-s", "student")

	join(t, h, mentor, "room-1", "mentor", "Maya")
	env := expect(t, mentor, protocol.TypeRoomJoined)
	var joined protocol.RoomJoined
	if err := env.Decode(&joined); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if joined.IsInitiator {
		t.Error("first occupant must not initiate")
	}
	if len(joined.Participants) != 0 {
		t.Errorf("expected empty room, got %v", joined.Participants)
	}

	join(t, h, student, "room-1", "student", "Sam")
	env = expect(t, student, protocol.TypeRoomJoined)
	if err := env.Decode(&joined); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !joined.IsInitiator {
		t.Error("second joiner must initiate")
	}
	if len(joined.Participants) != 1 || joined.Participants[0].Identity != "mentor" {
		t.Errorf("expected mentor listed, got %v", joined.Participants)
	}

	env = expect(t, mentor, protocol.TypeUserJoined)
	var userJoined protocol.UserJoined
	env.Decode(&userJoined)
	if userJoined.ConnectionID != "conn-s" {
		t.Errorf("user-joined connection %q", userJoined.ConnectionID)
	}

	expect(t, mentor, protocol.TypeCallConnected)
	expect(t, student, protocol.TypeCallConnected)
}

func TestThirdJoinerGetsNothing(t *testing.T) {
	h := newTestHub(t)
	mentor := connect(t, h, "conn-m", "mentor")
	student := connect(t, h, "conn-s", "student")
	eve := connect(t, h, "conn-e", "eve")

	join(t, h, mentor, "room-1", "mentor", "Maya")
	join(t, h, student, "room-1", "student", "Sam")
	join(t, h, eve, "room-1", "eve", "Eve")

	expectSilence(t, eve)
}

func TestSessionTakeover(t *testing.T) {
	h := newTestHub(t)
	first := connect(t, h, "conn-1", "mentor")
	connect(t, h, "conn-2", "mentor")

	env := expect(t, first, protocol.TypeSessionReplaced)
	var p protocol.SessionReplaced
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Message == "" {
		t.Error("expected an explanation in the notice")
	}

	// The evicted connection's outbound queue is closed after the notice.
	select {
	case _, ok := <-first.send:
		if ok {
			t.Error("expected closed send channel")
		}
	case <-time.After(time.Second):
		t.Fatal("send channel never closed")
	}
}

func TestRelayToReplacedConnectionDropped(t *testing.T) {
	h := newTestHub(t)
	mentor := connect(t, h, "conn-m", "mentor")
	student := connect(t, h, "conn-s", "student")
	join(t, h, mentor, "room-1", "mentor", "Maya")
	join(t, h, student, "room-1", "student", "Sam")
	drain(t, mentor, 3)
	drain(t, student, 2)

	// The mentor signs in again; the old connection is evicted and its seat
	// held for the new session.
	mentor2 := connect(t, h, "conn-m2", "mentor")
	expect(t, mentor, protocol.TypeSessionReplaced)
	expect(t, student, protocol.TypePeerDisconnected)

	join(t, h, mentor2, "room-1", "mentor", "Maya")
	env := expect(t, mentor2, protocol.TypeRoomJoined)
	var joined protocol.RoomJoined
	env.Decode(&joined)
	if !joined.IsInitiator {
		t.Error("rejoiner with a peer present must initiate")
	}
	expect(t, student, protocol.TypeUserJoined)

	// A candidate still addressed to the replaced connection is a stale
	// target; it must be dropped, not delivered or crash the loop.
	send(t, h, student, protocol.TypeICECandidate, protocol.Signal{
		To:   "conn-m",
		Body: []byte(`{"candidate":"cand-1"}`),
	})
	expectSilence(t, mentor2)
	expectSilence(t, student)

	// The hub keeps serving after the drop.
	send(t, h, student, protocol.TypeSendMessage, protocol.Chat{RoomID: "room-1", Message: "still here"})
	expect(t, mentor2, protocol.TypeChatMessage)
	expect(t, student, protocol.TypeChatMessage)
}

func TestRelayRewritesSender(t *testing.T) {
	h := newTestHub(t)
	mentor := connect(t, h, "conn-m", "mentor")
	student := connect(t, h, "conn-s", "student")
	join(t, h, mentor, "room-1", "mentor", "Maya")
	join(t, h, student, "room-1", "student", "Sam")
	drain(t, mentor, 3)
	drain(t, student, 2)

	send(t, h, student, protocol.TypeOffer, protocol.Signal{
		To:   "conn-m",
		Body: []byte(`{"type":"offer","sdp":"v=0"}`),
	})

	env := expect(t, mentor, protocol.TypeOffer)
	var sig protocol.Signal
	if err := env.Decode(&sig); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sig.From != "student" || sig.FromConnection != "conn-s" {
		t.Errorf("sender not rewritten: %+v", sig)
	}
	if sig.To != "" {
		t.Errorf("target should be cleared, got %q", sig.To)
	}
}

func TestRelayDropsStaleTarget(t *testing.T) {
	h := newTestHub(t)
	mentor := connect(t, h, "conn-m", "mentor")
	student := connect(t, h, "conn-s", "student")
	join(t, h, mentor, "room-1", "mentor", "Maya")
	join(t, h, student, "room-1", "student", "Sam")
	drain(t, mentor, 3)
	drain(t, student, 2)

	send(t, h, student, protocol.TypeOffer, protocol.Signal{
		To:   "conn-gone",
		Body: []byte(`{"type":"offer","sdp":"v=0"}`),
	})

	expectSilence(t, mentor)
	expectSilence(t, student)
}

func TestChatBroadcastIncludesSender(t *testing.T) {
	h := newTestHub(t)
	mentor := connect(t, h, "conn-m", "mentor")
	student := connect(t, h, "conn-s", "student")
	join(t, h, mentor, "room-1", "mentor", "Maya")
	join(t, h, student, "room-1", "student", "Sam")
	drain(t, mentor, 3)
	drain(t, student, 2)

	send(t, h, student, protocol.TypeSendMessage, protocol.Chat{RoomID: "room-1", Message: "hello"})

	for _, c := range []*Conn{mentor, student} {
		env := expect(t, c, protocol.TypeChatMessage)
		var msg protocol.ChatMessage
		env.Decode(&msg)
		if msg.SenderName != "Sam" || msg.Message != "hello" {
			t.Errorf("unexpected chat %+v", msg)
		}
	}
}

func TestToggleNotifiesPeerOnly(t *testing.T) {
	h := newTestHub(t)
	mentor := connect(t, h, "conn-m", "mentor")
	student := connect(t, h, "conn-s", "student")
	join(t, h, mentor, "room-1", "mentor", "Maya")
	join(t, h, student, "room-1", "student", "Sam")
	drain(t, mentor, 3)
	drain(t, student, 2)

	send(t, h, student, protocol.TypeToggleVideo, protocol.Toggle{RoomID: "room-1", Enabled: false})

	env := expect(t, mentor, protocol.TypeUserToggleVideo)
	var p protocol.UserToggle
	env.Decode(&p)
	if p.Identity != "student" || p.Enabled {
		t.Errorf("unexpected toggle %+v", p)
	}
	expectSilence(t, student)
}

func TestDisconnectHoldsSeatWithinGrace(t *testing.T) {
	h := newTestHub(t)
	mentor := connect(t, h, "conn-m", "mentor")
	student := connect(t, h, "conn-s", "student")
	join(t, h, mentor, "room-1", "mentor", "Maya")
	join(t, h, student, "room-1", "student", "Sam")
	drain(t, mentor, 3)
	drain(t, student, 2)

	h.unregister <- student
	env := expect(t, mentor, protocol.TypePeerDisconnected)
	var p protocol.PeerDisconnected
	env.Decode(&p)
	if p.DisplayName != "Sam" {
		t.Errorf("unexpected peer-disconnected %+v", p)
	}

	// Reconnect on a fresh connection before the grace window closes.
	student2 := connect(t, h, "conn-s2", "student")
	send(t, h, student2, protocol.TypeReconnectAttempt, protocol.JoinRoom{
		RoomID: "room-1", Identity: "student", DisplayName: "Sam", Role: "student",
	})
	env = expect(t, student2, protocol.TypeCanRejoin)
	var cr protocol.CanRejoin
	env.Decode(&cr)
	if cr.RoomID != "room-1" {
		t.Errorf("unexpected can-rejoin %+v", cr)
	}

	join(t, h, student2, "room-1", "student", "Sam")
	env = expect(t, student2, protocol.TypeRoomJoined)
	var joined protocol.RoomJoined
	env.Decode(&joined)
	if !joined.IsInitiator {
		t.Error("rejoiner with a peer present must initiate")
	}

	// The rejoin cancelled the pending eviction.
	time.Sleep(2 * testGrace)
	expect(t, mentor, protocol.TypeUserJoined)
	expectSilence(t, mentor)
}

func TestGraceExpiryEvictsSeat(t *testing.T) {
	h := newTestHub(t)
	mentor := connect(t, h, "conn-m", "mentor")
	student := connect(t, h, "conn-s", "student")
	join(t, h, mentor, "room-1", "mentor", "Maya")
	join(t, h, student, "room-1", "student", "Sam")
	drain(t, mentor, 3)
	drain(t, student, 2)

	h.unregister <- student
	expect(t, mentor, protocol.TypePeerDisconnected)
	env := expect(t, mentor, protocol.TypeUserLeft)
	var p protocol.UserLeft
	env.Decode(&p)
	if p.DisplayName != "Sam" {
		t.Errorf("unexpected user-left %+v", p)
	}

	// A late reconnect finds the seat gone.
	student2 := connect(t, h, "conn-s2", "student")
	send(t, h, student2, protocol.TypeReconnectAttempt, protocol.JoinRoom{
		RoomID: "room-1", Identity: "student", DisplayName: "Sam", Role: "student",
	})
	expect(t, student2, protocol.TypeRoomEnded)
}

func TestLeaveNotifiesPeerAndDeletesEmptyRoom(t *testing.T) {
	h := newTestHub(t)
	mentor := connect(t, h, "conn-m", "mentor")
	student := connect(t, h, "conn-s", "student")
	join(t, h, mentor, "room-1", "mentor", "Maya")
	join(t, h, student, "room-1", "student", "Sam")
	drain(t, mentor, 3)
	drain(t, student, 2)

	send(t, h, student, protocol.TypeLeaveRoom, protocol.RoomRef{RoomID: "room-1"})
	env := expect(t, mentor, protocol.TypeUserLeft)
	var p protocol.UserLeft
	env.Decode(&p)
	if p.DisplayName != "Sam" {
		t.Errorf("unexpected user-left %+v", p)
	}

	send(t, h, mentor, protocol.TypeLeaveRoom, protocol.RoomRef{RoomID: "room-1"})
	time.Sleep(2 * testEmptyTTL)

	if snaps := h.RoomSnapshots(); len(snaps) != 0 {
		t.Errorf("expected empty room table, got %v", snaps)
	}
}

func TestJoinRequiresMatchingIdentity(t *testing.T) {
	h := newTestHub(t)
	mentor := connect(t, h, "conn-m", "mentor")

	join(t, h, mentor, "room-1", "someone-else", "Maya")
	expectSilence(t, mentor)
}

// drain discards n queued messages.
func drain(t *testing.T, c *Conn, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		recv(t, c)
	}
}
