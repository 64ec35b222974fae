package channel

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mentorhub/livecall/internal/protocol"
)

type recordingHandler struct {
	events []string

	offers     []protocol.SessionDescription
	offerConns []string
	candidates []protocol.ICECandidate
	roomJoined *protocol.RoomJoined
}

func (h *recordingHandler) note(event string) { h.events = append(h.events, event) }

func (h *recordingHandler) OnChannelUp(reconnected bool) { h.note("up") }
func (h *recordingHandler) OnChannelDown(err error) { h.note("down") }
func (h *recordingHandler) OnChannelFailed(err error) { h.note("failed") }

func (h *recordingHandler) OnRoomJoined(p protocol.RoomJoined) {
	h.note("room-joined")
	h.roomJoined = &p
}

func (h *recordingHandler) OnUserJoined(p protocol.UserJoined) { h.note("user-joined") }

func (h *recordingHandler) OnOffer(fromConn string, desc protocol.SessionDescription) {
	h.note("offer")
	h.offers = append(h.offers, desc)
	h.offerConns = append(h.offerConns, fromConn)
}

func (h *recordingHandler) OnAnswer(fromConn string, desc protocol.SessionDescription) {
	h.note("answer")
}

func (h *recordingHandler) OnCandidate(fromConn string, cand protocol.ICECandidate) {
	h.note("candidate")
	h.candidates = append(h.candidates, cand)
}

func (h *recordingHandler) OnRenegotiateRequest(fromConn string) { h.note("renegotiate") }
func (h *recordingHandler) OnPeerDisconnected(displayName string) { h.note("peer-disconnected") }
func (h *recordingHandler) OnUserLeft(displayName string) { h.note("user-left") }
func (h *recordingHandler) OnCallConnected(participants []protocol.Participant) { h.note("call-connected") }
func (h *recordingHandler) OnChat(msg protocol.ChatMessage) { h.note("chat") }
func (h *recordingHandler) OnUserToggleVideo(p protocol.UserToggle) { h.note("toggle-video") }
func (h *recordingHandler) OnUserToggleAudio(p protocol.UserToggle) { h.note("toggle-audio") }
func (h *recordingHandler) OnUserScreenShare(displayName string, active bool) { h.note("screen-share") }
func (h *recordingHandler) OnCanRejoin(roomID string) { h.note("can-rejoin") }
func (h *recordingHandler) OnSessionReplaced(message string) { h.note("session-replaced") }
func (h *recordingHandler) OnRoomEnded() { h.note("room-ended") }

func envelope(t *testing.T, typ protocol.MessageType, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func TestDispatchRoomJoined(t *testing.T) {
	h := &recordingHandler{}
	c := NewClient("ws://example/ws", "student", "Sam", "student", h)

	c.dispatch(envelope(t, protocol.TypeRoomJoined, protocol.RoomJoined{
		RoomID:      "room-1",
		IsInitiator: true,
	}))

	if h.roomJoined == nil || !h.roomJoined.IsInitiator {
		t.Fatalf("room-joined not delivered: %+v", h.roomJoined)
	}
}

func TestDispatchUnwrapsSignalBodies(t *testing.T) {
	h := &recordingHandler{}
	c := NewClient("ws://example/ws", "student", "Sam", "student", h)

	body, _ := json.Marshal(protocol.SessionDescription{Type: "offer", SDP: "v=0"})
	c.dispatch(envelope(t, protocol.TypeOffer, protocol.Signal{
		From:           "mentor",
		FromConnection: "conn-m",
		Body:           body,
	}))

	if len(h.offers) != 1 || h.offers[0].SDP != "v=0" {
		t.Fatalf("offer not unwrapped: %+v", h.offers)
	}
	if h.offerConns[0] != "conn-m" {
		t.Errorf("sender connection %q", h.offerConns[0])
	}

	body, _ = json.Marshal(protocol.ICECandidate{Candidate: "cand-1", SDPMid: "0"})
	c.dispatch(envelope(t, protocol.TypeICECandidate, protocol.Signal{
		From:           "mentor",
		FromConnection: "conn-m",
		Body:           body,
	}))

	if len(h.candidates) != 1 || h.candidates[0].Candidate != "cand-1" {
		t.Fatalf("candidate not unwrapped: %+v", h.candidates)
	}
}

func TestDispatchMalformedBodyDropped(t *testing.T) {
	h := &recordingHandler{}
	c := NewClient("ws://example/ws", "student", "Sam", "student", h)

	c.dispatch(protocol.Envelope{Type: protocol.TypeOffer, Payload: []byte(`{"body":`)})

	if len(h.offers) != 0 {
		t.Errorf("malformed offer delivered: %+v", h.offers)
	}
}

func TestDispatchLifecycleNotices(t *testing.T) {
	h := &recordingHandler{}
	c := NewClient("ws://example/ws", "student", "Sam", "student", h)

	c.dispatch(envelope(t, protocol.TypePeerDisconnected, protocol.PeerDisconnected{DisplayName: "Maya"}))
	c.dispatch(envelope(t, protocol.TypeCanRejoin, protocol.CanRejoin{RoomID: "room-1"}))
	c.dispatch(envelope(t, protocol.TypeSessionReplaced, protocol.SessionReplaced{Message: "elsewhere"}))
	c.dispatch(protocol.Envelope{Type: protocol.TypeRoomEnded})

	want := []string{"peer-disconnected", "can-rejoin", "session-replaced", "room-ended"}
	if len(h.events) != len(want) {
		t.Fatalf("events %v", h.events)
	}
	for i := range want {
		if h.events[i] != want[i] {
			t.Errorf("event %d: %s, want %s", i, h.events[i], want[i])
		}
	}
}

type failureHandler struct {
	recordingHandler
	failed chan error
}

func (h *failureHandler) OnChannelFailed(err error) { h.failed <- err }

func TestConnectRetriesFailedFirstDial(t *testing.T) {
	h := &failureHandler{failed: make(chan error, 1)}
	c := NewClient("ws://127.0.0.1:1/ws", "student", "Sam", "student", h)
	c.backoff = []time.Duration{time.Millisecond, time.Millisecond}
	defer c.Close()

	// An unreachable endpoint is not immediately terminal; the dial walks
	// the backoff schedule and only exhaustion is reported.
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case err := <-h.failed:
		if err == nil {
			t.Error("expected a dial error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backoff schedule never exhausted")
	}
}

func TestSendWhileDisconnectedIsDropped(t *testing.T) {
	h := &recordingHandler{}
	c := NewClient("ws://example/ws", "student", "Sam", "student", h)

	// Never connected; sends must not panic or block.
	c.SendJoin("room-1")
	c.SendChat("room-1", "hello")
	c.SendLeave("room-1")
}
