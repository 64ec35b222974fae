// Package protocol defines the JSON wire messages exchanged between clients
// and the coordination service over the websocket channel.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates envelope payloads.
type MessageType string

// Client to server.
const (
	TypeRegister         MessageType = "register"
	TypeJoinRoom         MessageType = "join-room"
	TypeOffer            MessageType = "offer"
	TypeAnswer           MessageType = "answer"
	TypeICECandidate     MessageType = "ice-candidate"
	TypeToggleVideo      MessageType = "toggle-video"
	TypeToggleAudio      MessageType = "toggle-audio"
	TypeStartScreenShare MessageType = "start-screen-share"
	TypeStopScreenShare  MessageType = "stop-screen-share"
	TypeSendMessage      MessageType = "send-message"
	TypeLeaveRoom        MessageType = "leave-room"
	TypeReconnectAttempt MessageType = "reconnect-attempt"
	TypeConnectionState  MessageType = "connection-state-change"
)

// Server to client.
const (
	TypeRoomJoined             MessageType = "room-joined"
	TypeUserJoined             MessageType = "user-joined"
	TypeChatMessage            MessageType = "chat-message"
	TypeUserLeft               MessageType = "user-left"
	TypePeerDisconnected       MessageType = "peer-disconnected"
	TypeCallConnected          MessageType = "call-connected"
	TypeUserToggleVideo        MessageType = "user-toggle-video"
	TypeUserToggleAudio        MessageType = "user-toggle-audio"
	TypeUserStartedScreenShare MessageType = "user-started-screen-share"
	TypeUserStoppedScreenShare MessageType = "user-stopped-screen-share"
	TypeRenegotiateRequest     MessageType = "renegotiate-request"
	TypeCanRejoin              MessageType = "can-rejoin"
	TypeSessionReplaced        MessageType = "session-replaced"
	TypeRoomEnded              MessageType = "room-ended"
)

// Envelope wraps every message on the wire. Payload is opaque to the relay;
// only the endpoints that care about a given type decode it.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope of the given type.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: data}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a discovered network path a peer may be reachable on.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// Participant is the wire form of a room member.
type Participant struct {
	Identity      string `json:"identity"`
	DisplayName   string `json:"displayName"`
	Role          string `json:"role"`
	ConnectionID  string `json:"connectionId,omitempty"`
	VideoEnabled  bool   `json:"videoEnabled"`
	AudioEnabled  bool   `json:"audioEnabled"`
	ScreenSharing bool   `json:"screenSharing"`
}

// Register binds a durable identity to the current connection.
type Register struct {
	Identity string `json:"identity"`
}

// JoinRoom requests a seat in a call room. The same payload is used for
// reconnect-attempt, where the server first confirms the seat with can-rejoin.
type JoinRoom struct {
	RoomID      string `json:"roomId"`
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// Signal carries an offer, answer or ICE candidate between peers. To is the
// target connection id; From is the sender identity. FromConnection is filled
// in by the relay on forwarding so the recipient can address replies.
type Signal struct {
	To             string          `json:"to,omitempty"`
	From           string          `json:"from"`
	FromConnection string          `json:"fromConnection,omitempty"`
	Body           json.RawMessage `json:"body"`
}

// Toggle reports a local media flag change.
type Toggle struct {
	RoomID  string `json:"roomId"`
	Enabled bool   `json:"enabled"`
}

// RoomRef names a room in messages that need nothing else.
type RoomRef struct {
	RoomID string `json:"roomId"`
}

// Chat is an outbound chat message.
type Chat struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// ConnectionState reports the client's transport health to the server.
type ConnectionState struct {
	State string `json:"state"`
}

// RoomJoined confirms a join. Participants lists the members already present;
// IsInitiator is set when at least one participant was already there, meaning
// the joiner creates the first offer.
type RoomJoined struct {
	RoomID       string        `json:"roomId"`
	Participants []Participant `json:"participants"`
	IsInitiator  bool          `json:"isInitiator"`
}

// UserJoined announces a new member to the rest of the room.
type UserJoined struct {
	Identity     string `json:"identity"`
	DisplayName  string `json:"displayName"`
	Role         string `json:"role"`
	ConnectionID string `json:"connectionId"`
}

// ChatMessage is a relayed chat line, broadcast to the full room.
type ChatMessage struct {
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// UserLeft announces a graceful departure.
type UserLeft struct {
	DisplayName string `json:"displayName"`
}

// PeerDisconnected announces an ungraceful channel drop. The seat is held for
// the grace window; the remaining peer should show a waiting state.
type PeerDisconnected struct {
	DisplayName string `json:"displayName"`
}

// CallConnected is broadcast when the room reaches two participants.
type CallConnected struct {
	Participants []Participant `json:"participants"`
}

// UserToggle announces a remote media flag change.
type UserToggle struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
	Enabled     bool   `json:"enabled"`
}

// ScreenShareNotice announces a remote screen share starting or stopping.
type ScreenShareNotice struct {
	DisplayName string `json:"displayName"`
}

// RenegotiateRequest asks the recipient to produce a fresh offer.
type RenegotiateRequest struct {
	From string `json:"from"`
}

// CanRejoin tells a reconnecting client its seat is still held.
type CanRejoin struct {
	RoomID string `json:"roomId"`
}

// SessionReplaced tells a connection it lost its identity to a newer login.
type SessionReplaced struct {
	Message string `json:"message"`
}
