// Package domain holds the interfaces the client-side components are wired
// through, so the session state machine never depends on a concrete transport.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/mentorhub/livecall/internal/protocol"
)

// ErrMediaAccessDenied is returned by AcquireMedia when the user (or OS)
// refused camera/microphone access. It is terminal for the call attempt.
var ErrMediaAccessDenied = errors.New("media access denied")

// TransportState is the health of the underlying peer media transport.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// Signaler sends coordination messages to the relay. Implemented by the
// websocket channel client.
type Signaler interface {
	Connect() error
	SendJoin(roomID string)
	SendReconnectAttempt(roomID string)
	SendOffer(toConn string, desc protocol.SessionDescription)
	SendAnswer(toConn string, desc protocol.SessionDescription)
	SendCandidate(toConn string, cand protocol.ICECandidate)
	SendToggleVideo(roomID string, enabled bool)
	SendToggleAudio(roomID string, enabled bool)
	SendScreenShare(roomID string, active bool)
	SendChat(roomID, message string)
	SendConnectionState(state string)
	SendLeave(roomID string)
	Close()
}

// ChannelHandler receives events from the message channel. Implemented by the
// peer session.
type ChannelHandler interface {
	// OnChannelUp fires after the channel connects and the identity is
	// registered. reconnected is true for every connection after the first.
	OnChannelUp(reconnected bool)
	// OnChannelDown fires on a transport drop; the channel retries on its own.
	OnChannelDown(err error)
	// OnChannelFailed fires when the channel has exhausted its retries.
	OnChannelFailed(err error)

	OnRoomJoined(p protocol.RoomJoined)
	OnUserJoined(p protocol.UserJoined)
	OnOffer(fromConn string, desc protocol.SessionDescription)
	OnAnswer(fromConn string, desc protocol.SessionDescription)
	OnCandidate(fromConn string, cand protocol.ICECandidate)
	OnRenegotiateRequest(fromConn string)
	OnPeerDisconnected(displayName string)
	OnUserLeft(displayName string)
	OnCallConnected(participants []protocol.Participant)
	OnChat(msg protocol.ChatMessage)
	OnUserToggleVideo(p protocol.UserToggle)
	OnUserToggleAudio(p protocol.UserToggle)
	OnUserScreenShare(displayName string, active bool)
	OnCanRejoin(roomID string)
	OnSessionReplaced(message string)
	OnRoomEnded()
}

// PeerTransport is the session's view of the peer media connection.
// Implemented over Pion in internal/webrtc; tests use fakes.
type PeerTransport interface {
	// AcquireMedia obtains local audio/video handles and attaches them.
	// Returns ErrMediaAccessDenied when permission is refused.
	AcquireMedia(ctx context.Context) error

	// CreateOffer/CreateAnswer produce a description and set it locally.
	CreateOffer() (protocol.SessionDescription, error)
	CreateAnswer() (protocol.SessionDescription, error)
	SetRemoteDescription(desc protocol.SessionDescription) error
	// Rollback abandons the pending local offer, returning to a neutral
	// description. Used by the polite side on offer collision.
	Rollback() error
	AddICECandidate(cand protocol.ICECandidate) error
	// SignalingStable reports whether no description exchange is in flight.
	SignalingStable() bool

	// StartScreenShare swaps the outgoing video source for the screen track.
	// replaced is true when the in-place sender substitution succeeded and no
	// renegotiation is needed.
	StartScreenShare() (replaced bool, err error)
	StopScreenShare() (replaced bool, err error)
	SetVideoEnabled(enabled bool) error
	SetAudioEnabled(enabled bool) error

	SetOnICECandidate(fn func(cand protocol.ICECandidate))
	SetOnConnectionStateChange(fn func(state TransportState))
	SetOnNegotiationNeeded(fn func())
	SetOnRemoteTrack(fn func(kind string))

	// InboundVideoStats reports cumulative inbound packet counts for the
	// primary video stream. ok is false until media has flowed.
	InboundVideoStats() (received, lost uint64, ok bool)

	// Close releases media handles and tears down the connection.
	Close()
}

// CallRecorder is the external call-history collaborator. All calls are
// fire-and-forget side effects and must never block the live call path.
type CallRecorder interface {
	Initiate(roomID, initiator, receiver string, scheduled *time.Time) error
	Join(roomID, identity string) error
	End(roomID, identity string) error
	Cancel(roomID, reason string) error
}
