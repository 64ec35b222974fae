// Package session implements the per-call client state machine: offer/answer
// negotiation with deterministic collision resolution, candidate buffering,
// renegotiation on media changes, and bounded automatic reconnection.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mentorhub/livecall/internal/domain"
	"github.com/mentorhub/livecall/internal/protocol"
)

// State is the call attempt lifecycle. Failed and Ended are terminal.
type State string

const (
	StateInitializing    State = "initializing"
	StateRequestingMedia State = "requesting_media"
	StateConnecting      State = "connecting"
	StateConnected       State = "connected"
	StateDisconnected    State = "disconnected"
	StateReconnecting    State = "reconnecting"
	StateFailed          State = "failed"
	StateEnded           State = "ended"
)

// negotiationPhase is the single-writer latch guarding description exchange.
// An explicit enum keeps illegal flag combinations unrepresentable.
type negotiationPhase int

const (
	negotiationIdle negotiationPhase = iota
	negotiationOffering
	negotiationAnswering
)

func (p negotiationPhase) String() string {
	switch p {
	case negotiationOffering:
		return "offering"
	case negotiationAnswering:
		return "answering"
	default:
		return "idle"
	}
}

// Config sets up a call attempt.
type Config struct {
	RoomID      string
	Identity    string
	DisplayName string

	// MediaTimeout bounds local media acquisition; ConnectTimeout bounds how
	// long the transport may sit short of connected before a reconnect fires.
	MediaTimeout    time.Duration
	ConnectTimeout  time.Duration
	QualityInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MediaTimeout == 0 {
		c.MediaTimeout = 10 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.QualityInterval == 0 {
		c.QualityInterval = 5 * time.Second
	}
}

// Callbacks are optional UI hooks. They are invoked from session goroutines
// and must not call back into the session.
type Callbacks struct {
	OnStateChange       func(State)
	OnQuality           func(Tier)
	OnChat              func(protocol.ChatMessage)
	OnRemoteToggle      func(kind string, displayName string, enabled bool)
	OnRemoteScreenShare func(displayName string, active bool)
}

// Session is the per-call state machine. It implements domain.ChannelHandler.
// Exactly one Session exists per active call.
type Session struct {
	cfg       Config
	callbacks Callbacks

	signal       domain.Signaler
	newTransport func() (domain.PeerTransport, error)

	mu        sync.Mutex
	transport domain.PeerTransport
	state     State

	// polite is the negotiation role: the joiner that found a peer already
	// present is polite, the first occupant is impolite.
	polite bool
	phase  negotiationPhase

	// candidateQueue holds candidates that arrived before the matching remote
	// description; it drains strictly in arrival order once the description
	// is applied.
	candidateQueue []protocol.ICECandidate
	remoteDescSet  bool

	remoteConn string
	remote     *protocol.Participant

	retry          *RetryPolicy
	reconnectTimer *time.Timer
	connectTimer   *time.Timer
	quality        *Monitor

	videoEnabled  bool
	audioEnabled  bool
	screenSharing bool
}

// New creates a session. newTransport is invoked for the initial connection
// and again after every teardown during reconnection.
func New(cfg Config, signal domain.Signaler, newTransport func() (domain.PeerTransport, error), cb Callbacks) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:          cfg,
		callbacks:    cb,
		signal:       signal,
		newTransport: newTransport,
		state:        StateInitializing,
		retry:        DefaultRetryPolicy(),
		videoEnabled: true,
		audioEnabled: true,
	}
}

// SetSignaler installs the message channel. The session and the channel
// reference each other, so one of them is wired after construction. Must be
// called before Start.
func (s *Session) SetSignaler(signal domain.Signaler) {
	s.mu.Lock()
	s.signal = signal
	s.mu.Unlock()
}

// Start acquires media, connects the message channel and joins the room.
// A media permission failure is terminal for the attempt; a channel that
// cannot be dialed retries on its own schedule and reports through
// OnChannelFailed when exhausted.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	s.setStateLocked(StateRequestingMedia)

	t, err := s.createTransportLocked(ctx)
	if err != nil {
		s.failLocked(err)
		s.mu.Unlock()
		return err
	}
	s.transport = t
	s.setStateLocked(StateConnecting)
	s.armConnectTimerLocked()
	s.mu.Unlock()

	if err := s.signal.Connect(); err != nil {
		s.mu.Lock()
		s.failLocked(err)
		s.mu.Unlock()
		return err
	}
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Remote returns the remote participant, if one has been seen.
func (s *Session) Remote() *protocol.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// --- channel events ---

func (s *Session) OnChannelUp(reconnected bool) {
	if reconnected {
		s.signal.SendReconnectAttempt(s.cfg.RoomID)
		return
	}
	s.signal.SendJoin(s.cfg.RoomID)
}

func (s *Session) OnChannelDown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalLocked() {
		return
	}
	// The direct media path is independent of the channel; a connected call
	// rides out a channel blip and only the channel is re-established.
	if s.state == StateConnected {
		log.Printf("[session] channel down during connected call, awaiting channel redial")
		return
	}
	s.setStateLocked(StateReconnecting)
}

func (s *Session) OnChannelFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(err)
}

func (s *Session) OnCanRejoin(roomID string) {
	s.signal.SendJoin(roomID)
}

func (s *Session) OnRoomJoined(p protocol.RoomJoined) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalLocked() {
		return
	}

	if len(p.Participants) > 0 {
		first := p.Participants[0]
		s.remote = &first
		s.remoteConn = first.ConnectionID
	}
	s.polite = p.IsInitiator
	log.Printf("[session] joined room %s (initiator=%t peers=%d)", p.RoomID, p.IsInitiator, len(p.Participants))

	// Rejoin with the media path still up: nothing to renegotiate, the
	// channel re-registration was the whole repair.
	if s.transport != nil && s.state == StateConnected {
		return
	}

	if s.transport == nil {
		t, err := s.createTransportLocked(context.Background())
		if err != nil {
			s.failLocked(err)
			return
		}
		s.transport = t
		s.setStateLocked(StateConnecting)
		s.armConnectTimerLocked()
	}
	if p.IsInitiator && s.remoteConn != "" {
		s.makeOfferLocked()
	}
}

func (s *Session) OnUserJoined(p protocol.UserJoined) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalLocked() {
		return
	}
	s.remote = &protocol.Participant{
		Identity:     p.Identity,
		DisplayName:  p.DisplayName,
		Role:         p.Role,
		ConnectionID: p.ConnectionID,
	}
	s.remoteConn = p.ConnectionID
	// We were here first, so the joiner offers and we hold the impolite role.
	s.polite = false
	log.Printf("[session] %s joined, awaiting offer", p.DisplayName)
}

func (s *Session) OnOffer(fromConn string, desc protocol.SessionDescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalLocked() || s.transport == nil {
		return
	}
	s.remoteConn = fromConn

	collision := s.phase == negotiationOffering || !s.transport.SignalingStable()
	if collision {
		if !s.polite {
			log.Printf("[session] offer collision, ignoring incoming offer (impolite)")
			return
		}
		log.Printf("[session] offer collision, rolling back own offer (polite)")
		if err := s.transport.Rollback(); err != nil {
			log.Printf("[session] rollback: %v", err)
			return
		}
		s.phase = negotiationIdle
	}

	if err := s.transport.SetRemoteDescription(desc); err != nil {
		log.Printf("[session] set remote offer: %v", err)
		return
	}
	s.remoteDescSet = true
	s.drainCandidatesLocked()

	s.phase = negotiationAnswering
	answer, err := s.transport.CreateAnswer()
	if err != nil {
		s.phase = negotiationIdle
		log.Printf("[session] create answer: %v", err)
		return
	}
	s.signal.SendAnswer(fromConn, answer)
	s.phase = negotiationIdle
}

func (s *Session) OnAnswer(fromConn string, desc protocol.SessionDescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalLocked() || s.transport == nil {
		return
	}
	if s.phase != negotiationOffering {
		log.Printf("[session] dropping answer outside of offer exchange")
		return
	}
	if err := s.transport.SetRemoteDescription(desc); err != nil {
		log.Printf("[session] set remote answer: %v", err)
		s.phase = negotiationIdle
		return
	}
	s.remoteDescSet = true
	s.drainCandidatesLocked()
	s.phase = negotiationIdle
}

func (s *Session) OnCandidate(fromConn string, cand protocol.ICECandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalLocked() {
		return
	}
	if !s.remoteDescSet || s.transport == nil {
		s.candidateQueue = append(s.candidateQueue, cand)
		return
	}
	if err := s.transport.AddICECandidate(cand); err != nil {
		log.Printf("[session] add candidate: %v", err)
	}
}

func (s *Session) OnRenegotiateRequest(fromConn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.makeOfferLocked()
}

func (s *Session) OnPeerDisconnected(displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalLocked() {
		return
	}
	log.Printf("[session] %s disconnected, waiting for them to return", displayName)
	if s.state == StateConnected {
		s.setStateLocked(StateDisconnected)
	}
}

func (s *Session) OnUserLeft(displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalLocked() {
		return
	}
	log.Printf("[session] %s left the call", displayName)
	s.remote = nil
	s.remoteConn = ""
	if s.state == StateConnected {
		s.setStateLocked(StateDisconnected)
	}
}

func (s *Session) OnCallConnected(participants []protocol.Participant) {
	log.Printf("[session] call has both participants")
}

func (s *Session) OnChat(msg protocol.ChatMessage) {
	if s.callbacks.OnChat != nil {
		s.callbacks.OnChat(msg)
	}
}

func (s *Session) OnUserToggleVideo(p protocol.UserToggle) {
	if s.callbacks.OnRemoteToggle != nil {
		s.callbacks.OnRemoteToggle("video", p.DisplayName, p.Enabled)
	}
}

func (s *Session) OnUserToggleAudio(p protocol.UserToggle) {
	if s.callbacks.OnRemoteToggle != nil {
		s.callbacks.OnRemoteToggle("audio", p.DisplayName, p.Enabled)
	}
}

func (s *Session) OnUserScreenShare(displayName string, active bool) {
	if s.callbacks.OnRemoteScreenShare != nil {
		s.callbacks.OnRemoteScreenShare(displayName, active)
	}
}

func (s *Session) OnSessionReplaced(message string) {
	log.Printf("[session] %s", message)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked()
}

func (s *Session) OnRoomEnded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked()
}

// --- user operations ---

// ToggleVideo flips the outgoing camera and reports the new state to the room.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	s.videoEnabled = !s.videoEnabled
	enabled := s.videoEnabled
	if s.transport != nil {
		if err := s.transport.SetVideoEnabled(enabled); err != nil {
			log.Printf("[session] set video enabled: %v", err)
		}
	}
	s.mu.Unlock()
	s.signal.SendToggleVideo(s.cfg.RoomID, enabled)
	return enabled
}

// ToggleAudio flips the outgoing microphone.
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	s.audioEnabled = !s.audioEnabled
	enabled := s.audioEnabled
	if s.transport != nil {
		if err := s.transport.SetAudioEnabled(enabled); err != nil {
			log.Printf("[session] set audio enabled: %v", err)
		}
	}
	s.mu.Unlock()
	s.signal.SendToggleAudio(s.cfg.RoomID, enabled)
	return enabled
}

// StartScreenShare switches the outgoing video source to the screen. An
// in-place sender substitution avoids renegotiation; when substitution is not
// possible, one collision-safe renegotiation cycle follows.
func (s *Session) StartScreenShare() error {
	s.mu.Lock()
	if s.screenSharing || s.transport == nil {
		s.mu.Unlock()
		return nil
	}
	replaced, err := s.transport.StartScreenShare()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.screenSharing = true
	if !replaced {
		s.makeOfferLocked()
	}
	s.mu.Unlock()
	s.signal.SendScreenShare(s.cfg.RoomID, true)
	return nil
}

// StopScreenShare reverses the substitution back to the camera track.
func (s *Session) StopScreenShare() error {
	s.mu.Lock()
	if !s.screenSharing || s.transport == nil {
		s.mu.Unlock()
		return nil
	}
	replaced, err := s.transport.StopScreenShare()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.screenSharing = false
	if !replaced {
		s.makeOfferLocked()
	}
	s.mu.Unlock()
	s.signal.SendScreenShare(s.cfg.RoomID, false)
	return nil
}

// SendChat relays a chat line through the room.
func (s *Session) SendChat(message string) {
	s.signal.SendChat(s.cfg.RoomID, message)
}

// Reconnect is the manual retry affordance: it restores the full attempt
// budget and forces a reconnection cycle.
func (s *Session) Reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return
	}
	if s.state == StateFailed {
		s.setStateLocked(StateReconnecting)
	}
	s.retry.Reset()
	s.stopReconnectTimerLocked()
	s.scheduleReconnectLocked()
}

// Hangup ends the call: media is released and timers cancelled synchronously;
// the leave notice is fire-and-forget and never blocks teardown.
func (s *Session) Hangup() {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return
	}
	s.endLocked()
	s.mu.Unlock()

	go func() {
		s.signal.SendLeave(s.cfg.RoomID)
		s.signal.Close()
	}()
}

// --- transport wiring ---

func (s *Session) createTransportLocked(ctx context.Context) (domain.PeerTransport, error) {
	t, err := s.newTransport()
	if err != nil {
		return nil, err
	}

	mctx, cancel := context.WithTimeout(ctx, s.cfg.MediaTimeout)
	defer cancel()
	if err := t.AcquireMedia(mctx); err != nil {
		t.Close()
		return nil, err
	}

	t.SetOnICECandidate(func(cand protocol.ICECandidate) {
		s.mu.Lock()
		to := s.remoteConn
		s.mu.Unlock()
		if to == "" {
			return
		}
		s.signal.SendCandidate(to, cand)
	})
	t.SetOnNegotiationNeeded(func() {
		s.mu.Lock()
		s.makeOfferLocked()
		s.mu.Unlock()
	})
	t.SetOnConnectionStateChange(func(st domain.TransportState) {
		s.handleTransportState(st)
	})
	t.SetOnRemoteTrack(func(kind string) {
		log.Printf("[session] receiving remote %s", kind)
	})

	if !s.videoEnabled {
		t.SetVideoEnabled(false)
	}
	if !s.audioEnabled {
		t.SetAudioEnabled(false)
	}
	return t, nil
}

func (s *Session) handleTransportState(st domain.TransportState) {
	s.signal.SendConnectionState(string(st))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalLocked() {
		return
	}

	switch st {
	case domain.TransportConnected:
		s.retry.Reset()
		s.stopConnectTimerLocked()
		s.setStateLocked(StateConnected)
		s.startQualityLocked()
	case domain.TransportDisconnected:
		if s.state == StateConnected {
			s.setStateLocked(StateDisconnected)
		}
		s.scheduleReconnectLocked()
	case domain.TransportFailed:
		s.scheduleReconnectLocked()
	case domain.TransportClosed:
		// teardown path; nothing to do
	}
}

// makeOfferLocked produces and sends an offer unless one is already in
// flight. The phase latch is the collision guard: renegotiation attempts that
// land mid-exchange are absorbed here.
func (s *Session) makeOfferLocked() {
	if s.phase != negotiationIdle {
		log.Printf("[session] negotiation already %s, skipping offer", s.phase)
		return
	}
	if s.transport == nil || s.remoteConn == "" {
		return
	}
	s.phase = negotiationOffering
	desc, err := s.transport.CreateOffer()
	if err != nil {
		s.phase = negotiationIdle
		log.Printf("[session] create offer: %v", err)
		return
	}
	s.signal.SendOffer(s.remoteConn, desc)
}

func (s *Session) drainCandidatesLocked() {
	for _, cand := range s.candidateQueue {
		if err := s.transport.AddICECandidate(cand); err != nil {
			log.Printf("[session] add queued candidate: %v", err)
		}
	}
	s.candidateQueue = nil
}

// scheduleReconnectLocked tears down the media path and schedules a rejoin
// under the retry policy. Exhausting the budget is terminal.
func (s *Session) scheduleReconnectLocked() {
	if s.terminalLocked() || s.reconnectTimer != nil {
		return
	}
	delay, ok := s.retry.Next()
	if !ok {
		s.failLocked(errors.New("reconnection attempts exhausted"))
		return
	}
	log.Printf("[session] reconnecting in %s (attempt %d/%d)", delay, s.retry.Attempts(), s.retry.MaxAttempts)

	s.setStateLocked(StateReconnecting)
	s.teardownTransportLocked()

	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.reconnectTimer = nil
		if s.terminalLocked() {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		// Server confirms the seat with can-rejoin, after which the join
		// proceeds as a fresh offer/answer exchange.
		s.signal.SendReconnectAttempt(s.cfg.RoomID)
	})
}

func (s *Session) startQualityLocked() {
	if s.quality != nil || s.transport == nil {
		return
	}
	onTier := s.callbacks.OnQuality
	if onTier == nil {
		onTier = func(Tier) {}
	}
	s.quality = NewMonitor(s.transport, s.cfg.QualityInterval, onTier)
	go s.quality.Run()
}

func (s *Session) armConnectTimerLocked() {
	s.stopConnectTimerLocked()
	s.connectTimer = time.AfterFunc(s.cfg.ConnectTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.connectTimer = nil
		if s.terminalLocked() || s.state == StateConnected {
			return
		}
		log.Printf("[session] connection setup timed out")
		s.scheduleReconnectLocked()
	})
}

func (s *Session) teardownTransportLocked() {
	if s.quality != nil {
		s.quality.Stop()
		s.quality = nil
	}
	if s.transport != nil {
		s.transport.Close()
		s.transport = nil
	}
	s.candidateQueue = nil
	s.remoteDescSet = false
	s.phase = negotiationIdle
}

func (s *Session) stopReconnectTimerLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

func (s *Session) stopConnectTimerLocked() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}

func (s *Session) endLocked() {
	s.stopReconnectTimerLocked()
	s.stopConnectTimerLocked()
	s.teardownTransportLocked()
	s.setStateLocked(StateEnded)
}

func (s *Session) failLocked(err error) {
	log.Printf("[session] failed: %v", err)
	s.stopReconnectTimerLocked()
	s.stopConnectTimerLocked()
	s.teardownTransportLocked()
	s.setStateLocked(StateFailed)
}

func (s *Session) terminalLocked() bool {
	return s.state == StateFailed || s.state == StateEnded
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	log.Printf("[session] state %s -> %s", s.state, st)
	s.state = st
	if s.callbacks.OnStateChange != nil {
		s.callbacks.OnStateChange(st)
	}
}
