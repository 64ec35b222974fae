// Package webrtc adapts a Pion peer connection to the transport interface the
// session drives. All SDP and ICE plumbing stays behind this boundary.
package webrtc

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/stats"
	pion "github.com/pion/webrtc/v4"

	"github.com/mentorhub/livecall/internal/domain"
	"github.com/mentorhub/livecall/internal/protocol"
)

// Config carries the ICE servers for the peer connection.
type Config struct {
	STUNServers []string
}

// Peer implements domain.PeerTransport over Pion.
type Peer struct {
	pc     *pion.PeerConnection
	source MediaSource

	mu          sync.Mutex
	cameraTrack pion.TrackLocal
	screenTrack pion.TrackLocal
	micTrack    pion.TrackLocal
	videoSender *pion.RTPSender
	audioSender *pion.RTPSender

	statsGetter     stats.Getter
	remoteVideoSSRC uint32

	onICECandidate func(protocol.ICECandidate)
	onState        func(domain.TransportState)
	onNegotiation  func()
	onRemoteTrack  func(kind string)
}

// NewPeer builds the peer connection with default codecs and interceptors plus
// the stats interceptor used for inbound quality sampling.
func NewPeer(cfg Config, source MediaSource) (*Peer, error) {
	p := &Peer{source: source}

	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	reg := &interceptor.Registry{}
	statsFactory, err := stats.NewInterceptor()
	if err != nil {
		return nil, fmt.Errorf("stats interceptor: %w", err)
	}
	statsFactory.OnNewPeerConnection(func(_ string, g stats.Getter) {
		p.mu.Lock()
		p.statsGetter = g
		p.mu.Unlock()
	})
	reg.Add(statsFactory)
	if err := pion.RegisterDefaultInterceptors(m, reg); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := pion.NewAPI(pion.WithMediaEngine(m), pion.WithInterceptorRegistry(reg))

	var servers []pion.ICEServer
	for _, u := range cfg.STUNServers {
		servers = append(servers, pion.ICEServer{URLs: []string{u}})
	}
	pc, err := api.NewPeerConnection(pion.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p.pc = pc

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		p.mu.Lock()
		fn := p.onICECandidate
		p.mu.Unlock()
		if fn == nil {
			return
		}
		init := c.ToJSON()
		cand := protocol.ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = int(*init.SDPMLineIndex)
		}
		fn(cand)
	})

	pc.OnConnectionStateChange(func(st pion.PeerConnectionState) {
		log.Printf("[peer] connection state: %s", st)
		p.mu.Lock()
		fn := p.onState
		p.mu.Unlock()
		if fn != nil {
			fn(mapState(st))
		}
	})

	pc.OnNegotiationNeeded(func() {
		p.mu.Lock()
		fn := p.onNegotiation
		p.mu.Unlock()
		if fn != nil {
			fn()
		}
	})

	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		kind := track.Kind().String()
		log.Printf("[peer] remote track: %s %s", kind, track.ID())
		if track.Kind() == pion.RTPCodecTypeVideo {
			p.mu.Lock()
			p.remoteVideoSSRC = uint32(track.SSRC())
			p.mu.Unlock()
		}
		p.mu.Lock()
		fn := p.onRemoteTrack
		p.mu.Unlock()
		if fn != nil {
			fn(kind)
		}
	})

	return p, nil
}

// AcquireMedia pulls camera and microphone tracks from the source and attaches
// them to the connection.
func (p *Peer) AcquireMedia(ctx context.Context) error {
	camera, err := p.source.Camera(ctx)
	if err != nil {
		return err
	}
	mic, err := p.source.Microphone(ctx)
	if err != nil {
		return err
	}

	videoSender, err := p.pc.AddTrack(camera)
	if err != nil {
		return fmt.Errorf("add video track: %w", err)
	}
	audioSender, err := p.pc.AddTrack(mic)
	if err != nil {
		return fmt.Errorf("add audio track: %w", err)
	}

	p.mu.Lock()
	p.cameraTrack = camera
	p.micTrack = mic
	p.videoSender = videoSender
	p.audioSender = audioSender
	p.mu.Unlock()
	return nil
}

func (p *Peer) CreateOffer() (protocol.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return protocol.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *Peer) CreateAnswer() (protocol.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return protocol.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *Peer) SetRemoteDescription(desc protocol.SessionDescription) error {
	sd := pion.SessionDescription{Type: pion.NewSDPType(desc.Type), SDP: desc.SDP}
	if err := p.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	return nil
}

// Rollback abandons the pending local offer.
func (p *Peer) Rollback() error {
	err := p.pc.SetLocalDescription(pion.SessionDescription{Type: pion.SDPTypeRollback})
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (p *Peer) AddICECandidate(cand protocol.ICECandidate) error {
	mid := cand.SDPMid
	idx := uint16(cand.SDPMLineIndex)
	init := pion.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (p *Peer) SignalingStable() bool {
	return p.pc.SignalingState() == pion.SignalingStateStable
}

// StartScreenShare swaps the outgoing video for the screen track. When a video
// sender already exists the swap is an in-place substitution and the remote
// side needs no new description.
func (p *Peer) StartScreenShare() (bool, error) {
	screen, err := p.source.Screen(context.Background())
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.screenTrack = screen

	if p.videoSender != nil {
		if err := p.videoSender.ReplaceTrack(screen); err != nil {
			return false, fmt.Errorf("replace video track: %w", err)
		}
		return true, nil
	}

	sender, err := p.pc.AddTrack(screen)
	if err != nil {
		return false, fmt.Errorf("add screen track: %w", err)
	}
	p.videoSender = sender
	return false, nil
}

// StopScreenShare restores the camera as the outgoing video source.
func (p *Peer) StopScreenShare() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.screenTrack = nil

	if p.videoSender == nil || p.cameraTrack == nil {
		return true, nil
	}
	if err := p.videoSender.ReplaceTrack(p.cameraTrack); err != nil {
		return false, fmt.Errorf("restore camera track: %w", err)
	}
	return true, nil
}

// SetVideoEnabled mutes or unmutes outgoing video by detaching the track from
// its sender. The sender itself stays, so no renegotiation happens.
func (p *Peer) SetVideoEnabled(enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.videoSender == nil {
		return nil
	}
	if !enabled {
		return p.videoSender.ReplaceTrack(nil)
	}
	track := p.cameraTrack
	if p.screenTrack != nil {
		track = p.screenTrack
	}
	return p.videoSender.ReplaceTrack(track)
}

func (p *Peer) SetAudioEnabled(enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audioSender == nil {
		return nil
	}
	if !enabled {
		return p.audioSender.ReplaceTrack(nil)
	}
	return p.audioSender.ReplaceTrack(p.micTrack)
}

func (p *Peer) SetOnICECandidate(fn func(protocol.ICECandidate)) {
	p.mu.Lock()
	p.onICECandidate = fn
	p.mu.Unlock()
}

func (p *Peer) SetOnConnectionStateChange(fn func(domain.TransportState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) SetOnNegotiationNeeded(fn func()) {
	p.mu.Lock()
	p.onNegotiation = fn
	p.mu.Unlock()
}

func (p *Peer) SetOnRemoteTrack(fn func(kind string)) {
	p.mu.Lock()
	p.onRemoteTrack = fn
	p.mu.Unlock()
}

// InboundVideoStats reads cumulative packet counts for the remote video stream
// from the stats interceptor.
func (p *Peer) InboundVideoStats() (received, lost uint64, ok bool) {
	p.mu.Lock()
	getter := p.statsGetter
	ssrc := p.remoteVideoSSRC
	p.mu.Unlock()

	if getter == nil || ssrc == 0 {
		return 0, 0, false
	}
	st := getter.Get(ssrc)
	if st == nil {
		return 0, 0, false
	}
	in := st.InboundRTPStreamStats
	lost = 0
	if in.PacketsLost > 0 {
		lost = uint64(in.PacketsLost)
	}
	return in.PacketsReceived, lost, true
}

// Close tears down the connection and releases the media source.
func (p *Peer) Close() {
	if err := p.pc.Close(); err != nil {
		log.Printf("[peer] close: %v", err)
	}
	if err := p.source.Close(); err != nil {
		log.Printf("[peer] close media source: %v", err)
	}
}

func mapState(st pion.PeerConnectionState) domain.TransportState {
	switch st {
	case pion.PeerConnectionStateNew:
		return domain.TransportNew
	case pion.PeerConnectionStateConnecting:
		return domain.TransportConnecting
	case pion.PeerConnectionStateConnected:
		return domain.TransportConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.TransportDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.TransportFailed
	default:
		return domain.TransportClosed
	}
}
