package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mentorhub/livecall/internal/channel"
	"github.com/mentorhub/livecall/internal/config"
	"github.com/mentorhub/livecall/internal/domain"
	"github.com/mentorhub/livecall/internal/protocol"
	"github.com/mentorhub/livecall/internal/session"
	"github.com/mentorhub/livecall/internal/webrtc"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("[main] config: %v", err)
	}

	newTransport := func() (domain.PeerTransport, error) {
		return webrtc.NewPeer(webrtc.Config{STUNServers: cfg.STUNServers}, webrtc.NewSampleSource())
	}

	callbacks := session.Callbacks{
		OnStateChange: func(st session.State) {
			log.Printf("[main] call state: %s", st)
		},
		OnQuality: func(t session.Tier) {
			log.Printf("[main] connection quality: %s", t)
		},
		OnChat: func(msg protocol.ChatMessage) {
			log.Printf("[main] %s: %s", msg.SenderName, msg.Message)
		},
		OnRemoteToggle: func(kind, displayName string, enabled bool) {
			log.Printf("[main] %s turned %s %v", displayName, kind, enabled)
		},
		OnRemoteScreenShare: func(displayName string, active bool) {
			log.Printf("[main] %s screen share: %v", displayName, active)
		},
	}

	sess := session.New(session.Config{
		RoomID:      cfg.RoomID,
		Identity:    cfg.Identity,
		DisplayName: cfg.DisplayName,
	}, nil, newTransport, callbacks)

	signaler := channel.NewClient(cfg.SignalURL, cfg.Identity, cfg.DisplayName, cfg.Role, sess)
	sess.SetSignaler(signaler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Start(ctx); err != nil {
		log.Fatalf("[main] start call: %v", err)
	}

	<-ctx.Done()
	log.Printf("[main] hanging up")
	sess.Hangup()
}
