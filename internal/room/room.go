// Package room owns the set of live call rooms and their participant records.
package room

import (
	"time"

	"github.com/mentorhub/livecall/internal/protocol"
)

// Status is the lifecycle state of a call room.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusEnded   Status = "ENDED"
)

// MediaFlags mirrors a participant's advertised media state.
type MediaFlags struct {
	VideoEnabled  bool
	AudioEnabled  bool
	ScreenSharing bool
}

// Participant is a seat in a call room. ConnectionID is empty while the
// participant is disconnected but not yet evicted.
type Participant struct {
	Identity     string
	DisplayName  string
	Role         string
	ConnectionID string
	Media        MediaFlags
	JoinedAt     time.Time
}

// Connected reports whether the participant currently has a live connection.
func (p *Participant) Connected() bool {
	return p.ConnectionID != ""
}

// Wire converts the participant to its wire form.
func (p *Participant) Wire() protocol.Participant {
	return protocol.Participant{
		Identity:      p.Identity,
		DisplayName:   p.DisplayName,
		Role:          p.Role,
		ConnectionID:  p.ConnectionID,
		VideoEnabled:  p.Media.VideoEnabled,
		AudioEnabled:  p.Media.AudioEnabled,
		ScreenSharing: p.Media.ScreenSharing,
	}
}

// Room is a live call room. Supported use is exactly two distinct identities.
type Room struct {
	ID           string
	Status       Status
	Participants []*Participant
	CreatedAt    time.Time
	EndReason    string
}

// Member returns the seat held by identity, connected or not.
func (r *Room) Member(identity string) *Participant {
	for _, p := range r.Participants {
		if p.Identity == identity {
			return p
		}
	}
	return nil
}

func (r *Room) byConnection(connID string) *Participant {
	for _, p := range r.Participants {
		if p.ConnectionID == connID {
			return p
		}
	}
	return nil
}

// Others returns every participant except the one with the given identity.
func (r *Room) Others(identity string) []*Participant {
	var out []*Participant
	for _, p := range r.Participants {
		if p.Identity != identity {
			out = append(out, p)
		}
	}
	return out
}

// WireParticipants converts all seats to their wire form.
func (r *Room) WireParticipants() []protocol.Participant {
	out := make([]protocol.Participant, 0, len(r.Participants))
	for _, p := range r.Participants {
		out = append(out, p.Wire())
	}
	return out
}
