package room

import (
	"errors"
	"time"
)

// ErrRoomFull is returned when a third distinct identity tries to join.
var ErrRoomFull = errors.New("room is full")

// Manager owns all live rooms. It is not safe for concurrent use; it is owned
// by the hub event loop, which also schedules the grace and deletion timers
// that call back into ExpireGrace and DeleteIfEmpty.
type Manager struct {
	rooms map[string]*Room
	now   func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		rooms: make(map[string]*Room),
		now:   time.Now,
	}
}

// JoinResult describes the outcome of a join.
type JoinResult struct {
	Room        *Room
	Participant *Participant
	// Rejoined is true when a held seat was restored within the grace window.
	Rejoined bool
	// BecameActive is true when this join brought the room to two participants.
	BecameActive bool
	// IsInitiator is true when at least one participant was already present:
	// the joiner creates the offer, because the first occupant has nothing to
	// offer yet.
	IsInitiator bool
	Others      []*Participant
	// Vacated is set when the join pulled the identity's seat out of another
	// room.
	Vacated *LeaveResult
}

// Join adds identity to the room, creating the room (PENDING) if absent.
// Rejoining a held or live seat updates its connection instead of adding one.
// An identity holds a seat in at most one room; joining a different room
// vacates the old seat first.
func (m *Manager) Join(roomID, identity, displayName, role, connID string) (JoinResult, error) {
	r, ok := m.rooms[roomID]
	if !ok {
		r = &Room{ID: roomID, Status: StatusPending, CreatedAt: m.now()}
		m.rooms[roomID] = r
	}

	if p := r.Member(identity); p != nil {
		rejoined := !p.Connected()
		p.ConnectionID = connID
		p.DisplayName = displayName
		p.Role = role
		res := JoinResult{
			Room:        r,
			Participant: p,
			Rejoined:    rejoined,
			IsInitiator: len(r.Participants) > 1,
			Others:      r.Others(identity),
		}
		if len(r.Participants) == 2 && r.Status != StatusActive {
			r.Status = StatusActive
			res.BecameActive = true
		}
		return res, nil
	}

	if len(r.Participants) >= 2 {
		return JoinResult{}, ErrRoomFull
	}

	// Only a new seat can pull the identity out of another room; a member of
	// this room cannot be seated elsewhere, and a rejected join must not
	// disturb the old seat.
	vacated := m.vacateElsewhere(roomID, identity)

	p := &Participant{
		Identity:     identity,
		DisplayName:  displayName,
		Role:         role,
		ConnectionID: connID,
		Media:        MediaFlags{VideoEnabled: true, AudioEnabled: true},
		JoinedAt:     m.now(),
	}
	res := JoinResult{
		Room:        r,
		Participant: p,
		IsInitiator: len(r.Participants) > 0,
		Others:      append([]*Participant(nil), r.Participants...),
		Vacated:     vacated,
	}
	r.Participants = append(r.Participants, p)

	if len(r.Participants) == 2 {
		r.Status = StatusActive
		res.BecameActive = true
	}
	return res, nil
}

// LeaveResult describes the outcome of a graceful leave.
type LeaveResult struct {
	Room        *Room
	Participant *Participant
	Remaining   []*Participant
	// Empty is true when the room has no seats left; the caller schedules
	// DeleteIfEmpty after a grace delay rather than deleting immediately,
	// which covers rapid leave/rejoin.
	Empty bool
}

// Leave removes the participant's seat.
func (m *Manager) Leave(roomID, identity string) (LeaveResult, bool) {
	r, ok := m.rooms[roomID]
	if !ok {
		return LeaveResult{}, false
	}
	p := r.Member(identity)
	if p == nil {
		return LeaveResult{}, false
	}
	m.remove(r, p)
	return LeaveResult{
		Room:        r,
		Participant: p,
		Remaining:   append([]*Participant(nil), r.Participants...),
		Empty:       len(r.Participants) == 0,
	}, true
}

// DisconnectResult describes an ungraceful connection drop.
type DisconnectResult struct {
	Room        *Room
	Participant *Participant
	Peers       []*Participant
}

// Disconnect clears the seat's connection without removing it, holding it for
// the grace window. The caller starts the eviction timer.
func (m *Manager) Disconnect(connID string) (DisconnectResult, bool) {
	for _, r := range m.rooms {
		if p := r.byConnection(connID); p != nil {
			p.ConnectionID = ""
			return DisconnectResult{
				Room:        r,
				Participant: p,
				Peers:       r.Others(p.Identity),
			}, true
		}
	}
	return DisconnectResult{}, false
}

// EvictResult describes a grace-window expiry.
type EvictResult struct {
	Room        *Room
	Participant *Participant
	Remaining   []*Participant
	// Ended is true when the evicted participant was the last occupant.
	Ended bool
}

// ExpireGrace evicts the participant if it is still disconnected. A seat
// restored by a rejoin in the meantime is left alone.
func (m *Manager) ExpireGrace(roomID, identity string) (EvictResult, bool) {
	r, ok := m.rooms[roomID]
	if !ok {
		return EvictResult{}, false
	}
	p := r.Member(identity)
	if p == nil || p.Connected() {
		return EvictResult{}, false
	}
	m.remove(r, p)
	res := EvictResult{
		Room:        r,
		Participant: p,
		Remaining:   append([]*Participant(nil), r.Participants...),
	}
	if len(r.Participants) == 0 {
		r.Status = StatusEnded
		r.EndReason = "grace-expired"
		delete(m.rooms, roomID)
		res.Ended = true
	}
	return res, true
}

// DeleteIfEmpty removes the room if it still has no participants.
func (m *Manager) DeleteIfEmpty(roomID string) bool {
	r, ok := m.rooms[roomID]
	if !ok || len(r.Participants) > 0 {
		return false
	}
	r.Status = StatusEnded
	if r.EndReason == "" {
		r.EndReason = "all-left"
	}
	delete(m.rooms, roomID)
	return true
}

// Get returns the room with the given id.
func (m *Manager) Get(roomID string) (*Room, bool) {
	r, ok := m.rooms[roomID]
	return r, ok
}

// UpdateMedia applies fn to the participant's media flags.
func (m *Manager) UpdateMedia(roomID, identity string, fn func(*MediaFlags)) bool {
	r, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	p := r.Member(identity)
	if p == nil {
		return false
	}
	fn(&p.Media)
	return true
}

// Snapshot is a read-only view of a room for the inspection API.
type Snapshot struct {
	RoomID       string    `json:"roomId"`
	Status       Status    `json:"status"`
	Participants int       `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Snapshots lists all live rooms.
func (m *Manager) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, Snapshot{
			RoomID:       r.ID,
			Status:       r.Status,
			Participants: len(r.Participants),
			CreatedAt:    r.CreatedAt,
		})
	}
	return out
}

// vacateElsewhere removes identity's seat from any room other than roomID.
func (m *Manager) vacateElsewhere(roomID, identity string) *LeaveResult {
	for id, r := range m.rooms {
		if id == roomID {
			continue
		}
		p := r.Member(identity)
		if p == nil {
			continue
		}
		m.remove(r, p)
		return &LeaveResult{
			Room:        r,
			Participant: p,
			Remaining:   append([]*Participant(nil), r.Participants...),
			Empty:       len(r.Participants) == 0,
		}
	}
	return nil
}

// remove drops the seat and demotes a two-party room that lost a member, so
// at most one ACTIVE room ever exists for a given pair of identities.
func (m *Manager) remove(r *Room, p *Participant) {
	for i, q := range r.Participants {
		if q == p {
			r.Participants = append(r.Participants[:i], r.Participants[i+1:]...)
			break
		}
	}
	if r.Status == StatusActive && len(r.Participants) < 2 {
		r.Status = StatusPending
	}
}
