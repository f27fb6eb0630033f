package relay

import (
	"sync"

	"github.com/samber/lo"
)

// Room is one entry of the hub registry. Its mutex serializes join, relay
// and disconnect for this room only.
type Room struct {
	ID string

	mu      sync.Mutex
	members []*Session
	// closed is set, under mu, once the room has been removed from the hub.
	// A session that looked the room up just before must retry.
	closed bool
}

// RoomInfo is a point-in-time view of a room.
type RoomInfo struct {
	ID      string   `json:"id"`
	Clients []string `json:"clients"`
}

// The helpers below require r.mu.

func (r *Room) clientIDs() []string {
	return lo.Map(r.members, func(s *Session, _ int) string { return s.id })
}

func (r *Room) hasClient(id string) bool {
	return lo.ContainsBy(r.members, func(s *Session) bool { return s.id == id })
}

func (r *Room) remove(s *Session) bool {
	idx := lo.IndexOf(r.members, s)
	if idx < 0 {
		return false
	}
	r.members = append(r.members[:idx], r.members[idx+1:]...)
	return true
}

func (r *Room) others(s *Session) []*Session {
	return lo.Without(r.members, s)
}

func (r *Room) info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomInfo{ID: r.ID, Clients: r.clientIDs()}
}
