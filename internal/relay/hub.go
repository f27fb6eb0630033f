// Package relay tracks room membership and forwards signaling envelopes
// between the members of a room.
package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/BioHazard786/Warpchat/internal/roomname"
	"github.com/BioHazard786/Warpchat/internal/signaling"
	"github.com/google/uuid"
)

// ExpectedRoomSize is the pairing the negotiation layer is built for. Larger
// rooms still work but are reported.
const ExpectedRoomSize = 2

// Hub is the room registry. Its own mutex guards only the map; membership
// changes happen under the room's mutex so distinct rooms never contend.
//
// Lock order is room then hub.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*Room

	log *slog.Logger
}

// NewHub creates an empty registry.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms: make(map[string]*Room),
		log:   logger.With("component", "relay"),
	}
}

// Handle decodes one inbound frame and dispatches it. Every failure is
// logged and dropped; only join rejections are reported back to the sender.
func (h *Hub) Handle(s *Session, data []byte) {
	env, err := signaling.Decode(data)
	if err != nil {
		h.log.Warn("dropping malformed envelope", "client", s.id,
			"error", signaling.NewError(signaling.ProtocolError, "decode", err))
		return
	}
	if !env.Kind.Inbound() {
		h.log.Warn("dropping server-only envelope", "client", s.id, "kind", env.Kind)
		return
	}

	switch env.Kind {
	case signaling.KindJoin:
		if err := h.Join(s, env.RoomID, env.SenderID); err != nil {
			h.log.Info("join rejected", "room", env.RoomID, "client", env.SenderID, "error", err)
			h.reject(s, env.RoomID, err)
		}
	case signaling.KindDisconnect:
		if s.room != nil && env.RoomID != s.room.ID {
			h.log.Warn("dropping disconnect for foreign room", "client", s.id, "room", env.RoomID)
			return
		}
		h.Disconnect(s)
	default:
		if err := h.Relay(s, env); err != nil {
			if errors.Is(err, signaling.ErrNotJoined) {
				h.log.Debug("dropping envelope from session outside any room", "kind", env.Kind)
				return
			}
			h.log.Warn("dropping envelope", "client", s.id, "kind", env.Kind, "error", err)
		}
	}
}

// Join adds s to roomID under clientID, creating the room if needed. An empty
// clientID is replaced by a generated one. On success the joiner receives a
// join envelope with the post-add membership and every other member receives
// the same list as presence.
func (h *Hub) Join(s *Session, roomID, clientID string) error {
	if s.room != nil {
		return signaling.NewError(signaling.ProtocolError, "join", signaling.ErrAlreadyJoined)
	}
	if !roomname.Valid(roomID) {
		return signaling.NewError(signaling.ProtocolError, "join", signaling.ErrInvalidRoom)
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}

	for {
		room := h.getOrCreate(roomID)

		room.mu.Lock()
		if room.closed {
			// Emptied and removed between lookup and lock.
			room.mu.Unlock()
			continue
		}
		if room.hasClient(clientID) {
			room.mu.Unlock()
			return signaling.NewPeerError(signaling.ProtocolError, "join", clientID, signaling.ErrDuplicateClient)
		}

		s.id = clientID
		s.room = room
		room.members = append(room.members, s)
		clients := room.clientIDs()

		s.enqueue(h.encode(&signaling.Envelope{
			Kind:     signaling.KindJoin,
			RoomID:   roomID,
			SenderID: clientID,
			Clients:  clients,
		}))
		h.broadcastLocked(room, s, &signaling.Envelope{
			Kind:    signaling.KindPresence,
			RoomID:  roomID,
			Clients: clients,
		})
		size := len(clients)
		room.mu.Unlock()

		h.log.Info("client joined", "room", roomID, "client", clientID, "members", size)
		if size > ExpectedRoomSize {
			h.log.Warn("room over capacity", "room", roomID,
				"error", signaling.WrapError(signaling.CapacityError, "join", signaling.ErrRoomOverCapacity, clientID))
		}
		return nil
	}
}

// Relay forwards env to every other member of the sender's room. It returns
// ErrNotJoined when the sender is not in a room; callers drop that silently.
func (h *Hub) Relay(s *Session, env *signaling.Envelope) error {
	if !env.Kind.Relayed() {
		return signaling.NewError(signaling.ProtocolError, "relay", signaling.ErrUnknownKind)
	}
	room := s.room
	if room == nil {
		return signaling.ErrNotJoined
	}
	if env.RoomID != room.ID {
		return signaling.WrapError(signaling.ProtocolError, "relay", signaling.ErrRoomMismatch, env.RoomID)
	}
	switch env.SenderID {
	case "":
		env.SenderID = s.id
	case s.id:
	default:
		return signaling.WrapError(signaling.ProtocolError, "relay", signaling.ErrSenderMismatch, env.SenderID)
	}

	data := h.encode(env)
	room.mu.Lock()
	for _, m := range room.others(s) {
		m.enqueue(data)
	}
	room.mu.Unlock()
	return nil
}

// Disconnect removes s from its room and tells the remaining members. An
// emptied room is deleted. Calling it again, or for a session that never
// joined, does nothing.
func (h *Hub) Disconnect(s *Session) {
	room := s.room
	if room == nil {
		return
	}
	s.room = nil

	room.mu.Lock()
	defer room.mu.Unlock()

	if !room.remove(s) {
		return
	}
	h.log.Info("client left", "room", room.ID, "client", s.id, "members", len(room.members))

	if len(room.members) == 0 {
		room.closed = true
		h.mu.Lock()
		if h.rooms[room.ID] == room {
			delete(h.rooms, room.ID)
		}
		h.mu.Unlock()
		h.log.Info("room deleted", "room", room.ID)
		return
	}

	h.broadcastLocked(room, nil, &signaling.Envelope{
		Kind:    signaling.KindPresence,
		RoomID:  room.ID,
		Clients: room.clientIDs(),
	})
}

// Rooms returns every live room sorted by id.
func (h *Hub) Rooms() []RoomInfo {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	infos := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		if info := r.info(); len(info.Clients) > 0 {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Room returns one room's membership.
func (h *Hub) Room(id string) (RoomInfo, bool) {
	h.mu.Lock()
	r, ok := h.rooms[id]
	h.mu.Unlock()
	if !ok {
		return RoomInfo{}, false
	}
	info := r.info()
	return info, len(info.Clients) > 0
}

// Shutdown drops every joined client. Each connection then leaves through
// the normal disconnect path, so the registry ends up empty.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	dropped := 0
	for _, r := range rooms {
		r.mu.Lock()
		members := slices.Clone(r.members)
		r.mu.Unlock()
		for _, s := range members {
			s.kick()
		}
		dropped += len(members)
	}
	h.log.Info("relay shut down", "rooms", len(rooms), "clients", dropped)
}

func (h *Hub) getOrCreate(id string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	if !ok {
		r = &Room{ID: id}
		h.rooms[id] = r
		h.log.Info("room created", "room", id)
	}
	return r
}

// broadcastLocked enqueues env to every member except skip. Requires room.mu.
func (h *Hub) broadcastLocked(room *Room, skip *Session, env *signaling.Envelope) {
	data := h.encode(env)
	for _, m := range room.others(skip) {
		m.enqueue(data)
	}
}

func (h *Hub) reject(s *Session, roomID string, err error) {
	var serr *signaling.Error
	msg := err.Error()
	if errors.As(err, &serr) {
		msg = serr.Err.Error()
	}
	s.enqueue(h.encode(&signaling.Envelope{
		Kind:   signaling.KindError,
		RoomID: roomID,
		Error: &signaling.ErrorPayload{
			Code:    signaling.CodeFor(err),
			Message: msg,
		},
	}))
}

func (h *Hub) encode(env *signaling.Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		// Envelope holds only strings, slices and raw JSON that was already
		// decoded once.
		h.log.Error("failed to encode envelope", "kind", env.Kind, "error", err)
		return nil
	}
	return data
}
