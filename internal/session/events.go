package session

import (
	"github.com/BioHazard786/Warpchat/internal/transport"
)

// EventKind identifies a session notification.
type EventKind int

const (
	EventJoined EventKind = iota
	EventPresence
	EventPeerConnected
	EventPeerClosed
	EventNegotiationFailed
	EventMessage
	EventProgress
	EventTransportLost
)

func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventPresence:
		return "presence"
	case EventPeerConnected:
		return "peer-connected"
	case EventPeerClosed:
		return "peer-closed"
	case EventNegotiationFailed:
		return "negotiation-failed"
	case EventMessage:
		return "message"
	case EventProgress:
		return "progress"
	case EventTransportLost:
		return "transport-lost"
	default:
		return "unknown"
	}
}

// Event is a notification for whoever drives the session, usually the UI.
type Event struct {
	Kind EventKind
	// Peer is set for per-peer events.
	Peer string
	// Clients is the room membership for joined and presence events.
	Clients []string
	Message *transport.ChatMessage
	// Progress is set for EventProgress.
	Progress *transport.Progress
	// Err explains failures and unexpected closes.
	Err error
}
