package negotiation

import (
	"github.com/pion/webrtc/v4"
)

// State is the lifecycle of one negotiation with one remote peer.
type State int32

const (
	Idle State = iota
	OfferPending
	AnswerPending
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OfferPending:
		return "offer-pending"
	case AnswerPending:
		return "answer-pending"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is anything that can advance a negotiation. Events are applied one
// at a time, in the order they were dispatched.
type Event interface {
	event()
}

// Start makes the local side the initiator: open the chat channel and send
// an offer.
type Start struct{}

// OfferReceived carries the remote offer.
type OfferReceived struct {
	Description webrtc.SessionDescription
}

// AnswerReceived carries the remote answer.
type AnswerReceived struct {
	Description webrtc.SessionDescription
}

// RemoteCandidate is a candidate trickled by the peer.
type RemoteCandidate struct {
	Candidate webrtc.ICECandidateInit
}

// LocalCandidate is a candidate gathered locally, to be signaled.
type LocalCandidate struct {
	Candidate webrtc.ICECandidateInit
}

// TransportChanged reports a peer connection state change.
type TransportChanged struct {
	State webrtc.PeerConnectionState
}

// Timeout fires when the negotiation did not connect in time.
type Timeout struct{}

// Close tears the negotiation down. Reason is nil for a normal teardown.
type Close struct {
	Reason error
}

func (Start) event()            {}
func (OfferReceived) event()    {}
func (AnswerReceived) event()   {}
func (RemoteCandidate) event()  {}
func (LocalCandidate) event()   {}
func (TransportChanged) event() {}
func (Timeout) event()          {}
func (Close) event()            {}
