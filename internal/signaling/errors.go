package signaling

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnknownKind       = errors.New("unknown envelope kind")
	ErrMissingRoom       = errors.New("missing room id")
	ErrInvalidRoom       = errors.New("invalid room id")
	ErrAlreadyJoined     = errors.New("already joined a room")
	ErrDuplicateClient   = errors.New("client id already present in room")
	ErrNotJoined         = errors.New("sender has not joined a room")
	ErrSenderMismatch    = errors.New("sender id does not match session")
	ErrRoomMismatch      = errors.New("room id does not match session")
	ErrNotConnected      = errors.New("not connected to relay")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrRoomOverCapacity  = errors.New("room exceeds two participants")
)

// ErrorKind classifies failures surfaced by the relay and the client.
type ErrorKind int

const (
	ProtocolError ErrorKind = iota + 1
	NegotiationError
	TransportError
	CapacityError
)

func (k ErrorKind) String() string {
	switch k {
	case ProtocolError:
		return "protocol"
	case NegotiationError:
		return "negotiation"
	case TransportError:
		return "transport"
	case CapacityError:
		return "capacity"
	default:
		return "unknown"
	}
}

// Error carries a kind and the operation that failed. Peer is set when the
// failure is scoped to one remote participant.
type Error struct {
	Kind    ErrorKind
	Op      string
	Peer    string
	Err     error
	Details string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error: %s", e.Kind, e.Op)
	if e.Peer != "" {
		msg += " " + e.Peer
	}
	msg += ": " + e.Err.Error()
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func NewPeerError(kind ErrorKind, op, peer string, err error) *Error {
	return &Error{Kind: kind, Op: op, Peer: peer, Err: err}
}

func WrapError(kind ErrorKind, op string, err error, details string) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Details: details}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// CodeFor maps a join rejection onto its wire code.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyJoined):
		return CodeAlreadyJoined
	case errors.Is(err, ErrDuplicateClient):
		return CodeDuplicateClient
	case errors.Is(err, ErrInvalidRoom), errors.Is(err, ErrMissingRoom):
		return CodeInvalidRoom
	default:
		return "protocol"
	}
}

// ErrFromCode maps a wire code back onto its sentinel.
func ErrFromCode(code string) error {
	switch code {
	case CodeAlreadyJoined:
		return ErrAlreadyJoined
	case CodeDuplicateClient:
		return ErrDuplicateClient
	case CodeInvalidRoom:
		return ErrInvalidRoom
	default:
		return ErrMalformedEnvelope
	}
}
