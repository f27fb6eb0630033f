package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pion/webrtc/v4"
)

// Kind tags every envelope exchanged with the relay.
type Kind string

// Envelope kinds.
const (
	KindJoin         Kind = "join"
	KindPresence     Kind = "presence"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
	KindMessage      Kind = "message"
	KindDisconnect   Kind = "disconnect"
	KindError        Kind = "error"
)

// Error codes carried in error envelopes.
const (
	CodeAlreadyJoined   = "already_joined"
	CodeDuplicateClient = "duplicate_client"
	CodeInvalidRoom     = "invalid_room"
)

// Envelope is the single message shape on the signaling websocket.
type Envelope struct {
	Kind      Kind                `json:"kind" validate:"required,oneof=join presence offer answer ice-candidate message disconnect error"`
	RoomID    string              `json:"roomId" validate:"required_unless=Kind error,max=256"`
	SenderID  string              `json:"senderId,omitempty" validate:"max=128"`
	TargetID  string              `json:"targetId,omitempty" validate:"max=128"`
	Clients   []string            `json:"clients,omitempty"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
	Error     *ErrorPayload       `json:"error,omitempty"`
}

// SessionDescription is the JSON form of an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is the JSON form of a trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ErrorPayload is sent by the relay when it refuses an operation.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DescriptionFromPion converts a pion description for the wire.
func DescriptionFromPion(desc webrtc.SessionDescription) *SessionDescription {
	return &SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

// ToPion converts the wire description back. Only offer and answer are
// accepted.
func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// CandidateFromPion converts a gathered candidate for the wire.
func CandidateFromPion(init webrtc.ICECandidateInit) *Candidate {
	return &Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

// ToPion converts the wire candidate back.
func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

var validate = validator.New()

// Validate checks the envelope structure and the kind-specific payload.
func (e *Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			f := verrs[0]
			if f.Field() == "Kind" && f.Tag() == "oneof" {
				return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
			}
			if f.Field() == "RoomID" && strings.HasPrefix(f.Tag(), "required") {
				return ErrMissingRoom
			}
			return fmt.Errorf("%w: %s failed %s", ErrMalformedEnvelope, f.Field(), f.Tag())
		}
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	switch e.Kind {
	case KindOffer, KindAnswer:
		if e.SDP == nil || e.SDP.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrMalformedEnvelope, e.Kind)
		}
		if e.SDP.Type != string(e.Kind) {
			return fmt.Errorf("%w: %s carries sdp.type=%q", ErrMalformedEnvelope, e.Kind, e.SDP.Type)
		}
	case KindICECandidate:
		if e.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate without candidate", ErrMalformedEnvelope)
		}
	case KindMessage:
		if len(e.Payload) == 0 {
			return fmt.Errorf("%w: message without payload", ErrMalformedEnvelope)
		}
	case KindError:
		if e.Error == nil {
			return fmt.Errorf("%w: error without error payload", ErrMalformedEnvelope)
		}
	}
	return nil
}

// Inbound reports whether a client may send this kind to the relay.
// Presence and error envelopes are only ever synthesized by the relay.
func (k Kind) Inbound() bool {
	switch k {
	case KindJoin, KindOffer, KindAnswer, KindICECandidate, KindMessage, KindDisconnect:
		return true
	}
	return false
}

// Relayed reports whether the relay forwards this kind verbatim.
func (k Kind) Relayed() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindMessage:
		return true
	}
	return false
}

// Decode parses and validates one envelope. Unknown fields and trailing data
// are rejected.
func Decode(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("%w: unexpected trailing data", ErrMalformedEnvelope)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// AddressedTo reports whether a client with the given id should act on e.
func (e *Envelope) AddressedTo(id string) bool {
	return e.TargetID == "" || e.TargetID == id
}
