package signaling

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func TestDecode_Valid(t *testing.T) {
	cases := map[string]string{
		"join":       `{"kind":"join","roomId":"r1","senderId":"A"}`,
		"offer":      `{"kind":"offer","roomId":"r1","senderId":"A","sdp":{"type":"offer","sdp":"v=0"}}`,
		"answer":     `{"kind":"answer","roomId":"r1","senderId":"B","targetId":"A","sdp":{"type":"answer","sdp":"v=0"}}`,
		"candidate":  `{"kind":"ice-candidate","roomId":"r1","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`,
		"message":    `{"kind":"message","roomId":"r1","payload":{"text":"hi"}}`,
		"disconnect": `{"kind":"disconnect","roomId":"r1","senderId":"A"}`,
		"presence":   `{"kind":"presence","roomId":"r1","clients":["A","B"]}`,
		"error":      `{"kind":"error","roomId":"r1","error":{"code":"invalid_room","message":"bad"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			env, err := Decode([]byte(raw))
			require.NoError(t, err)
			require.Equal(t, "r1", env.RoomID)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{"kind":`, ErrMalformedEnvelope},
		{"unknown kind", `{"kind":"shout","roomId":"r1"}`, ErrUnknownKind},
		{"missing room", `{"kind":"join","senderId":"A"}`, ErrMissingRoom},
		{"unknown field", `{"kind":"join","roomId":"r1","extra":1}`, ErrMalformedEnvelope},
		{"offer without sdp", `{"kind":"offer","roomId":"r1"}`, ErrMalformedEnvelope},
		{"offer with answer sdp", `{"kind":"offer","roomId":"r1","sdp":{"type":"answer","sdp":"v=0"}}`, ErrMalformedEnvelope},
		{"candidate missing", `{"kind":"ice-candidate","roomId":"r1"}`, ErrMalformedEnvelope},
		{"message without payload", `{"kind":"message","roomId":"r1"}`, ErrMalformedEnvelope},
		{"trailing data", `{"kind":"join","roomId":"r1"}{}`, ErrMalformedEnvelope},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			require.Error(t, err)
			require.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestKindDirections(t *testing.T) {
	require.True(t, KindJoin.Inbound())
	require.True(t, KindDisconnect.Inbound())
	require.False(t, KindPresence.Inbound())
	require.False(t, KindError.Inbound())

	require.True(t, KindOffer.Relayed())
	require.True(t, KindMessage.Relayed())
	require.False(t, KindJoin.Relayed())
	require.False(t, KindDisconnect.Relayed())
}

func TestCandidateRoundTripsThroughPion(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	init := webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}

	data, err := json.Marshal(CandidateFromPion(init))
	require.NoError(t, err)
	require.JSONEq(t, `{"candidate":"candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}`, string(data))

	var back Candidate
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, init, back.ToPion())
}

func TestSessionDescriptionToPion(t *testing.T) {
	desc, err := SessionDescription{Type: "answer", SDP: "v=0"}.ToPion()
	require.NoError(t, err)
	require.Equal(t, webrtc.SDPTypeAnswer, desc.Type)

	_, err = SessionDescription{Type: "pranswer", SDP: "v=0"}.ToPion()
	require.Error(t, err)

	wire := DescriptionFromPion(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	require.Equal(t, "offer", wire.Type)
}

func TestAddressedTo(t *testing.T) {
	require.True(t, (&Envelope{}).AddressedTo("A"))
	require.True(t, (&Envelope{TargetID: "A"}).AddressedTo("A"))
	require.False(t, (&Envelope{TargetID: "B"}).AddressedTo("A"))
}

func TestErrorKinds(t *testing.T) {
	err := NewPeerError(NegotiationError, "apply answer", "B", ErrMalformedEnvelope)
	require.True(t, IsKind(err, NegotiationError))
	require.ErrorIs(t, err, ErrMalformedEnvelope)
	require.Equal(t, "negotiation error: apply answer B: malformed envelope", err.Error())

	wrapped := WrapError(TransportError, "dial", errors.New("refused"), "relay:8080")
	require.Equal(t, TransportError, KindOf(wrapped))
	require.Equal(t, ErrorKind(0), KindOf(errors.New("plain")))
}

func TestCodeMapping(t *testing.T) {
	for _, sentinel := range []error{ErrAlreadyJoined, ErrDuplicateClient, ErrInvalidRoom} {
		require.ErrorIs(t, ErrFromCode(CodeFor(sentinel)), sentinel)
	}
}
