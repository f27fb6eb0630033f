package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/Warpchat/internal/negotiation"
	"github.com/BioHazard786/Warpchat/internal/signaling"
	"github.com/BioHazard786/Warpchat/internal/transport"
)

type fakeRelay struct {
	in        chan *signaling.Envelope
	out       chan *signaling.Envelope
	closed    chan struct{}
	closeOnce sync.Once
	err       error
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		in:     make(chan *signaling.Envelope, 64),
		out:    make(chan *signaling.Envelope, 64),
		closed: make(chan struct{}),
	}
}

func (r *fakeRelay) Send(env *signaling.Envelope) error {
	select {
	case <-r.closed:
		return signaling.NewError(signaling.TransportError, "send", signaling.ErrConnectionClosed)
	default:
	}
	r.out <- env
	return nil
}

func (r *fakeRelay) Incoming() <-chan *signaling.Envelope { return r.in }
func (r *fakeRelay) Err() error                           { return r.err }
func (r *fakeRelay) Close()                               { r.closeOnce.Do(func() { close(r.closed) }) }

type fakePC struct {
	mu     sync.Mutex
	closed bool
}

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if desc.SDP == "garbage" {
		return errors.New("invalid sdp")
	}
	return nil
}

func (p *fakePC) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (p *fakePC) CreateChannel(string) (transport.Channel, error) {
	return nil, errors.New("no channels in this fake")
}

func (p *fakePC) OnChannel(func(transport.Channel))              {}
func (p *fakePC) OnICECandidate(func(webrtc.ICECandidateInit))   {}
func (p *fakePC) OnStateChange(func(webrtc.PeerConnectionState)) {}

func (p *fakePC) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeFactory hands out fakePCs. Initiators would fail on CreateChannel, so
// tests with the local side initiating use offerFactory instead.
type fakeFactory struct {
	mu  sync.Mutex
	pcs []*fakePC
}

func (f *fakeFactory) New() (negotiation.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeFactory) created() []*fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePC(nil), f.pcs...)
}

type offerPC struct{ fakePC }

func (p *offerPC) CreateChannel(label string) (transport.Channel, error) {
	return &idleChannel{label: label}, nil
}

type offerFactory struct{ fakeFactory }

func (f *offerFactory) New() (negotiation.PeerConnection, error) {
	return &offerPC{}, nil
}

// idleChannel never opens.
type idleChannel struct{ label string }

func (c *idleChannel) Label() string                        { return c.label }
func (c *idleChannel) Send([]byte) error                    { return transport.ErrChannelNotOpen }
func (c *idleChannel) OnOpen(func())                        {}
func (c *idleChannel) OnClose(func())                       {}
func (c *idleChannel) OnMessage(func([]byte))               {}
func (c *idleChannel) BufferedAmount() uint64               { return 0 }
func (c *idleChannel) SetBufferedAmountLowThreshold(uint64) {}
func (c *idleChannel) OnBufferedAmountLow(func())           {}
func (c *idleChannel) Close() error                         { return nil }

type runningSession struct {
	*Session
	relay *fakeRelay
	errc  chan error
}

func startSession(t *testing.T, id string, peers PeerFactory) *runningSession {
	t.Helper()
	relay := newFakeRelay()
	s := New(Config{
		RoomID:               "r1",
		ClientID:             id,
		MaxPendingCandidates: 16,
		MaxFileBytes:         1 << 20,
		Logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, relay, peers)

	rs := &runningSession{Session: s, relay: relay, errc: make(chan error, 1)}
	go func() { rs.errc <- s.Run(context.Background()) }()
	t.Cleanup(s.Leave)

	join := rs.sent(t)
	require.Equal(t, signaling.KindJoin, join.Kind)
	require.Equal(t, "r1", join.RoomID)
	require.Equal(t, id, join.SenderID)
	return rs
}

func (rs *runningSession) sent(t *testing.T) *signaling.Envelope {
	t.Helper()
	select {
	case env := <-rs.relay.out:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("nothing sent to relay")
		return nil
	}
}

func (rs *runningSession) event(t *testing.T, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-rs.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return Event{}
		}
	}
}

func (rs *runningSession) deliver(env *signaling.Envelope) {
	if env.RoomID == "" {
		env.RoomID = "r1"
	}
	rs.relay.in <- env
}

func offerFrom(peer, sdp string) *signaling.Envelope {
	return &signaling.Envelope{
		Kind:     signaling.KindOffer,
		SenderID: peer,
		TargetID: "A",
		SDP:      &signaling.SessionDescription{Type: "offer", SDP: sdp},
	}
}

func TestFirstJoinerWaitsThenAnswers(t *testing.T) {
	factory := &fakeFactory{}
	a := startSession(t, "A", factory)

	a.deliver(&signaling.Envelope{Kind: signaling.KindJoin, SenderID: "A", Clients: []string{"A"}})
	ev := a.event(t, EventJoined)
	require.Equal(t, []string{"A"}, ev.Clients)

	a.deliver(&signaling.Envelope{Kind: signaling.KindPresence, Clients: []string{"A", "B"}})
	ev = a.event(t, EventPresence)
	require.Equal(t, []string{"A", "B"}, ev.Clients)
	require.Equal(t, []string{"A", "B"}, a.Members())
	require.Empty(t, factory.created(), "presence must not create an initiator")

	a.deliver(offerFrom("B", "remote-offer"))
	answer := a.sent(t)
	require.Equal(t, signaling.KindAnswer, answer.Kind)
	require.Equal(t, "A", answer.SenderID)
	require.Equal(t, "B", answer.TargetID)
	require.Len(t, factory.created(), 1)
}

func TestLatestJoinerInitiates(t *testing.T) {
	b := startSession(t, "B", &offerFactory{})

	b.deliver(&signaling.Envelope{Kind: signaling.KindJoin, SenderID: "B", Clients: []string{"A", "B"}})
	b.event(t, EventJoined)

	offer := b.sent(t)
	require.Equal(t, signaling.KindOffer, offer.Kind)
	require.Equal(t, "B", offer.SenderID)
	require.Equal(t, "A", offer.TargetID)
	require.Equal(t, "offer", offer.SDP.Type)
}

func TestRelayAssignedID(t *testing.T) {
	s := startSession(t, "requested", &fakeFactory{})
	s.deliver(&signaling.Envelope{Kind: signaling.KindJoin, SenderID: "assigned", Clients: []string{"assigned"}})
	s.event(t, EventJoined)
	require.Equal(t, "assigned", s.ID())
}

func TestPeerLeavingMidNegotiation(t *testing.T) {
	factory := &fakeFactory{}
	a := startSession(t, "A", factory)
	a.deliver(&signaling.Envelope{Kind: signaling.KindJoin, SenderID: "A", Clients: []string{"A", "B"}})
	a.event(t, EventJoined)

	a.deliver(&signaling.Envelope{
		Kind:      signaling.KindICECandidate,
		SenderID:  "B",
		Candidate: &signaling.Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.2 5000 typ host"},
	})
	a.deliver(&signaling.Envelope{Kind: signaling.KindPresence, Clients: []string{"A"}})

	ev := a.event(t, EventPeerClosed)
	require.Equal(t, "B", ev.Peer)
	require.NoError(t, ev.Err)
	pcs := factory.created()
	require.Len(t, pcs, 1)
	require.True(t, pcs[0].isClosed())
	require.Equal(t, []string{"A"}, a.Members())
}

func candidateFrom(peer string) *signaling.Envelope {
	return &signaling.Envelope{
		Kind:      signaling.KindICECandidate,
		SenderID:  peer,
		TargetID:  "A",
		Candidate: &signaling.Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.2 5000 typ host"},
	}
}

// settle waits until every envelope delivered so far has been handled.
func (rs *runningSession) settle(t *testing.T, clients ...string) {
	t.Helper()
	rs.deliver(&signaling.Envelope{Kind: signaling.KindPresence, Clients: clients})
	rs.event(t, EventPresence)
}

func TestCandidateAfterPeerLeftDropped(t *testing.T) {
	factory := &fakeFactory{}
	a := startSession(t, "A", factory)
	a.deliver(&signaling.Envelope{Kind: signaling.KindJoin, SenderID: "A", Clients: []string{"A", "B"}})
	a.event(t, EventJoined)

	a.deliver(offerFrom("B", "remote-offer"))
	a.sent(t) // answer
	a.deliver(&signaling.Envelope{Kind: signaling.KindPresence, Clients: []string{"A"}})
	a.event(t, EventPeerClosed)

	a.deliver(candidateFrom("B"))
	a.deliver(candidateFrom("C"))
	a.settle(t, "A")

	require.Len(t, factory.created(), 1)
	require.True(t, factory.created()[0].isClosed())
	require.Equal(t, []string{"A"}, a.Members())
}

func TestCandidateAfterFailedNegotiationDropped(t *testing.T) {
	factory := &fakeFactory{}
	a := startSession(t, "A", factory)
	a.deliver(&signaling.Envelope{Kind: signaling.KindJoin, SenderID: "A", Clients: []string{"A", "B"}})
	a.event(t, EventJoined)

	a.deliver(offerFrom("B", "garbage"))
	a.event(t, EventNegotiationFailed)

	a.deliver(candidateFrom("B"))
	a.deliver(candidateFrom("B"))
	a.settle(t, "A", "B")
	require.Len(t, factory.created(), 1)

	// A fresh offer reopens negotiation with B.
	a.deliver(offerFrom("B", "remote-offer"))
	require.Equal(t, signaling.KindAnswer, a.sent(t).Kind)
	require.Len(t, factory.created(), 2)
}

func TestMalformedOfferIsRecoverable(t *testing.T) {
	factory := &fakeFactory{}
	a := startSession(t, "A", factory)
	a.deliver(&signaling.Envelope{Kind: signaling.KindJoin, SenderID: "A", Clients: []string{"A", "B"}})
	a.event(t, EventJoined)

	a.deliver(offerFrom("B", "garbage"))
	ev := a.event(t, EventNegotiationFailed)
	require.Equal(t, "B", ev.Peer)
	require.True(t, signaling.IsKind(ev.Err, signaling.NegotiationError))

	// The room session keeps going: a retry gets a fresh negotiation.
	a.deliver(offerFrom("B", "remote-offer"))
	answer := a.sent(t)
	require.Equal(t, signaling.KindAnswer, answer.Kind)
	require.Len(t, factory.created(), 2)
}

func TestSignalsForOthersIgnored(t *testing.T) {
	factory := &fakeFactory{}
	a := startSession(t, "A", factory)
	a.deliver(&signaling.Envelope{Kind: signaling.KindJoin, SenderID: "A", Clients: []string{"A", "B", "C"}})
	a.event(t, EventJoined)

	offer := offerFrom("C", "remote-offer")
	offer.TargetID = "B"
	a.deliver(offer)
	a.deliver(&signaling.Envelope{Kind: signaling.KindAnswer, SenderID: "C",
		SDP: &signaling.SessionDescription{Type: "answer", SDP: "x"}})
	a.deliver(&signaling.Envelope{Kind: signaling.KindPresence, Clients: []string{"A", "B", "C"}})
	a.event(t, EventPresence)

	require.Empty(t, factory.created())
}

func TestRelayedMessagesDeduplicated(t *testing.T) {
	a := startSession(t, "A", &fakeFactory{})
	a.deliver(&signaling.Envelope{Kind: signaling.KindJoin, SenderID: "A", Clients: []string{"A", "B"}})
	a.event(t, EventJoined)

	payload, err := json.Marshal(transport.ChatMessage{ID: "m1", SenderID: "B", Timestamp: 10, Text: "hi"})
	require.NoError(t, err)
	msg := &signaling.Envelope{Kind: signaling.KindMessage, SenderID: "B", Payload: payload}
	a.deliver(msg)
	a.deliver(msg)
	a.deliver(&signaling.Envelope{Kind: signaling.KindPresence, Clients: []string{"A", "B"}})

	ev := a.event(t, EventMessage)
	require.Equal(t, "hi", ev.Message.Text)
	require.Equal(t, "B", ev.Peer)

	// The presence event arrives after any second message event would have.
	for {
		ev := <-a.Events()
		require.NotEqual(t, EventMessage, ev.Kind, "duplicate delivered")
		if ev.Kind == EventPresence {
			break
		}
	}
	require.Len(t, a.Messages(), 1)
}

func TestRelayedMessageSenderFromEnvelope(t *testing.T) {
	a := startSession(t, "A", &fakeFactory{})
	a.deliver(&signaling.Envelope{Kind: signaling.KindJoin, SenderID: "A", Clients: []string{"A", "B", "C"}})
	a.event(t, EventJoined)

	payload, err := json.Marshal(transport.ChatMessage{ID: "m1", SenderID: "C", Timestamp: 10, Text: "not from C"})
	require.NoError(t, err)
	a.deliver(&signaling.Envelope{Kind: signaling.KindMessage, SenderID: "B", Payload: payload})

	ev := a.event(t, EventMessage)
	require.Equal(t, "B", ev.Peer)
	require.Equal(t, "B", ev.Message.SenderID)
}

func TestSendTextFallsBackToRelay(t *testing.T) {
	a := startSession(t, "A", &fakeFactory{})

	_, err := a.SendText("too early")
	require.ErrorIs(t, err, signaling.ErrNotJoined)

	a.deliver(&signaling.Envelope{Kind: signaling.KindJoin, SenderID: "A", Clients: []string{"A", "B"}})
	a.event(t, EventJoined)

	_, err = a.SendText("")
	require.ErrorIs(t, err, transport.ErrEmptyMessage)

	msg, err := a.SendText("hello")
	require.NoError(t, err)

	env := a.sent(t)
	require.Equal(t, signaling.KindMessage, env.Kind)
	require.Equal(t, "A", env.SenderID)
	require.Empty(t, env.TargetID)

	var got transport.ChatMessage
	require.NoError(t, json.Unmarshal(env.Payload, &got))
	require.Equal(t, msg.ID, got.ID)
	require.Equal(t, "hello", got.Text)
	require.Len(t, a.Messages(), 1)
}

func TestSendFileNeedsOpenChannel(t *testing.T) {
	a := startSession(t, "A", &fakeFactory{})
	a.deliver(&signaling.Envelope{Kind: signaling.KindJoin, SenderID: "A", Clients: []string{"A", "B"}})
	a.event(t, EventJoined)

	path := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	_, err := a.SendFile(context.Background(), path)
	require.ErrorIs(t, err, signaling.ErrNotConnected)
	require.True(t, signaling.IsKind(err, signaling.TransportError))
	require.Empty(t, a.Messages())
}

func TestLeaveTearsDownAndDisconnects(t *testing.T) {
	factory := &fakeFactory{}
	a := startSession(t, "A", factory)
	a.deliver(&signaling.Envelope{Kind: signaling.KindJoin, SenderID: "A", Clients: []string{"A", "B"}})
	a.event(t, EventJoined)
	a.deliver(offerFrom("B", "remote-offer"))
	a.sent(t) // answer

	a.Leave()
	require.NoError(t, <-a.errc)

	env := a.sent(t)
	require.Equal(t, signaling.KindDisconnect, env.Kind)
	require.Equal(t, "A", env.SenderID)
	require.True(t, factory.created()[0].isClosed())

	select {
	case <-a.relay.closed:
	default:
		t.Fatal("relay left open")
	}
	a.Leave()
}

func TestRelayLossEndsSession(t *testing.T) {
	a := startSession(t, "A", &fakeFactory{})
	a.deliver(&signaling.Envelope{Kind: signaling.KindJoin, SenderID: "A", Clients: []string{"A"}})
	a.event(t, EventJoined)

	a.relay.err = signaling.NewError(signaling.TransportError, "read", signaling.ErrConnectionClosed)
	close(a.relay.in)

	err := <-a.errc
	require.True(t, signaling.IsKind(err, signaling.TransportError))
	ev := a.event(t, EventTransportLost)
	require.ErrorIs(t, ev.Err, signaling.ErrConnectionClosed)
}

func TestJoinRejected(t *testing.T) {
	a := startSession(t, "A", &fakeFactory{})
	a.deliver(&signaling.Envelope{
		Kind:  signaling.KindError,
		Error: &signaling.ErrorPayload{Code: signaling.CodeDuplicateClient, Message: "client id already in room"},
	})

	err := <-a.errc
	require.ErrorIs(t, err, signaling.ErrDuplicateClient)
	select {
	case env := <-a.relay.out:
		t.Fatalf("unexpected %s after rejected join", env.Kind)
	default:
	}
}
