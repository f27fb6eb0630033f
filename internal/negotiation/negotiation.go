// Package negotiation runs the offer/answer/candidate exchange with one
// remote peer as a state machine fed through a single-consumer event queue.
package negotiation

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/Warpchat/internal/signaling"
	"github.com/BioHazard786/Warpchat/internal/transport"
)

var (
	ErrTimeout           = errors.New("negotiation timed out")
	ErrCandidateOverflow = errors.New("too many candidates before remote description")
	ErrTransportFailed   = errors.New("peer connection failed")
	ErrTransportClosed   = errors.New("peer connection closed")
)

const queueSize = 256

// Signaler delivers envelopes to the relay.
type Signaler interface {
	Send(env *signaling.Envelope) error
}

// Config wires one negotiation. Callbacks run on the negotiation's own
// goroutine, or on pion's for OnChannel, and must not block.
type Config struct {
	RoomID  string
	LocalID string
	PeerID  string

	PeerConnection PeerConnection
	Signaler       Signaler

	// Timeout closes a negotiation that has not connected in time. Zero
	// disables it.
	Timeout time.Duration
	// MaxPendingCandidates bounds candidates buffered before the remote
	// description is set.
	MaxPendingCandidates int

	OnChannel   func(peer string, ch transport.Channel)
	OnConnected func(peer string)
	// OnClosed fires exactly once. err is nil for a requested teardown.
	OnClosed func(peer string, err error)

	Logger *slog.Logger
}

// Negotiation is the state machine for one remote peer.
type Negotiation struct {
	cfg Config
	pc  PeerConnection
	log *slog.Logger

	events chan Event
	// stopping is closed when teardown begins so producers stop blocking;
	// done is closed once the peer connection has been released.
	stopping  chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	state atomic.Int32

	// Owned by the run goroutine.
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	timer     *time.Timer
}

// New starts a negotiation in Idle. The caller dispatches Start to make it
// the initiator, or feeds it the peer's offer.
func New(cfg Config) *Negotiation {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxPendingCandidates <= 0 {
		cfg.MaxPendingCandidates = 256
	}
	n := &Negotiation{
		cfg:      cfg,
		pc:       cfg.PeerConnection,
		log:      cfg.Logger.With("peer", cfg.PeerID),
		events:   make(chan Event, queueSize),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}

	n.pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		n.Dispatch(LocalCandidate{Candidate: c})
	})
	n.pc.OnStateChange(func(s webrtc.PeerConnectionState) {
		n.Dispatch(TransportChanged{State: s})
	})
	n.pc.OnChannel(func(ch transport.Channel) {
		if cfg.OnChannel != nil {
			cfg.OnChannel(cfg.PeerID, ch)
		}
	})

	go n.run()
	return n
}

// Peer returns the remote client id.
func (n *Negotiation) Peer() string {
	return n.cfg.PeerID
}

// State returns the current state. It may be stale by the time it is read.
func (n *Negotiation) State() State {
	return State(n.state.Load())
}

// Done is closed after teardown completes.
func (n *Negotiation) Done() <-chan struct{} {
	return n.done
}

// Dispatch queues ev. It returns false once the negotiation is closing, in
// which case ev is dropped.
func (n *Negotiation) Dispatch(ev Event) bool {
	select {
	case <-n.stopping:
		return false
	default:
	}
	select {
	case n.events <- ev:
		return true
	case <-n.stopping:
		return false
	}
}

// Close tears the negotiation down and waits for the peer connection to be
// released.
func (n *Negotiation) Close() {
	n.Dispatch(Close{})
	<-n.done
}

func (n *Negotiation) run() {
	for {
		select {
		case ev := <-n.events:
			n.handle(ev)
			if n.State() == Closed {
				return
			}
		case <-n.stopping:
			return
		}
	}
}

func (n *Negotiation) setState(s State) {
	old := State(n.state.Swap(int32(s)))
	if old != s {
		n.log.Debug("negotiation state", "from", old, "to", s)
	}
}

func (n *Negotiation) handle(ev Event) {
	if n.State() == Closed {
		return
	}

	switch ev := ev.(type) {
	case Start:
		n.handleStart()
	case OfferReceived:
		n.handleOffer(ev.Description)
	case AnswerReceived:
		n.handleAnswer(ev.Description)
	case RemoteCandidate:
		n.handleRemoteCandidate(ev.Candidate)
	case LocalCandidate:
		n.send(&signaling.Envelope{
			Kind:      signaling.KindICECandidate,
			Candidate: signaling.CandidateFromPion(ev.Candidate),
		})
	case TransportChanged:
		n.handleTransport(ev.State)
	case Timeout:
		if n.State() != Connected {
			n.fail("connect", ErrTimeout)
		}
	case Close:
		n.teardown(ev.Reason)
	}
}

func (n *Negotiation) handleStart() {
	if n.State() != Idle {
		n.log.Warn("ignoring start", "state", n.State())
		return
	}

	ch, err := n.pc.CreateChannel(transport.ChannelLabel)
	if err != nil {
		n.fail("create channel", err)
		return
	}
	if n.cfg.OnChannel != nil {
		n.cfg.OnChannel(n.cfg.PeerID, ch)
	}

	offer, err := n.pc.CreateOffer()
	if err != nil {
		n.fail("create offer", err)
		return
	}
	n.setState(OfferPending)
	n.armTimer()
	n.send(&signaling.Envelope{
		Kind: signaling.KindOffer,
		SDP:  signaling.DescriptionFromPion(offer),
	})
}

func (n *Negotiation) handleOffer(desc webrtc.SessionDescription) {
	if n.State() != Idle {
		n.log.Warn("dropping duplicate offer", "state", n.State())
		return
	}

	if err := n.pc.SetRemoteDescription(desc); err != nil {
		n.fail("apply offer", err)
		return
	}
	n.remoteSet = true
	if err := n.drainPending(); err != nil {
		n.fail("apply buffered candidate", err)
		return
	}

	answer, err := n.pc.CreateAnswer()
	if err != nil {
		n.fail("create answer", err)
		return
	}
	n.setState(AnswerPending)
	n.armTimer()
	n.send(&signaling.Envelope{
		Kind: signaling.KindAnswer,
		SDP:  signaling.DescriptionFromPion(answer),
	})
}

func (n *Negotiation) handleAnswer(desc webrtc.SessionDescription) {
	if n.State() != OfferPending || n.remoteSet {
		n.log.Warn("dropping duplicate answer", "state", n.State())
		return
	}

	if err := n.pc.SetRemoteDescription(desc); err != nil {
		n.fail("apply answer", err)
		return
	}
	n.remoteSet = true
	if err := n.drainPending(); err != nil {
		n.fail("apply buffered candidate", err)
	}
}

func (n *Negotiation) handleRemoteCandidate(c webrtc.ICECandidateInit) {
	if !n.remoteSet {
		if len(n.pending) >= n.cfg.MaxPendingCandidates {
			n.fail("buffer candidate", ErrCandidateOverflow)
			return
		}
		n.pending = append(n.pending, c)
		return
	}
	if err := n.pc.AddICECandidate(c); err != nil {
		n.fail("add candidate", err)
	}
}

// drainPending applies buffered candidates in arrival order. It runs once,
// right after the remote description is accepted.
func (n *Negotiation) drainPending() error {
	pending := n.pending
	n.pending = nil
	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		n.log.Debug("applied buffered candidates", "count", len(pending))
	}
	return nil
}

func (n *Negotiation) handleTransport(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		switch n.State() {
		case OfferPending, AnswerPending:
			n.setState(Connected)
			n.stopTimer()
			n.log.Info("peer connected")
			if n.cfg.OnConnected != nil {
				n.cfg.OnConnected(n.cfg.PeerID)
			}
		}
	case webrtc.PeerConnectionStateFailed:
		n.teardown(signaling.NewPeerError(signaling.TransportError, "peer connection", n.cfg.PeerID, ErrTransportFailed))
	case webrtc.PeerConnectionStateClosed:
		n.teardown(signaling.NewPeerError(signaling.TransportError, "peer connection", n.cfg.PeerID, ErrTransportClosed))
	}
}

func (n *Negotiation) armTimer() {
	if n.cfg.Timeout <= 0 || n.timer != nil {
		return
	}
	n.timer = time.AfterFunc(n.cfg.Timeout, func() {
		n.Dispatch(Timeout{})
	})
}

func (n *Negotiation) stopTimer() {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

func (n *Negotiation) send(env *signaling.Envelope) {
	env.RoomID = n.cfg.RoomID
	env.SenderID = n.cfg.LocalID
	env.TargetID = n.cfg.PeerID
	if err := n.cfg.Signaler.Send(env); err != nil {
		n.log.Warn("failed to signal", "kind", env.Kind, "error", err)
	}
}

func (n *Negotiation) fail(op string, err error) {
	n.log.Warn("negotiation failed", "op", op, "error", err)
	n.teardown(signaling.NewPeerError(signaling.NegotiationError, op, n.cfg.PeerID, err))
}

// teardown moves to Closed, releases the peer connection and buffered
// candidates, then reports reason.
func (n *Negotiation) teardown(reason error) {
	n.closeOnce.Do(func() {
		n.setState(Closed)
		n.stopTimer()
		n.pending = nil
		close(n.stopping)

		if err := n.pc.Close(); err != nil {
			n.log.Debug("closing peer connection", "error", err)
		}
		if n.cfg.OnClosed != nil {
			n.cfg.OnClosed(n.cfg.PeerID, reason)
		}
		close(n.done)
	})
}
