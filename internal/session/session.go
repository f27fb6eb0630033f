// Package session joins one room through the relay and keeps a negotiation
// and a chat link per remote peer.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/BioHazard786/Warpchat/internal/negotiation"
	"github.com/BioHazard786/Warpchat/internal/signaling"
	"github.com/BioHazard786/Warpchat/internal/transport"
)

const (
	eventBuffer = 256
	noteBuffer  = 64
)

var ErrAlreadyRunning = errors.New("session already running")

// Relay is the signaling connection a Session runs over. *signaling.Client
// implements it.
type Relay interface {
	Send(env *signaling.Envelope) error
	Incoming() <-chan *signaling.Envelope
	Err() error
	Close()
}

// PeerFactory creates peer connections. *negotiation.Factory implements it.
type PeerFactory interface {
	New() (negotiation.PeerConnection, error)
}

type Config struct {
	RoomID string
	// ClientID is the local id. A random one is generated when empty.
	ClientID string

	NegotiationTimeout   time.Duration
	MaxPendingCandidates int
	MaxFileBytes         int

	// Log keeps the conversation across reconnects. A fresh log is used
	// when nil.
	Log *transport.MessageLog

	Logger *slog.Logger
}

// Session is one membership of one room. Run owns the relay connection and
// closes it on return.
type Session struct {
	cfg      Config
	relay    Relay
	peers    PeerFactory
	log      *slog.Logger
	messages *transport.MessageLog

	events    chan Event
	notes     chan note
	leaving   chan struct{}
	leaveOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
	started   atomic.Bool

	mu      sync.RWMutex
	id      string
	joined  bool
	members []string
	links   map[string]*transport.Link

	// Owned by the run loop.
	negotiations map[string]*entry
	gen          uint64
	// ended holds peers whose last negotiation closed. Only a fresh offer
	// (or a new local Start) negotiates with them again.
	ended map[string]struct{}
}

type entry struct {
	neg *negotiation.Negotiation
	gen uint64
}

type noteKind int

const (
	noteConnected noteKind = iota
	noteClosed
)

// note carries a negotiation callback back onto the run loop. gen tells a
// stale negotiation apart from its replacement for the same peer.
type note struct {
	kind noteKind
	peer string
	gen  uint64
	err  error
}

func New(cfg Config, relay Relay, peers PeerFactory) *Session {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Log == nil {
		cfg.Log = transport.NewMessageLog()
	}
	return &Session{
		cfg:          cfg,
		relay:        relay,
		peers:        peers,
		log:          cfg.Logger.With("room", cfg.RoomID),
		messages:     cfg.Log,
		events:       make(chan Event, eventBuffer),
		notes:        make(chan note, noteBuffer),
		leaving:      make(chan struct{}),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		id:           cfg.ClientID,
		links:        make(map[string]*transport.Link),
		negotiations: make(map[string]*entry),
		ended:        make(map[string]struct{}),
	}
}

// ID returns the local client id, as confirmed by the relay once joined.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Members returns the last known room membership, including the local id.
func (s *Session) Members() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.members)
}

// Peers returns the ids of peers with an open chat link, sorted.
func (s *Session) Peers() []string {
	peers := lo.Map(s.openLinks(), func(l *transport.Link, _ int) string { return l.Peer() })
	slices.Sort(peers)
	return peers
}

// Messages returns the conversation so far.
func (s *Session) Messages() []transport.ChatMessage {
	return s.messages.Messages()
}

// Events yields session notifications. It is never closed; select on Done
// as well.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run joins the room and processes relay traffic until Leave is called, ctx
// is cancelled, or the relay connection is lost. The last case returns a
// TransportError.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)

	err := s.relay.Send(&signaling.Envelope{
		Kind:     signaling.KindJoin,
		RoomID:   s.cfg.RoomID,
		SenderID: s.ID(),
	})
	if err == nil {
		err = s.loop(ctx)
	}
	s.shutdown()
	return err
}

// Leave tears down every peer connection, tells the relay, and waits for
// Run to return. It is safe to call more than once.
func (s *Session) Leave() {
	s.leaveOnce.Do(func() { close(s.leaving) })
	if s.started.Load() {
		<-s.done
	}
}

func (s *Session) loop(ctx context.Context) error {
	incoming := s.relay.Incoming()
	for {
		select {
		case env, ok := <-incoming:
			if !ok {
				err := s.relay.Err()
				if err == nil {
					err = signaling.NewError(signaling.TransportError, "relay", signaling.ErrConnectionClosed)
				}
				s.log.Warn("relay connection lost", "error", err)
				s.tryEmit(Event{Kind: EventTransportLost, Err: err})
				return err
			}
			if err := s.handleEnvelope(env); err != nil {
				return err
			}

		case n := <-s.notes:
			s.handleNote(n)

		case <-s.leaving:
			return nil

		case <-ctx.Done():
			return nil
		}
	}
}

// shutdown closes every negotiation synchronously, then sends disconnect
// without waiting for it to be delivered.
func (s *Session) shutdown() {
	close(s.quit)

	for peer, e := range s.negotiations {
		e.neg.Close()
		delete(s.negotiations, peer)
	}

	s.mu.Lock()
	links := s.links
	s.links = make(map[string]*transport.Link)
	joined := s.joined
	s.joined = false
	s.mu.Unlock()
	for _, l := range links {
		l.Close()
	}

	if joined {
		if err := s.relay.Send(&signaling.Envelope{
			Kind:     signaling.KindDisconnect,
			RoomID:   s.cfg.RoomID,
			SenderID: s.ID(),
		}); err != nil {
			s.log.Debug("disconnect not sent", "error", err)
		}
	}
	s.relay.Close()
	s.log.Info("left room")
}

func (s *Session) handleEnvelope(env *signaling.Envelope) error {
	switch env.Kind {
	case signaling.KindJoin:
		s.handleJoined(env)
	case signaling.KindPresence:
		s.handlePresence(env.Clients)
	case signaling.KindOffer, signaling.KindAnswer, signaling.KindICECandidate:
		id := s.ID()
		if env.SenderID == "" || env.SenderID == id || !env.AddressedTo(id) {
			return nil
		}
		s.handleSignal(env)
	case signaling.KindMessage:
		s.handleRelayedMessage(env)
	case signaling.KindError:
		err := signaling.WrapError(signaling.ProtocolError, "relay", signaling.ErrFromCode(env.Error.Code), env.Error.Message)
		s.mu.RLock()
		joined := s.joined
		s.mu.RUnlock()
		if !joined {
			return err
		}
		s.log.Warn("relay reported error", "error", err)
	default:
		s.log.Debug("ignoring envelope", "kind", env.Kind)
	}
	return nil
}

// handleJoined applies the join acknowledgement. The local client joined
// last, so it initiates toward every member listed before it and waits for
// offers from anyone after.
func (s *Session) handleJoined(env *signaling.Envelope) {
	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		s.log.Warn("ignoring duplicate join acknowledgement")
		return
	}
	if env.SenderID != "" {
		s.id = env.SenderID
	}
	s.joined = true
	s.members = slices.Clone(env.Clients)
	id := s.id
	s.mu.Unlock()

	s.log.Info("joined room", "client", id, "members", len(env.Clients))
	s.emit(Event{Kind: EventJoined, Clients: slices.Clone(env.Clients)})

	self := slices.Index(env.Clients, id)
	if self < 0 {
		s.log.Warn("join acknowledgement does not list us", "client", id)
		return
	}
	for _, peer := range env.Clients[:self] {
		if e := s.startNegotiation(peer); e != nil {
			e.neg.Dispatch(negotiation.Start{})
		}
	}
}

func (s *Session) handlePresence(clients []string) {
	s.mu.Lock()
	s.members = slices.Clone(clients)
	s.mu.Unlock()

	for peer := range s.ended {
		if !lo.Contains(clients, peer) {
			delete(s.ended, peer)
		}
	}
	for peer, e := range s.negotiations {
		if lo.Contains(clients, peer) {
			continue
		}
		s.log.Info("peer left", "peer", peer)
		// The closed note removes the entry.
		e.neg.Dispatch(negotiation.Close{})
	}
	s.emit(Event{Kind: EventPresence, Clients: slices.Clone(clients)})
}

func (s *Session) handleSignal(env *signaling.Envelope) {
	peer := env.SenderID

	var ev negotiation.Event
	switch env.Kind {
	case signaling.KindOffer, signaling.KindAnswer:
		desc, err := env.SDP.ToPion()
		if err != nil {
			s.log.Warn("dropping description", "peer", peer, "error", err)
			return
		}
		if env.Kind == signaling.KindOffer {
			ev = negotiation.OfferReceived{Description: desc}
		} else {
			ev = negotiation.AnswerReceived{Description: desc}
		}
	case signaling.KindICECandidate:
		ev = negotiation.RemoteCandidate{Candidate: env.Candidate.ToPion()}
	}

	if !s.isMember(peer) {
		s.log.Debug("dropping signal from non-member", "peer", peer, "kind", env.Kind)
		return
	}

	e, ok := s.negotiations[peer]
	if ok && e.neg.Dispatch(ev) {
		return
	}
	if ok {
		// Closing; its closed note will not match a replacement.
		delete(s.negotiations, peer)
		s.ended[peer] = struct{}{}
	}

	switch env.Kind {
	case signaling.KindAnswer:
		s.log.Warn("dropping answer without offer", "peer", peer)
		return
	case signaling.KindICECandidate:
		if _, closed := s.ended[peer]; closed {
			s.log.Debug("dropping candidate for closed negotiation", "peer", peer)
			return
		}
	}
	if e = s.startNegotiation(peer); e != nil {
		e.neg.Dispatch(ev)
	}
}

func (s *Session) isMember(peer string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.members, peer)
}

func (s *Session) startNegotiation(peer string) *entry {
	pc, err := s.peers.New()
	if err != nil {
		err = signaling.NewPeerError(signaling.NegotiationError, "create peer connection", peer, err)
		s.log.Warn("negotiation failed", "error", err)
		s.emit(Event{Kind: EventNegotiationFailed, Peer: peer, Err: err})
		return nil
	}

	delete(s.ended, peer)
	s.gen++
	gen := s.gen
	neg := negotiation.New(negotiation.Config{
		RoomID:               s.cfg.RoomID,
		LocalID:              s.ID(),
		PeerID:               peer,
		PeerConnection:       pc,
		Signaler:             s.relay,
		Timeout:              s.cfg.NegotiationTimeout,
		MaxPendingCandidates: s.cfg.MaxPendingCandidates,
		OnChannel:            s.attachChannel,
		OnConnected: func(peer string) {
			s.post(note{kind: noteConnected, peer: peer, gen: gen})
		},
		OnClosed: func(peer string, err error) {
			s.post(note{kind: noteClosed, peer: peer, gen: gen, err: err})
		},
		Logger: s.log,
	})
	e := &entry{neg: neg, gen: gen}
	s.negotiations[peer] = e
	return e
}

func (s *Session) handleNote(n note) {
	switch n.kind {
	case noteConnected:
		s.emit(Event{Kind: EventPeerConnected, Peer: n.peer})

	case noteClosed:
		if e, ok := s.negotiations[n.peer]; ok && e.gen == n.gen {
			delete(s.negotiations, n.peer)
			s.ended[n.peer] = struct{}{}
			s.closeLink(n.peer)
		}
		if signaling.IsKind(n.err, signaling.NegotiationError) {
			s.emit(Event{Kind: EventNegotiationFailed, Peer: n.peer, Err: n.err})
			return
		}
		s.emit(Event{Kind: EventPeerClosed, Peer: n.peer, Err: n.err})
	}
}

func (s *Session) post(n note) {
	select {
	case s.notes <- n:
	case <-s.quit:
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

// tryEmit is for lossy or final events that must not block.
func (s *Session) tryEmit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Debug("dropping event", "kind", ev.Kind)
	}
}

func (s *Session) attachChannel(peer string, ch transport.Channel) {
	link := transport.NewLink(ch, transport.LinkConfig{
		Peer:         peer,
		MaxFileBytes: s.cfg.MaxFileBytes,
		OnOpen: func() {
			s.log.Debug("chat channel open", "peer", peer)
		},
		OnClose:   func() { s.pruneLink(peer) },
		OnMessage: s.receive,
		OnProgress: func(p transport.Progress) {
			s.tryEmit(Event{Kind: EventProgress, Peer: peer, Progress: &p})
		},
		Logger: s.log,
	})

	s.mu.Lock()
	old := s.links[peer]
	s.links[peer] = link
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	// The channel may have closed before the link was stored.
	s.pruneLink(peer)
}

// pruneLink forgets the peer's link if it has closed.
func (s *Session) pruneLink(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.links[peer]; ok {
		select {
		case <-l.Done():
			delete(s.links, peer)
		default:
		}
	}
}

func (s *Session) closeLink(peer string) {
	s.mu.Lock()
	l, ok := s.links[peer]
	delete(s.links, peer)
	s.mu.Unlock()
	if ok {
		l.Close()
	}
}

func (s *Session) openLinks() []*transport.Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Filter(lo.Values(s.links), func(l *transport.Link, _ int) bool { return l.IsOpen() })
}

func (s *Session) receive(msg transport.ChatMessage) {
	if !s.messages.Append(msg) {
		return
	}
	s.emit(Event{Kind: EventMessage, Peer: msg.SenderID, Message: &msg})
}

func (s *Session) handleRelayedMessage(env *signaling.Envelope) {
	var msg transport.ChatMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil || msg.ID == "" || msg.Text == "" || env.SenderID == "" {
		s.log.Warn("dropping relayed message", "sender", env.SenderID, "error", err)
		return
	}
	// Files only travel over the data channel. The relay vouches for the
	// envelope sender, not for the payload.
	msg.File = nil
	msg.SenderID = env.SenderID
	s.receive(msg)
}

// SendText sends text to every member. Peers with an open chat link get it
// directly; if any member lacks one, the message also goes through the
// relay. Receivers drop the duplicate by id.
func (s *Session) SendText(text string) (transport.ChatMessage, error) {
	if text == "" {
		return transport.ChatMessage{}, transport.ErrEmptyMessage
	}

	s.mu.RLock()
	id, joined := s.id, s.joined
	others := lo.Without(s.members, s.id)
	links := make(map[string]*transport.Link, len(s.links))
	for peer, l := range s.links {
		links[peer] = l
	}
	s.mu.RUnlock()

	if !joined {
		return transport.ChatMessage{}, signaling.NewError(signaling.ProtocolError, "send", signaling.ErrNotJoined)
	}

	msg := transport.NewTextMessage(id, text)
	s.messages.Append(msg)

	viaRelay := false
	for _, peer := range others {
		l, ok := links[peer]
		if !ok || !l.IsOpen() {
			viaRelay = true
			continue
		}
		if err := l.SendText(msg); err != nil {
			s.log.Warn("chat channel send failed, using relay", "peer", peer, "error", err)
			viaRelay = true
		}
	}
	if !viaRelay {
		return msg, nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return msg, err
	}
	if err := s.relay.Send(&signaling.Envelope{
		Kind:     signaling.KindMessage,
		RoomID:   s.cfg.RoomID,
		SenderID: id,
		Payload:  payload,
	}); err != nil {
		return msg, err
	}
	return msg, nil
}

// SendFile reads path and streams it to every peer with an open chat link.
// Files never go through the relay.
func (s *Session) SendFile(ctx context.Context, path string) (transport.ChatMessage, error) {
	file, err := transport.LoadFile(path, s.cfg.MaxFileBytes)
	if err != nil {
		return transport.ChatMessage{}, err
	}

	links := s.openLinks()
	if len(links) == 0 {
		return transport.ChatMessage{}, signaling.NewError(signaling.TransportError, "send file", signaling.ErrNotConnected)
	}

	msg := transport.NewFileMessage(s.ID(), file)
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range links {
		g.Go(func() error {
			return l.SendFile(ctx, msg)
		})
	}
	if err := g.Wait(); err != nil {
		return msg, err
	}
	s.messages.Append(msg)
	return msg, nil
}
