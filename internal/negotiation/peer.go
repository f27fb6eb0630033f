package negotiation

import (
	"fmt"

	"github.com/pion/logging"
	pionnet "github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/Warpchat/internal/transport"
)

// PeerConnection is what a Negotiation drives. The pion implementation is
// returned by Factory.New; tests substitute their own.
type PeerConnection interface {
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error

	CreateChannel(label string) (transport.Channel, error)
	OnChannel(fn func(transport.Channel))
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnStateChange(fn func(webrtc.PeerConnectionState))

	Close() error
}

// FactoryOptions configures the pion API shared by every peer connection.
type FactoryOptions struct {
	// STUNServers are ICE server URLs. Empty means host candidates only.
	STUNServers []string
	// Net replaces the OS network, e.g. with a vnet for tests.
	Net pionnet.Net
	// LoggerFactory receives pion's internal logs.
	LoggerFactory logging.LoggerFactory
}

// Factory creates pion peer connections.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewFactory(opts FactoryOptions) *Factory {
	se := webrtc.SettingEngine{}
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	var config webrtc.Configuration
	if len(opts.STUNServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: opts.STUNServers}}
	}

	return &Factory{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		config: config,
	}
}

// New creates a peer connection.
func (f *Factory) New() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return offer, nil
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return answer, nil
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) CreateChannel(label string) (transport.Channel, error) {
	ordered := true
	dc, err := p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	return transport.WrapDataChannel(dc), nil
}

func (p *pionPeer) OnChannel(fn func(transport.Channel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(transport.WrapDataChannel(dc))
	})
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
