package cmd

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/Warpchat/internal/config"
	"github.com/BioHazard786/Warpchat/internal/negotiation"
	"github.com/BioHazard786/Warpchat/internal/session"
	"github.com/BioHazard786/Warpchat/internal/signaling"
	"github.com/BioHazard786/Warpchat/internal/transport"
	"github.com/BioHazard786/Warpchat/internal/ui"
)

// flakyProxy forwards TCP to the relay. cut drops the client side of every
// forwarded connection while leaving the relay side open, the way a
// client's network failing looks from the relay.
type flakyProxy struct {
	ln     net.Listener
	target string

	mu       sync.Mutex
	clients  []net.Conn
	upstream []net.Conn
}

func newFlakyProxy(t *testing.T, target string) *flakyProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &flakyProxy{ln: ln, target: target}
	go p.serve()
	t.Cleanup(func() {
		ln.Close()
		p.release()
	})
	return p
}

func (p *flakyProxy) serve() {
	for {
		c, err := p.ln.Accept()
		if err != nil {
			return
		}
		u, err := net.Dial("tcp", p.target)
		if err != nil {
			c.Close()
			continue
		}
		p.mu.Lock()
		p.clients = append(p.clients, c)
		p.upstream = append(p.upstream, u)
		p.mu.Unlock()
		go io.Copy(u, c)
		go io.Copy(c, u)
	}
}

func (p *flakyProxy) cut() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.Close()
	}
	p.clients = nil
}

// release closes the relay side of every connection forwarded so far.
func (p *flakyProxy) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.upstream {
		u.Close()
	}
	p.upstream = nil
}

type uiRecorder struct {
	joined chan struct{}
	mu     sync.Mutex
	errs   []error
}

func (r *uiRecorder) Send(msg tea.Msg) {
	switch m := msg.(type) {
	case ui.EventMsg:
		if m.Kind == session.EventJoined {
			r.joined <- struct{}{}
		}
	case ui.DetachMsg:
		r.mu.Lock()
		r.errs = append(r.errs, m.Err)
		r.mu.Unlock()
	}
}

func (r *uiRecorder) refusedAsDuplicate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, err := range r.errs {
		if errors.Is(err, signaling.ErrDuplicateClient) {
			return true
		}
	}
	return false
}

func TestRejoinWaitsForRelayToDropStaleConnection(t *testing.T) {
	staleRetryDelay = 50 * time.Millisecond
	t.Cleanup(func() { staleRetryDelay = 5 * time.Second })

	ts := startRelay(t)
	proxy := newFlakyProxy(t, strings.TrimPrefix(ts.URL, "http://"))

	rec := &uiRecorder{joined: make(chan struct{}, 4)}
	chat := &ChatContext{
		Config: &config.Config{
			Domain:               proxy.ln.Addr().String(),
			Insecure:             true,
			ReconnectAttempts:    3,
			MaxPendingCandidates: 16,
			MaxFileBytes:         1 << 20,
		},
		RoomID:   "blip-room",
		ClientID: "A",
		Peers:    negotiation.NewFactory(negotiation.FactoryOptions{}),
		Messages: transport.NewMessageLog(),
		Program:  rec,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- chat.RunWithReconnect(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitJoined := func() {
		t.Helper()
		select {
		case <-rec.joined:
		case <-time.After(5 * time.Second):
			t.Fatal("not joined")
		}
	}
	waitJoined()

	proxy.cut()
	require.Eventually(t, rec.refusedAsDuplicate, 5*time.Second, 20*time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("gave up while the relay held the old connection: %v", err)
	default:
	}

	// The relay notices the dead connection and frees the id.
	proxy.release()
	waitJoined()
}
