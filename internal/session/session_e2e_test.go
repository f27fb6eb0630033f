package session_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/Warpchat/internal/config"
	"github.com/BioHazard786/Warpchat/internal/negotiation"
	"github.com/BioHazard786/Warpchat/internal/relay"
	"github.com/BioHazard786/Warpchat/internal/server"
	"github.com/BioHazard786/Warpchat/internal/session"
	"github.com/BioHazard786/Warpchat/internal/signaling"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newVNetFactories puts two peers on one virtual LAN so ICE never touches the
// host network.
func newVNetFactories(t *testing.T) (*negotiation.Factory, *negotiation.Factory) {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err)

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	require.NoError(t, err)
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	require.NoError(t, err)
	require.NoError(t, router.AddNet(netA))
	require.NoError(t, router.AddNet(netB))
	require.NoError(t, router.Start())
	t.Cleanup(func() { _ = router.Stop() })

	return negotiation.NewFactory(negotiation.FactoryOptions{Net: netA}),
		negotiation.NewFactory(negotiation.FactoryOptions{Net: netB})
}

func newRelay(t *testing.T) string {
	t.Helper()
	cfg := &config.Config{MaxEnvelopeBytes: 64 * 1024, SendQueueSize: 64}
	ts := httptest.NewServer(server.NewRouter(relay.NewHub(quietLogger()), cfg))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

type peer struct {
	*session.Session
	errc chan error
}

func joinRoom(t *testing.T, url, id string, factory *negotiation.Factory) *peer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := signaling.Dial(ctx, url)
	require.NoError(t, err)

	s := session.New(session.Config{
		RoomID:               "e2e-room",
		ClientID:             id,
		NegotiationTimeout:   20 * time.Second,
		MaxPendingCandidates: 256,
		MaxFileBytes:         1 << 20,
		Logger:               quietLogger(),
	}, client, factory)

	p := &peer{Session: s, errc: make(chan error, 1)}
	go func() { p.errc <- s.Run(context.Background()) }()
	t.Cleanup(s.Leave)
	return p
}

func (p *peer) waitFor(t *testing.T, kind session.EventKind, match func(session.Event) bool) session.Event {
	t.Helper()
	timeout := time.After(20 * time.Second)
	for {
		select {
		case ev := <-p.Events():
			if ev.Kind == kind && (match == nil || match(ev)) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
			return session.Event{}
		}
	}
}

func TestTwoPeersChatOverDataChannel(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end negotiation")
	}
	factoryA, factoryB := newVNetFactories(t)
	url := newRelay(t)

	a := joinRoom(t, url, "A", factoryA)
	a.waitFor(t, session.EventJoined, nil)

	b := joinRoom(t, url, "B", factoryB)
	joined := b.waitFor(t, session.EventJoined, nil)
	require.Equal(t, []string{"A", "B"}, joined.Clients)

	a.waitFor(t, session.EventPeerConnected, func(ev session.Event) bool { return ev.Peer == "B" })
	b.waitFor(t, session.EventPeerConnected, func(ev session.Event) bool { return ev.Peer == "A" })
	require.Eventually(t, func() bool {
		return len(a.Peers()) == 1 && len(b.Peers()) == 1
	}, 10*time.Second, 20*time.Millisecond)

	sent, err := b.SendText("hello from B")
	require.NoError(t, err)
	got := a.waitFor(t, session.EventMessage, nil)
	require.Equal(t, sent.ID, got.Message.ID)
	require.Equal(t, "B", got.Message.SenderID)
	require.Equal(t, "hello from B", got.Message.Text)

	path := filepath.Join(t.TempDir(), "payload.bin")
	data := make([]byte, 100*1024+7)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))

	fileMsg, err := a.SendFile(context.Background(), path)
	require.NoError(t, err)
	got = b.waitFor(t, session.EventMessage, func(ev session.Event) bool { return ev.Message.IsFile() })
	require.Equal(t, fileMsg.ID, got.Message.ID)
	require.Equal(t, "payload.bin", got.Message.File.Name)
	require.Equal(t, data, got.Message.File.Data)

	b.Leave()
	require.NoError(t, <-b.errc)

	left := a.waitFor(t, session.EventPresence, nil)
	require.Equal(t, []string{"A"}, left.Clients)
	require.Eventually(t, func() bool { return len(a.Peers()) == 0 }, 10*time.Second, 20*time.Millisecond)
	require.Len(t, a.Messages(), 2)
}
