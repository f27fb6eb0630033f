package ui

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/Warpchat/internal/session"
	"github.com/BioHazard786/Warpchat/internal/transport"
)

type fakeSender struct {
	texts []string
	files []string
}

func (s *fakeSender) ID() string { return "me" }

func (s *fakeSender) SendText(text string) (transport.ChatMessage, error) {
	s.texts = append(s.texts, text)
	return transport.NewTextMessage("me", text), nil
}

func (s *fakeSender) SendFile(_ context.Context, path string) (transport.ChatMessage, error) {
	s.files = append(s.files, path)
	return transport.ChatMessage{}, os.ErrNotExist
}

func newTestModel(t *testing.T) (*ChatModel, *fakeSender) {
	t.Helper()
	m := NewChatModel("brave-otter", t.TempDir())
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	sender := &fakeSender{}
	m.Update(AttachMsg{Sender: sender})
	return m, sender
}

func TestChatModel_SendText(t *testing.T) {
	m, sender := newTestModel(t)

	cmd := m.submit("hello there")
	require.NotNil(t, cmd)
	msg := cmd()
	require.IsType(t, sentMsg{}, msg)
	require.Equal(t, []string{"hello there"}, sender.texts)

	m.Update(msg)
	require.Contains(t, m.lines[len(m.lines)-1], "hello there")
	require.Contains(t, m.lines[len(m.lines)-1], "you")
}

func TestChatModel_Commands(t *testing.T) {
	m, sender := newTestModel(t)

	require.Nil(t, m.submit(""))

	cmd := m.submit("/file /does/not/exist")
	require.NotNil(t, cmd)
	m.Update(cmd())
	require.Equal(t, []string{"/does/not/exist"}, sender.files)
	require.Contains(t, m.lines[len(m.lines)-1], os.ErrNotExist.Error())

	m.Update(EventMsg{Kind: session.EventJoined, Clients: []string{"peer", "me"}})
	require.Nil(t, m.submit("/members"))
	require.Contains(t, m.lines[len(m.lines)-1], "peer")

	require.Nil(t, m.submit("/quit"))
	require.True(t, m.quitting)
	require.Empty(t, m.View())
}

func TestChatModel_NotConnected(t *testing.T) {
	m := NewChatModel("room", t.TempDir())
	m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})

	require.Nil(t, m.submit("hi"))
	require.Contains(t, m.lines[len(m.lines)-1], "not connected")
}

func TestChatModel_Presence(t *testing.T) {
	m, _ := newTestModel(t)

	m.Update(EventMsg{Kind: session.EventJoined, Clients: []string{"me"}})
	m.Update(EventMsg{Kind: session.EventPresence, Clients: []string{"me", "peer"}})
	require.Contains(t, m.lines[len(m.lines)-1], "peer joined")

	m.Update(EventMsg{Kind: session.EventPeerConnected, Peer: "peer"})
	require.True(t, m.connected["peer"])
	require.Contains(t, m.header(), "1 direct")

	m.Update(EventMsg{Kind: session.EventPresence, Clients: []string{"me"}})
	require.Contains(t, m.lines[len(m.lines)-1], "peer left")
	require.False(t, m.connected["peer"])
}

func TestChatModel_ReceiveFile(t *testing.T) {
	m, _ := newTestModel(t)

	data := []byte("file body")
	msg := transport.NewFileMessage("peer", &transport.FilePayload{
		Name:     "notes.txt",
		MIMEType: "text/plain",
		Digest:   transport.Digest(data),
		Data:     data,
	})
	m.Update(EventMsg{Kind: session.EventMessage, Peer: "peer", Message: &msg})
	require.Contains(t, m.lines[len(m.lines)-1], "notes.txt")

	saved := m.save(msg)().(savedMsg)
	require.NoError(t, saved.err)
	got, err := os.ReadFile(saved.path)
	require.NoError(t, err)
	require.Equal(t, data, got)

	m.Update(saved)
	require.Contains(t, m.lines[len(m.lines)-1], saved.path)
}

func TestChatModel_Progress(t *testing.T) {
	m, _ := newTestModel(t)

	m.Update(EventMsg{Kind: session.EventProgress, Progress: &transport.Progress{
		ID: "f1", Peer: "peer", Name: "big.bin", Done: 50, Total: 100,
	}})
	require.Len(t, m.order, 1)
	require.Contains(t, m.View(), "big.bin")

	m.Update(EventMsg{Kind: session.EventProgress, Progress: &transport.Progress{
		ID: "f1", Peer: "peer", Name: "big.bin", Done: 100, Total: 100,
	}})
	require.Empty(t, m.order)
	require.Empty(t, m.transfers)
}

func TestScrollKey(t *testing.T) {
	require.True(t, scrollKey(tea.KeyMsg{Type: tea.KeyPgUp}))
	require.False(t, scrollKey(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")}))
	require.True(t, scrollKey(tea.WindowSizeMsg{}))
}

func TestRenderRooms(t *testing.T) {
	var buf bytes.Buffer
	RenderRooms(&buf, nil)
	require.Contains(t, buf.String(), "No active rooms")

	buf.Reset()
	RenderRooms(&buf, []RoomRow{
		{ID: "brave-otter", Clients: []string{"A", "B"}},
		{ID: "quiet-fox", Clients: []string{"C"}},
	})
	out := buf.String()
	require.Contains(t, out, "brave-otter")
	require.Contains(t, out, "A, B")
	require.Contains(t, strings.ToUpper(out), "TOTAL")
}

func TestMemberTableView(t *testing.T) {
	out := MemberTableView([]Member{
		{ID: "me", Self: true},
		{ID: "peer", Connected: true},
		{ID: "late"},
	})
	require.Contains(t, out, "you")
	require.Contains(t, out, "direct")
	require.Contains(t, out, "waiting")
}
