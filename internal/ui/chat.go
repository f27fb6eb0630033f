package ui

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/BioHazard786/Warpchat/internal/session"
	"github.com/BioHazard786/Warpchat/internal/transport"
)

// Sender is the part of a room session the chat screen drives.
type Sender interface {
	ID() string
	SendText(text string) (transport.ChatMessage, error)
	SendFile(ctx context.Context, path string) (transport.ChatMessage, error)
}

// AttachMsg points the chat screen at a (re)joined session.
type AttachMsg struct {
	Sender Sender
}

// EventMsg forwards a session event.
type EventMsg session.Event

// StatusMsg replaces the status line.
type StatusMsg string

// DetachMsg marks the session as gone, e.g. while reconnecting.
type DetachMsg struct {
	Err error
}

type sentMsg struct {
	msg transport.ChatMessage
	err error
}

type savedMsg struct {
	name string
	path string
	err  error
}

type transferBar struct {
	name     string
	peer     string
	done     uint64
	total    uint64
	outgoing bool
}

// ChatModel is the interactive room screen.
type ChatModel struct {
	room        string
	downloadDir string
	sender      Sender
	self        string

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	bar      progress.Model

	lines     []string
	members   []string
	connected map[string]bool
	transfers map[string]*transferBar
	order     []string
	status    string

	width    int
	height   int
	ready    bool
	quitting bool
}

// NewChatModel builds the chat screen for room. Received files are written
// to downloadDir.
func NewChatModel(room, downloadDir string) *ChatModel {
	ti := textinput.New()
	ti.Placeholder = "Message, /file <path>, /members or /quit"
	ti.Prompt = "› "
	ti.CharLimit = 4096
	ti.Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &ChatModel{
		room:        room,
		downloadDir: downloadDir,
		input:       ti,
		spinner:     s,
		bar: progress.New(
			progress.WithGradient(ProgressStart, ProgressEnd),
			progress.WithWidth(25),
			progress.WithoutPercentage(),
		),
		connected: make(map[string]bool),
		transfers: make(map[string]*transferBar),
		status:    "Connecting to relay...",
		width:     80,
		height:    24,
	}
}

func (m *ChatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

func (m *ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			cmd := m.submit(strings.TrimSpace(m.input.Value()))
			m.input.Reset()
			if m.quitting {
				return m, tea.Quit
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case AttachMsg:
		m.sender = msg.Sender
		m.self = msg.Sender.ID()
		m.status = fmt.Sprintf("Joined %s as %s", m.room, m.self)

	case DetachMsg:
		m.sender = nil
		m.connected = make(map[string]bool)
		if msg.Err != nil {
			m.notice(ErrorStyle.Render("relay connection lost: " + msg.Err.Error()))
		}

	case StatusMsg:
		m.status = string(msg)

	case EventMsg:
		m.handleEvent(session.Event(msg))

	case sentMsg:
		if msg.err != nil {
			m.notice(FormatError(msg.err))
			break
		}
		m.appendMessage(msg.msg)

	case savedMsg:
		if msg.err != nil {
			m.notice(FormatError(msg.err))
			break
		}
		m.notice(fmt.Sprintf("%s saved %s to %s", IconSave, msg.name, msg.path))
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	if scrollKey(msg) {
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}

	if msg, ok := msg.(EventMsg); ok && msg.Kind == session.EventMessage && msg.Message.IsFile() &&
		msg.Message.SenderID != m.self {
		cmds = append(cmds, m.save(*msg.Message))
	}

	return m, tea.Batch(cmds...)
}

// scrollKey reports whether msg should reach the viewport. Letter keys
// belong to the input.
func scrollKey(msg tea.Msg) bool {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return true
	}
	switch key.Type {
	case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
		return true
	}
	return false
}

func (m *ChatModel) submit(line string) tea.Cmd {
	switch {
	case line == "":
		return nil
	case line == "/quit":
		m.quitting = true
		return nil
	case line == "/members":
		m.notice("\n" + MemberTableView(m.memberRows()))
		return nil
	case strings.HasPrefix(line, "/file "):
		path := strings.TrimSpace(strings.TrimPrefix(line, "/file "))
		return m.sendFile(path)
	}

	sender := m.sender
	if sender == nil {
		m.notice(WarningStyle.Render("not connected, message not sent"))
		return nil
	}
	return func() tea.Msg {
		msg, err := sender.SendText(line)
		return sentMsg{msg: msg, err: err}
	}
}

func (m *ChatModel) sendFile(path string) tea.Cmd {
	sender := m.sender
	if sender == nil {
		m.notice(WarningStyle.Render("not connected, file not sent"))
		return nil
	}
	m.notice(fmt.Sprintf("%s sending %s...", IconFile, path))
	return func() tea.Msg {
		msg, err := sender.SendFile(context.Background(), path)
		return sentMsg{msg: msg, err: err}
	}
}

func (m *ChatModel) save(msg transport.ChatMessage) tea.Cmd {
	dir := m.downloadDir
	return func() tea.Msg {
		path, err := transport.SaveFile(dir, msg.File)
		return savedMsg{name: msg.File.Name, path: path, err: err}
	}
}

func (m *ChatModel) handleEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventJoined:
		m.members = slices.Clone(ev.Clients)
		m.notice(fmt.Sprintf("%s joined room %s (%d member(s))", IconRoom, m.room, len(ev.Clients)))

	case session.EventPresence:
		for _, id := range ev.Clients {
			if !slices.Contains(m.members, id) {
				m.notice(fmt.Sprintf("%s %s joined", IconPeer, id))
			}
		}
		for _, id := range m.members {
			if !slices.Contains(ev.Clients, id) {
				m.notice(fmt.Sprintf("%s %s left", IconPeer, id))
				delete(m.connected, id)
			}
		}
		m.members = slices.Clone(ev.Clients)

	case session.EventPeerConnected:
		m.connected[ev.Peer] = true
		m.notice(fmt.Sprintf("%s direct connection to %s", IconConnect, ev.Peer))

	case session.EventPeerClosed:
		delete(m.connected, ev.Peer)
		if ev.Err != nil {
			m.notice(WarningStyle.Render(fmt.Sprintf("connection to %s closed: %v", ev.Peer, ev.Err)))
		}

	case session.EventNegotiationFailed:
		delete(m.connected, ev.Peer)
		m.notice(WarningStyle.Render(fmt.Sprintf("could not connect to %s: %v", ev.Peer, ev.Err)))

	case session.EventMessage:
		m.appendMessage(*ev.Message)

	case session.EventProgress:
		m.trackProgress(*ev.Progress)

	case session.EventTransportLost:
		m.notice(ErrorStyle.Render("relay connection lost"))
	}
}

func (m *ChatModel) trackProgress(p transport.Progress) {
	key := p.ID + "/" + p.Peer
	t, ok := m.transfers[key]
	if !ok {
		t = &transferBar{name: p.Name, peer: p.Peer, outgoing: p.Outgoing}
		m.transfers[key] = t
		m.order = append(m.order, key)
	}
	t.done, t.total = p.Done, p.Total
	if t.total > 0 && t.done >= t.total {
		delete(m.transfers, key)
		m.order = slices.DeleteFunc(m.order, func(k string) bool { return k == key })
	}
	m.layout()
}

func (m *ChatModel) appendMessage(msg transport.ChatMessage) {
	ts := TimestampStyle.Render(msg.Time().Format("15:04"))
	name := PeerNameStyle.Render(msg.SenderID)
	if msg.SenderID == m.self {
		name = SelfNameStyle.Render("you")
	}

	body := msg.Text
	if msg.IsFile() {
		body = fmt.Sprintf("%s %s %s", IconFile, BoldStyle.Render(msg.File.Name),
			MutedStyle.Render("("+transport.FormatSize(int64(len(msg.File.Data)))+", "+msg.File.MIMEType+")"))
	}
	m.push(fmt.Sprintf("%s %s: %s", ts, name, body))
}

func (m *ChatModel) notice(text string) {
	m.push(NoticeStyle.Render(text))
}

func (m *ChatModel) push(line string) {
	m.lines = append(m.lines, line)
	if m.ready {
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()
	}
}

func (m *ChatModel) memberRows() []Member {
	rows := make([]Member, 0, len(m.members))
	for _, id := range m.members {
		rows = append(rows, Member{ID: id, Self: id == m.self, Connected: m.connected[id]})
	}
	return rows
}

// layout sizes the viewport to whatever the header, transfers and input
// leave free.
func (m *ChatModel) layout() {
	reserved := 4 + len(m.order)
	height := max(m.height-reserved, 3)
	if !m.ready {
		m.viewport = viewport.New(m.width, height)
		m.ready = true
	} else {
		m.viewport.Width = m.width
		m.viewport.Height = height
	}
	m.input.Width = max(m.width-4, 10)
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m *ChatModel) header() string {
	peers := 0
	for _, ok := range m.connected {
		if ok {
			peers++
		}
	}
	left := HeaderStyle.Render(fmt.Sprintf("%s %s", IconRoom, m.room))
	right := MutedStyle.Render(fmt.Sprintf(" %d member(s), %d direct", len(m.members), peers))
	return lipgloss.JoinHorizontal(lipgloss.Center, left, right)
}

func (m *ChatModel) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return fmt.Sprintf("%s %s", m.spinner.View(), m.status)
	}

	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	for _, id := range m.order {
		t := m.transfers[id]
		dir := "↓ from"
		if t.outgoing {
			dir = "↑ to"
		}
		var percent float64
		if t.total > 0 {
			percent = float64(t.done) / float64(t.total)
		}
		fmt.Fprintf(&b, "%s %s %s %s %5.1f%%\n", m.spinner.View(),
			lipgloss.NewStyle().Width(24).Render(truncateString(t.name, 22)),
			MutedStyle.Render(dir+" "+t.peer), m.bar.ViewAs(percent), percent*100)
	}

	status := m.status
	if m.sender == nil {
		status = m.spinner.View() + " " + status
	}
	b.WriteString(FooterStyle.Render(status))
	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}
