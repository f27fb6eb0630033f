package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/BioHazard786/Warpchat/internal/config"
	"github.com/BioHazard786/Warpchat/internal/negotiation"
	"github.com/BioHazard786/Warpchat/internal/session"
	"github.com/BioHazard786/Warpchat/internal/signaling"
	"github.com/BioHazard786/Warpchat/internal/transport"
	"github.com/BioHazard786/Warpchat/internal/ui"
)

const (
	dialTimeout  = 10 * time.Second
	backoffStart = 500 * time.Millisecond
	backoffMax   = 10 * time.Second
)

// A relay keeps a dead connection, and with it our client id, until its
// keepalive lapses (60s). Rejoins refused as duplicates in that window are
// retried without counting as attempts.
var (
	staleMemberWindow = 75 * time.Second
	staleRetryDelay   = 5 * time.Second
)

// Notifier receives UI messages. *tea.Program implements it.
type Notifier interface {
	Send(msg tea.Msg)
}

// ChatContext is everything a room session needs that outlives a single
// relay connection.
type ChatContext struct {
	Config   *config.Config
	RoomID   string
	ClientID string
	Peers    *negotiation.Factory
	Messages *transport.MessageLog
	Program  Notifier
}

// RunWithReconnect keeps the room joined until ctx is done. A lost relay
// connection is retried with backoff, keeping the conversation, and so is a
// rejoin the relay refuses because it still holds the previous connection.
// Anything else ends the loop.
func (c *ChatContext) RunWithReconnect(ctx context.Context) error {
	attempt := 0
	var lostAt time.Time
	for {
		c.Program.Send(ui.StatusMsg(fmt.Sprintf("Connecting to %s...", c.Config.Domain)))

		joined, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		if joined {
			attempt = 0
			lostAt = time.Now()
		}

		var delay time.Duration
		switch {
		case signaling.IsKind(err, signaling.TransportError):
			attempt++
			if attempt > c.Config.ReconnectAttempts {
				return fmt.Errorf("giving up after %d reconnect attempts: %w", c.Config.ReconnectAttempts, err)
			}
			delay = backoff(attempt)
		case errors.Is(err, signaling.ErrDuplicateClient) && !lostAt.IsZero() && time.Since(lostAt) < staleMemberWindow:
			delay = staleRetryDelay
		default:
			return err
		}

		slog.Warn("relay connection lost, reconnecting", "attempt", attempt, "delay", delay, "error", err)
		status := fmt.Sprintf("Reconnecting in %s (attempt %d/%d)", delay, attempt, c.Config.ReconnectAttempts)
		if attempt == 0 {
			status = fmt.Sprintf("Relay still holds %s, retrying in %s", c.ClientID, delay)
		}
		c.Program.Send(ui.StatusMsg(status))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// runOnce dials the relay and runs one session until it ends. joined reports
// whether the relay accepted the join before the session ended.
func (c *ChatContext) runOnce(ctx context.Context) (joined bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	client, err := signaling.Dial(dialCtx, c.Config.WebSocketURL())
	cancel()
	if err != nil {
		return false, err
	}

	s := session.New(session.Config{
		RoomID:               c.RoomID,
		ClientID:             c.ClientID,
		NegotiationTimeout:   c.Config.NegotiationTimeout,
		MaxPendingCandidates: c.Config.MaxPendingCandidates,
		MaxFileBytes:         c.Config.MaxFileBytes,
		Log:                  c.Messages,
		Logger:               slog.Default(),
	}, client, c.Peers)
	c.Program.Send(ui.AttachMsg{Sender: s})

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == session.EventJoined {
				joined = true
			}
			c.Program.Send(ui.EventMsg(ev))

		case err := <-runErr:
			c.flush(s)
			c.Program.Send(ui.DetachMsg{Err: err})
			return joined, err
		}
	}
}

// flush forwards events still buffered after the session stopped.
func (c *ChatContext) flush(s *session.Session) {
	for {
		select {
		case ev := <-s.Events():
			c.Program.Send(ui.EventMsg(ev))
		default:
			return
		}
	}
}

func backoff(attempt int) time.Duration {
	d := backoffStart
	for i := 1; i < attempt && d < backoffMax; i++ {
		d *= 2
	}
	return min(d, backoffMax)
}
