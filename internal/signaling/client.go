package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/BioHazard786/Warpchat/internal/dns"
	"github.com/BioHazard786/Warpchat/internal/version"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is the client side of the relay websocket.
type Client struct {
	conn     *websocket.Conn
	incoming chan *Envelope
	outgoing chan *Envelope
	done     chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// Dial connects to the relay at serverURL. The returned client owns two
// goroutines that run until Close or until the connection drops.
func Dial(ctx context.Context, serverURL string) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	dialer := websocket.Dialer{
		NetDialContext:   dns.DialContext,
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())

	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, WrapError(TransportError, "dial", err, u.Host)
	}

	c := &Client{
		conn:     conn,
		incoming: make(chan *Envelope, 16),
		outgoing: make(chan *Envelope, 16),
		done:     make(chan struct{}),
	}

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

func (c *Client) readPump() {
	defer func() {
		c.shutdown(nil)
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.shutdown(WrapError(TransportError, "read", err, "relay connection lost"))
			} else {
				c.shutdown(NewError(TransportError, "read", ErrConnectionClosed))
			}
			return
		}

		env, err := Decode(data)
		if err != nil {
			slog.Warn("dropping envelope from relay", "error", err)
			continue
		}

		select {
		case c.incoming <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.outgoing:
			data, err := json.Marshal(env)
			if err != nil {
				slog.Error("failed to encode envelope", "kind", env.Kind, "error", err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown(WrapError(TransportError, "write", err, string(env.Kind)))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(WrapError(TransportError, "ping", err, ""))
				return
			}

		case <-c.done:
			c.drain()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes envelopes queued before Close, so a final disconnect still
// reaches the relay.
func (c *Client) drain() {
	for {
		select {
		case env := <-c.outgoing:
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Send queues env for the write pump. It fails once the client is closed.
func (c *Client) Send(env *Envelope) error {
	select {
	case <-c.done:
		return NewError(TransportError, "send", ErrConnectionClosed)
	default:
	}

	select {
	case c.outgoing <- env:
		return nil
	case <-c.done:
		return NewError(TransportError, "send", ErrConnectionClosed)
	}
}

// Incoming yields envelopes from the relay. It is closed when the connection
// ends for any reason.
func (c *Client) Incoming() <-chan *Envelope {
	return c.incoming
}

// Done is closed when the client stops.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the client stopped, or nil after a clean Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection down. It is safe to call more than once.
func (c *Client) Close() {
	c.shutdown(nil)
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}
