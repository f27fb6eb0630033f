package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Session binds one websocket connection to at most one room and one client
// id. The id and room are assigned by Hub.Join and only change on the
// session's own read pump goroutine.
type Session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	id   string
	room *Room

	closeOnce sync.Once
	log       *slog.Logger
}

// NewSession wraps conn. queueSize bounds the outbound buffer; a session
// whose buffer fills up is disconnected.
func NewSession(hub *Hub, conn *websocket.Conn, queueSize int) *Session {
	return &Session{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, queueSize),
		log:  hub.log.With("remote", conn.RemoteAddr().String()),
	}
}

// ID returns the client id, empty before a successful join.
func (s *Session) ID() string {
	return s.id
}

// enqueue hands data to the write pump without blocking. A full buffer means
// the client is not keeping up, so its connection is closed and the read pump
// tears the session down through the normal disconnect path.
func (s *Session) enqueue(data []byte) {
	select {
	case s.send <- data:
	default:
		s.log.Warn("send buffer full, dropping client", "client", s.id)
		s.kick()
	}
}

func (s *Session) kick() {
	s.closeOnce.Do(func() {
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// ReadPump pumps envelopes from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (s *Session) ReadPump(maxMessageSize int64) {
	defer func() {
		s.hub.Disconnect(s)
		close(s.send)
		s.kick()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Info("connection error", "client", s.id, "error", err)
			}
			return
		}
		s.hub.Handle(s, data)
	}
}

// WritePump pumps queued envelopes to the websocket connection and keeps it
// alive with pings.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.kick()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The read pump closed the channel.
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug("write failed", "error", err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
