package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/campuspulse/pulse/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum control message size allowed from peer.
)

// Session is one live client connection. It is owned by the broker: created
// on connect, torn down exactly once on disconnect. conn is nil for local
// (in-process) sessions, which receive through Recv instead of a socket.
type Session struct {
	ID     string
	UserID string

	conn    *websocket.Conn
	send    chan []byte
	broker  *Broker
	limiter *rate.Limiter

	// topics is guarded by the broker's mutex.
	topics map[string]struct{}

	closeOnce sync.Once
}

func (b *Broker) newSession(conn *websocket.Conn, userID string, limiter *rate.Limiter) (*Session, error) {
	s := &Session{
		ID:      uuid.NewString(),
		UserID:  userID,
		conn:    conn,
		send:    make(chan []byte, b.cfg.SendBufferSize),
		broker:  b,
		limiter: limiter,
		topics:  make(map[string]struct{}),
	}
	if err := b.register(s); err != nil {
		return nil, err
	}
	return s, nil
}

// AttachLocal creates a socketless session for in-process consumers such as
// tests and the operator CLI's embedded mode.
func (b *Broker) AttachLocal(userID string) (*Session, error) {
	return b.newSession(nil, userID, nil)
}

// Recv exposes the delivery channel of a local session. It is closed when
// the session disconnects.
func (s *Session) Recv() <-chan []byte {
	return s.send
}

// readPump pumps control messages from the websocket into the broker. The
// application runs one readPump per connection; it is the sole reader.
func (s *Session) readPump() {
	defer func() {
		s.broker.Disconnect(s)
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.broker.logger.Error("websocket read error",
					"session_id", s.ID, "remote_addr", s.conn.RemoteAddr(), "error", err)
			} else {
				s.broker.logger.Debug("websocket closed",
					"session_id", s.ID, "remote_addr", s.conn.RemoteAddr())
			}
			return
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.broker.logger.Warn("control message rate exceeded, dropping",
				"session_id", s.ID, "remote_addr", s.conn.RemoteAddr())
			continue
		}

		var ctrl models.ControlMessage
		if err := json.Unmarshal(raw, &ctrl); err != nil {
			s.broker.logger.Warn("malformed control message",
				"session_id", s.ID, "error", err)
			continue
		}

		switch ctrl.Action {
		case models.ControlJoinRoom:
			s.broker.Subscribe(s, ctrl.RoomID)
		case models.ControlLeaveRoom:
			s.broker.Unsubscribe(s, ctrl.RoomID)
		default:
			s.broker.logger.Warn("unknown control action",
				"session_id", s.ID, "action", ctrl.Action)
		}
	}
}

// writePump pumps queued messages to the websocket and keeps the connection
// alive with pings. One writePump per connection; it is the sole writer.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The broker closed the channel.
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.broker.logger.Error("websocket write error",
					"session_id", s.ID, "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.broker.logger.Debug("websocket ping failed",
					"session_id", s.ID, "error", err)
				return
			}
		}
	}
}
