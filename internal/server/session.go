package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zonedesk/zonedesk/internal/connection"
	"github.com/zonedesk/zonedesk/internal/events"
	apperrors "github.com/zonedesk/zonedesk/internal/pkg/errors"
	"github.com/zonedesk/zonedesk/internal/pkg/logger"
	"github.com/zonedesk/zonedesk/internal/protocol"
)

// SessionConfig tunes one WebSocket session.
type SessionConfig struct {
	SendQueueSize  int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

var _ connection.Session = (*wsSession)(nil)

// wsSession is a connection.Session over a gorilla WebSocket. Frames are
// queued by Send and written by a single writePump goroutine, which also
// assigns the outbound sequence numbers.
type wsSession struct {
	id     string
	user   string
	remote string
	conn   *websocket.Conn
	cfg    SessionConfig
	log    *logger.Logger

	roleMu sync.RWMutex
	role   events.Role

	mu     sync.Mutex
	send   chan protocol.Frame
	closed bool
	reason string
	done   chan struct{}

	seq     uint64
	written chan struct{}
}

func newSession(conn *websocket.Conn, id Identity, remote string, cfg SessionConfig, log *logger.Logger) *wsSession {
	sid := uuid.NewString()
	return &wsSession{
		id:      sid,
		user:    id.UserID,
		remote:  remote,
		conn:    conn,
		cfg:     cfg,
		log:     log.WithUser(id.UserID).WithSession(sid),
		role:    id.Role,
		send:    make(chan protocol.Frame, cfg.SendQueueSize),
		done:    make(chan struct{}),
		written: make(chan struct{}),
	}
}

func (s *wsSession) ID() string         { return s.id }
func (s *wsSession) UserID() string     { return s.user }
func (s *wsSession) RemoteAddr() string { return s.remote }

func (s *wsSession) Role() events.Role {
	s.roleMu.RLock()
	defer s.roleMu.RUnlock()
	return s.role
}

func (s *wsSession) SetRole(role events.Role) {
	s.roleMu.Lock()
	s.role = role
	s.roleMu.Unlock()
}

// Send queues f without blocking.
func (s *wsSession) Send(f protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.TransportError("session closed", nil)
	}
	select {
	case s.send <- f:
		return nil
	default:
		return apperrors.CapacityError("send queue")
	}
}

// Close stops the session. Frames already queued are still written
// before the close handshake.
func (s *wsSession) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
	close(s.done)
}

func (s *wsSession) Done() <-chan struct{} { return s.done }

func (s *wsSession) closeReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// writePump writes queued frames and pings until the session closes, then
// drains the queue and closes the connection.
func (s *wsSession) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		close(s.written)
	}()

	for {
		select {
		case f := <-s.send:
			if err := s.write(f); err != nil {
				s.log.Debug("Write failed", "error", err.Error())
				s.Close(connection.ReasonError)
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.log.Debug("Ping failed", "error", err.Error())
				s.Close(connection.ReasonError)
				return
			}

		case <-s.done:
			s.drain()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, s.closeReason())
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}

func (s *wsSession) drain() {
	for {
		select {
		case f := <-s.send:
			if err := s.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *wsSession) write(f protocol.Frame) error {
	s.seq++
	m, err := protocol.ToMessage(f)
	if err != nil {
		s.log.Error("Dropping unencodable frame", "error", err.Error())
		return nil
	}
	m.Seq = s.seq

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(m)
}

// readPump reads raw messages and hands them to handle until the
// connection fails or the session closes. Any inbound traffic, pongs
// included, extends the read deadline and calls touch.
func (s *wsSession) readPump(handle func([]byte), touch func()) {
	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		touch()
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("Read failed", "error", err.Error())
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		touch()
		handle(data)
	}
}
