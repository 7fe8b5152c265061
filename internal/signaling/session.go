package signaling

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftchat/matchmaker/internal/matchmaker"
	"github.com/driftchat/matchmaker/internal/metrics"
)

const wsWriteWait = 1 * time.Second

// session is one authenticated WebSocket connection. It implements
// matchmaker.Peer: delivery is an enqueue onto the bounded send channel that
// the write pump drains, so callers holding registry or room locks never
// block on socket I/O.
type session struct {
	srv    *Server
	conn   *websocket.Conn
	userID string

	send chan matchmaker.Event

	// roomID tracks the room this connection joined. It is read and written
	// only from the connection's read loop.
	roomID string

	alive     atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(srv *Server, conn *websocket.Conn, userID string) *session {
	s := &session{
		srv:    srv,
		conn:   conn,
		userID: userID,
		send:   make(chan matchmaker.Event, srv.cfg.SendQueueSize),
		closed: make(chan struct{}),
	}
	s.alive.Store(true)
	return s
}

func (s *session) UserID() string { return s.userID }

func (s *session) Alive() bool { return s.alive.Load() }

// Deliver enqueues ev for the write pump. A full queue drops the event; a
// client that cannot drain its socket loses pushes rather than stalling the
// rest of the service.
func (s *session) Deliver(ev matchmaker.Event) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.send <- ev:
	default:
		s.srv.met.Inc(metrics.SendQueueDropped)
		s.srv.log.Warn("send queue full, event dropped",
			"userId", s.userID, "event", string(ev.Type))
	}
}

// shutdown sends a close frame and tears the connection down. Safe to call
// from any goroutine, any number of times.
func (s *session) shutdown(code int, reason string) {
	s.closeOnce.Do(func() {
		s.alive.Store(false)
		close(s.closed)
		writeClose(s.conn, code, reason)
		_ = s.conn.Close()
	})
}

// writePump serializes all writes to the socket: queued events plus the
// keepalive pings that let the read side detect dead clients.
func (s *session) writePump() {
	ping := time.NewTicker(s.srv.cfg.SignalingWSPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.closed:
			return
		case ev := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				s.shutdown(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				s.shutdown(websocket.CloseInternalServerErr, "ping failed")
				return
			}
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
