package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uhyunpark/instruction-desk/pkg/auth"
	"github.com/uhyunpark/instruction-desk/pkg/event"
)

// Reason a session was torn down.
type Reason string

const (
	ReasonDisconnect       Reason = "disconnect"
	ReasonProtocolError    Reason = "protocol_error"
	ReasonHeartbeatTimeout Reason = "heartbeat_timeout"
	ReasonQueueOverflow    Reason = "queue_overflow"
	ReasonShutdown         Reason = "shutdown"
)

const pingFrame = "ping"

// Session is one authenticated WebSocket connection.
type Session struct {
	ID          string
	Identity    auth.Identity
	ConnectedAt time.Time

	mgr  *Manager
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	subID         string
	lastHeartbeat atomic.Int64 // unix nanos, manager clock
	closeOnce     sync.Once
	reason        Reason
}

// Info is a read-only view of a session.
type Info struct {
	ID              string        `json:"id"`
	Identity        auth.Identity `json:"identity"`
	ConnectedAt     time.Time     `json:"connected_at"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at"`
	Queued          int           `json:"queued"`
}

func (s *Session) Info() Info {
	return Info{
		ID:              s.ID,
		Identity:        s.Identity,
		ConnectedAt:     s.ConnectedAt,
		LastHeartbeatAt: s.LastHeartbeat(),
		Queued:          len(s.send),
	}
}

func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

func (s *Session) touch() {
	s.lastHeartbeat.Store(s.mgr.clock.Now().UnixNano())
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason is valid after Done is closed.
func (s *Session) Reason() Reason {
	<-s.done
	return s.reason
}

// deliver is the bus handler. It filters by role and never blocks.
func (s *Session) deliver(ev event.Event) {
	if !Visible(s.Identity, ev) {
		return
	}
	frame, err := ev.Encode()
	if err != nil {
		s.mgr.logger.Errorw("event_encode_failed", "session", s.ID, "type", ev.Type, "err", err)
		return
	}
	s.enqueue(frame)
}

// enqueue tears the session down if its queue is full. A client that
// reconnects refetches, so dropping is safe where skipping would not be.
func (s *Session) enqueue(frame []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.send <- frame:
	default:
		s.close(ReasonQueueOverflow)
	}
}

func (s *Session) close(reason Reason) {
	s.closeOnce.Do(func() {
		s.reason = reason
		close(s.done)
		s.mgr.remove(s)
	})
}

// readPump accepts only the literal text "ping". Anything else is a
// protocol error and ends the session.
func (s *Session) readPump() {
	defer s.close(ReasonDisconnect)

	timeout := s.mgr.cfg.HeartbeatTimeout
	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(timeout))

	for {
		typ, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.mgr.logger.Debugw("session_read_error", "session", s.ID, "err", err)
			}
			return
		}
		s.touch()
		s.conn.SetReadDeadline(time.Now().Add(timeout))

		if typ != websocket.TextMessage || string(msg) != pingFrame {
			s.close(ReasonProtocolError)
			return
		}
		s.enqueue(event.PongFrame())
	}
}

// writePump is the only writer on the connection. It owns closing it, which
// also unblocks readPump.
func (s *Session) writePump() {
	defer s.conn.Close()

	for {
		select {
		case <-s.done:
			s.writeClose()
			return
		default:
		}

		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.mgr.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.close(ReasonDisconnect)
				return
			}
		case <-s.done:
			s.writeClose()
			return
		}
	}
}

func (s *Session) writeClose() {
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode(s.reason), string(s.reason)))
}

func closeCode(r Reason) int {
	switch r {
	case ReasonProtocolError:
		return websocket.CloseUnsupportedData
	case ReasonQueueOverflow:
		return websocket.ClosePolicyViolation
	case ReasonShutdown:
		return websocket.CloseGoingAway
	}
	return websocket.CloseNormalClosure
}
