package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/HappyFarang/newways-hub/pkg/wire"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// sessionState walks Open -> Registered -> Authenticated -> Closed.
type sessionState int

const (
	stateOpen sessionState = iota
	stateRegistered
	stateAuthenticated
	stateClosed
)

var errBackpressure = errors.New("session send buffer full")

// session tracks one connected client socket.
type session struct {
	id     string
	conn   *websocket.Conn
	sendCh chan wire.Frame
	ctx    context.Context
	cancel context.CancelFunc

	remoteAddr string
	userAgent  string

	mu         sync.Mutex
	state      sessionState
	appName    string
	deviceType string
	userID     string

	closeOnce sync.Once
}

func (s *session) snapshot() (sessionState, string, string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.appName, s.deviceType, s.userID
}

func (s *session) setRegistered(appName, deviceType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appName = appName
	s.deviceType = deviceType
	if s.state < stateRegistered {
		s.state = stateRegistered
	}
}

func (s *session) setAuthenticated(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.state = stateAuthenticated
}

func (s *session) setClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateClosed
}

// push queues a frame for the session's write pump. A full buffer cancels
// the session: a client that cannot drain its queue is dead weight.
func (h *Hub) push(s *session, frame wire.Frame) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
	}

	select {
	case s.sendCh <- frame:
		return nil
	default:
		h.metrics.recordBackpressure()
		h.log.Warn("session send buffer full", zap.String("connection_id", s.id))
		s.cancel()
		return errBackpressure
	}
}

// writePump serializes all socket writes for one session and keeps the
// transport alive with pings.
func (h *Hub) writePump(s *session) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := s.conn.WriteJSON(frame); err != nil {
				h.log.Warn("session write failed", zap.Error(err), zap.String("connection_id", s.id))
				s.cancel()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.cancel()
				return
			}
		}
	}
}
