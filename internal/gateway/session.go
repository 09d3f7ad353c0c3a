package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/grajrb/ProSyncHub-sub000/models"
)

// wsSession is one live socket and its pumps. It implements router.Subscriber
// so the router can hand it frames without knowing about websockets.
type wsSession struct {
	id      string
	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	mu   sync.RWMutex
	sess *models.Session // nil until authenticated

	closeOnce sync.Once
}

func (s *wsSession) ConnectionID() string { return s.id }

// Enqueue queues an outbound frame without blocking. A full buffer drops the
// frame for this session only.
func (s *wsSession) Enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *wsSession) identity() *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess
}

func (s *wsSession) setIdentity(session *models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = session
}

func (s *wsSession) closeSend() {
	s.closeOnce.Do(func() { close(s.send) })
}

func (s *wsSession) sendError(message string) {
	frame, err := models.NewServerMessage(models.ServerTypeError, models.ErrorPayload{Message: message})
	if err != nil {
		s.gateway.logger.Error("Failed to marshal error frame", "connection_id", s.id, "error", err)
		return
	}
	if !s.Enqueue(frame) {
		s.gateway.logger.Warn("Send buffer full, error frame dropped", "connection_id", s.id)
	}
}

func (s *wsSession) sendAuthenticated(userID string) {
	frame, err := models.NewServerMessage(models.ServerTypeAuthenticated, models.AuthenticatedPayload{
		Status: "success",
		UserID: userID,
	})
	if err != nil {
		s.gateway.logger.Error("Failed to marshal authenticated frame", "connection_id", s.id, "error", err)
		return
	}
	if !s.Enqueue(frame) {
		s.gateway.logger.Warn("Send buffer full, authenticated frame dropped", "connection_id", s.id)
	}
}

// readPump pumps inbound frames from the socket into the gateway. There is
// at most one reader per connection; all protocol handling happens on this
// goroutine. When the read loop ends, for any reason, the session is torn
// down exactly as if the client had disconnected cleanly.
func (s *wsSession) readPump() {
	defer func() {
		s.gateway.teardown(s)
		s.conn.Close()
		s.gateway.logger.Info("Read pump finished, connection closed",
			"connection_id", s.id,
			"remote_addr", s.conn.RemoteAddr(),
		)
	}()

	s.conn.SetReadLimit(s.gateway.sessions.ReadLimit)
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
				s.gateway.logger.Error("Read error",
					"connection_id", s.id,
					"remote_addr", s.conn.RemoteAddr(),
					"error", err,
				)
			} else {
				s.gateway.logger.Info("Connection closed",
					"connection_id", s.id,
					"remote_addr", s.conn.RemoteAddr(),
					"error", err,
				)
			}
			break
		}

		if !s.limiter.Allow() {
			s.gateway.logger.Warn("Inbound message rate limit exceeded", "connection_id", s.id)
			s.sendError("rate limit exceeded")
			continue
		}

		var msg models.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendError("malformed message")
			continue
		}

		switch msg.Action {
		case models.ActionAuthenticate:
			s.gateway.handleAuthenticate(s, msg.Credentials())
		case models.ActionSubscribe:
			s.gateway.handleSubscribe(s, msg.Topic)
		case models.ActionUnsubscribe:
			s.gateway.handleUnsubscribe(s, msg.Topic)
		default:
			s.sendError("unknown action")
		}
	}
}

// writePump pumps queued frames to the socket and keeps the heartbeat going.
// There is at most one writer per connection. A failed write closes the
// socket, which unblocks readPump and triggers teardown; that is how a
// per-socket fan-out failure becomes a disconnect.
func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.gateway.logger.Error("Write error, tearing down session",
					"connection_id", s.id,
					"remote_addr", s.conn.RemoteAddr(),
					"error", err,
				)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.gateway.logger.Info("Ping failed, closing connection",
					"connection_id", s.id,
					"error", err,
				)
				return
			}
		case <-s.gateway.appCtx.Done():
			s.gateway.logger.Info("Service shutting down, closing connection", "connection_id", s.id)
			return
		}
	}
}
