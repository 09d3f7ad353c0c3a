package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/grajrb/ProSyncHub-sub000/config"
	"github.com/grajrb/ProSyncHub-sub000/internal/presence"
	"github.com/grajrb/ProSyncHub-sub000/internal/registry"
	"github.com/grajrb/ProSyncHub-sub000/internal/router"
	"github.com/grajrb/ProSyncHub-sub000/models"
)

const (
	writeWait  = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait   = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
)

/*
	The gateway owns the transport edge: it upgrades dashboard connections,
	runs the authenticate/subscribe/unsubscribe protocol, and ties session
	lifecycle to registry, router and presence. Credentials arriving here are
	already validated upstream; a connection that never authenticates stays
	open but can do nothing except authenticate.
*/

type Gateway struct {
	appCtx   context.Context
	logger   *slog.Logger
	sessions config.Sessions
	msgRate  config.RateLimiterConfig

	registry *registry.Registry
	router   *router.Router
	presence *presence.Notifier
	upgrader websocket.Upgrader

	connLock          sync.Mutex
	activeConnections int
}

func New(
	appCtx context.Context,
	logger *slog.Logger,
	cfg *config.Service,
	reg *registry.Registry,
	rtr *router.Router,
	pres *presence.Notifier,
) *Gateway {
	return &Gateway{
		appCtx:   appCtx,
		logger:   logger,
		sessions: cfg.Sessions,
		msgRate:  cfg.RateLimiters.Connection,
		registry: reg,
		router:   rtr,
		presence: pres,
		upgrader: websocket.Upgrader{
			// The dashboard is served from a different origin than this
			// service; origin policy is enforced by the upstream auth layer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades an incoming connection and starts its pumps.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	g.connLock.Lock()
	if g.activeConnections >= g.sessions.MaxConnections {
		g.connLock.Unlock()
		g.logger.Warn("Max connections reached, rejecting new connection", "max", g.sessions.MaxConnections)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	g.activeConnections++
	g.connLock.Unlock()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("Failed to upgrade connection", "error", err)
		g.releaseSlot()
		return
	}

	session := &wsSession{
		id:      uuid.NewString(),
		gateway: g,
		conn:    conn,
		send:    make(chan []byte, g.sessions.SendBufferSize),
		limiter: rate.NewLimiter(rate.Limit(g.msgRate.Limit), g.msgRate.Burst),
	}

	g.logger.Info("Connection established",
		"connection_id", session.id,
		"remote_addr", conn.RemoteAddr().String(),
	)

	go session.writePump()
	go session.readPump()
}

// ActiveConnections reports sockets currently held, authenticated or not.
func (g *Gateway) ActiveConnections() int {
	g.connLock.Lock()
	defer g.connLock.Unlock()
	return g.activeConnections
}

func (g *Gateway) releaseSlot() {
	g.connLock.Lock()
	defer g.connLock.Unlock()
	if g.activeConnections > 0 {
		g.activeConnections--
	}
}

// teardown runs exactly once per connection, for explicit closes, transport
// errors and heartbeat timeouts alike. Subscriptions go first so the next
// DeliverLocal cannot see the dying session.
func (g *Gateway) teardown(s *wsSession) {
	g.router.DropConnection(s.id)

	if session := g.registry.Remove(s.id); session != nil {
		g.presence.Offline(g.appCtx, session.UserID, session.Username)
		g.logger.Info("Session destroyed",
			"connection_id", s.id,
			"user_id", session.UserID,
		)
	}

	g.releaseSlot()
	s.closeSend()
}

func (g *Gateway) handleAuthenticate(s *wsSession, creds models.Credentials) {
	if !creds.Valid() {
		g.logger.Warn("Authentication failed: incomplete credentials", "connection_id", s.id)
		s.sendError("authentication failed: user_id, username and role are required")
		return
	}

	// Re-authentication replaces the stored identity (credential refresh);
	// only the first success counts as coming online.
	firstAuth := s.identity() == nil

	session := &models.Session{
		ConnectionID: s.id,
		UserID:       creds.UserID,
		Username:     creds.Username,
		Role:         creds.Role,
		ConnectedAt:  time.Now().UTC(),
	}
	s.setIdentity(session)
	g.registry.Put(s.id, session)

	// Every authenticated session follows its own user channel and its
	// role's channel without an explicit subscribe.
	for _, topic := range []string{models.UserTopic(creds.UserID), models.RoleTopic(creds.Role)} {
		if err := g.router.Join(session, s, topic); err != nil {
			g.logger.Error("Auto-join failed", "connection_id", s.id, "topic", topic, "error", err)
		}
	}

	s.sendAuthenticated(creds.UserID)
	g.logger.Info("Session authenticated",
		"connection_id", s.id,
		"user_id", creds.UserID,
		"role", creds.Role,
	)

	if firstAuth {
		g.presence.Online(g.appCtx, creds.UserID, creds.Username)
	}
}

func (g *Gateway) handleSubscribe(s *wsSession, topic string) {
	session := s.identity()
	if session == nil {
		s.sendError("not authenticated")
		return
	}
	if err := g.router.Join(session, s, topic); err != nil {
		s.sendError(err.Error())
		return
	}
}

func (g *Gateway) handleUnsubscribe(s *wsSession, topic string) {
	if s.identity() == nil {
		s.sendError("not authenticated")
		return
	}
	g.router.Leave(s.id, topic)
}
