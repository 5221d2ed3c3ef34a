package ws

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/hackerchat/internal/middleware"
	"github.com/lalith-99/hackerchat/internal/observ"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Lifecycle is told when a user's sockets open and close.
// *presence.Monitor implements it.
type Lifecycle interface {
	Connected(ctx context.Context, userID, connID string)
	Disconnected(ctx context.Context, userID, connID string, remaining int)
}

type ServerConfig struct {
	MessagesPerSecond float64
	Burst             int
}

type Server struct {
	hub       *Hub
	router    *Router
	lifecycle Lifecycle
	upgrader  websocket.Upgrader
	cfg       ServerConfig
	logger    *zap.Logger
}

func NewServer(hub *Hub, router *Router, lifecycle Lifecycle, cfg ServerConfig, logger *zap.Logger) *Server {
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.MessagesPerSecond * 2)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	return &Server{
		hub:       hub,
		router:    router,
		lifecycle: lifecycle,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		cfg:    cfg,
		logger: logger,
	}
}

// Handle upgrades an authenticated request (see middleware.AuthMiddleware)
// and serves the socket until it closes.
func (s *Server) Handle(c *gin.Context) {
	identity := middleware.GetIdentity(c)
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("user_id", identity.UserID), zap.Error(err))
		return
	}

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}
	client := newClient(conn, identity, limiter)
	if err := s.hub.Register(client); err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}
	observ.WSConnections.Inc()

	ctx := context.WithoutCancel(c.Request.Context())
	s.lifecycle.Connected(ctx, identity.UserID, client.ID())
	s.logger.Info("websocket connected",
		zap.String("user_id", identity.UserID),
		zap.String("conn_id", client.ID()),
		zap.String("kind", string(identity.Kind)),
	)

	go client.writePump()
	client.readPump(
		func(raw []byte) { s.router.Dispatch(ctx, client, raw) },
		func(raw []byte) { s.router.Limited(client, raw) },
	)

	remaining := s.hub.Unregister(client)
	observ.WSConnections.Dec()
	s.lifecycle.Disconnected(ctx, identity.UserID, client.ID(), remaining)
	s.logger.Info("websocket disconnected",
		zap.String("user_id", identity.UserID),
		zap.String("conn_id", client.ID()),
		zap.Int("remaining", remaining),
	)
}
