// Package httpapi is the hub's REST surface: task submission and inspection,
// token administration, presence snapshots, and the repository table. All
// routes are thin translations onto the auth registry, task queue, and
// presence registry.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/agent"
	"github.com/agentcom/agentcom/internal/auth"
	"github.com/agentcom/agentcom/internal/common/config"
	"github.com/agentcom/agentcom/internal/common/httpmw"
	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/gateway/websocket"
	"github.com/agentcom/agentcom/internal/presence"
	"github.com/agentcom/agentcom/internal/repos"
	"github.com/agentcom/agentcom/internal/taskqueue"
)

// Server hosts the REST API and the /ws upgrade endpoint on one listener.
type Server struct {
	srv    *http.Server
	logger *logger.Logger
}

// Deps collects everything the API routes call into.
type Deps struct {
	Auth     *auth.Registry
	Queue    *taskqueue.Queue
	Presence *presence.Registry
	Agents   *agent.Manager
	Repos    *repos.Registry
	Hub      *websocket.Hub
}

// NewServer builds the router and wraps it in an http.Server.
func NewServer(cfg *config.Config, deps Deps, log *logger.Logger) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "agentcom"))
	router.Use(httpmw.OtelTracing("agentcom"))

	api := &api{deps: deps, logger: log.WithFields(zap.String("component", "httpapi"))}
	api.registerRoutes(router)

	wsHandler := websocket.NewHandler(deps.Hub, log)
	router.GET("/ws", wsHandler.HandleConnection)

	return &Server{
		srv: &http.Server{
			Addr:         cfg.Server.ListenAddr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
			WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		},
		logger: log.WithFields(zap.String("component", "http_server")),
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
