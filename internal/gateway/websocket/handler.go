package websocket

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Agents connect from arbitrary hosts; auth happens via identify.
		return true
	},
}

// Handler upgrades HTTP requests on /ws into protocol connections.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates the /ws handler.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades the request and runs the connection's pumps.
// Hosts under an abuse cooldown are refused before the upgrade.
func (h *Handler) HandleConnection(c *gin.Context) {
	host := remoteHost(c.Request.RemoteAddr)
	if remaining := h.hub.CooldownRemaining(host); remaining > 0 {
		c.Header("Retry-After", remaining.Round(1e9).String())
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "cooldown",
			"message": "reconnect cooldown in force",
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("websocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := NewClient(clientID, conn, h.hub, host, h.logger)
	go client.WritePump()
	client.ReadPump()
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
