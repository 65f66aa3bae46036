package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tetherdev/tetherd/internal/auth"
	"github.com/tetherdev/tetherd/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients are native apps presenting a bearer token, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler handles WebSocket connections
type Handler struct {
	hub    *Hub
	token  *auth.Token
	logger *logger.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, token *auth.Token, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		token:  token,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and handles messages.
// A valid ?token= pre-authenticates the connection; otherwise the
// first frame must be an auth message.
func (h *Handler) HandleConnection(c *gin.Context) {
	authed := h.token.Verify(c.Query("token"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()

	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
		zap.Bool("pre_authed", authed),
	)

	client := NewClient(clientID, conn, h.hub, h.token, authed, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
