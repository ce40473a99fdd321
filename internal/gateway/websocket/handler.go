package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session"
	ws "github.com/gregory-lime/jacques-context-manager-sub007/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Dashboards connect from localhost only; the listener binds loopback.
		return true
	},
}

// SessionFeed is the registry surface the gateway consumes.
type SessionFeed interface {
	Subscribe(ctx context.Context) (*session.Snapshot, <-chan session.Delta, func(), error)
}

// Handler handles WebSocket connections
type Handler struct {
	hub    *Hub
	feed   SessionFeed
	logger *logger.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, feed SessionFeed, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		feed:   feed,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and handles messages
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()

	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	snap, deltas, cancel, err := h.feed.Subscribe(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to subscribe client to registry", zap.Error(err))
		conn.Close()
		return
	}

	go client.WritePump()
	client.StreamSessions(snap, deltas, cancel)
	client.ReadPump(c.Request.Context())
}

// RegisterHealthHandler registers the health check handler
func RegisterHealthHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "jacques",
		})
	})
}
