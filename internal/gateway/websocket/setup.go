package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
	ws "github.com/gregory-lime/jacques-context-manager-sub007/pkg/websocket"
)

// Gateway bundles the fan-out hub, dispatcher and connection handler.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// Deps are the collaborators the gateway's command handlers act on.
type Deps struct {
	Feed     SessionFeed
	Sessions SessionCommander
	Terminal TerminalAdapter
	Actions  ActionRunner
}

// NewGateway creates a WebSocket gateway with all components initialized.
func NewGateway(deps Deps, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, deps.Feed, log)

	RegisterHealthHandler(dispatcher)
	RegisterCommandHandlers(dispatcher, deps.Sessions, deps.Terminal, deps.Actions)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// SetupRoutes adds the WebSocket routes to the Gin engine
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
