package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session"
	ws "github.com/gregory-lime/jacques-context-manager-sub007/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Client represents a single WebSocket connection
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	logger *logger.Logger

	// mu guards the send channel's closed state and the feed cancel func.
	// The feed goroutine can still be delivering an in-flight delta when
	// the hub tears the client down; closing send without this guard is a
	// crash.
	mu         sync.Mutex
	sendClosed bool
	detachFeed func()
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

func (c *Client) setDetachFeed(cancel func()) {
	c.mu.Lock()
	c.detachFeed = cancel
	c.mu.Unlock()
}

func (c *Client) detach() {
	c.mu.Lock()
	cancel := c.detachFeed
	c.detachFeed = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// closeSend closes the outgoing buffer exactly once. Serialized against
// sendMessage so a late delta from the feed cannot hit a closed channel.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// StreamSessions sends the initial snapshot followed by one frame per
// registry delta. Coalescing of rapid updates for the same session happens
// in the registry subscription; here each delta maps to exactly one frame.
// Runs until the subscription closes or the client goes away.
func (c *Client) StreamSessions(snap *session.Snapshot, deltas <-chan session.Delta, cancel func()) {
	c.setDetachFeed(cancel)

	initial, err := ws.NewNotification(ws.ActionInitialState, snap)
	if err != nil {
		c.logger.Error("Failed to build initial state", zap.Error(err))
		return
	}
	if !c.sendMessage(initial) {
		return
	}

	go func() {
		for delta := range deltas {
			msg, err := deltaFrame(delta)
			if err != nil {
				c.logger.Error("Failed to build delta frame", zap.Error(err))
				continue
			}
			if !c.sendMessage(msg) {
				// Slow consumer; the read pump's unregister path tears
				// down the subscription.
				c.conn.Close()
				return
			}
		}
	}()
}

// deltaFrame maps a registry delta onto the fan-out wire format.
func deltaFrame(delta session.Delta) (*ws.Message, error) {
	switch delta.Type {
	case session.DeltaUpserted:
		return ws.NewNotification(ws.ActionSessionUpdate, map[string]interface{}{
			"session": delta.Session,
		})
	case session.DeltaRemoved:
		return ws.NewNotification(ws.ActionSessionRemoved, map[string]interface{}{
			"session_id": delta.SessionID,
		})
	case session.DeltaFocusChanged:
		payload := map[string]interface{}{
			"focused_session_id": delta.SessionID,
		}
		if delta.Session != nil {
			payload["session"] = delta.Session
		}
		return ws.NewNotification(ws.ActionFocusChanged, payload)
	default:
		return ws.NewNotification(ws.ActionServerLog, map[string]interface{}{
			"message": "unknown delta type " + string(delta.Type),
		})
	}
}

// ReadPump pumps messages from the WebSocket connection to the dispatcher
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("Failed to parse message", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeBadRequest, "Invalid message format", nil)
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// handleMessage processes an incoming command frame.
func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("Received message",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("Handler error",
			zap.String("action", msg.Action),
			zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}

	if response != nil {
		c.sendMessage(response)
	}
}

// sendMessage queues a frame, reporting false when the client's buffer is
// full and the connection should be dropped.
func (c *Client) sendMessage(msg *ws.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("Client send buffer full, dropping connection")
		return false
	}
}

// trySend queues an advisory frame without blocking; dropped when the
// buffer is full or the client is gone.
func (c *Client) trySend(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// sendError sends an error frame to the client
func (c *Client) sendError(id, action, code, message string, details map[string]interface{}) {
	msg, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("Failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
