// Package api provides HTTP handlers, middleware, and the control channel
// for the kiosk daemon.
package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/AtRiskMedia/surveykiosk-go/logging"
	"github.com/AtRiskMedia/surveykiosk-go/models"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// ControlHandler processes one inbound control message and optionally
// returns an echo to send back to the originating client.
type ControlHandler func(payload json.RawMessage) *models.ControlMessage

// ControlHub manages websocket connections from foreground clients and
// dispatches inbound control messages through an explicit table keyed by
// message type.
type ControlHub struct {
	upgrader websocket.Upgrader
	logger   *logging.ChanneledLogger

	mu       sync.Mutex
	clients  map[*websocket.Conn]bool
	handlers map[string]ControlHandler
}

// NewControlHub creates an empty hub; message handlers are registered by
// the startup wiring.
func NewControlHub(logger *logging.ChanneledLogger) *ControlHub {
	return &ControlHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The daemon is kiosk-local; origin policy is enforced by CORS
			// on the HTTP surface.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:   logger,
		clients:  make(map[*websocket.Conn]bool),
		handlers: make(map[string]ControlHandler),
	}
}

// Register adds a handler for a message type. Later registrations replace
// earlier ones.
func (h *ControlHub) Register(msgType string, handler ControlHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = handler
}

// HandleConnection upgrades an HTTP request to a control channel connection
// and runs its read loop until the client disconnects.
func (h *ControlHub) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Control().Error("Control channel upgrade failed", "error", err.Error())
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	clientCount := len(h.clients)
	h.mu.Unlock()
	h.logger.Control().Info("Control client connected", "clients", clientCount)

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
		h.logger.Control().Info("Control client disconnected")
	}()

	for {
		var msg models.ControlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Control().Warn("Control channel read failed", "error", err.Error())
			}
			return
		}

		h.mu.Lock()
		handler, known := h.handlers[msg.Type]
		h.mu.Unlock()

		if !known {
			h.logger.Control().Warn("Unknown control message type", "type", msg.Type)
			continue
		}

		h.logger.Control().Debug("Dispatching control message", "type", msg.Type)
		if echo := handler(msg.Payload); echo != nil {
			h.mu.Lock()
			err := conn.WriteJSON(echo)
			h.mu.Unlock()
			if err != nil {
				h.logger.Control().Warn("Control echo failed", "type", echo.Type, "error", err.Error())
			}
		}
	}
}

// Broadcast sends a message to every connected client.
func (h *ControlHub) Broadcast(msg models.ControlMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		if err := conn.WriteJSON(msg); err != nil {
			h.logger.Control().Warn("Broadcast write failed, dropping client", "type", msg.Type, "error", err.Error())
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// ClientCount reports the number of connected control clients.
func (h *ControlHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
