package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/order-intake/backend/internal/events"
	"github.com/order-intake/backend/pkg/logger"
)

const pingInterval = 30 * time.Second

type WebSocketHandler struct {
	hub *events.Hub
}

func NewWebSocketHandler(hub *events.Hub) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
	}
}

// Upgrade only lets websocket handshakes through to the feed routes.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("session", c.Query("session"))
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HandleConnection streams decisions to the client until it disconnects.
// ?session=<id> limits the feed to one session.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	sessionID, _ := c.Locals("session").(string)
	sub := h.hub.Subscribe(sessionID)

	logger.Info("Decision feed connected",
		zap.String("subscriber_id", sub.ID.String()),
		zap.String("session_id", sessionID),
	)

	defer func() {
		h.hub.Unsubscribe(sub)
		c.Close()
		logger.Info("Decision feed closed", zap.String("subscriber_id", sub.ID.String()))
	}()

	// The client never sends anything useful; reading detects disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case decision, ok := <-sub.Outbound:
			if !ok {
				return
			}
			if err := c.WriteJSON(decision); err != nil {
				logger.Warn("Failed to write decision", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
