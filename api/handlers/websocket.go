package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shared-canvas/backend/internal/model"
	"github.com/shared-canvas/backend/internal/ws"
)

// WebSocketHandler attaches browser tabs to documents.
type WebSocketHandler struct {
	wsHandler *ws.Handler
	log       *zap.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler, log *zap.Logger) *WebSocketHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketHandler{
		wsHandler: wsHandler,
		log:       log,
	}
}

// Attach handles WS /api/docs/:docId/ws - opens a tab session on a document.
// Browsers cannot set headers on a WebSocket handshake, so the identity may
// also come from the userId, displayName and color query parameters.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	docID := c.Param("docId")
	if err := model.ValidateID(docID); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid document ID")
		return
	}

	identity := getIdentity(c)
	if userID := strings.TrimSpace(c.Query("userId")); userID != "" {
		identity = model.Identity{
			UserID:      userID,
			DisplayName: c.Query("displayName"),
			Color:       c.Query("color"),
		}
	}
	if err := identity.Validate(); err != nil {
		sendError(c, http.StatusUnauthorized, "IDENTITY_REQUIRED", "A valid userId is required")
		return
	}

	tabID := c.Query("tabId")
	if tabID != "" && model.ValidateID(tabID) != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid tab ID")
		return
	}

	if err := h.wsHandler.HandleConnection(c.Writer, c.Request, docID, identity, tabID); err != nil {
		// The handshake already answered the client.
		h.log.Warn("websocket attach failed", zap.String("docId", docID), zap.Error(err))
	}
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/docs/:docId/ws", h.Attach)
}
