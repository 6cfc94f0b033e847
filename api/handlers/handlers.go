// Package handlers provides HTTP API request handlers.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/shared-canvas/backend/internal/model"
)

// Identity headers set by the identity provider in front of the gateway.
const (
	HeaderUserID      = "X-User-Id"
	HeaderDisplayName = "X-Display-Name"
	HeaderUserColor   = "X-User-Color"

	identityKey = "identity"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// IdentityMiddleware copies the identity headers into the request context.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(identityKey, model.Identity{
			UserID:      strings.TrimSpace(c.GetHeader(HeaderUserID)),
			DisplayName: c.GetHeader(HeaderDisplayName),
			Color:       c.GetHeader(HeaderUserColor),
		})
		c.Next()
	}
}

// getIdentity extracts the caller's identity from the request context.
func getIdentity(c *gin.Context) model.Identity {
	if v, exists := c.Get(identityKey); exists {
		if id, ok := v.(model.Identity); ok {
			return id
		}
	}
	return model.Identity{UserID: strings.TrimSpace(c.GetHeader(HeaderUserID))}
}

// requireIdentity returns the caller's identity or answers 401.
func requireIdentity(c *gin.Context) (model.Identity, bool) {
	id := getIdentity(c)
	if err := id.Validate(); err != nil {
		sendError(c, http.StatusUnauthorized, "IDENTITY_REQUIRED", "A valid "+HeaderUserID+" header is required")
		return model.Identity{}, false
	}
	return id, true
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}
