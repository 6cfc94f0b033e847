package ws

import (
	"github.com/shared-canvas/backend/internal/model"
	"github.com/shared-canvas/backend/internal/objects"
)

// MessageType represents the type of WebSocket message.
type MessageType string

const (
	// Client -> Server message types
	MessageTypeCursor  MessageType = "cursor"
	MessageTypeAcquire MessageType = "acquire"
	MessageTypeRelease MessageType = "release"
	MessageTypeMutate  MessageType = "mutate"
	MessageTypeCreate  MessageType = "create"
	MessageTypeRemove  MessageType = "remove"
	MessageTypeLeave   MessageType = "leave"
	MessageTypePing    MessageType = "ping"

	// Server -> Client message types
	MessageTypeWelcome  MessageType = "welcome"
	MessageTypeObjects  MessageType = "objects"
	MessageTypePresence MessageType = "presence"
	MessageTypeLock     MessageType = "lock"
	MessageTypeResult   MessageType = "result"
	MessageTypeError    MessageType = "error"
	MessageTypePong     MessageType = "pong"
)

// ClientMessage is a request from a tab. RequestID is echoed in the result.
type ClientMessage struct {
	Type      MessageType       `json:"type"`
	RequestID string            `json:"requestId,omitempty"`
	X         float64           `json:"x,omitempty"`
	Y         float64           `json:"y,omitempty"`
	ObjectID  string            `json:"objectId,omitempty"`
	Patch     *model.ShapePatch `json:"patch,omitempty"`
	Shape     *model.Shape      `json:"shape,omitempty"`
}

// ServerMessage is pushed to a tab.
type ServerMessage struct {
	Type      MessageType           `json:"type"`
	RequestID string                `json:"requestId,omitempty"`
	TabID     string                `json:"tabId,omitempty"`
	UserID    string                `json:"userId,omitempty"`
	Change    *objects.Change       `json:"change,omitempty"`
	Users     []model.TabSession    `json:"users,omitempty"`
	ObjectID  string                `json:"objectId,omitempty"`
	Acquired  *bool                 `json:"acquired,omitempty"`
	OK        *bool                 `json:"ok,omitempty"`
	Reason    objects.RejectReason  `json:"reason,omitempty"`
	Object    *model.LockableObject `json:"object,omitempty"`
	Error     string                `json:"error,omitempty"`
}

func boolPtr(b bool) *bool {
	return &b
}

func resultMessage(requestID string, ok bool, reason objects.RejectReason, obj *model.LockableObject) *ServerMessage {
	return &ServerMessage{Type: MessageTypeResult, RequestID: requestID, OK: boolPtr(ok), Reason: reason, Object: obj}
}

func lockMessage(objectID string, acquired bool) *ServerMessage {
	return &ServerMessage{Type: MessageTypeLock, ObjectID: objectID, Acquired: boolPtr(acquired)}
}

func presenceMessage(s model.PresenceSnapshot) *ServerMessage {
	return &ServerMessage{Type: MessageTypePresence, Users: s.Tabs()}
}
