package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Shape is the drawable payload of an object. Geometry is opaque to the core.
type Shape struct {
	Type     string  `json:"type"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width,omitempty"`
	Height   float64 `json:"height,omitempty"`
	Rotation float64 `json:"rotation,omitempty"`
	Fill     string  `json:"fill,omitempty"`
	Text     string  `json:"text,omitempty"`
}

// Validate checks the shape carries a type.
func (s Shape) Validate() error {
	if strings.TrimSpace(s.Type) == "" {
		return ErrInvalidShape
	}
	return nil
}

// ShapePatch is a partial update; nil fields are left untouched.
type ShapePatch struct {
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
	Width    *float64 `json:"width,omitempty"`
	Height   *float64 `json:"height,omitempty"`
	Rotation *float64 `json:"rotation,omitempty"`
	Fill     *string  `json:"fill,omitempty"`
	Text     *string  `json:"text,omitempty"`
}

// Apply returns s with the patch's fields overlaid.
func (s Shape) Apply(p ShapePatch) Shape {
	if p.X != nil {
		s.X = *p.X
	}
	if p.Y != nil {
		s.Y = *p.Y
	}
	if p.Width != nil {
		s.Width = *p.Width
	}
	if p.Height != nil {
		s.Height = *p.Height
	}
	if p.Rotation != nil {
		s.Rotation = *p.Rotation
	}
	if p.Fill != nil {
		s.Fill = *p.Fill
	}
	if p.Text != nil {
		s.Text = *p.Text
	}
	return s
}

// LockableObject is a shared shape guarded by an expiring exclusive lock.
// Version increases by one on every accepted write, lock changes included.
// Removed objects stay behind as tombstones so stale writes cannot revive them.
type LockableObject struct {
	ObjectID      string     `json:"objectId"`
	DocID         string     `json:"docId"`
	Version       int64      `json:"version"`
	OwnerUserID   string     `json:"ownerUserId"`
	LockHolder    string     `json:"lockHolder,omitempty"`
	LockExpiresAt *time.Time `json:"lockExpiresAt,omitempty"`
	Deleted       bool       `json:"deleted,omitempty"`
	DeletedAt     *time.Time `json:"deletedAt,omitempty"`
	Shape
}

// LockedAt returns the lock holder as seen at now. An expired lock reads as unlocked.
func (o *LockableObject) LockedAt(now time.Time) (string, bool) {
	if o.LockHolder == "" || o.LockExpiresAt == nil || !o.LockExpiresAt.After(now) {
		return "", false
	}
	return o.LockHolder, true
}

// HeldBy reports whether userID holds an unexpired lock at now.
func (o *LockableObject) HeldBy(userID string, now time.Time) bool {
	holder, ok := o.LockedAt(now)
	return ok && holder == userID
}

// ClearLock drops the lock fields.
func (o *LockableObject) ClearLock() {
	o.LockHolder = ""
	o.LockExpiresAt = nil
}

// EncodeObject serializes an object for the store.
func EncodeObject(o LockableObject) ([]byte, error) {
	return json.Marshal(o)
}

// DecodeObject parses a stored object.
func DecodeObject(b []byte) (LockableObject, error) {
	var o LockableObject
	err := json.Unmarshal(b, &o)
	return o, err
}
