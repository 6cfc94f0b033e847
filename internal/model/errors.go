package model

import "errors"

var (
	// ErrIdentityRequired is returned when a session is started without a user identifier.
	ErrIdentityRequired = errors.New("identity is required")

	// ErrInvalidID is returned when a document, user, tab or object identifier cannot be used as a path segment.
	ErrInvalidID = errors.New("invalid identifier")

	// ErrSessionClosed is returned when a stopped session is started again.
	ErrSessionClosed = errors.New("session closed")

	// ErrObjectNotFound is returned when an object does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrObjectExists is returned when creating an object whose id is already taken.
	ErrObjectExists = errors.New("object already exists")

	// ErrEntryNotFound is returned by the entry repository when no row exists at a path.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrInvalidShape is returned when a shape payload is missing its type.
	ErrInvalidShape = errors.New("shape type is required")
)
