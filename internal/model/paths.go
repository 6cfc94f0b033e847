package model

import (
	"regexp"
	"strings"
)

// Root prefixes of the shared store.
const (
	PresenceRoot  = "presence/"
	DocumentsRoot = "documents/"

	// ReaperLeasePath holds the lease of the process currently running the stale reaper.
	ReaperLeasePath = "system/reaper"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:@|+=-]{1,128}$`)

// ValidateID reports whether id can be used as a single path segment.
// Glob characters are rejected so ids are safe inside pattern subscriptions.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return ErrInvalidID
	}
	return nil
}

// PresencePrefix returns the prefix holding every tab session of a document.
func PresencePrefix(docID string) string {
	return PresenceRoot + docID + "/"
}

// PresencePath returns the path of one tab session.
func PresencePath(docID, userID, tabID string) string {
	return PresencePrefix(docID) + userID + "/" + tabID
}

// ParsePresencePath splits presence/{docId}/{userId}/{tabId}.
func ParsePresencePath(path string) (docID, userID, tabID string, ok bool) {
	rest, found := strings.CutPrefix(path, PresenceRoot)
	if !found {
		return "", "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// ObjectsPrefix returns the prefix holding every object of a document.
func ObjectsPrefix(docID string) string {
	return DocumentsRoot + docID + "/objects/"
}

// ObjectPath returns the path of one object.
func ObjectPath(docID, objectID string) string {
	return ObjectsPrefix(docID) + objectID
}

// ParseObjectPath splits documents/{docId}/objects/{objectId}.
func ParseObjectPath(path string) (docID, objectID string, ok bool) {
	rest, found := strings.CutPrefix(path, DocumentsRoot)
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "objects" || parts[0] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[0], parts[2], true
}
