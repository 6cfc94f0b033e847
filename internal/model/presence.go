package model

import (
	"sort"
	"time"
)

// Cursor is a pointer position in document coordinates.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// TabSession is the presence record of a single connection.
type TabSession struct {
	TabID         string    `json:"tabId"`
	UserID        string    `json:"userId"`
	DisplayName   string    `json:"displayName"`
	Color         string    `json:"color"`
	Cursor        *Cursor   `json:"cursor"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// PresenceSnapshot maps user id to that user's tab sessions keyed by tab id.
// A user with no tabs is absent from the map.
type PresenceSnapshot map[string]map[string]TabSession

// Add inserts or replaces a tab session.
func (s PresenceSnapshot) Add(tab TabSession) {
	tabs, ok := s[tab.UserID]
	if !ok {
		tabs = make(map[string]TabSession)
		s[tab.UserID] = tabs
	}
	tabs[tab.TabID] = tab
}

// Remove deletes a tab session, dropping the user once their last tab is gone.
func (s PresenceSnapshot) Remove(userID, tabID string) {
	tabs, ok := s[userID]
	if !ok {
		return
	}
	delete(tabs, tabID)
	if len(tabs) == 0 {
		delete(s, userID)
	}
}

// Has reports whether the user has at least one tab.
func (s PresenceSnapshot) Has(userID string) bool {
	return len(s[userID]) > 0
}

// TabCount returns the number of tabs the user has open.
func (s PresenceSnapshot) TabCount(userID string) int {
	return len(s[userID])
}

// Users returns the present user ids in sorted order.
func (s PresenceSnapshot) Users() []string {
	users := make([]string, 0, len(s))
	for userID, tabs := range s {
		if len(tabs) > 0 {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users
}

// Tabs returns every tab session sorted by user then tab id.
func (s PresenceSnapshot) Tabs() []TabSession {
	var all []TabSession
	for _, userID := range s.Users() {
		tabIDs := make([]string, 0, len(s[userID]))
		for tabID := range s[userID] {
			tabIDs = append(tabIDs, tabID)
		}
		sort.Strings(tabIDs)
		for _, tabID := range tabIDs {
			all = append(all, s[userID][tabID])
		}
	}
	return all
}

// Clone returns a deep copy.
func (s PresenceSnapshot) Clone() PresenceSnapshot {
	out := make(PresenceSnapshot, len(s))
	for userID, tabs := range s {
		copied := make(map[string]TabSession, len(tabs))
		for tabID, tab := range tabs {
			if tab.Cursor != nil {
				c := *tab.Cursor
				tab.Cursor = &c
			}
			copied[tabID] = tab
		}
		out[userID] = copied
	}
	return out
}

// Equal reports whether two snapshots hold the same tabs with the same
// cursors and identities. Heartbeat timestamps are ignored.
func (s PresenceSnapshot) Equal(other PresenceSnapshot) bool {
	if len(s.Users()) != len(other.Users()) {
		return false
	}
	for userID, tabs := range s {
		if len(tabs) != len(other[userID]) {
			return false
		}
		for tabID, tab := range tabs {
			o, ok := other[userID][tabID]
			if !ok {
				return false
			}
			if tab.DisplayName != o.DisplayName || tab.Color != o.Color {
				return false
			}
			if (tab.Cursor == nil) != (o.Cursor == nil) {
				return false
			}
			if tab.Cursor != nil && *tab.Cursor != *o.Cursor {
				return false
			}
		}
	}
	return true
}
