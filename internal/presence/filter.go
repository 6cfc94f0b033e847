// Package presence derives who is online from the raw tab sessions in the
// shared store.
package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shared-canvas/backend/internal/model"
	"github.com/shared-canvas/backend/internal/store"
)

// IsActive reports whether tab has heartbeated within threshold of now.
func IsActive(tab model.TabSession, now time.Time, threshold time.Duration) bool {
	return now.Sub(tab.LastHeartbeat) < threshold
}

// FilterActive returns a copy of snapshot holding only the active tabs.
// Users left without tabs are dropped. snapshot is not modified.
func FilterActive(snapshot model.PresenceSnapshot, now time.Time, threshold time.Duration) model.PresenceSnapshot {
	out := make(model.PresenceSnapshot)
	for _, tabs := range snapshot {
		for _, tab := range tabs {
			if IsActive(tab, now, threshold) {
				if tab.Cursor != nil {
					c := *tab.Cursor
					tab.Cursor = &c
				}
				out.Add(tab)
			}
		}
	}
	return out
}

// DecodeEntry parses one presence entry. The user and tab ids come from the
// path, which is authoritative over the stored body.
func DecodeEntry(path string, value []byte) (model.TabSession, error) {
	_, userID, tabID, ok := model.ParsePresencePath(path)
	if !ok {
		return model.TabSession{}, fmt.Errorf("%w: %s", model.ErrInvalidID, path)
	}
	var tab model.TabSession
	if err := json.Unmarshal(value, &tab); err != nil {
		return model.TabSession{}, fmt.Errorf("decode presence %s: %w", path, err)
	}
	tab.UserID = userID
	tab.TabID = tabID
	return tab, nil
}

// Decode aggregates presence entries into a snapshot. Entries that fail to
// decode are skipped and reported together in the returned error.
func Decode(entries []store.Entry) (model.PresenceSnapshot, error) {
	snapshot := make(model.PresenceSnapshot)
	var errs []error
	for _, e := range entries {
		tab, err := DecodeEntry(e.Path, e.Value)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		snapshot.Add(tab)
	}
	return snapshot, errors.Join(errs...)
}
