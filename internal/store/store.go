// Package store defines the shared real-time store the presence core writes
// through: a tree of JSON values addressed by slash-separated paths, with an
// atomic read-modify-write primitive and prefix subscriptions that always
// open with a full snapshot.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned by Get when nothing is stored at the path.
	ErrNotFound = errors.New("path not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")

	// ErrTxContention is returned when an optimistic transaction kept losing races.
	ErrTxContention = errors.New("transaction contention")
)

// EventType classifies a subscription delivery.
type EventType string

const (
	EventSnapshot EventType = "snapshot"
	EventAdded    EventType = "added"
	EventChanged  EventType = "changed"
	EventRemoved  EventType = "removed"
)

// Entry is a stored value and its path.
type Entry struct {
	Path  string `json:"path"`
	Value []byte `json:"value"`
}

// Event is a single subscription delivery. Snapshot events carry Entries;
// the others carry Path and, except for removals, Value.
type Event struct {
	Type    EventType
	Path    string
	Value   []byte
	Entries []Entry
}

// TxFunc computes the next value of a path from its current value. It may be
// invoked more than once and must not have side effects. Returning commit
// false aborts the transaction; committing a nil value deletes the path.
type TxFunc func(current []byte, exists bool) (next []byte, commit bool)

// Subscription streams events for a path prefix. The channel is closed when
// the subscription is closed or falls too far behind; a closed subscriber
// resubscribes to obtain a fresh snapshot.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// Store is the transport to the shared store.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]Entry, error)
	Set(ctx context.Context, path string, value []byte) error
	Remove(ctx context.Context, path string) error
	Transact(ctx context.Context, path string, fn TxFunc) (bool, error)
	Subscribe(ctx context.Context, prefix string) (Subscription, error)
	Close() error
}

// HasPrefix reports whether path lies under prefix.
func HasPrefix(path, prefix string) bool {
	return strings.HasPrefix(path, prefix)
}

// SortEntries orders entries by path.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
}
