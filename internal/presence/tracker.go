package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shared-canvas/backend/internal/clock"
	"github.com/shared-canvas/backend/internal/model"
	"github.com/shared-canvas/backend/internal/store"
)

// Config controls how a Tracker judges liveness.
type Config struct {
	Threshold       time.Duration
	RecheckInterval time.Duration
}

// Tracker follows the presence entries of one document and keeps the active
// view current. Sessions age out on the recheck timer even when no further
// writes arrive.
type Tracker struct {
	st    store.Store
	clk   clock.Clock
	docID string
	cfg   Config
	log   *zap.Logger

	mu        sync.Mutex
	raw       model.PresenceSnapshot
	active    model.PresenceSnapshot
	observers map[int]func(model.PresenceSnapshot)
	nextID    int
	timer     clock.Timer
	closed    bool

	follower *store.Follower
}

// NewTracker creates a Tracker. Start begins following the store.
func NewTracker(st store.Store, clk clock.Clock, docID string, cfg Config, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = cfg.Threshold / 6
	}
	return &Tracker{
		st:        st,
		clk:       clk,
		docID:     docID,
		cfg:       cfg,
		log:       log.With(zap.String("docId", docID)),
		raw:       make(model.PresenceSnapshot),
		active:    make(model.PresenceSnapshot),
		observers: make(map[int]func(model.PresenceSnapshot)),
	}
}

// Start subscribes and loads the current snapshot before returning.
func (t *Tracker) Start(ctx context.Context) error {
	f, err := store.Follow(ctx, t.st, model.PresencePrefix(t.docID), t.handle, t.log)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.follower = f
	t.timer = t.clk.AfterFunc(t.cfg.RecheckInterval, t.recheck)
	t.mu.Unlock()
	return nil
}

// Close stops following the store. Observers are not called afterwards.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
	}
	f := t.follower
	t.mu.Unlock()

	if f != nil {
		f.Stop()
	}
}

// Active returns the currently active sessions.
func (t *Tracker) Active() model.PresenceSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active.Clone()
}

// HasOtherActiveTab reports whether userID has an active tab other than tabID.
func (t *Tracker) HasOtherActiveTab(userID, tabID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.active[userID] {
		if id != tabID {
			return true
		}
	}
	return false
}

// OnChange registers fn to receive the active snapshot whenever it changes.
// It returns a function that unregisters fn.
func (t *Tracker) OnChange(fn func(model.PresenceSnapshot)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.observers[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.observers, id)
	}
}

func (t *Tracker) handle(ev store.Event) {
	t.mu.Lock()
	switch ev.Type {
	case store.EventSnapshot:
		raw, err := Decode(ev.Entries)
		if err != nil {
			t.log.Warn("skipping malformed presence entries", zap.Error(err))
		}
		t.raw = raw
	case store.EventAdded, store.EventChanged:
		tab, err := DecodeEntry(ev.Path, ev.Value)
		if err != nil {
			t.log.Warn("skipping malformed presence entry", zap.Error(err))
			t.mu.Unlock()
			return
		}
		t.raw.Add(tab)
	case store.EventRemoved:
		if _, userID, tabID, ok := model.ParsePresencePath(ev.Path); ok {
			t.raw.Remove(userID, tabID)
		}
	}
	t.refreshLocked()
}

func (t *Tracker) recheck() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.timer = t.clk.AfterFunc(t.cfg.RecheckInterval, t.recheck)
	t.refreshLocked()
}

// refreshLocked recomputes the active view and notifies observers when it
// changed. It releases t.mu.
func (t *Tracker) refreshLocked() {
	next := FilterActive(t.raw, t.clk.Now(), t.cfg.Threshold)
	if next.Equal(t.active) || t.closed {
		t.active = next
		t.mu.Unlock()
		return
	}
	t.active = next

	observers := make([]func(model.PresenceSnapshot), 0, len(t.observers))
	for _, fn := range t.observers {
		observers = append(observers, fn)
	}
	t.mu.Unlock()

	for _, fn := range observers {
		fn(next.Clone())
	}
}
