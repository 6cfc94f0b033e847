package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"github.com/shared-canvas/backend/internal/clock"
	"github.com/shared-canvas/backend/internal/lock"
	"github.com/shared-canvas/backend/internal/model"
	"github.com/shared-canvas/backend/internal/objects"
	"github.com/shared-canvas/backend/internal/presence"
	"github.com/shared-canvas/backend/internal/store"
)

// Timing carries the presence and lock intervals shared by every room.
type Timing struct {
	HeartbeatInterval   time.Duration
	CursorThrottle      time.Duration
	StalenessThreshold  time.Duration
	LockTTL             time.Duration
	LockRefreshInterval time.Duration
}

// Room is the per-document state of this process.
type Room struct {
	docID   string
	hub     *Hub
	coord   *lock.Coordinator
	repo    *objects.Repository
	engine  *objects.Engine
	tracker *presence.Tracker

	stopPresence func()
	refs         int
}

// DocID returns the room's document.
func (r *Room) DocID() string { return r.docID }

// Hub returns the room's client hub.
func (r *Room) Hub() *Hub { return r.hub }

// Coordinator returns the room's lock coordinator.
func (r *Room) Coordinator() *lock.Coordinator { return r.coord }

// Engine returns the room's object engine.
func (r *Room) Engine() *objects.Engine { return r.engine }

// Tracker returns the room's presence tracker.
func (r *Room) Tracker() *presence.Tracker { return r.tracker }

func (r *Room) close() {
	r.stopPresence()
	r.tracker.Close()
	r.engine.Close()
	r.hub.Close()
}

// Rooms holds the open rooms of this process.
type Rooms struct {
	st      store.Store
	clk     clock.Clock
	timing  Timing
	log     *zap.Logger
	metrics tally.Scope

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRooms creates an empty room set.
func NewRooms(st store.Store, clk clock.Clock, timing Timing, log *zap.Logger, metrics tally.Scope) *Rooms {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = tally.NoopScope
	}
	return &Rooms{
		st:      st,
		clk:     clk,
		timing:  timing,
		log:     log,
		metrics: metrics,
		rooms:   make(map[string]*Room),
	}
}

// GetOrCreate returns the room of docID, opening it if needed. Every call
// must be paired with Release.
func (rs *Rooms) GetOrCreate(ctx context.Context, docID string) (*Room, error) {
	if err := model.ValidateID(docID); err != nil {
		return nil, fmt.Errorf("document id: %w", err)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if room, ok := rs.rooms[docID]; ok {
		room.refs++
		return room, nil
	}

	room, err := rs.open(ctx, docID)
	if err != nil {
		return nil, err
	}
	room.refs = 1
	rs.rooms[docID] = room
	rs.log.Info("room opened", zap.String("docId", docID))
	return room, nil
}

func (rs *Rooms) open(ctx context.Context, docID string) (*Room, error) {
	coord := lock.NewCoordinator(rs.st, rs.clk, docID, lock.Config{
		TTL:             rs.timing.LockTTL,
		RefreshInterval: rs.timing.LockRefreshInterval,
	}, lock.WithLogger(rs.log), lock.WithMetrics(rs.metrics))
	repo := objects.NewRepository(rs.st, coord, rs.log)
	engine := objects.NewEngine(rs.st, repo, rs.log)
	tracker := presence.NewTracker(rs.st, rs.clk, docID, presence.Config{
		Threshold:       rs.timing.StalenessThreshold,
		RecheckInterval: rs.timing.HeartbeatInterval,
	}, rs.log)

	if err := engine.Start(ctx); err != nil {
		return nil, fmt.Errorf("start object engine: %w", err)
	}
	if err := tracker.Start(ctx); err != nil {
		engine.Close()
		return nil, fmt.Errorf("start presence tracker: %w", err)
	}

	hub := NewHub(docID)
	stop := tracker.OnChange(func(s model.PresenceSnapshot) {
		if err := hub.BroadcastMessage(presenceMessage(s)); err != nil {
			rs.log.Warn("failed to broadcast presence", zap.String("docId", docID), zap.Error(err))
		}
	})

	return &Room{
		docID:        docID,
		hub:          hub,
		coord:        coord,
		repo:         repo,
		engine:       engine,
		tracker:      tracker,
		stopPresence: stop,
	}, nil
}

// Release drops one reference to room, closing it with the last one.
func (rs *Rooms) Release(room *Room) {
	rs.mu.Lock()
	room.refs--
	last := room.refs <= 0
	if last && rs.rooms[room.docID] == room {
		delete(rs.rooms, room.docID)
	}
	rs.mu.Unlock()

	if last {
		room.close()
		rs.log.Info("room closed", zap.String("docId", room.docID))
	}
}

// Len returns the number of open rooms.
func (rs *Rooms) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.rooms)
}

// Close closes every room regardless of references.
func (rs *Rooms) Close() {
	rs.mu.Lock()
	rooms := make([]*Room, 0, len(rs.rooms))
	for _, room := range rs.rooms {
		rooms = append(rooms, room)
	}
	rs.rooms = make(map[string]*Room)
	rs.mu.Unlock()

	for _, room := range rooms {
		room.close()
	}
}
