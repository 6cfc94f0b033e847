package objects

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/shared-canvas/backend/internal/lock"
	"github.com/shared-canvas/backend/internal/model"
	"github.com/shared-canvas/backend/internal/store"
)

// ChangeType classifies an engine notification.
type ChangeType string

const (
	ChangeSnapshot ChangeType = "snapshot"
	ChangeAdded    ChangeType = "added"
	ChangeChanged  ChangeType = "changed"
	ChangeRemoved  ChangeType = "removed"
)

// Change is delivered to subscribers. Snapshot changes carry Objects; the
// others carry Object.
type Change struct {
	Type    ChangeType             `json:"type"`
	Object  *model.LockableObject  `json:"object,omitempty"`
	Objects []model.LockableObject `json:"objects,omitempty"`
}

type subscriber struct {
	fn func(Change)

	mu     sync.Mutex
	seen   map[string]int64
	closed bool
}

// deliver calls fn unless the subscriber already saw this version or newer.
func (s *subscriber) deliver(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if v, ok := s.seen[c.Object.ObjectID]; ok && v >= c.Object.Version {
		return
	}
	s.seen[c.Object.ObjectID] = c.Object.Version
	s.fn(c)
}

// forget clears the version guard of objects whose entry left the store, so
// a later object under the same id starts from scratch.
func (s *subscriber) forget(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.seen, id)
	}
}

// Engine is the merged object table of one document. Remote updates arrive
// through the store subscription; local writes are applied as soon as the
// store commits them. Either way an object is only replaced by a strictly
// newer version.
type Engine struct {
	repo *Repository
	st   store.Store
	log  *zap.Logger

	mu       sync.Mutex
	objects  map[string]model.LockableObject
	subs     map[int]*subscriber
	nextID   int
	follower *store.Follower
}

// NewEngine creates an Engine over repo's document.
func NewEngine(st store.Store, repo *Repository, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		repo:    repo,
		st:      st,
		log:     log.With(zap.String("docId", repo.DocID())),
		objects: make(map[string]model.LockableObject),
		subs:    make(map[int]*subscriber),
	}
}

// Start subscribes to the document's objects and loads the current snapshot
// before returning.
func (e *Engine) Start(ctx context.Context) error {
	f, err := store.Follow(ctx, e.st, model.ObjectsPrefix(e.repo.DocID()), e.handle, e.log)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.follower = f
	e.mu.Unlock()
	return nil
}

// Close stops following the store.
func (e *Engine) Close() {
	e.mu.Lock()
	f := e.follower
	e.follower = nil
	e.mu.Unlock()

	if f != nil {
		f.Stop()
	}
}

// Apply merges objects into the table. Each replaces the local copy only when
// its version is greater, so duplicates and stale deliveries are ignored.
func (e *Engine) Apply(objs ...model.LockableObject) {
	e.mu.Lock()
	var changes []Change
	for _, obj := range objs {
		if c, ok := e.mergeLocked(obj); ok {
			changes = append(changes, c)
		}
	}
	subs := e.subscribersLocked()
	e.mu.Unlock()

	e.publish(subs, changes)
}

func (e *Engine) mergeLocked(obj model.LockableObject) (Change, bool) {
	local, known := e.objects[obj.ObjectID]
	if known && obj.Version <= local.Version {
		return Change{}, false
	}
	e.objects[obj.ObjectID] = obj

	o := obj
	switch {
	case obj.Deleted && known && !local.Deleted:
		return Change{Type: ChangeRemoved, Object: &o}, true
	case obj.Deleted:
		return Change{}, false
	case !known || local.Deleted:
		return Change{Type: ChangeAdded, Object: &o}, true
	default:
		return Change{Type: ChangeChanged, Object: &o}, true
	}
}

// dropLocked forgets an object whose entry left the store.
func (e *Engine) dropLocked(objectID string) (Change, bool) {
	local, known := e.objects[objectID]
	if !known {
		return Change{}, false
	}
	delete(e.objects, objectID)
	if local.Deleted {
		return Change{}, false
	}
	local.Deleted = true
	local.Version++
	return Change{Type: ChangeRemoved, Object: &local}, true
}

func (e *Engine) handle(ev store.Event) {
	e.mu.Lock()
	var (
		changes []Change
		dropped []string
	)

	switch ev.Type {
	case store.EventSnapshot:
		present := make(map[string]bool, len(ev.Entries))
		for _, entry := range ev.Entries {
			obj, err := model.DecodeObject(entry.Value)
			if err != nil {
				e.log.Warn("skipping malformed object", zap.String("path", entry.Path), zap.Error(err))
				continue
			}
			present[obj.ObjectID] = true
			if c, ok := e.mergeLocked(obj); ok {
				changes = append(changes, c)
			}
		}
		for id := range e.objects {
			if present[id] {
				continue
			}
			dropped = append(dropped, id)
			if c, ok := e.dropLocked(id); ok {
				changes = append(changes, c)
			}
		}
	case store.EventAdded, store.EventChanged:
		obj, err := model.DecodeObject(ev.Value)
		if err != nil {
			e.log.Warn("skipping malformed object", zap.String("path", ev.Path), zap.Error(err))
			break
		}
		if c, ok := e.mergeLocked(obj); ok {
			changes = append(changes, c)
		}
	case store.EventRemoved:
		if _, objectID, ok := model.ParseObjectPath(ev.Path); ok {
			dropped = append(dropped, objectID)
			if c, ok := e.dropLocked(objectID); ok {
				changes = append(changes, c)
			}
		}
	}

	subs := e.subscribersLocked()
	e.mu.Unlock()

	e.publish(subs, changes)
	if len(dropped) > 0 {
		for _, s := range subs {
			s.forget(dropped)
		}
	}
}

func (e *Engine) subscribersLocked() []*subscriber {
	subs := make([]*subscriber, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	return subs
}

func (e *Engine) publish(subs []*subscriber, changes []Change) {
	for _, c := range changes {
		for _, s := range subs {
			s.deliver(c)
		}
	}
}

// Subscribe delivers a snapshot of the live objects to fn immediately, then
// every later add, change and removal. fn never sees an object version older
// than one it already saw. fn must not call back into the engine.
func (e *Engine) Subscribe(fn func(Change)) func() {
	s := &subscriber{fn: fn, seen: make(map[string]int64)}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = s

	live := e.liveLocked()
	for _, obj := range e.objects {
		s.seen[obj.ObjectID] = obj.Version
	}
	s.mu.Lock()
	e.mu.Unlock()

	fn(Change{Type: ChangeSnapshot, Objects: live})
	s.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	}
}

// Objects returns the live objects ordered by id.
func (e *Engine) Objects() []model.LockableObject {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liveLocked()
}

// Get returns a live object from the local table.
func (e *Engine) Get(objectID string) (model.LockableObject, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	obj, ok := e.objects[objectID]
	if !ok || obj.Deleted {
		return model.LockableObject{}, false
	}
	return obj, true
}

func (e *Engine) liveLocked() []model.LockableObject {
	live := make([]model.LockableObject, 0, len(e.objects))
	for _, obj := range e.objects {
		if !obj.Deleted {
			live = append(live, obj)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ObjectID < live[j].ObjectID })
	return live
}

// ProposeMutation applies patch on behalf of userID, who must hold the lock.
// When the local table already shows another holder or a tombstone the
// proposal is rejected without a round trip. A committed mutation is merged
// locally before returning.
func (e *Engine) ProposeMutation(ctx context.Context, objectID, userID string, patch model.ShapePatch) (MutationResult, error) {
	e.mu.Lock()
	local, known := e.objects[objectID]
	e.mu.Unlock()

	if known {
		if local.Deleted {
			return MutationResult{Object: &local, Rejected: true, Reason: ReasonRemoved}, nil
		}
		if e.repo.coord.Verdict(&local, userID) == lock.HeldByOther {
			return MutationResult{Object: &local, Rejected: true, Reason: ReasonLocked}, nil
		}
	}

	res, err := e.repo.Mutate(ctx, objectID, userID, patch)
	if err != nil {
		return MutationResult{}, err
	}
	if res.Object != nil {
		e.Apply(*res.Object)
	}
	return res, nil
}

// Create stores a new object and merges it locally.
func (e *Engine) Create(ctx context.Context, ownerID string, shape model.Shape) (model.LockableObject, error) {
	obj, err := e.repo.Create(ctx, ownerID, shape)
	if err != nil {
		return model.LockableObject{}, err
	}
	e.Apply(obj)
	return obj, nil
}

// Remove tombstones an object and merges the tombstone locally.
func (e *Engine) Remove(ctx context.Context, objectID, userID string) (bool, error) {
	obj, ok, err := e.repo.Remove(ctx, objectID, userID)
	if err != nil || !ok {
		return false, err
	}
	e.Apply(obj)
	return true, nil
}
