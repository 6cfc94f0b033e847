// Package lock arbitrates exclusive, expiring ownership of shared objects.
// Every decision is a single compare-and-set against the store, so two
// processes can never both believe they hold the same object.
package lock

import (
	"context"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"github.com/shared-canvas/backend/internal/clock"
	"github.com/shared-canvas/backend/internal/model"
	"github.com/shared-canvas/backend/internal/store"
)

// Default timings. The TTL matches the presence staleness threshold so a
// live editor's lock outlasts any stall presence tolerates.
const (
	DefaultTTL             = 30 * time.Second
	DefaultRefreshInterval = DefaultTTL / 3
)

// Config holds lock timings.
type Config struct {
	TTL             time.Duration
	RefreshInterval time.Duration
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics sets the metrics scope.
func WithMetrics(s tally.Scope) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.metrics = s
		}
	}
}

// Expired reports whether obj carries no lock that is honored at now.
func Expired(obj *model.LockableObject, now time.Time) bool {
	return obj.LockExpiresAt == nil || !obj.LockExpiresAt.After(now)
}

// Coordinator manages the locks of one document's objects.
type Coordinator struct {
	st      store.Store
	clk     clock.Clock
	docID   string
	cfg     Config
	log     *zap.Logger
	metrics tally.Scope

	acquired  tally.Counter
	contended tally.Counter
	released  tally.Counter
}

// NewCoordinator creates a Coordinator for docID.
func NewCoordinator(st store.Store, clk clock.Clock, docID string, cfg Config, opts ...Option) *Coordinator {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RefreshInterval <= 0 || cfg.RefreshInterval >= cfg.TTL {
		cfg.RefreshInterval = cfg.TTL / 3
	}

	c := &Coordinator{
		st:      st,
		clk:     clk,
		docID:   docID,
		cfg:     cfg,
		log:     zap.NewNop(),
		metrics: tally.NoopScope,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("docId", docID))
	c.acquired = c.metrics.Counter("lock.acquired")
	c.contended = c.metrics.Counter("lock.contended")
	c.released = c.metrics.Counter("lock.released")
	return c
}

// DocID returns the document the coordinator serves.
func (c *Coordinator) DocID() string {
	return c.docID
}

// TTL returns the lock lifetime granted by Acquire and Refresh.
func (c *Coordinator) TTL() time.Duration {
	return c.cfg.TTL
}

// Acquire takes the lock on objectID for userID. It succeeds when the object
// is unlocked, its lock has expired, or userID already holds it. Missing and
// removed objects cannot be locked. Contention is reported as false, not as
// an error.
func (c *Coordinator) Acquire(ctx context.Context, objectID, userID string) (bool, error) {
	now := c.clk.Now()
	expires := now.Add(c.cfg.TTL)

	_, ok, err := TransactObject(ctx, c.st, model.ObjectPath(c.docID, objectID), func(cur *model.LockableObject) (*model.LockableObject, bool) {
		if cur == nil || cur.Deleted {
			return nil, false
		}
		if holder, locked := cur.LockedAt(now); locked && holder != userID {
			return nil, false
		}
		next := *cur
		next.LockHolder = userID
		next.LockExpiresAt = &expires
		next.Version++
		return &next, true
	})
	if err != nil {
		return false, err
	}

	if ok {
		c.acquired.Inc(1)
		c.log.Debug("lock acquired", zap.String("objectId", objectID), zap.String("userId", userID))
	} else {
		c.contended.Inc(1)
	}
	return ok, nil
}

// Release clears the lock if userID is the recorded holder. Releasing a lock
// held by someone else, or not held at all, is a no-op.
func (c *Coordinator) Release(ctx context.Context, objectID, userID string) error {
	_, ok, err := c.releaseIf(ctx, objectID, func(cur *model.LockableObject) bool {
		return cur.LockHolder == userID
	})
	if err != nil {
		return err
	}
	if ok {
		c.log.Debug("lock released", zap.String("objectId", objectID), zap.String("userId", userID))
	}
	return nil
}

// ReleaseIf clears the lock when cond holds for the stored object. It is the
// hook the reaper uses to clear locks of holders it judged gone.
func (c *Coordinator) ReleaseIf(ctx context.Context, objectID string, cond func(cur *model.LockableObject) bool) (bool, error) {
	_, ok, err := c.releaseIf(ctx, objectID, cond)
	return ok, err
}

func (c *Coordinator) releaseIf(ctx context.Context, objectID string, cond func(cur *model.LockableObject) bool) (*model.LockableObject, bool, error) {
	obj, ok, err := TransactObject(ctx, c.st, model.ObjectPath(c.docID, objectID), func(cur *model.LockableObject) (*model.LockableObject, bool) {
		if cur == nil || cur.LockHolder == "" || !cond(cur) {
			return nil, false
		}
		next := *cur
		next.ClearLock()
		next.Version++
		return &next, true
	})
	if err != nil {
		return nil, false, err
	}
	if ok {
		c.released.Inc(1)
	}
	return obj, ok, nil
}

// Refresh extends userID's lock by a full TTL. It fails when another user has
// taken the object since, or the object was removed.
func (c *Coordinator) Refresh(ctx context.Context, objectID, userID string) (bool, error) {
	now := c.clk.Now()
	expires := now.Add(c.cfg.TTL)

	_, ok, err := TransactObject(ctx, c.st, model.ObjectPath(c.docID, objectID), func(cur *model.LockableObject) (*model.LockableObject, bool) {
		if cur == nil || cur.Deleted || cur.LockHolder != userID {
			return nil, false
		}
		next := *cur
		next.LockExpiresAt = &expires
		next.Version++
		return &next, true
	})
	return ok, err
}

// ReleaseAllHeldBy clears every lock in the document recorded for userID and
// returns how many were cleared.
func (c *Coordinator) ReleaseAllHeldBy(ctx context.Context, userID string) (int, error) {
	entries, err := c.st.List(ctx, model.ObjectsPrefix(c.docID))
	if err != nil {
		return 0, err
	}

	released := 0
	for _, e := range entries {
		obj, err := model.DecodeObject(e.Value)
		if err != nil || obj.LockHolder != userID {
			continue
		}
		_, ok, err := c.releaseIf(ctx, obj.ObjectID, func(cur *model.LockableObject) bool {
			return cur.LockHolder == userID
		})
		if err != nil {
			return released, err
		}
		if ok {
			released++
		}
	}
	if released > 0 {
		c.log.Info("released locks of departed user", zap.String("userId", userID), zap.Int("count", released))
	}
	return released, nil
}

// Verdict is the lock state of an object as seen by one user.
type Verdict int

const (
	// Unlocked means nobody holds an unexpired lock.
	Unlocked Verdict = iota
	// HeldBySelf means the user holds an unexpired lock.
	HeldBySelf
	// HeldByOther means a different user holds an unexpired lock.
	HeldByOther
)

// Check classifies obj's lock for userID at now.
func Check(obj *model.LockableObject, userID string, now time.Time) Verdict {
	holder, locked := obj.LockedAt(now)
	switch {
	case !locked:
		return Unlocked
	case holder == userID:
		return HeldBySelf
	default:
		return HeldByOther
	}
}

// Verdict classifies obj's lock for userID using the coordinator's clock.
func (c *Coordinator) Verdict(obj *model.LockableObject, userID string) Verdict {
	return Check(obj, userID, c.clk.Now())
}

// Now returns the coordinator's current time.
func (c *Coordinator) Now() time.Time {
	return c.clk.Now()
}
