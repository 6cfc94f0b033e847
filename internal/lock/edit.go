package lock

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/shared-canvas/backend/internal/clock"
)

// Edit is an in-progress interaction holding a lock. While it lasts the lock
// is refreshed every RefreshInterval.
type Edit struct {
	c        *Coordinator
	objectID string
	userID   string

	mu    sync.Mutex
	timer clock.Timer
	ended bool
	lost  bool
}

// BeginEdit acquires objectID for userID and starts refreshing it. It returns
// false when the object is locked by someone else.
func (c *Coordinator) BeginEdit(ctx context.Context, objectID, userID string) (*Edit, bool, error) {
	ok, err := c.Acquire(ctx, objectID, userID)
	if err != nil || !ok {
		return nil, false, err
	}

	e := &Edit{c: c, objectID: objectID, userID: userID}
	e.mu.Lock()
	e.timer = c.clk.AfterFunc(c.cfg.RefreshInterval, e.refresh)
	e.mu.Unlock()
	return e, true, nil
}

// ObjectID returns the edited object.
func (e *Edit) ObjectID() string {
	return e.objectID
}

// Lost reports whether a refresh found the lock taken or the object gone.
func (e *Edit) Lost() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lost
}

// End stops refreshing and releases the lock. The refresh timer is cancelled
// before End returns. Ending twice is a no-op.
func (e *Edit) End(ctx context.Context) error {
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return nil
	}
	e.ended = true
	e.timer.Stop()
	lost := e.lost
	e.mu.Unlock()

	if lost {
		return nil
	}
	return e.c.Release(ctx, e.objectID, e.userID)
}

func (e *Edit) refresh() {
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	ok, err := e.c.Refresh(context.Background(), e.objectID, e.userID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return
	}
	switch {
	case err != nil:
		e.c.log.Warn("lock refresh failed", zap.String("objectId", e.objectID), zap.Error(err))
	case !ok:
		e.lost = true
		e.c.log.Info("lock lost during edit", zap.String("objectId", e.objectID), zap.String("userId", e.userID))
		return
	}
	e.timer = e.c.clk.AfterFunc(e.c.cfg.RefreshInterval, e.refresh)
}
