package watchdog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shared-canvas/backend/internal/clock"
	"github.com/shared-canvas/backend/internal/model"
	"github.com/shared-canvas/backend/internal/store"
)

// Lease is the record stored at the election path.
type Lease struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Elector holds an expiring lease in the store so that one process at a time
// runs the reaper.
type Elector struct {
	st   store.Store
	clk  clock.Clock
	id   string
	ttl  time.Duration
	path string
}

// NewElector creates an Elector competing as id.
func NewElector(st store.Store, clk clock.Clock, id string, ttl time.Duration) *Elector {
	return &Elector{st: st, clk: clk, id: id, ttl: ttl, path: model.ReaperLeasePath}
}

// ID returns the identity this elector competes under.
func (e *Elector) ID() string {
	return e.id
}

// TryAcquire takes or renews the lease. It reports false while another
// holder's lease is unexpired.
func (e *Elector) TryAcquire(ctx context.Context) (bool, error) {
	now := e.clk.Now()
	next, err := json.Marshal(Lease{Holder: e.id, ExpiresAt: now.Add(e.ttl)})
	if err != nil {
		return false, err
	}

	return e.st.Transact(ctx, e.path, func(current []byte, exists bool) ([]byte, bool) {
		if exists {
			var cur Lease
			if err := json.Unmarshal(current, &cur); err == nil && cur.Holder != e.id && cur.ExpiresAt.After(now) {
				return nil, false
			}
		}
		return next, true
	})
}

// Release gives the lease up if this elector holds it.
func (e *Elector) Release(ctx context.Context) error {
	_, err := e.st.Transact(ctx, e.path, func(current []byte, exists bool) ([]byte, bool) {
		if !exists {
			return nil, false
		}
		var cur Lease
		if err := json.Unmarshal(current, &cur); err != nil || cur.Holder != e.id {
			return nil, false
		}
		return nil, true
	})
	return err
}
