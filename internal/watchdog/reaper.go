package watchdog

import (
	"context"
	"fmt"
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

// ReaperConfig controls the stale sweep.
type ReaperConfig struct {
	// Threshold is the presence staleness threshold.
	Threshold time.Duration
	// Interval between sweeps.
	Interval time.Duration
	// TombstoneRetention is how long removed objects are kept.
	TombstoneRetention time.Duration
}

// SweepResult counts what one sweep cleaned up.
type SweepResult struct {
	SessionsRemoved     int
	LocksCleared        int
	TombstonesCollected int
}

// Reaper deletes stale tab sessions, clears locks whose holder is gone or
// expired, and collects old tombstones, across every document in the store.
type Reaper struct {
	st      store.Store
	clk     clock.Clock
	cfg     ReaperConfig
	elector *Elector
	log     *zap.Logger

	sessionsRemoved     tally.Counter
	locksCleared        tally.Counter
	tombstonesCollected tally.Counter
}

// NewReaper creates a Reaper. A nil elector sweeps unconditionally.
func NewReaper(st store.Store, clk clock.Clock, cfg ReaperConfig, elector *Elector, log *zap.Logger, scope tally.Scope) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.Threshold / 3
	}
	if cfg.TombstoneRetention <= 0 {
		cfg.TombstoneRetention = 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	return &Reaper{
		st:                  st,
		clk:                 clk,
		cfg:                 cfg,
		elector:             elector,
		log:                 log.Named("reaper"),
		sessionsRemoved:     scope.Counter("reaper.sessions_removed"),
		locksCleared:        scope.Counter("reaper.locks_cleared"),
		tombstonesCollected: scope.Counter("reaper.tombstones_collected"),
	}
}

// Sweep runs one cleanup pass.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := r.clk.Now()

	active, removed, err := r.sweepPresence(ctx, now)
	res.SessionsRemoved = removed
	r.sessionsRemoved.Inc(int64(removed))
	if err != nil {
		return res, err
	}

	cleared, collected, err := r.sweepObjects(ctx, now, active)
	res.LocksCleared = cleared
	res.TombstonesCollected = collected
	r.locksCleared.Inc(int64(cleared))
	r.tombstonesCollected.Inc(int64(collected))
	if err != nil {
		return res, err
	}

	if res != (SweepResult{}) {
		r.log.Info("sweep finished",
			zap.Int("sessionsRemoved", res.SessionsRemoved),
			zap.Int("locksCleared", res.LocksCleared),
			zap.Int("tombstonesCollected", res.TombstonesCollected))
	}
	return res, nil
}

// sweepPresence deletes stale sessions and returns the active snapshot of
// every document. A session that heartbeats between the listing and its
// deletion survives, because the deletion rechecks staleness atomically.
func (r *Reaper) sweepPresence(ctx context.Context, now time.Time) (map[string]model.PresenceSnapshot, int, error) {
	entries, err := r.st.List(ctx, model.PresenceRoot)
	if err != nil {
		return nil, 0, fmt.Errorf("list presence: %w", err)
	}

	active := make(map[string]model.PresenceSnapshot)
	removed := 0
	for _, e := range entries {
		docID, _, _, ok := model.ParsePresencePath(e.Path)
		if !ok {
			continue
		}
		tab, err := presence.DecodeEntry(e.Path, e.Value)
		if err != nil {
			r.log.Warn("skipping malformed presence entry", zap.String("path", e.Path), zap.Error(err))
			continue
		}
		if presence.IsActive(tab, now, r.cfg.Threshold) {
			if active[docID] == nil {
				active[docID] = make(model.PresenceSnapshot)
			}
			active[docID].Add(tab)
			continue
		}

		deleted, err := r.st.Transact(ctx, e.Path, func(current []byte, exists bool) ([]byte, bool) {
			if !exists {
				return nil, false
			}
			cur, err := presence.DecodeEntry(e.Path, current)
			if err == nil && presence.IsActive(cur, now, r.cfg.Threshold) {
				return nil, false
			}
			return nil, true
		})
		if err != nil {
			return active, removed, fmt.Errorf("remove stale session %s: %w", e.Path, err)
		}
		if deleted {
			removed++
			r.log.Debug("removed stale session", zap.String("path", e.Path))
		}
	}
	return active, removed, nil
}

func (r *Reaper) sweepObjects(ctx context.Context, now time.Time, active map[string]model.PresenceSnapshot) (int, int, error) {
	entries, err := r.st.List(ctx, model.DocumentsRoot)
	if err != nil {
		return 0, 0, fmt.Errorf("list objects: %w", err)
	}

	coords := make(map[string]*lock.Coordinator)
	repoFor := func(docID string) (*lock.Coordinator, *objects.Repository) {
		c, ok := coords[docID]
		if !ok {
			c = lock.NewCoordinator(r.st, r.clk, docID, lock.Config{})
			coords[docID] = c
		}
		return c, objects.NewRepository(r.st, c, r.log)
	}

	cutoff := now.Add(-r.cfg.TombstoneRetention)
	cleared, collected := 0, 0
	for _, e := range entries {
		docID, objectID, ok := model.ParseObjectPath(e.Path)
		if !ok {
			continue
		}
		obj, err := model.DecodeObject(e.Value)
		if err != nil {
			r.log.Warn("skipping malformed object", zap.String("path", e.Path), zap.Error(err))
			continue
		}
		coord, repo := repoFor(docID)

		if obj.Deleted {
			if obj.DeletedAt != nil && !obj.DeletedAt.After(cutoff) {
				ok, err := repo.Purge(ctx, objectID, cutoff)
				if err != nil {
					return cleared, collected, fmt.Errorf("collect tombstone %s: %w", e.Path, err)
				}
				if ok {
					collected++
				}
			}
			continue
		}

		if obj.LockHolder == "" {
			continue
		}
		holder := obj.LockHolder
		present := active[docID].Has(holder)
		if present && !lock.Expired(&obj, now) {
			continue
		}
		ok, err = coord.ReleaseIf(ctx, objectID, func(cur *model.LockableObject) bool {
			return cur.LockHolder == holder && (!present || lock.Expired(cur, now))
		})
		if err != nil {
			return cleared, collected, fmt.Errorf("clear lock %s: %w", e.Path, err)
		}
		if ok {
			cleared++
			r.log.Debug("cleared orphaned lock", zap.String("path", e.Path), zap.String("holder", holder))
		}
	}
	return cleared, collected, nil
}

// Run sweeps every Interval while this process holds the reaper lease, until
// ctx is cancelled. The lease is released on the way out.
func (r *Reaper) Run(ctx context.Context) {
	tick := make(chan struct{}, 1)
	for {
		if r.leading(ctx) {
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("sweep failed", zap.Error(err))
			}
		}

		t := r.clk.AfterFunc(r.cfg.Interval, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
		})
		select {
		case <-ctx.Done():
			t.Stop()
			if r.elector != nil {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				r.elector.Release(releaseCtx)
				cancel()
			}
			return
		case <-tick:
		}
	}
}

func (r *Reaper) leading(ctx context.Context) bool {
	if r.elector == nil {
		return true
	}
	ok, err := r.elector.TryAcquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("reaper election failed", zap.Error(err))
		}
		return false
	}
	return ok
}
