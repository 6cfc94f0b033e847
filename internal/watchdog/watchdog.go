// Package watchdog guarantees presence and lock cleanup for tabs that vanish
// without an orderly stop. The Watchdog runs registered actions when a
// connection drops; the Reaper is the periodic fallback for everything the
// watchdog could not see, such as a crashed gateway process.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"github.com/shared-canvas/backend/internal/lock"
	"github.com/shared-canvas/backend/internal/session"
)

// Action is one cleanup step run after an involuntary disconnect. Returning
// an error schedules a retry.
type Action func(ctx context.Context) error

// Config controls how long a fired watchdog keeps retrying.
type Config struct {
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

// Watchdog holds the disconnect actions of every live tab in this process.
type Watchdog struct {
	cfg   Config
	log   *zap.Logger
	fired tally.Counter

	mu      sync.Mutex
	actions map[string][]Action
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Watchdog.
func New(cfg Config, log *zap.Logger, scope tally.Scope) *Watchdog {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watchdog{
		cfg:     cfg,
		log:     log,
		fired:   scope.Counter("watchdog.fired"),
		actions: make(map[string][]Action),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register arms the cleanup actions for the tab named by key, replacing earlier
// ones. Callers pick a key that is unique per tab, such as its presence path.
func (w *Watchdog) Register(key string, actions ...Action) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.actions[key] = actions
}

// Cancel disarms key after an orderly stop.
func (w *Watchdog) Cancel(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.actions, key)
}

// Armed reports whether key has actions registered.
func (w *Watchdog) Armed(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.actions[key]
	return ok
}

// Fire disarms key and runs its actions in the background, in order, each
// retried with exponential backoff until it succeeds or MaxElapsed passes.
// It reports false when nothing was armed for key.
func (w *Watchdog) Fire(key string) bool {
	w.mu.Lock()
	actions, ok := w.actions[key]
	delete(w.actions, key)
	if !ok || w.closed {
		w.mu.Unlock()
		return false
	}
	w.wg.Add(1)
	w.mu.Unlock()

	w.fired.Inc(1)
	w.log.Info("connection lost, running cleanup", zap.String("tab", key), zap.Int("actions", len(actions)))

	go func() {
		defer w.wg.Done()
		for i, action := range actions {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = w.cfg.InitialInterval
			b.MaxElapsedTime = w.cfg.MaxElapsed

			err := backoff.RetryNotify(func() error {
				return action(w.ctx)
			}, backoff.WithContext(b, w.ctx), func(err error, d time.Duration) {
				w.log.Warn("cleanup action failed, retrying",
					zap.String("tab", key), zap.Int("action", i), zap.Duration("backoff", d), zap.Error(err))
			})
			if err != nil {
				// The reaper picks up whatever is left.
				w.log.Error("cleanup action abandoned", zap.String("tab", key), zap.Int("action", i), zap.Error(err))
			}
		}
	}()
	return true
}

// Close stops accepting fires and waits for running actions. If ctx ends
// first, running actions are cancelled.
func (w *Watchdog) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-done
		return ctx.Err()
	}
}

// PresenceView answers whether a user is still present elsewhere.
type PresenceView interface {
	HasOtherActiveTab(userID, tabID string) bool
}

// DisconnectActions builds the cleanup for a lost tab: remove its presence
// record, then release the user's locks unless another of their tabs is
// still active.
func DisconnectActions(mgr *session.Manager, coord *lock.Coordinator, view PresenceView) []Action {
	stop := func(ctx context.Context) error {
		return mgr.Stop(ctx)
	}
	release := func(ctx context.Context) error {
		s := mgr.Session()
		if view != nil && view.HasOtherActiveTab(s.UserID, s.TabID) {
			return nil
		}
		_, err := coord.ReleaseAllHeldBy(ctx, s.UserID)
		return err
	}
	return []Action{stop, release}
}
