package watchdog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap/zaptest"

	"github.com/shared-canvas/backend/internal/clock"
	"github.com/shared-canvas/backend/internal/lock"
	"github.com/shared-canvas/backend/internal/model"
	"github.com/shared-canvas/backend/internal/objects"
	"github.com/shared-canvas/backend/internal/presence"
	"github.com/shared-canvas/backend/internal/session"
	"github.com/shared-canvas/backend/internal/store"
)

const (
	heartbeat = 5 * time.Second
	threshold = 6 * heartbeat
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var rect = model.Shape{Type: "rect", Width: 10, Height: 10}

type world struct {
	st    store.Store
	clk   *clock.Fake
	coord *lock.Coordinator
	repo  *objects.Repository
	scope tally.TestScope
}

func newWorld(t *testing.T) *world {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	clk := clock.NewFake(epoch)
	coord := lock.NewCoordinator(st, clk, "doc1", lock.Config{TTL: threshold})
	return &world{
		st:    st,
		clk:   clk,
		coord: coord,
		repo:  objects.NewRepository(st, coord, nil),
		scope: tally.NewTestScope("", nil),
	}
}

func (w *world) reaper(t *testing.T) *Reaper {
	return NewReaper(w.st, w.clk, ReaperConfig{Threshold: threshold, Interval: 2 * heartbeat}, nil, zaptest.NewLogger(t), w.scope)
}

func (w *world) join(t *testing.T, userID, tabID string) *session.Manager {
	t.Helper()
	m := session.NewManager(w.st, w.clk, session.Config{DocID: "doc1", TabID: tabID, HeartbeatInterval: heartbeat})
	_, err := m.Start(context.Background(), model.Identity{UserID: userID})
	require.NoError(t, err)
	return m
}

func (w *world) putTab(t *testing.T, docID string, tab model.TabSession) {
	t.Helper()
	b, err := json.Marshal(tab)
	require.NoError(t, err)
	require.NoError(t, w.st.Set(context.Background(), model.PresencePath(docID, tab.UserID, tab.TabID), b))
}

func TestReaper_RemovesStaleSessionsOnly(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	w.putTab(t, "doc1", model.TabSession{UserID: "ann", TabID: "t1", LastHeartbeat: epoch.Add(-threshold)})
	w.putTab(t, "doc2", model.TabSession{UserID: "bob", TabID: "t1", LastHeartbeat: epoch.Add(-time.Hour)})
	w.putTab(t, "doc1", model.TabSession{UserID: "cy", TabID: "t1", LastHeartbeat: epoch.Add(-threshold + time.Second)})

	res, err := w.reaper(t).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.SessionsRemoved)

	entries, err := w.st.List(ctx, model.PresenceRoot)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, model.PresencePath("doc1", "cy", "t1"), entries[0].Path)
}

func TestReaper_ClearsOrphanedAndExpiredLocks(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	for _, id := range []string{"gone", "live", "expired"} {
		_, err := w.repo.CreateWithID(ctx, id, "ann", rect)
		require.NoError(t, err)
	}
	w.join(t, "ann", "t1")

	for _, c := range []struct{ obj, user string }{{"gone", "ghost"}, {"live", "ann"}, {"expired", "ann"}} {
		ok, err := w.coord.Acquire(ctx, c.obj, c.user)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// Make one of ann's locks expire while ann stays present.
	expired, err := w.repo.Get(ctx, "expired")
	require.NoError(t, err)
	past := epoch.Add(-time.Second)
	expired.LockExpiresAt = &past
	b, _ := model.EncodeObject(expired)
	require.NoError(t, w.st.Set(ctx, model.ObjectPath("doc1", "expired"), b))

	res, err := w.reaper(t).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.LocksCleared)

	for id, holder := range map[string]string{"gone": "", "live": "ann", "expired": ""} {
		obj, err := w.repo.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, holder, obj.LockHolder, id)
	}
}

func TestReaper_CollectsOldTombstones(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	_, err := w.repo.CreateWithID(ctx, "r1", "ann", rect)
	require.NoError(t, err)
	_, _, err = w.repo.Remove(ctx, "r1", "ann")
	require.NoError(t, err)

	r := NewReaper(w.st, w.clk, ReaperConfig{Threshold: threshold, TombstoneRetention: time.Hour}, nil, zaptest.NewLogger(t), w.scope)

	res, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, res.TombstonesCollected)

	w.clk.Advance(time.Hour)
	res, err = r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.TombstonesCollected)

	_, err = w.repo.Get(ctx, "r1")
	require.ErrorIs(t, err, model.ErrObjectNotFound)

	require.EqualValues(t, 1, counter(w.scope, "reaper.tombstones_collected"))
}

// Ann locks r1, Bob is refused, Ann's connection drops, the watchdog clears
// her lock and Bob gets it.
func TestScenario_WatchdogFreesLockOfDisconnectedHolder(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	_, err := w.repo.CreateWithID(ctx, "r1", "ann", rect)
	require.NoError(t, err)

	tracker := presence.NewTracker(w.st, w.clk, "doc1", presence.Config{Threshold: threshold}, nil)
	require.NoError(t, tracker.Start(ctx))
	defer tracker.Close()

	ann := w.join(t, "ann", "ann-tab")
	w.join(t, "bob", "bob-tab")

	ok, err := w.coord.Acquire(ctx, "r1", "ann")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = w.coord.Acquire(ctx, "r1", "bob")
	require.NoError(t, err)
	require.False(t, ok)

	wd := New(Config{InitialInterval: time.Millisecond}, zaptest.NewLogger(t), nil)
	wd.Register("ann-tab", DisconnectActions(ann, w.coord, tracker)...)
	require.True(t, wd.Fire("ann-tab"))
	require.NoError(t, wd.Close(ctx))

	require.False(t, ann.Running())
	ok, err = w.coord.Acquire(ctx, "r1", "bob")
	require.NoError(t, err)
	require.True(t, ok)
}

// Same story when the gateway itself dies: nothing fires, and the reaper
// cleans up once Ann's presence goes stale.
func TestScenario_ReaperFreesLockAfterCrash(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	_, err := w.repo.CreateWithID(ctx, "r1", "ann", rect)
	require.NoError(t, err)

	w.putTab(t, "doc1", model.TabSession{UserID: "ann", TabID: "ann-tab", LastHeartbeat: epoch})
	bob := w.join(t, "bob", "bob-tab")
	defer bob.Stop(ctx)

	ok, err := w.coord.Acquire(ctx, "r1", "ann")
	require.NoError(t, err)
	require.True(t, ok)

	r := w.reaper(t)
	w.clk.Advance(threshold - time.Second)
	_, err = r.Sweep(ctx)
	require.NoError(t, err)
	ok, err = w.coord.Acquire(ctx, "r1", "bob")
	require.NoError(t, err)
	require.False(t, ok)

	w.clk.Advance(time.Second)
	res, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.SessionsRemoved)
	require.Equal(t, 1, res.LocksCleared)

	ok, err = w.coord.Acquire(ctx, "r1", "bob")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDisconnectActions_KeepLocksWhileAnotherTabIsActive(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	_, err := w.repo.CreateWithID(ctx, "r1", "ann", rect)
	require.NoError(t, err)

	tracker := presence.NewTracker(w.st, w.clk, "doc1", presence.Config{Threshold: threshold}, nil)
	require.NoError(t, tracker.Start(ctx))
	defer tracker.Close()

	first := w.join(t, "ann", "t1")
	w.join(t, "ann", "t2")
	require.Eventually(t, func() bool { return tracker.Active().TabCount("ann") == 2 }, time.Second, 5*time.Millisecond)

	ok, err := w.coord.Acquire(ctx, "r1", "ann")
	require.NoError(t, err)
	require.True(t, ok)

	for _, action := range DisconnectActions(first, w.coord, tracker) {
		require.NoError(t, action(ctx))
	}

	obj, err := w.repo.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "ann", obj.LockHolder)
}

func jsonTab(tab model.TabSession) ([]byte, error) {
	return json.Marshal(tab)
}
