package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shared-canvas/backend/internal/clock"
	"github.com/shared-canvas/backend/internal/model"
	"github.com/shared-canvas/backend/internal/store"
)

func putTab(t *testing.T, st store.Store, tab model.TabSession) {
	t.Helper()
	b, err := json.Marshal(tab)
	require.NoError(t, err)
	require.NoError(t, st.Set(context.Background(), model.PresencePath("d1", tab.UserID, tab.TabID), b))
}

type changes struct {
	mu   sync.Mutex
	seen []model.PresenceSnapshot
}

func (c *changes) add(s model.PresenceSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, s)
}

func (c *changes) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *changes) last() model.PresenceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[len(c.seen)-1]
}

func newTracker(t *testing.T, st store.Store, clk *clock.Fake) *Tracker {
	tr := NewTracker(st, clk, "d1", Config{Threshold: threshold, RecheckInterval: heartbeat}, zaptest.NewLogger(t))
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(tr.Close)
	return tr
}

func TestTracker_LoadsSnapshotOnStart(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	clk := clock.NewFake(epoch)

	putTab(t, st, model.TabSession{UserID: "u1", TabID: "t1", LastHeartbeat: epoch})
	putTab(t, st, model.TabSession{UserID: "u2", TabID: "t1", LastHeartbeat: epoch.Add(-time.Hour)})

	tr := newTracker(t, st, clk)
	require.Equal(t, []string{"u1"}, tr.Active().Users())
}

func TestTracker_NotifiesOnJoinAndLeave(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	clk := clock.NewFake(epoch)
	tr := newTracker(t, st, clk)

	var c changes
	defer tr.OnChange(c.add)()

	putTab(t, st, model.TabSession{UserID: "u1", TabID: "t1", LastHeartbeat: epoch})
	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, c.last().Has("u1"))

	// A heartbeat alone does not change the active view.
	putTab(t, st, model.TabSession{UserID: "u1", TabID: "t1", LastHeartbeat: epoch.Add(time.Second)})
	require.NoError(t, st.Remove(context.Background(), model.PresencePath("d1", "u1", "t1")))
	require.Eventually(t, func() bool { return c.count() == 2 }, time.Second, 5*time.Millisecond)
	require.False(t, c.last().Has("u1"))
}

func TestTracker_AgesOutSilentTabs(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	clk := clock.NewFake(epoch)

	putTab(t, st, model.TabSession{UserID: "u1", TabID: "t1", LastHeartbeat: epoch})
	tr := newTracker(t, st, clk)

	var c changes
	defer tr.OnChange(c.add)()

	clk.Advance(threshold - heartbeat)
	require.True(t, tr.Active().Has("u1"))
	require.Zero(t, c.count())

	clk.Advance(heartbeat)
	require.False(t, tr.Active().Has("u1"))
	require.Equal(t, 1, c.count())
}

func TestTracker_MultiTabUserStaysPresent(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	clk := clock.NewFake(epoch)
	tr := newTracker(t, st, clk)
	ctx := context.Background()

	for _, tab := range []string{"t1", "t2", "t3"} {
		putTab(t, st, model.TabSession{UserID: "u1", TabID: tab, LastHeartbeat: epoch})
	}
	require.Eventually(t, func() bool { return tr.Active().TabCount("u1") == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, st.Remove(ctx, model.PresencePath("d1", "u1", "t1")))
	require.NoError(t, st.Remove(ctx, model.PresencePath("d1", "u1", "t2")))
	require.Eventually(t, func() bool { return tr.Active().TabCount("u1") == 1 }, time.Second, 5*time.Millisecond)

	require.True(t, tr.Active().Has("u1"))
	require.True(t, tr.HasOtherActiveTab("u1", "t1"))
	require.False(t, tr.HasOtherActiveTab("u1", "t3"))
}
