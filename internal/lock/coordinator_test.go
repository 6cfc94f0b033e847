package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap/zaptest"

	"github.com/shared-canvas/backend/internal/clock"
	"github.com/shared-canvas/backend/internal/model"
	"github.com/shared-canvas/backend/internal/store"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func setupCoordinator(t *testing.T) (*Coordinator, store.Store, *clock.Fake, tally.TestScope) {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	clk := clock.NewFake(epoch)
	scope := tally.NewTestScope("", nil)
	c := NewCoordinator(st, clk, "doc1", Config{TTL: 30 * time.Second, RefreshInterval: 10 * time.Second},
		WithLogger(zaptest.NewLogger(t)), WithMetrics(scope))
	return c, st, clk, scope
}

func putObject(t *testing.T, st store.Store, obj model.LockableObject) {
	t.Helper()
	if obj.DocID == "" {
		obj.DocID = "doc1"
	}
	if obj.Type == "" {
		obj.Type = "rect"
	}
	b, err := model.EncodeObject(obj)
	require.NoError(t, err)
	require.NoError(t, st.Set(context.Background(), model.ObjectPath(obj.DocID, obj.ObjectID), b))
}

func getObject(t *testing.T, st store.Store, objectID string) model.LockableObject {
	t.Helper()
	b, err := st.Get(context.Background(), model.ObjectPath("doc1", objectID))
	require.NoError(t, err)
	obj, err := model.DecodeObject(b)
	require.NoError(t, err)
	return obj
}

func counter(scope tally.TestScope, name string) int64 {
	for _, c := range scope.Snapshot().Counters() {
		if c.Name() == name {
			return c.Value()
		}
	}
	return 0
}

func TestCoordinator_AcquireContendRelease(t *testing.T) {
	c, st, _, scope := setupCoordinator(t)
	ctx := context.Background()
	putObject(t, st, model.LockableObject{ObjectID: "r1", Version: 1})

	ok, err := c.Acquire(ctx, "r1", "ann")
	require.NoError(t, err)
	require.True(t, ok)

	obj := getObject(t, st, "r1")
	require.Equal(t, "ann", obj.LockHolder)
	require.True(t, obj.LockExpiresAt.Equal(epoch.Add(30*time.Second)))
	require.EqualValues(t, 2, obj.Version)

	ok, err = c.Acquire(ctx, "r1", "bob")
	require.NoError(t, err)
	require.False(t, ok)

	// Re-acquiring your own lock refreshes it.
	ok, err = c.Acquire(ctx, "r1", "ann")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Release(ctx, "r1", "bob"))
	require.Equal(t, "ann", getObject(t, st, "r1").LockHolder)

	require.NoError(t, c.Release(ctx, "r1", "ann"))
	obj = getObject(t, st, "r1")
	require.Empty(t, obj.LockHolder)
	require.Nil(t, obj.LockExpiresAt)

	require.EqualValues(t, 2, counter(scope, "lock.acquired"))
	require.EqualValues(t, 1, counter(scope, "lock.contended"))
	require.EqualValues(t, 1, counter(scope, "lock.released"))
}

func TestCoordinator_ExpiredLockIsFree(t *testing.T) {
	c, st, clk, _ := setupCoordinator(t)
	ctx := context.Background()
	putObject(t, st, model.LockableObject{ObjectID: "r1", Version: 1})

	ok, err := c.Acquire(ctx, "r1", "ann")
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(30 * time.Second)
	obj := getObject(t, st, "r1")
	require.True(t, Expired(&obj, clk.Now()))

	ok, err = c.Acquire(ctx, "r1", "bob")
	require.NoError(t, err)
	require.True(t, ok)

	// A late release from the expired holder must not clobber bob.
	require.NoError(t, c.Release(ctx, "r1", "ann"))
	require.Equal(t, "bob", getObject(t, st, "r1").LockHolder)
}

func TestCoordinator_MissingAndRemovedObjects(t *testing.T) {
	c, st, _, _ := setupCoordinator(t)
	ctx := context.Background()

	ok, err := c.Acquire(ctx, "ghost", "ann")
	require.NoError(t, err)
	require.False(t, ok)

	putObject(t, st, model.LockableObject{ObjectID: "gone", Version: 4, Deleted: true})
	ok, err = c.Acquire(ctx, "gone", "ann")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.Refresh(ctx, "gone", "ann")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Release(ctx, "ghost", "ann"))
}

func TestCoordinator_Refresh(t *testing.T) {
	c, st, clk, _ := setupCoordinator(t)
	ctx := context.Background()
	putObject(t, st, model.LockableObject{ObjectID: "r1", Version: 1})

	ok, err := c.Refresh(ctx, "r1", "ann")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = c.Acquire(ctx, "r1", "ann")
	require.NoError(t, err)
	clk.Advance(20 * time.Second)

	ok, err = c.Refresh(ctx, "r1", "ann")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, getObject(t, st, "r1").LockExpiresAt.Equal(epoch.Add(50*time.Second)))

	ok, err = c.Refresh(ctx, "r1", "bob")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCoordinator_ReleaseAllHeldBy(t *testing.T) {
	c, st, _, _ := setupCoordinator(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		putObject(t, st, model.LockableObject{ObjectID: id, Version: 1})
	}

	for _, id := range []string{"a", "b"} {
		ok, err := c.Acquire(ctx, id, "ann")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := c.Acquire(ctx, "c", "bob")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := c.ReleaseAllHeldBy(ctx, "ann")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Empty(t, getObject(t, st, "a").LockHolder)
	require.Empty(t, getObject(t, st, "b").LockHolder)
	require.Equal(t, "bob", getObject(t, st, "c").LockHolder)
}

func TestCoordinator_ConcurrentAcquireOneWinner(t *testing.T) {
	c, st, _, _ := setupCoordinator(t)
	ctx := context.Background()
	putObject(t, st, model.LockableObject{ObjectID: "r1", Version: 1})

	users := []string{"u0", "u1", "u2", "u3", "u4", "u5", "u6", "u7"}
	results := make([]bool, len(users))
	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			ok, err := c.Acquire(ctx, "r1", u)
			require.NoError(t, err)
			results[i] = ok
		}(i, u)
	}
	wg.Wait()

	winners := 0
	for i, ok := range results {
		if ok {
			winners++
			require.Equal(t, users[i], getObject(t, st, "r1").LockHolder)
		}
	}
	require.Equal(t, 1, winners)
}

func TestNewCoordinator_RefreshBelowTTL(t *testing.T) {
	c := NewCoordinator(store.NewMemory(), clock.NewFake(epoch), "doc1", Config{TTL: 9 * time.Second, RefreshInterval: time.Minute})
	require.Equal(t, 3*time.Second, c.cfg.RefreshInterval)
	require.Equal(t, 9*time.Second, c.TTL())
}
