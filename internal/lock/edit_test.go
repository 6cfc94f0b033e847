package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shared-canvas/backend/internal/model"
)

func TestEdit_RefreshesUntilEnded(t *testing.T) {
	c, st, clk, _ := setupCoordinator(t)
	ctx := context.Background()
	putObject(t, st, model.LockableObject{ObjectID: "r1", Version: 1})

	e, ok, err := c.BeginEdit(ctx, "r1", "ann")
	require.NoError(t, err)
	require.True(t, ok)

	// A drag far longer than the TTL keeps the lock.
	clk.Advance(95 * time.Second)
	obj := getObject(t, st, "r1")
	require.True(t, obj.HeldBy("ann", clk.Now()))
	require.True(t, obj.LockExpiresAt.Equal(epoch.Add(90*time.Second+30*time.Second)))
	require.False(t, e.Lost())

	require.NoError(t, e.End(ctx))
	require.Zero(t, clk.Pending())
	require.Empty(t, getObject(t, st, "r1").LockHolder)

	clk.Advance(time.Minute)
	require.Empty(t, getObject(t, st, "r1").LockHolder)
	require.NoError(t, e.End(ctx))
}

func TestEdit_BeginOnLockedObject(t *testing.T) {
	c, st, _, _ := setupCoordinator(t)
	ctx := context.Background()
	putObject(t, st, model.LockableObject{ObjectID: "r1", Version: 1})

	_, ok, err := c.BeginEdit(ctx, "r1", "ann")
	require.NoError(t, err)
	require.True(t, ok)

	e, ok, err := c.BeginEdit(ctx, "r1", "bob")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, e)
}

func TestEdit_DetectsLostLock(t *testing.T) {
	c, st, clk, _ := setupCoordinator(t)
	ctx := context.Background()
	putObject(t, st, model.LockableObject{ObjectID: "r1", Version: 1})

	e, ok, err := c.BeginEdit(ctx, "r1", "ann")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := c.ReleaseAllHeldBy(ctx, "ann")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	ok, err = c.Acquire(ctx, "r1", "bob")
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(10 * time.Second)
	require.True(t, e.Lost())
	require.Zero(t, clk.Pending())

	require.NoError(t, e.End(ctx))
	require.Equal(t, "bob", getObject(t, st, "r1").LockHolder)
}
