package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPaths(t *testing.T) {
	p := PresencePath("doc1", "alice", "tab-1")
	require.Equal(t, "presence/doc1/alice/tab-1", p)

	doc, user, tab, ok := ParsePresencePath(p)
	require.True(t, ok)
	require.Equal(t, []string{"doc1", "alice", "tab-1"}, []string{doc, user, tab})

	_, _, _, ok = ParsePresencePath("presence/doc1/alice")
	require.False(t, ok)

	o := ObjectPath("doc1", "r1")
	require.Equal(t, "documents/doc1/objects/r1", o)
	doc, obj, ok := ParseObjectPath(o)
	require.True(t, ok)
	require.Equal(t, "doc1", doc)
	require.Equal(t, "r1", obj)

	_, _, ok = ParseObjectPath("documents/doc1/other/r1")
	require.False(t, ok)
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"alice", "google-oauth2|123", "a@b.c", "0b7e5c1a-8d3e-4f7a-9c2b-1d2e3f4a5b6c"} {
		require.NoError(t, ValidateID(id), id)
	}
	for _, id := range []string{"", "a/b", "a*", "a b", "[x]"} {
		require.ErrorIs(t, ValidateID(id), ErrInvalidID, id)
	}
	require.ErrorIs(t, Identity{}.Validate(), ErrIdentityRequired)
	require.ErrorIs(t, Identity{UserID: "   "}.Validate(), ErrIdentityRequired)
}

func TestLockableObject_LockedAt(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(time.Second)
	o := &LockableObject{LockHolder: "alice", LockExpiresAt: &exp}

	holder, ok := o.LockedAt(now)
	require.True(t, ok)
	require.Equal(t, "alice", holder)
	require.True(t, o.HeldBy("alice", now))
	require.False(t, o.HeldBy("bob", now))

	// lockExpiresAt <= now reads as unlocked
	_, ok = o.LockedAt(exp)
	require.False(t, ok)

	o.ClearLock()
	_, ok = o.LockedAt(now)
	require.False(t, ok)
}

func TestShape_Apply(t *testing.T) {
	x, fill := 10.0, "#ff0000"
	s := Shape{Type: "rect", X: 1, Y: 2, Width: 3}.Apply(ShapePatch{X: &x, Fill: &fill})
	require.Equal(t, Shape{Type: "rect", X: 10, Y: 2, Width: 3, Fill: "#ff0000"}, s)
	require.ErrorIs(t, Shape{}.Validate(), ErrInvalidShape)
}

func TestPresenceSnapshot(t *testing.T) {
	s := PresenceSnapshot{}
	s.Add(TabSession{UserID: "alice", TabID: "t1"})
	s.Add(TabSession{UserID: "alice", TabID: "t2", Cursor: &Cursor{X: 1, Y: 2}})
	s.Add(TabSession{UserID: "bob", TabID: "t3"})

	require.Equal(t, []string{"alice", "bob"}, s.Users())
	require.Equal(t, 2, s.TabCount("alice"))

	c := s.Clone()
	require.True(t, s.Equal(c))
	c["alice"]["t2"].Cursor.X = 99
	require.Equal(t, 1.0, s["alice"]["t2"].Cursor.X)
	require.False(t, s.Equal(c))

	s.Remove("bob", "t3")
	require.False(t, s.Has("bob"))
	require.Len(t, s.Tabs(), 2)
}
