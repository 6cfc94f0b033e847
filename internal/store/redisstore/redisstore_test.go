package redisstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shared-canvas/backend/internal/store"
	"github.com/shared-canvas/backend/internal/store/storetest"
)

func newTestStore(t *testing.T, mr *miniredis.Miniredis) *Store {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(rdb, Options{Namespace: "test", Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() {
		s.Close()
		rdb.Close()
	})
	return s
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newTestStore(t, miniredis.RunT(t))
	})
}

func TestStore_TwoProcessesShareEvents(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a := newTestStore(t, mr)
	b := newTestStore(t, mr)

	sub, err := b.Subscribe(ctx, "presence/d1/")
	require.NoError(t, err)
	defer sub.Close()
	require.Equal(t, store.EventSnapshot, storetest.NextEvent(t, sub).Type)

	require.NoError(t, a.Set(ctx, "presence/d1/u1/t1", []byte(`{"tabId":"t1"}`)))
	ev := storetest.NextEvent(t, sub)
	require.Equal(t, store.EventAdded, ev.Type)
	require.Equal(t, "presence/d1/u1/t1", ev.Path)
	require.JSONEq(t, `{"tabId":"t1"}`, string(ev.Value))

	require.NoError(t, a.Remove(ctx, "presence/d1/u1/t1"))
	ev = storetest.NextEvent(t, sub)
	require.Equal(t, store.EventRemoved, ev.Type)
}

func TestStore_KeysAreNamespaced(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := newTestStore(t, mr)

	require.NoError(t, s.Set(ctx, "documents/d1/objects/o1", []byte(`{}`)))
	require.True(t, mr.Exists("test:documents/d1/objects/o1"))
}

func TestSubscription_IgnoresMalformedPayload(t *testing.T) {
	sub := &subscription{
		store: New(nil, Options{Logger: zaptest.NewLogger(t)}),
		cls:   store.NewClassifier("p/", nil),
	}

	_, ok := sub.classify("not json")
	require.False(t, ok)

	ev, ok := sub.classify(`{"op":"put","path":"p/a"}`)
	require.True(t, ok)
	require.Equal(t, store.EventAdded, ev.Type)
}
