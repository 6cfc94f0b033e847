package pgstore

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shared-canvas/backend/internal/store"
	"github.com/shared-canvas/backend/internal/store/storetest"
)

var tableSeq atomic.Int64

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("CANVAS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CANVAS_TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func openTestStore(t *testing.T, pool *pgxpool.Pool, name string) *Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Open(ctx, pool, Options{
		Table:   name,
		Channel: name,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func uniqueName() string {
	return fmt.Sprintf("canvas_test_%d_%d", time.Now().UnixNano(), tableSeq.Add(1))
}

func dropTable(t *testing.T, pool *pgxpool.Pool, name string) {
	t.Cleanup(func() {
		pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+pgx.Identifier{name}.Sanitize())
	})
}

func TestStore_Conformance(t *testing.T) {
	pool := testPool(t)
	storetest.Run(t, func(t *testing.T) store.Store {
		name := uniqueName()
		dropTable(t, pool, name)
		return openTestStore(t, pool, name)
	})
}

func TestStore_LargeValueIsFetched(t *testing.T) {
	pool := testPool(t)
	name := uniqueName()
	dropTable(t, pool, name)
	s := openTestStore(t, pool, name)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "big/")
	require.NoError(t, err)
	defer sub.Close()
	storetest.NextEvent(t, sub)

	value := make([]byte, maxInlineValue+1)
	for i := range value {
		value[i] = 'x'
	}
	require.NoError(t, s.Set(ctx, "big/v", value))

	ev := storetest.NextEvent(t, sub)
	require.Equal(t, store.EventAdded, ev.Type)
	require.Equal(t, value, ev.Value)
}

func TestSubscription_PendingFlushedAfterSnapshot(t *testing.T) {
	s := &Store{subs: make(map[*subscription]struct{}), log: zaptest.NewLogger(t)}
	sub := &subscription{store: s, prefix: "p/", out: make(chan store.Event, 8)}

	sub.deliver(store.WireEvent{Op: store.OpPut, Path: "p/a", Value: []byte(`2`)})
	sub.deliver(store.WireEvent{Op: store.OpPut, Path: "p/b", Value: []byte(`1`)})
	sub.start([]store.Entry{{Path: "p/a", Value: []byte(`2`)}})

	require.Equal(t, store.EventSnapshot, (<-sub.out).Type)
	ev := <-sub.out
	require.Equal(t, store.EventChanged, ev.Type)
	require.Equal(t, "p/a", ev.Path)
	ev = <-sub.out
	require.Equal(t, store.EventAdded, ev.Type)
	require.Equal(t, "p/b", ev.Path)
}
