// Package storetest holds a behavioural suite every store backend must pass
// and a fault-injecting wrapper for exercising transient transport failures.
package storetest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shared-canvas/backend/internal/store"
)

// ErrInjected is returned by a Flaky store while failing.
var ErrInjected = errors.New("injected transport failure")

// Flaky wraps a Store and fails writes while Fail is set.
type Flaky struct {
	store.Store
	fail   atomic.Bool
	writes atomic.Int64
	failed atomic.Int64
}

// NewFlaky wraps s.
func NewFlaky(s store.Store) *Flaky {
	return &Flaky{Store: s}
}

// SetFailing toggles write failures.
func (f *Flaky) SetFailing(v bool) { f.fail.Store(v) }

// Writes returns the number of successful Set calls.
func (f *Flaky) Writes() int64 { return f.writes.Load() }

// Failures returns the number of rejected writes.
func (f *Flaky) Failures() int64 { return f.failed.Load() }

func (f *Flaky) Set(ctx context.Context, path string, value []byte) error {
	if f.fail.Load() {
		f.failed.Add(1)
		return ErrInjected
	}
	if err := f.Store.Set(ctx, path, value); err != nil {
		return err
	}
	f.writes.Add(1)
	return nil
}

func (f *Flaky) Remove(ctx context.Context, path string) error {
	if f.fail.Load() {
		f.failed.Add(1)
		return ErrInjected
	}
	return f.Store.Remove(ctx, path)
}

func (f *Flaky) Transact(ctx context.Context, path string, fn store.TxFunc) (bool, error) {
	if f.fail.Load() {
		f.failed.Add(1)
		return false, ErrInjected
	}
	return f.Store.Transact(ctx, path, fn)
}

// NextEvent waits for the next event on sub.
func NextEvent(t *testing.T, sub store.Subscription) store.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return store.Event{}
}

// Run exercises the Store contract against stores built by newStore.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "a/missing")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("set get list remove", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "docs/d1/b", []byte(`{"n":2}`)))
		require.NoError(t, s.Set(ctx, "docs/d1/a", []byte(`{"n":1}`)))
		require.NoError(t, s.Set(ctx, "docs/d2/a", []byte(`{"n":3}`)))

		v, err := s.Get(ctx, "docs/d1/a")
		require.NoError(t, err)
		require.JSONEq(t, `{"n":1}`, string(v))

		entries, err := s.List(ctx, "docs/d1/")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		require.Equal(t, "docs/d1/a", entries[0].Path)
		require.Equal(t, "docs/d1/b", entries[1].Path)

		require.NoError(t, s.Remove(ctx, "docs/d1/a"))
		require.NoError(t, s.Remove(ctx, "docs/d1/a"))
		_, err = s.Get(ctx, "docs/d1/a")
		require.ErrorIs(t, err, store.ErrNotFound)

		entries, err = s.List(ctx, "docs/none/")
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("transact commit abort delete", func(t *testing.T) {
		s := newStore(t)

		ok, err := s.Transact(ctx, "tx/k", func(cur []byte, exists bool) ([]byte, bool) {
			require.False(t, exists)
			return []byte(`{"v":1}`), true
		})
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.Transact(ctx, "tx/k", func(cur []byte, exists bool) ([]byte, bool) {
			return []byte(`{"v":2}`), false
		})
		require.NoError(t, err)
		require.False(t, ok)

		v, err := s.Get(ctx, "tx/k")
		require.NoError(t, err)
		require.JSONEq(t, `{"v":1}`, string(v))

		ok, err = s.Transact(ctx, "tx/k", func(cur []byte, exists bool) ([]byte, bool) {
			require.True(t, exists)
			return nil, true
		})
		require.NoError(t, err)
		require.True(t, ok)
		_, err = s.Get(ctx, "tx/k")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("transact compare and set has one winner", func(t *testing.T) {
		s := newStore(t)

		const contenders = 8
		var wg sync.WaitGroup
		wins := make(chan string, contenders)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				ok, err := s.Transact(ctx, "cas/owner", func(cur []byte, exists bool) ([]byte, bool) {
					if exists {
						return nil, false
					}
					return []byte(`"` + id + `"`), true
				})
				if err == nil && ok {
					wins <- id
				}
			}("c" + strconv.Itoa(i))
		}
		wg.Wait()
		close(wins)

		var winners []string
		for w := range wins {
			winners = append(winners, w)
		}
		require.Len(t, winners, 1)

		v, err := s.Get(ctx, "cas/owner")
		require.NoError(t, err)
		require.Equal(t, `"`+winners[0]+`"`, string(v))
	})

	t.Run("transact increments serialize", func(t *testing.T) {
		s := newStore(t)

		const writers = 8
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Transact(ctx, "counter", func(cur []byte, exists bool) ([]byte, bool) {
					n := 0
					if exists {
						n, _ = strconv.Atoi(string(cur))
					}
					return []byte(strconv.Itoa(n + 1)), true
				})
				require.NoError(t, err)
			}()
		}
		wg.Wait()

		v, err := s.Get(ctx, "counter")
		require.NoError(t, err)
		require.Equal(t, strconv.Itoa(writers), string(v))
	})

	t.Run("subscribe snapshot then incremental", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "sub/d1/x", []byte(`1`)))

		sub, err := s.Subscribe(ctx, "sub/d1/")
		require.NoError(t, err)
		defer sub.Close()

		ev := NextEvent(t, sub)
		require.Equal(t, store.EventSnapshot, ev.Type)
		require.Len(t, ev.Entries, 1)
		require.Equal(t, "sub/d1/x", ev.Entries[0].Path)

		require.NoError(t, s.Set(ctx, "sub/d2/ignored", []byte(`0`)))
		require.NoError(t, s.Set(ctx, "sub/d1/y", []byte(`2`)))
		ev = NextEvent(t, sub)
		require.Equal(t, store.EventAdded, ev.Type)
		require.Equal(t, "sub/d1/y", ev.Path)
		require.Equal(t, "2", string(ev.Value))

		require.NoError(t, s.Set(ctx, "sub/d1/x", []byte(`3`)))
		ev = NextEvent(t, sub)
		require.Equal(t, store.EventChanged, ev.Type)
		require.Equal(t, "sub/d1/x", ev.Path)

		require.NoError(t, s.Remove(ctx, "sub/d1/y"))
		ev = NextEvent(t, sub)
		require.Equal(t, store.EventRemoved, ev.Type)
		require.Equal(t, "sub/d1/y", ev.Path)
	})

	t.Run("subscription close", func(t *testing.T) {
		s := newStore(t)
		sub, err := s.Subscribe(ctx, "closing/")
		require.NoError(t, err)
		require.Equal(t, store.EventSnapshot, NextEvent(t, sub).Type)

		sub.Close()
		require.Eventually(t, func() bool {
			select {
			case _, ok := <-sub.Events():
				return !ok
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)
	})
}
