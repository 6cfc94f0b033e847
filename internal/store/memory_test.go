package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shared-canvas/backend/internal/store"
	"github.com/shared-canvas/backend/internal/store/storetest"
)

func TestMemory_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s := store.NewMemory()
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMemory_SlowSubscriberIsClosed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	defer s.Close()

	sub, err := s.Subscribe(ctx, "p/")
	require.NoError(t, err)

	for i := 0; i < store.DefaultSubscriptionBuffer+1; i++ {
		require.NoError(t, s.Set(ctx, "p/k", []byte{byte(i)}))
	}

	n := 0
	for range sub.Events() {
		n++
	}
	require.Equal(t, store.DefaultSubscriptionBuffer, n)
}

func TestMemory_ClosedStore(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	sub, err := s.Subscribe(ctx, "p/")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Set(ctx, "p/k", []byte(`1`)), store.ErrClosed)

	<-sub.Events()
	_, ok := <-sub.Events()
	require.False(t, ok)
}
