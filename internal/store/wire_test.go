package store_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shared-canvas/backend/internal/store"
)

func TestClassifier(t *testing.T) {
	c := store.NewClassifier("p/", []store.Entry{{Path: "p/a", Value: []byte(`1`)}})

	ev, ok := c.Classify(store.WireEvent{Op: store.OpPut, Path: "p/a", Value: []byte(`2`)})
	require.True(t, ok)
	require.Equal(t, store.EventChanged, ev.Type)

	ev, ok = c.Classify(store.WireEvent{Op: store.OpPut, Path: "p/b", Value: []byte(`1`)})
	require.True(t, ok)
	require.Equal(t, store.EventAdded, ev.Type)

	_, ok = c.Classify(store.WireEvent{Op: store.OpDel, Path: "p/unknown"})
	require.False(t, ok)

	ev, ok = c.Classify(store.WireEvent{Op: store.OpDel, Path: "p/b"})
	require.True(t, ok)
	require.Equal(t, store.EventRemoved, ev.Type)

	_, ok = c.Classify(store.WireEvent{Op: store.OpPut, Path: "q/a"})
	require.False(t, ok)
}

func TestDecodeWireEvent(t *testing.T) {
	w, err := store.DecodeWireEvent([]byte(`{"op":"del","path":"p/a"}`))
	require.NoError(t, err)
	require.Equal(t, store.OpDel, w.Op)

	_, err = store.DecodeWireEvent([]byte(`nope`))
	require.Error(t, err)
}
