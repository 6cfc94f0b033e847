package objects

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shared-canvas/backend/internal/model"
)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) add(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) all() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func object(id string, version int64) model.LockableObject {
	return model.LockableObject{ObjectID: id, DocID: "doc1", Version: version, Shape: model.Shape{Type: "rect", X: float64(version)}}
}

func TestEngine_ApplyMergeRule(t *testing.T) {
	f := setup(t)
	e := NewEngine(f.st, f.repo, zaptest.NewLogger(t))

	var rec recorder
	defer e.Subscribe(rec.add)()
	require.Equal(t, ChangeSnapshot, rec.all()[0].Type)

	e.Apply(object("r1", 5))
	e.Apply(object("r1", 3))
	e.Apply(object("r1", 5))

	got, ok := e.Get("r1")
	require.True(t, ok)
	require.EqualValues(t, 5, got.Version)

	changes := rec.all()
	require.Len(t, changes, 2)
	require.Equal(t, ChangeAdded, changes[1].Type)

	e.Apply(object("r1", 6))
	tomb := object("r1", 7)
	tomb.Deleted = true
	e.Apply(tomb)
	e.Apply(object("r1", 6))

	changes = rec.all()
	require.Len(t, changes, 4)
	require.Equal(t, ChangeChanged, changes[2].Type)
	require.Equal(t, ChangeRemoved, changes[3].Type)
	_, ok = e.Get("r1")
	require.False(t, ok)
	require.Empty(t, e.Objects())
}

func TestEngine_SubscribeSnapshotAndMonotonicity(t *testing.T) {
	f := setup(t)
	e := NewEngine(f.st, f.repo, zaptest.NewLogger(t))
	e.Apply(object("b", 2), object("a", 1))

	var rec recorder
	defer e.Subscribe(rec.add)()

	snap := rec.all()[0]
	require.Equal(t, ChangeSnapshot, snap.Type)
	require.Len(t, snap.Objects, 2)
	require.Equal(t, "a", snap.Objects[0].ObjectID)

	// Already seen in the snapshot.
	e.Apply(object("a", 1))
	require.Equal(t, 1, rec.len())
}

func TestEngine_FollowsStore(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	existing, err := f.repo.CreateWithID(ctx, "r0", "ann", rect)
	require.NoError(t, err)

	e := NewEngine(f.st, f.repo, zaptest.NewLogger(t))
	require.NoError(t, e.Start(ctx))
	defer e.Close()

	got, ok := e.Get("r0")
	require.True(t, ok)
	require.Equal(t, existing, got)

	var rec recorder
	defer e.Subscribe(rec.add)()

	// A second process writes through its own repository.
	other := NewRepository(f.st, f.coord, nil)
	remote, err := other.CreateWithID(ctx, "r1", "bob", rect)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)
	_, ok = e.Get("r1")
	require.True(t, ok)

	changes := rec.all()
	require.Equal(t, ChangeAdded, changes[len(changes)-1].Type)
	require.Equal(t, remote.ObjectID, changes[len(changes)-1].Object.ObjectID)
}

func TestEngine_ProposeMutation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	e := NewEngine(f.st, f.repo, zaptest.NewLogger(t))
	require.NoError(t, e.Start(ctx))
	defer e.Close()

	obj, err := e.Create(ctx, "ann", rect)
	require.NoError(t, err)

	ok, err := f.coord.Acquire(ctx, obj.ObjectID, "ann")
	require.NoError(t, err)
	require.True(t, ok)

	res, err := e.ProposeMutation(ctx, obj.ObjectID, "ann", model.ShapePatch{X: ptr(99.0)})
	require.NoError(t, err)
	require.False(t, res.Rejected)

	// The committed result is visible locally without waiting for the echo.
	local, ok := e.Get(obj.ObjectID)
	require.True(t, ok)
	require.Equal(t, 99.0, local.X)
	require.Equal(t, res.Object.Version, local.Version)

	res, err = e.ProposeMutation(ctx, obj.ObjectID, "bob", model.ShapePatch{X: ptr(1.0)})
	require.NoError(t, err)
	require.True(t, res.Rejected)
	require.Equal(t, ReasonLocked, res.Reason)

	removed, err := e.Remove(ctx, obj.ObjectID, "bob")
	require.NoError(t, err)
	require.True(t, removed)

	res, err = e.ProposeMutation(ctx, obj.ObjectID, "ann", model.ShapePatch{X: ptr(2.0)})
	require.NoError(t, err)
	require.True(t, res.Rejected)
	require.Equal(t, ReasonRemoved, res.Reason)
}

func TestEngine_TombstoneCollectionDropsEntry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	e := NewEngine(f.st, f.repo, zaptest.NewLogger(t))
	require.NoError(t, e.Start(ctx))
	defer e.Close()

	_, err := e.Create(ctx, "ann", rect)
	require.NoError(t, err)
	obj := e.Objects()[0]
	_, err = e.Remove(ctx, obj.ObjectID, "ann")
	require.NoError(t, err)

	ok, err := f.repo.Purge(ctx, obj.ObjectID, epoch)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		_, known := e.objects[obj.ObjectID]
		return !known
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_RecreatedObjectReachesExistingSubscribers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	e := NewEngine(f.st, f.repo, zaptest.NewLogger(t))
	require.NoError(t, e.Start(ctx))
	defer e.Close()

	var rec recorder
	defer e.Subscribe(rec.add)()

	_, err := f.repo.CreateWithID(ctx, "r9", "ann", rect)
	require.NoError(t, err)
	_, _, err = f.repo.Remove(ctx, "r9", "ann")
	require.NoError(t, err)
	ok, err := f.repo.Purge(ctx, "r9", epoch)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		_, known := e.objects["r9"]
		return !known
	}, time.Second, 5*time.Millisecond)

	_, err = f.repo.CreateWithID(ctx, "r9", "bob", rect)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		changes := rec.all()
		last := changes[len(changes)-1]
		return last.Type == ChangeAdded && last.Object.ObjectID == "r9" && last.Object.OwnerUserID == "bob"
	}, time.Second, 5*time.Millisecond)
	got, known := e.Get("r9")
	require.True(t, known)
	require.EqualValues(t, 1, got.Version)
}
