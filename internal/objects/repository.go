// Package objects keeps the shared shapes of a document: a stateless
// repository that performs every write as one store transaction, and an
// engine that merges local and remote updates into a version-ordered table.
package objects

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shared-canvas/backend/internal/lock"
	"github.com/shared-canvas/backend/internal/model"
	"github.com/shared-canvas/backend/internal/store"
)

// RejectReason explains why a mutation was not applied.
type RejectReason string

const (
	ReasonLocked    RejectReason = "locked"
	ReasonNotLocked RejectReason = "not_locked"
	ReasonRemoved   RejectReason = "removed"
	ReasonNotFound  RejectReason = "not_found"
)

// MutationResult is the outcome of a proposed mutation. A rejection is a
// normal outcome, not an error.
type MutationResult struct {
	Object   *model.LockableObject `json:"object,omitempty"`
	Rejected bool                  `json:"rejected"`
	Reason   RejectReason          `json:"reason,omitempty"`
}

// Repository provides transactional access to one document's objects.
type Repository struct {
	st    store.Store
	coord *lock.Coordinator
	docID string
	log   *zap.Logger
}

// NewRepository creates a Repository for the coordinator's document.
func NewRepository(st store.Store, coord *lock.Coordinator, log *zap.Logger) *Repository {
	if log == nil {
		log = zap.NewNop()
	}
	return &Repository{
		st:    st,
		coord: coord,
		docID: coord.DocID(),
		log:   log.With(zap.String("docId", coord.DocID())),
	}
}

// DocID returns the repository's document.
func (r *Repository) DocID() string {
	return r.docID
}

// Create stores a new unlocked object at version 1 under a fresh id.
func (r *Repository) Create(ctx context.Context, ownerID string, shape model.Shape) (model.LockableObject, error) {
	return r.CreateWithID(ctx, uuid.NewString(), ownerID, shape)
}

// CreateWithID stores a new object under a caller-chosen id. Creating an id
// that exists, tombstones included, fails with ErrObjectExists.
func (r *Repository) CreateWithID(ctx context.Context, objectID, ownerID string, shape model.Shape) (model.LockableObject, error) {
	if err := shape.Validate(); err != nil {
		return model.LockableObject{}, err
	}
	if err := model.ValidateID(objectID); err != nil {
		return model.LockableObject{}, fmt.Errorf("object id: %w", err)
	}

	obj := model.LockableObject{
		ObjectID:    objectID,
		DocID:       r.docID,
		Version:     1,
		OwnerUserID: ownerID,
		Shape:       shape,
	}
	_, ok, err := lock.TransactObject(ctx, r.st, r.path(objectID), func(cur *model.LockableObject) (*model.LockableObject, bool) {
		if cur != nil {
			return nil, false
		}
		next := obj
		return &next, true
	})
	if err != nil {
		return model.LockableObject{}, err
	}
	if !ok {
		return model.LockableObject{}, model.ErrObjectExists
	}
	return obj, nil
}

// Mutate applies patch if userID holds an unexpired lock on a live object.
// The lock check and the write are one transaction.
func (r *Repository) Mutate(ctx context.Context, objectID, userID string, patch model.ShapePatch) (MutationResult, error) {
	now := r.coord.Now()
	var reason RejectReason

	obj, ok, err := lock.TransactObject(ctx, r.st, r.path(objectID), func(cur *model.LockableObject) (*model.LockableObject, bool) {
		reason = ""
		switch {
		case cur == nil:
			reason = ReasonNotFound
		case cur.Deleted:
			reason = ReasonRemoved
		default:
			switch lock.Check(cur, userID, now) {
			case lock.Unlocked:
				reason = ReasonNotLocked
			case lock.HeldByOther:
				reason = ReasonLocked
			}
		}
		if reason != "" {
			return nil, false
		}

		next := *cur
		next.Shape = cur.Shape.Apply(patch)
		next.Version++
		return &next, true
	})
	if err != nil {
		return MutationResult{}, err
	}
	if !ok {
		return MutationResult{Object: obj, Rejected: true, Reason: reason}, nil
	}
	return MutationResult{Object: obj}, nil
}

// Remove tombstones an object. It does not require the lock; any lock is
// cleared with it, so a holder's later mutations are rejected as removed.
// Removing a tombstone or a missing object reports false.
func (r *Repository) Remove(ctx context.Context, objectID, userID string) (model.LockableObject, bool, error) {
	now := r.coord.Now()

	obj, ok, err := lock.TransactObject(ctx, r.st, r.path(objectID), func(cur *model.LockableObject) (*model.LockableObject, bool) {
		if cur == nil || cur.Deleted {
			return nil, false
		}
		next := *cur
		next.ClearLock()
		next.Deleted = true
		next.DeletedAt = &now
		next.Version++
		return &next, true
	})
	if err != nil {
		return model.LockableObject{}, false, err
	}
	if !ok {
		return model.LockableObject{}, false, nil
	}
	r.log.Debug("object removed", zap.String("objectId", objectID), zap.String("userId", userID))
	return *obj, true, nil
}

// Purge deletes a tombstone removed at or before cutoff. Live objects and
// younger tombstones are left alone.
func (r *Repository) Purge(ctx context.Context, objectID string, cutoff time.Time) (bool, error) {
	_, ok, err := lock.TransactObject(ctx, r.st, r.path(objectID), func(cur *model.LockableObject) (*model.LockableObject, bool) {
		if cur == nil || !cur.Deleted || cur.DeletedAt == nil || cur.DeletedAt.After(cutoff) {
			return nil, false
		}
		return nil, true
	})
	return ok, err
}

// Get retrieves an object, tombstones included.
func (r *Repository) Get(ctx context.Context, objectID string) (model.LockableObject, error) {
	b, err := r.st.Get(ctx, r.path(objectID))
	if errors.Is(err, store.ErrNotFound) {
		return model.LockableObject{}, model.ErrObjectNotFound
	}
	if err != nil {
		return model.LockableObject{}, err
	}
	return model.DecodeObject(b)
}

// List returns the document's objects ordered by id.
func (r *Repository) List(ctx context.Context, includeDeleted bool) ([]model.LockableObject, error) {
	entries, err := r.st.List(ctx, model.ObjectsPrefix(r.docID))
	if err != nil {
		return nil, err
	}

	objs := make([]model.LockableObject, 0, len(entries))
	for _, e := range entries {
		obj, err := model.DecodeObject(e.Value)
		if err != nil {
			r.log.Warn("skipping malformed object", zap.String("path", e.Path), zap.Error(err))
			continue
		}
		if obj.Deleted && !includeDeleted {
			continue
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

func (r *Repository) path(objectID string) string {
	return model.ObjectPath(r.docID, objectID)
}
