package lock

import (
	"context"
	"fmt"

	"github.com/shared-canvas/backend/internal/model"
	"github.com/shared-canvas/backend/internal/store"
)

// ObjectTxFunc computes the next state of an object. cur is nil when nothing
// is stored. It may run more than once and must only touch its own copy.
// Returning commit with a nil next deletes the entry.
type ObjectTxFunc func(cur *model.LockableObject) (next *model.LockableObject, commit bool)

// TransactObject runs fn as a single atomic read-modify-write of the object
// at path. It returns the committed object, or the current one when fn
// aborted.
func TransactObject(ctx context.Context, st store.Store, path string, fn ObjectTxFunc) (*model.LockableObject, bool, error) {
	var (
		result    *model.LockableObject
		decodeErr error
	)

	committed, err := st.Transact(ctx, path, func(current []byte, exists bool) ([]byte, bool) {
		result, decodeErr = nil, nil

		var cur *model.LockableObject
		if exists {
			obj, err := model.DecodeObject(current)
			if err != nil {
				decodeErr = fmt.Errorf("decode %s: %w", path, err)
				return nil, false
			}
			cur = &obj
		}

		next, commit := fn(cur)
		if !commit {
			result = cur
			return nil, false
		}
		if next == nil {
			return nil, true
		}
		b, err := model.EncodeObject(*next)
		if err != nil {
			decodeErr = fmt.Errorf("encode %s: %w", path, err)
			return nil, false
		}
		result = next
		return b, true
	})
	if err != nil {
		return nil, false, err
	}
	if decodeErr != nil {
		return nil, false, decodeErr
	}
	return result, committed, nil
}
