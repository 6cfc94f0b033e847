package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shared-canvas/backend/internal/model"
)

// Entry is one row of the entries table.
type Entry struct {
	Path      string
	Value     []byte
	UpdatedAt time.Time
}

// UpdateFunc computes the next value of a row. Returning write false leaves
// the row untouched; a nil next value deletes it.
type UpdateFunc func(current []byte, exists bool) (next []byte, write bool)

// UpdateResult describes what an Update did.
type UpdateResult struct {
	Written bool
	Existed bool
	Deleted bool
	Value   []byte
}

// EntryRepository provides data access for path-addressed store entries.
type EntryRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewEntryRepository creates a new EntryRepository.
func NewEntryRepository(db *sql.DB) *EntryRepository {
	return &EntryRepository{db: db, now: time.Now}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get retrieves the value stored at path.
func (r *EntryRepository) Get(ctx context.Context, path string) ([]byte, error) {
	return r.get(ctx, r.db, path)
}

func (r *EntryRepository) get(ctx context.Context, q querier, path string) ([]byte, error) {
	var value []byte
	err := q.QueryRowContext(ctx, `SELECT value FROM entries WHERE path = ?`, path).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, model.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return value, nil
}

// List retrieves every entry under prefix, ordered by path.
func (r *EntryRepository) List(ctx context.Context, prefix string) ([]Entry, error) {
	query := `
		SELECT path, value, updated_at
		FROM entries
		WHERE substr(path, 1, length(?)) = ?
		ORDER BY path
	`

	rows, err := r.db.QueryContext(ctx, query, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Path, &e.Value, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}

	return entries, nil
}

// Put writes value at path and reports whether a row was already there.
func (r *EntryRepository) Put(ctx context.Context, path string, value []byte) (bool, error) {
	res, err := r.Update(ctx, path, func([]byte, bool) ([]byte, bool) {
		return value, true
	})
	if err != nil {
		return false, err
	}
	return res.Existed, nil
}

// Delete removes the row at path and reports whether one existed.
func (r *EntryRepository) Delete(ctx context.Context, path string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM entries WHERE path = ?`, path)
	if err != nil {
		return false, fmt.Errorf("failed to delete entry: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// Update runs fn against the current row inside a write transaction and
// applies its result before committing.
func (r *EntryRepository) Update(ctx context.Context, path string, fn UpdateFunc) (UpdateResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := r.get(ctx, tx, path)
	exists := true
	if err == model.ErrEntryNotFound {
		exists = false
	} else if err != nil {
		return UpdateResult{}, err
	}

	next, write := fn(current, exists)
	res := UpdateResult{Existed: exists}
	if !write {
		return res, nil
	}

	if next == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE path = ?`, path); err != nil {
			return UpdateResult{}, fmt.Errorf("failed to delete entry: %w", err)
		}
		res.Deleted = true
	} else {
		query := `
			INSERT INTO entries (path, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`
		if _, err := tx.ExecContext(ctx, query, path, next, r.now()); err != nil {
			return UpdateResult{}, fmt.Errorf("failed to write entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return UpdateResult{}, fmt.Errorf("failed to commit entry: %w", err)
	}

	res.Written = true
	res.Value = next
	return res, nil
}

// Count returns the number of entries under prefix.
func (r *EntryRepository) Count(ctx context.Context, prefix string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE substr(path, 1, length(?)) = ?`,
		prefix, prefix,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return count, nil
}
