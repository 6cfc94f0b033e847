// Package sqlitestore persists the shared store in a single SQLite file and
// fans changes out to subscribers in the same process.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/shared-canvas/backend/internal/model"
	"github.com/shared-canvas/backend/internal/repository"
	"github.com/shared-canvas/backend/internal/store"
)

// Store implements store.Store over an EntryRepository.
type Store struct {
	repo   *repository.EntryRepository
	broker *store.Broker

	// mu orders writes with their fan-out and with subscription snapshots.
	mu     sync.Mutex
	closed bool
}

// New creates a Store over an initialized database.
func New(db *sql.DB) *Store {
	return &Store{
		repo:   repository.NewEntryRepository(db),
		broker: store.NewBroker(store.DefaultSubscriptionBuffer),
	}
}

func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	if s.isClosed() {
		return nil, store.ErrClosed
	}
	v, err := s.repo.Get(ctx, path)
	if errors.Is(err, model.ErrEntryNotFound) {
		return nil, store.ErrNotFound
	}
	return v, err
}

func (s *Store) List(ctx context.Context, prefix string) ([]store.Entry, error) {
	if s.isClosed() {
		return nil, store.ErrClosed
	}
	return s.list(ctx, prefix)
}

func (s *Store) list(ctx context.Context, prefix string) ([]store.Entry, error) {
	rows, err := s.repo.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	entries := make([]store.Entry, len(rows))
	for i, r := range rows {
		entries[i] = store.Entry{Path: r.Path, Value: r.Value}
	}
	return entries, nil
}

func (s *Store) Set(ctx context.Context, path string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	existed, err := s.repo.Put(ctx, path, value)
	if err != nil {
		return err
	}
	s.publishPut(path, value, existed)
	return nil
}

func (s *Store) Remove(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	existed, err := s.repo.Delete(ctx, path)
	if err != nil {
		return err
	}
	if existed {
		s.broker.Publish(store.Event{Type: store.EventRemoved, Path: path})
	}
	return nil
}

func (s *Store) Transact(ctx context.Context, path string, fn store.TxFunc) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, store.ErrClosed
	}
	res, err := s.repo.Update(ctx, path, repository.UpdateFunc(fn))
	if err != nil {
		return false, err
	}
	if !res.Written {
		return false, nil
	}
	switch {
	case res.Deleted && res.Existed:
		s.broker.Publish(store.Event{Type: store.EventRemoved, Path: path})
	case !res.Deleted:
		s.publishPut(path, res.Value, res.Existed)
	}
	return true, nil
}

func (s *Store) Subscribe(ctx context.Context, prefix string) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	snapshot, err := s.list(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return s.broker.Subscribe(prefix, snapshot)
}

// Close closes every subscription. The database handle stays open; its owner
// closes it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.broker.Close()
	return nil
}

func (s *Store) publishPut(path string, value []byte, existed bool) {
	typ := store.EventAdded
	if existed {
		typ = store.EventChanged
	}
	v := make([]byte, len(value))
	copy(v, value)
	s.broker.Publish(store.Event{Type: typ, Path: path, Value: v})
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
