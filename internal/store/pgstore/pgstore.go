// Package pgstore keeps the shared store in PostgreSQL. Writes and their
// NOTIFY share a transaction; a single LISTEN connection per process feeds
// local subscribers.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/shared-canvas/backend/internal/store"
)

// maxInlineValue keeps NOTIFY payloads under PostgreSQL's 8000 byte limit.
const maxInlineValue = 6000

// Options configures a Store.
type Options struct {
	// Table holds the entries. Defaults to "canvas_entries".
	Table string
	// Channel is the NOTIFY channel. Defaults to "canvas_events".
	Channel string
	Buffer  int
	Logger  *zap.Logger
}

// Store implements store.Store on a pgx pool.
type Store struct {
	pool  *pgxpool.Pool
	opts  Options
	table string
	log   *zap.Logger

	mu        sync.Mutex
	subs      map[*subscription]struct{}
	connected bool
	ready     chan struct{}
	closed    bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Open migrates the schema and starts the listener. It returns once LISTEN
// is in effect.
func Open(ctx context.Context, pool *pgxpool.Pool, opts Options) (*Store, error) {
	if opts.Table == "" {
		opts.Table = "canvas_entries"
	}
	if opts.Channel == "" {
		opts.Channel = "canvas_events"
	}
	if opts.Buffer <= 0 {
		opts.Buffer = store.DefaultSubscriptionBuffer
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Store{
		pool:  pool,
		opts:  opts,
		table: pgx.Identifier{opts.Table}.Sanitize(),
		log:   log.Named("pgstore"),
		subs:  make(map[*subscription]struct{}),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}

	if err := s.migrate(ctx); err != nil {
		return nil, err
	}

	lctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.listen(lctx)

	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	select {
	case <-ready:
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			path TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table)
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	if s.isClosed() {
		return nil, store.ErrClosed
	}
	var v []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM `+s.table+` WHERE path = $1`, path).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg get %s: %w", path, err)
	}
	return v, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]store.Entry, error) {
	if s.isClosed() {
		return nil, store.ErrClosed
	}
	rows, err := s.pool.Query(ctx,
		`SELECT path, value FROM `+s.table+` WHERE left(path, length($1)) = $1 ORDER BY path`,
		prefix)
	if err != nil {
		return nil, fmt.Errorf("pg list %s: %w", prefix, err)
	}
	defer rows.Close()

	entries := make([]store.Entry, 0)
	for rows.Next() {
		var e store.Entry
		if err := rows.Scan(&e.Path, &e.Value); err != nil {
			return nil, fmt.Errorf("pg scan %s: %w", prefix, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pg list %s: %w", prefix, err)
	}
	return entries, nil
}

func (s *Store) Set(ctx context.Context, path string, value []byte) error {
	_, err := s.Transact(ctx, path, func([]byte, bool) ([]byte, bool) {
		return value, true
	})
	return err
}

func (s *Store) Remove(ctx context.Context, path string) error {
	_, err := s.Transact(ctx, path, func(_ []byte, exists bool) ([]byte, bool) {
		return nil, exists
	})
	return err
}

// Transact serializes writers of one path with a transaction-scoped advisory
// lock, which also covers paths that do not exist yet.
func (s *Store) Transact(ctx context.Context, path string, fn store.TxFunc) (bool, error) {
	if s.isClosed() {
		return false, store.ErrClosed
	}

	var committed bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		committed = false
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, path); err != nil {
			return err
		}

		var cur []byte
		exists := true
		err := tx.QueryRow(ctx, `SELECT value FROM `+s.table+` WHERE path = $1`, path).Scan(&cur)
		if errors.Is(err, pgx.ErrNoRows) {
			exists = false
		} else if err != nil {
			return err
		}

		next, commit := fn(cur, exists)
		if !commit {
			return nil
		}

		ev := store.WireEvent{Op: store.OpPut, Path: path, Value: next}
		if next == nil {
			ev = store.WireEvent{Op: store.OpDel, Path: path}
			if _, err := tx.Exec(ctx, `DELETE FROM `+s.table+` WHERE path = $1`, path); err != nil {
				return err
			}
		} else {
			if _, err := tx.Exec(ctx, `
				INSERT INTO `+s.table+` (path, value, updated_at) VALUES ($1, $2, now())
				ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
				path, next); err != nil {
				return err
			}
			if len(next) > maxInlineValue {
				ev.Value = nil
				ev.Fetch = true
			}
		}

		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.opts.Channel, string(payload)); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("pg transact %s: %w", path, err)
	}
	return committed, nil
}

// Subscribe registers with the listener before listing, so a write that
// lands between the two is delivered after the snapshot rather than lost.
func (s *Store) Subscribe(ctx context.Context, prefix string) (store.Subscription, error) {
	sub := &subscription{
		store:  s,
		prefix: prefix,
		out:    make(chan store.Event, s.opts.Buffer),
	}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, store.ErrClosed
		}
		if s.connected {
			s.subs[sub] = struct{}{}
			s.mu.Unlock()
			break
		}
		ready := s.ready
		s.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	snapshot, err := s.List(ctx, prefix)
	if err != nil {
		sub.Close()
		return nil, err
	}
	sub.start(snapshot)
	return sub, nil
}

// Close stops the listener and closes every subscription. The pool stays
// open.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.dropSubscribers()
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// listen keeps one LISTEN connection alive. When it drops, every subscriber
// is closed because notifications sent meanwhile are gone; they resubscribe
// for a fresh snapshot once the connection is back.
func (s *Store) listen(ctx context.Context) {
	defer close(s.done)

	for ctx.Err() == nil {
		var conn *pgxpool.Conn
		connect := func() error {
			c, err := s.pool.Acquire(ctx)
			if err != nil {
				return err
			}
			if _, err := c.Exec(ctx, "LISTEN "+pgx.Identifier{s.opts.Channel}.Sanitize()); err != nil {
				c.Release()
				return err
			}
			conn = c
			return nil
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		b.MaxInterval = 5 * time.Second
		b.MaxElapsedTime = 0
		err := backoff.RetryNotify(connect, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
			s.log.Warn("listen failed, retrying", zap.Error(err), zap.Duration("backoff", d))
		})
		if err != nil {
			return
		}

		s.mu.Lock()
		s.connected = true
		close(s.ready)
		s.mu.Unlock()
		s.log.Info("listening", zap.String("channel", s.opts.Channel))

		err = s.receive(ctx, conn)
		conn.Release()

		s.mu.Lock()
		s.connected = false
		s.ready = make(chan struct{})
		s.mu.Unlock()
		s.dropSubscribers()

		if ctx.Err() == nil {
			s.log.Warn("listener connection lost", zap.Error(err))
		}
	}
}

func (s *Store) receive(ctx context.Context, conn *pgxpool.Conn) error {
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		w, err := store.DecodeWireEvent([]byte(n.Payload))
		if err != nil {
			s.log.Warn("dropping malformed notification", zap.Error(err))
			continue
		}
		if w.Fetch {
			v, err := s.Get(ctx, w.Path)
			switch {
			case errors.Is(err, store.ErrNotFound):
				// Removed since; the del notification follows.
				continue
			case err != nil:
				return err
			}
			w.Value = v
		}
		s.dispatch(w)
	}
}

func (s *Store) dispatch(w store.WireEvent) {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		if store.HasPrefix(w.Path, sub.prefix) {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(w)
	}
}

func (s *Store) dropSubscribers() {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

type subscription struct {
	store  *Store
	prefix string
	out    chan store.Event

	mu      sync.Mutex
	cls     *store.Classifier
	pending []store.WireEvent
	closed  bool
}

func (s *subscription) Events() <-chan store.Event {
	return s.out
}

func (s *subscription) Close() {
	s.store.mu.Lock()
	delete(s.store.subs, s)
	s.store.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
}

// start emits the snapshot and then whatever arrived while it was listed.
func (s *subscription) start(snapshot []store.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.cls = store.NewClassifier(s.prefix, snapshot)
	s.out <- store.Event{Type: store.EventSnapshot, Entries: snapshot}
	for _, w := range s.pending {
		s.emitLocked(w)
	}
	s.pending = nil
}

func (s *subscription) deliver(w store.WireEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.cls == nil {
		s.pending = append(s.pending, w)
		return
	}
	s.emitLocked(w)
}

func (s *subscription) emitLocked(w store.WireEvent) {
	if s.closed {
		return
	}
	ev, ok := s.cls.Classify(w)
	if !ok {
		return
	}
	select {
	case s.out <- ev:
	default:
		s.store.log.Warn("closing slow subscriber", zap.String("prefix", s.prefix))
		s.closeLocked()
		go func() {
			s.store.mu.Lock()
			delete(s.store.subs, s)
			s.store.mu.Unlock()
		}()
	}
}
