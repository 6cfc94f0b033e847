// Package redisstore keeps the shared store in Redis so several server
// processes can serve the same documents. Every write is published on a
// per-path channel; subscribers pattern-subscribe to a prefix and then take a
// SCAN snapshot, so nothing written after the snapshot can be missed.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shared-canvas/backend/internal/store"
)

const scanCount = 200

// Options configures a Store.
type Options struct {
	// Namespace prefixes every key and channel. Defaults to "canvas".
	Namespace string
	// MaxTxRetries bounds optimistic retries of Transact. Defaults to 64.
	MaxTxRetries uint64
	// Buffer is the per-subscription event queue length.
	Buffer int
	Logger *zap.Logger
}

// Store implements store.Store on a Redis client.
type Store struct {
	rdb  *redis.Client
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed atomic.Bool
}

// New creates a Store. The caller owns rdb and closes it after the store.
func New(rdb *redis.Client, opts Options) *Store {
	if opts.Namespace == "" {
		opts.Namespace = "canvas"
	}
	if opts.MaxTxRetries == 0 {
		opts.MaxTxRetries = 64
	}
	if opts.Buffer <= 0 {
		opts.Buffer = store.DefaultSubscriptionBuffer
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		rdb:  rdb,
		opts: opts,
		log:  log.Named("redisstore"),
		subs: make(map[*subscription]struct{}),
	}
}

func (s *Store) key(path string) string {
	return s.opts.Namespace + ":" + path
}

func (s *Store) channel(path string) string {
	return s.opts.Namespace + ":events:" + path
}

func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	v, err := s.rdb.Get(ctx, s.key(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", path, err)
	}
	return v, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]store.Entry, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}

	var keys []string
	iter := s.rdb.Scan(ctx, 0, s.key(escapeGlob(prefix))+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
	}

	entries := make([]store.Entry, 0, len(keys))
	if len(keys) == 0 {
		return entries, nil
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget %s: %w", prefix, err)
	}
	nsLen := len(s.opts.Namespace) + 1
	seen := make(map[string]bool, len(keys))
	for i, raw := range values {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		path := keys[i][nsLen:]
		if seen[path] {
			// SCAN may return a key twice.
			continue
		}
		seen[path] = true
		entries = append(entries, store.Entry{Path: path, Value: []byte(str)})
	}
	store.SortEntries(entries)
	return entries, nil
}

func (s *Store) Set(ctx context.Context, path string, value []byte) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	payload, err := json.Marshal(store.WireEvent{Op: store.OpPut, Path: path, Value: value})
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(path), value, 0)
		pipe.Publish(ctx, s.channel(path), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", path, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, path string) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	payload, err := json.Marshal(store.WireEvent{Op: store.OpDel, Path: path})
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(path))
		pipe.Publish(ctx, s.channel(path), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis del %s: %w", path, err)
	}
	return nil
}

// Transact runs fn under WATCH and retries when another client wrote the key
// between the read and the EXEC.
func (s *Store) Transact(ctx context.Context, path string, fn store.TxFunc) (bool, error) {
	if s.closed.Load() {
		return false, store.ErrClosed
	}

	key := s.key(path)
	var committed bool

	attempt := func() error {
		committed = false
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, key).Bytes()
			exists := true
			if errors.Is(err, redis.Nil) {
				exists = false
				cur = nil
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
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if next == nil {
					pipe.Del(ctx, key)
				} else {
					pipe.Set(ctx, key, next, 0)
				}
				pipe.Publish(ctx, s.channel(path), payload)
				return nil
			})
			if err != nil {
				return err
			}
			committed = true
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 20 * time.Millisecond
	b.MaxElapsedTime = 0

	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, s.opts.MaxTxRetries), ctx))
	if errors.Is(err, redis.TxFailedErr) {
		return false, fmt.Errorf("redis transact %s: %w", path, store.ErrTxContention)
	}
	if err != nil {
		return false, fmt.Errorf("redis transact %s: %w", path, err)
	}
	return committed, nil
}

// Subscribe pattern-subscribes to prefix, waits for the subscription to be
// confirmed and only then lists the snapshot.
func (s *Store) Subscribe(ctx context.Context, prefix string) (store.Subscription, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}

	ps := s.rdb.PSubscribe(ctx, s.channel(escapeGlob(prefix))+"*")
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis psubscribe %s: %w", prefix, err)
	}

	snapshot, err := s.List(ctx, prefix)
	if err != nil {
		ps.Close()
		return nil, err
	}

	sub := &subscription{
		store:  s,
		prefix: prefix,
		ps:     ps,
		out:    make(chan store.Event, s.opts.Buffer),
		done:   make(chan struct{}),
		cls:    store.NewClassifier(prefix, snapshot),
	}
	sub.out <- store.Event{Type: store.EventSnapshot, Entries: snapshot}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		ps.Close()
		return nil, store.ErrClosed
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.run(ps.Channel())
	return sub, nil
}

// Close closes every subscription. The client stays open.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*subscription]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type subscription struct {
	store  *Store
	prefix string
	ps     *redis.PubSub
	out    chan store.Event
	done   chan struct{}
	once   sync.Once

	// cls is only touched by run.
	cls *store.Classifier
}

func (s *subscription) Events() <-chan store.Event {
	return s.out
}

func (s *subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.ps.Close()
		s.store.mu.Lock()
		delete(s.store.subs, s)
		s.store.mu.Unlock()
	})
}

func (s *subscription) run(msgs <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			ev, ok := s.classify(msg.Payload)
			if !ok {
				continue
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			default:
				s.store.log.Warn("closing slow subscriber", zap.String("prefix", s.prefix))
				go s.Close()
				return
			}
		}
	}
}

func (s *subscription) classify(payload string) (store.Event, bool) {
	w, err := store.DecodeWireEvent([]byte(payload))
	if err != nil {
		s.store.log.Warn("dropping malformed event", zap.Error(err))
		return store.Event{}, false
	}
	return s.cls.Classify(w)
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
