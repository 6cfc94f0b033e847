package store

import (
	"context"
	"sync"
)

// Memory is a Store held in process memory. Writes, snapshots and fan-out
// happen under one mutex, so subscribers observe a single total order.
type Memory struct {
	mu     sync.Mutex
	data   map[string][]byte
	broker *Broker
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:   make(map[string][]byte),
		broker: NewBroker(DefaultSubscriptionBuffer),
	}
}

func (m *Memory) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[path]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	return m.listLocked(prefix), nil
}

func (m *Memory) Set(ctx context.Context, path string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.putLocked(path, value)
	return nil
}

func (m *Memory) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.deleteLocked(path)
	return nil
}

func (m *Memory) Transact(ctx context.Context, path string, fn TxFunc) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}

	cur, exists := m.data[path]
	next, commit := fn(clone(cur), exists)
	if !commit {
		return false, nil
	}
	if next == nil {
		m.deleteLocked(path)
	} else {
		m.putLocked(path, next)
	}
	return true, nil
}

func (m *Memory) Subscribe(ctx context.Context, prefix string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	return m.broker.Subscribe(prefix, m.listLocked(prefix))
}

// Close closes every subscription. Further calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.broker.Close()
	return nil
}

func (m *Memory) listLocked(prefix string) []Entry {
	entries := make([]Entry, 0)
	for p, v := range m.data {
		if HasPrefix(p, prefix) {
			entries = append(entries, Entry{Path: p, Value: clone(v)})
		}
	}
	SortEntries(entries)
	return entries
}

func (m *Memory) putLocked(path string, value []byte) {
	_, existed := m.data[path]
	m.data[path] = clone(value)

	typ := EventAdded
	if existed {
		typ = EventChanged
	}
	m.broker.Publish(Event{Type: typ, Path: path, Value: clone(value)})
}

func (m *Memory) deleteLocked(path string) {
	if _, ok := m.data[path]; !ok {
		return
	}
	delete(m.data, path)
	m.broker.Publish(Event{Type: EventRemoved, Path: path})
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
