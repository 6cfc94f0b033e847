package store

import "sync"

// DefaultSubscriptionBuffer is the per-subscription event queue length.
const DefaultSubscriptionBuffer = 256

// Broker fans store events out to in-process subscriptions.
type Broker struct {
	mu         sync.RWMutex
	subs       map[*subscription]bool
	bufferSize int
	closed     bool
}

// NewBroker creates a Broker whose subscriptions queue up to bufferSize events.
func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriptionBuffer
	}
	return &Broker{
		subs:       make(map[*subscription]bool),
		bufferSize: bufferSize,
	}
}

type subscription struct {
	broker *Broker
	prefix string
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Events() <-chan Event {
	return s.ch
}

func (s *subscription) Close() {
	s.broker.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *subscription) send(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- ev:
	default:
		// Subscriber fell behind; it must resubscribe for a fresh snapshot.
		s.closeLocked()
	}
}

func (s *subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Subscribe registers a subscription for prefix and queues snapshot as its
// first event. Callers serialize Subscribe with Publish when the snapshot
// must not race concurrent writes.
func (b *Broker) Subscribe(prefix string, snapshot []Entry) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	s := &subscription{
		broker: b,
		prefix: prefix,
		ch:     make(chan Event, b.bufferSize),
	}
	s.ch <- Event{Type: EventSnapshot, Entries: snapshot}
	b.subs[s] = true
	return s, nil
}

// Publish delivers ev to every subscription whose prefix covers ev.Path.
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		if HasPrefix(ev.Path, s.prefix) {
			s.send(ev)
		}
	}
}

// Len returns the number of open subscriptions.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription and rejects new ones.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*subscription]bool)
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		s.closeLocked()
		s.mu.Unlock()
	}
}

func (b *Broker) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}
