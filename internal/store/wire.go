package store

import "encoding/json"

// Wire operations carried by cross-process notifications. They say what was
// written, not whether the path is new; each subscriber works that out.
const (
	OpPut = "put"
	OpDel = "del"
)

// WireEvent is the notification payload published for every write.
type WireEvent struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value []byte `json:"value,omitempty"`
	// Fetch marks a put whose value was too large to inline.
	Fetch bool `json:"fetch,omitempty"`
}

// DecodeWireEvent parses a notification payload.
func DecodeWireEvent(payload []byte) (WireEvent, error) {
	var w WireEvent
	err := json.Unmarshal(payload, &w)
	return w, err
}

// Classifier turns put/del notifications into typed events for a single
// subscriber, based on the paths that subscriber has already seen. It is not
// safe for concurrent use.
type Classifier struct {
	prefix string
	known  map[string]bool
}

// NewClassifier seeds a Classifier with a subscription's snapshot.
func NewClassifier(prefix string, snapshot []Entry) *Classifier {
	known := make(map[string]bool, len(snapshot))
	for _, e := range snapshot {
		known[e.Path] = true
	}
	return &Classifier{prefix: prefix, known: known}
}

// Classify maps w to an Event. It reports false for paths outside the prefix
// and for deletions of paths the subscriber never saw.
func (c *Classifier) Classify(w WireEvent) (Event, bool) {
	if !HasPrefix(w.Path, c.prefix) {
		return Event{}, false
	}

	switch w.Op {
	case OpPut:
		typ := EventAdded
		if c.known[w.Path] {
			typ = EventChanged
		}
		c.known[w.Path] = true
		return Event{Type: typ, Path: w.Path, Value: w.Value}, true
	case OpDel:
		if !c.known[w.Path] {
			return Event{}, false
		}
		delete(c.known, w.Path)
		return Event{Type: EventRemoved, Path: w.Path}, true
	}
	return Event{}, false
}
