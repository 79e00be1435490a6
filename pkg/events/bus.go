package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Topic groups changes so consumers only observe the data they render.
type Topic string

const (
	TopicConversations       Topic = "conversations"
	TopicCurrentConversation Topic = "conversation.current"
	TopicFolders             Topic = "folders"
	TopicTemplates           Topic = "templates"
	TopicAuth                Topic = "auth"
	TopicAI                  Topic = "ai"
)

// ParseTopic accepts the wire name of a topic.
func ParseTopic(raw string) (Topic, bool) {
	switch t := Topic(raw); t {
	case TopicConversations, TopicCurrentConversation, TopicFolders, TopicTemplates, TopicAuth, TopicAI:
		return t, true
	}
	return "", false
}

// Event kinds.
const (
	KindCreated   = "created"
	KindUpdated   = "updated"
	KindDeleted   = "deleted"
	KindSelected  = "selected"
	KindSignedIn  = "signed_in"
	KindSignedOut = "signed_out"
)

// Event describes one committed store mutation. ID is the affected entity, if any.
type Event struct {
	Topic Topic     `json:"topic"`
	Kind  string    `json:"kind"`
	ID    string    `json:"id,omitempty"`
	At    time.Time `json:"at"`
}

// Publisher receives store change events.
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to subscribers. Delivery never blocks the publisher:
// a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	next   uint64
	buffer int
	closed bool
}

// NewBus creates a bus whose subscriptions buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[uint64]*Subscription), buffer: buffer}
}

// Subscription is a filtered view of the bus. Read from C until it is closed.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	topics  map[Topic]struct{}
	bus     *Bus
	id      uint64
	dropped atomic.Int64
}

// Subscribe registers a subscriber for the given topics; no topics means all.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.next++
	sub.id = b.next
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers e to every matching subscriber. A nil bus discards events.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(e.Topic) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			n := sub.dropped.Add(1)
			slog.Debug("event dropped for slow subscriber", "topic", e.Topic, "kind", e.Kind, "dropped_total", n)
		}
	}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

func (s *Subscription) wants(t Topic) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[t]
	return ok
}

// Dropped reports how many events this subscriber missed.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	close(s.ch)
}
