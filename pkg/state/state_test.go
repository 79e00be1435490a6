package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"minicontratos/pkg/events"
	"minicontratos/pkg/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func seqIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) topics() []events.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Topic, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Topic)
	}
	return out
}

func testOptions(backend store.SnapshotStore, clock *fakeClock, pub events.Publisher) Options {
	return Options{
		Backend:   backend,
		Publisher: pub,
		NewID:     seqIDs("id"),
		Now:       clock.Now,
	}
}

// failingBackend loads nothing and refuses every save.
type failingBackend struct{}

func (failingBackend) Load(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (failingBackend) Save(context.Context, string, []byte) error {
	return fmt.Errorf("disk full")
}
func (failingBackend) Delete(context.Context, string) error { return nil }
