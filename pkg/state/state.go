// Package state holds the application stores. Each store is an owned object
// that keeps its whole state tree in memory, persists a snapshot after every
// mutation and announces the change on an event bus.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"minicontratos/pkg/events"
	"minicontratos/pkg/store"
)

// Snapshot keys, one per store.
const (
	ConversationsKey = "minicontratos-conversations"
	FoldersKey       = "minicontratos-folders"
	TemplatesKey     = "minicontratos-templates"
	AuthKey          = "minicontratos-auth"
	AIKey            = "minicontratos-ai"
)

const (
	snapshotVersion = 0
	persistTimeout  = 5 * time.Second
)

// Options are shared by all store constructors. Zero values get defaults:
// an in-memory backend, uuid ids, the wall clock and slog.Default.
type Options struct {
	Backend   store.SnapshotStore
	Publisher events.Publisher
	NewID     func() string
	Now       func() time.Time
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Backend == nil {
		o.Backend = store.NewMemorySnapshotStore()
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type envelope struct {
	State   json.RawMessage `json:"state"`
	Version int             `json:"version"`
}

// persister reads and writes one store's snapshot.
type persister struct {
	backend store.SnapshotStore
	key     string
	logger  *slog.Logger
}

func newPersister(opts Options, key string) persister {
	return persister{backend: opts.Backend, key: key, logger: opts.Logger}
}

// load decodes the saved tree into dst. It reports false when there is no
// usable snapshot; corrupt or foreign-version snapshots are logged and skipped.
func (p persister) load(ctx context.Context, dst any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	data, ok, err := p.backend.Load(ctx, p.key)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", p.key, err)
	}
	if !ok {
		return false, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		p.logger.Warn("snapshot_ignored", "key", p.key, "reason", "decode", "err", err)
		return false, nil
	}
	if env.Version != snapshotVersion {
		p.logger.Warn("snapshot_ignored", "key", p.key, "reason", "version", "version", env.Version)
		return false, nil
	}
	if len(env.State) == 0 || string(env.State) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(env.State, dst); err != nil {
		p.logger.Warn("snapshot_ignored", "key", p.key, "reason", "decode_state", "err", err)
		return false, nil
	}
	return true, nil
}

func (p persister) save(tree any) error {
	raw, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p.key, err)
	}
	data, err := json.Marshal(envelope{State: raw, Version: snapshotVersion})
	if err != nil {
		return fmt.Errorf("encode %s: %w", p.key, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := p.backend.Save(ctx, p.key, data); err != nil {
		p.logger.Error("snapshot_save_failed", "key", p.key, "err", err)
		return fmt.Errorf("save %s: %w", p.key, err)
	}
	return nil
}

func publish(pub events.Publisher, topic events.Topic, kind, id string) {
	if pub == nil {
		return
	}
	pub.Publish(events.Event{Topic: topic, Kind: kind, ID: id})
}

// ErrUnknownModel is returned when selecting a model outside the catalog.
var ErrUnknownModel = errors.New("unknown model")

// ErrInvalidRole is returned for message roles other than user, assistant and system.
var ErrInvalidRole = errors.New("invalid message role")

// nextTimestamp returns now, or prev+1ns when the clock has not moved past
// prev, so successive updates of one entity are strictly ordered.
func nextTimestamp(now func() time.Time, prev time.Time) time.Time {
	t := now().UTC()
	if !t.After(prev) {
		t = prev.Add(time.Nanosecond)
	}
	return t
}
