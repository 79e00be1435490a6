package state

import (
	"context"
	"maps"
	"sync"

	"minicontratos/pkg/domain"
	"minicontratos/pkg/events"
)

type aiTree struct {
	SelectedModel string            `json:"selectedModel"`
	APIKeys       map[string]string `json:"apiKeys"`
}

// AIStore keeps the model selection and per-provider API keys. The
// generating flag lives only in memory.
type AIStore struct {
	mu         sync.RWMutex
	tree       aiTree
	generating bool
	persist    persister
	pub        events.Publisher
}

func NewAIStore(ctx context.Context, opts Options) (*AIStore, error) {
	opts = opts.withDefaults()
	s := &AIStore{
		persist: newPersister(opts, AIKey),
		pub:     opts.Publisher,
		tree:    aiTree{SelectedModel: domain.DefaultModelID, APIKeys: map[string]string{}},
	}
	var tree aiTree
	ok, err := s.persist.load(ctx, &tree)
	if err != nil {
		return nil, err
	}
	if ok {
		if _, known := domain.LookupModel(tree.SelectedModel); known {
			s.tree.SelectedModel = tree.SelectedModel
		}
		if tree.APIKeys != nil {
			s.tree.APIKeys = tree.APIKeys
		}
	}
	return s, nil
}

// SelectedModel returns the catalog id of the active model.
func (s *AIStore) SelectedModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.SelectedModel
}

// SetSelectedModel switches the active model. Ids outside the catalog are rejected.
func (s *AIStore) SetSelectedModel(id string) error {
	if _, ok := domain.LookupModel(id); !ok {
		return ErrUnknownModel
	}
	s.mu.Lock()
	s.tree.SelectedModel = id
	err := s.persist.save(s.tree)
	s.mu.Unlock()

	publish(s.pub, events.TopicAI, events.KindUpdated, id)
	return err
}

func (s *AIStore) APIKeys() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.tree.APIKeys)
}

// SetAPIKey stores key for provider; an empty key removes it.
func (s *AIStore) SetAPIKey(provider, key string) error {
	s.mu.Lock()
	next := maps.Clone(s.tree.APIKeys)
	if next == nil {
		next = map[string]string{}
	}
	if key == "" {
		delete(next, provider)
	} else {
		next[provider] = key
	}
	s.tree.APIKeys = next
	err := s.persist.save(s.tree)
	s.mu.Unlock()

	publish(s.pub, events.TopicAI, events.KindUpdated, provider)
	return err
}

func (s *AIStore) IsGenerating() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generating
}

// SetGenerating flips the in-memory generating flag.
func (s *AIStore) SetGenerating(generating bool) {
	s.mu.Lock()
	changed := s.generating != generating
	s.generating = generating
	s.mu.Unlock()

	if changed {
		publish(s.pub, events.TopicAI, events.KindUpdated, "")
	}
}

// TryStartGenerating sets the flag only if it was clear and reports whether
// it did.
func (s *AIStore) TryStartGenerating() bool {
	s.mu.Lock()
	if s.generating {
		s.mu.Unlock()
		return false
	}
	s.generating = true
	s.mu.Unlock()

	publish(s.pub, events.TopicAI, events.KindUpdated, "")
	return true
}
