package state

import (
	"context"
	"errors"
	"testing"

	"minicontratos/pkg/domain"
	"minicontratos/pkg/store"
)

func TestAIStoreModelSelection(t *testing.T) {
	s, err := NewAIStore(context.Background(), testOptions(store.NewMemorySnapshotStore(), newFakeClock(), nil))
	if err != nil {
		t.Fatalf("new ai store: %v", err)
	}
	if s.SelectedModel() != domain.DefaultModelID {
		t.Fatalf("default model = %s", s.SelectedModel())
	}
	if err := s.SetSelectedModel("gemini-pro"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := s.SetSelectedModel("gpt-5"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
	if s.SelectedModel() != "gemini-pro" {
		t.Fatalf("rejected selection must not change the model")
	}
}

func TestAIStoreAPIKeys(t *testing.T) {
	s, _ := NewAIStore(context.Background(), testOptions(store.NewMemorySnapshotStore(), newFakeClock(), nil))
	_ = s.SetAPIKey("openai", "sk-1")
	_ = s.SetAPIKey("anthropic", "sk-2")
	keys := s.APIKeys()
	keys["openai"] = "tampered"
	if got := s.APIKeys(); got["openai"] != "sk-1" || got["anthropic"] != "sk-2" {
		t.Fatalf("unexpected keys: %v", got)
	}
	_ = s.SetAPIKey("openai", "")
	if _, ok := s.APIKeys()["openai"]; ok {
		t.Fatalf("empty key should remove the provider")
	}
}

func TestAIStoreGeneratingFlag(t *testing.T) {
	rec := &recorder{}
	s, _ := NewAIStore(context.Background(), testOptions(store.NewMemorySnapshotStore(), newFakeClock(), rec))
	if !s.TryStartGenerating() {
		t.Fatalf("first start should succeed")
	}
	if s.TryStartGenerating() {
		t.Fatalf("second start must fail while generating")
	}
	s.SetGenerating(false)
	s.SetGenerating(false)
	if s.IsGenerating() {
		t.Fatalf("flag should be clear")
	}
	if got := len(rec.topics()); got != 2 {
		t.Fatalf("expected one event per transition, got %d", got)
	}
}

func TestAIStoreIgnoresUnknownPersistedModel(t *testing.T) {
	backend := store.NewMemorySnapshotStore()
	payload := `{"state":{"selectedModel":"retired-model","apiKeys":{"groq":"k"}},"version":0}`
	if err := backend.Save(context.Background(), AIKey, []byte(payload)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s, err := NewAIStore(context.Background(), testOptions(backend, newFakeClock(), nil))
	if err != nil {
		t.Fatalf("new ai store: %v", err)
	}
	if s.SelectedModel() != domain.DefaultModelID {
		t.Fatalf("expected fallback to default, got %s", s.SelectedModel())
	}
	if s.APIKeys()["groq"] != "k" {
		t.Fatalf("api keys not restored")
	}
}
