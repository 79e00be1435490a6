package domain

// Provider is the vendor behind an AI model.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderXAI       Provider = "xai"
	ProviderGroq      Provider = "groq"
)

// AIModel describes one selectable chat model.
type AIModel struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Provider      Provider `json:"provider"`
	ContextWindow int      `json:"contextWindow"`
}

// DefaultModelID is selected until the user picks another model.
const DefaultModelID = "gpt-4-turbo"

var aiModels = []AIModel{
	{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", Provider: ProviderOpenAI, ContextWindow: 128000},
	{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", Provider: ProviderOpenAI, ContextWindow: 16000},
	{ID: "claude-3-opus", Name: "Claude 3 Opus", Provider: ProviderAnthropic, ContextWindow: 200000},
	{ID: "claude-3-sonnet", Name: "Claude 3 Sonnet", Provider: ProviderAnthropic, ContextWindow: 200000},
	{ID: "gemini-pro", Name: "Gemini Pro", Provider: ProviderGoogle, ContextWindow: 32000},
	{ID: "grok-beta", Name: "Grok Beta", Provider: ProviderXAI, ContextWindow: 8000},
	{ID: "mixtral-8x7b", Name: "Mixtral 8x7B", Provider: ProviderGroq, ContextWindow: 32000},
}

// AIModels returns the model catalog in display order.
func AIModels() []AIModel {
	out := make([]AIModel, len(aiModels))
	copy(out, aiModels)
	return out
}

// LookupModel finds a catalog entry by id.
func LookupModel(id string) (AIModel, bool) {
	for _, m := range aiModels {
		if m.ID == id {
			return m, true
		}
	}
	return AIModel{}, false
}

// Providers lists the distinct providers in catalog order.
func Providers() []Provider {
	seen := make(map[Provider]struct{})
	var out []Provider
	for _, m := range aiModels {
		if _, ok := seen[m.Provider]; ok {
			continue
		}
		seen[m.Provider] = struct{}{}
		out = append(out, m.Provider)
	}
	return out
}
