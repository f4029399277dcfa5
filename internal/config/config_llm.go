package config

import "github.com/ravensworth/turnloop/internal/agent/routing"

// LLMConfig is spec §6's LLM section: a request timeout, a per-model
// capability table keyed by model name, and per-provider credentials.
type LLMConfig struct {
	RequestTimeoutMs int                             `yaml:"request_timeout_ms"`
	Models           map[string]ModelEntryConfig     `yaml:"models"`
	Providers        map[string]LLMProviderConfig    `yaml:"providers"`
}

// ModelEntryConfig is one row of the model capability table spec §6 names:
// {provider, reasoningRequired, supportsTemperature, maxInputTokens}.
type ModelEntryConfig struct {
	Provider            string `yaml:"provider"`
	ReasoningRequired   bool   `yaml:"reasoning_required"`
	SupportsTemperature bool   `yaml:"supports_temperature"`
	MaxInputTokens      int    `yaml:"max_input_tokens"`
}

// LLMProviderConfig is spec §6's per-provider credentials: {apiKey, apiUrl?}.
// Region/AccessKeyID/SecretAccessKey are an extension beyond spec §6 for the
// one provider (Bedrock) whose credential shape isn't a bearer API key.
type LLMProviderConfig struct {
	APIKey          string `yaml:"api_key"`
	APIURL          string `yaml:"api_url"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// ToModelTable converts the configured model rows into the
// routing.ModelEntry table ModelRouter.LookupModelEntry resolves against.
func (c LLMConfig) ToModelTable() map[string]routing.ModelEntry {
	table := make(map[string]routing.ModelEntry, len(c.Models))
	for name, entry := range c.Models {
		table[name] = routing.ModelEntry{
			Provider:            entry.Provider,
			ReasoningRequired:   entry.ReasoningRequired,
			SupportsTemperature: entry.SupportsTemperature,
			MaxInputTokens:      entry.MaxInputTokens,
		}
	}
	return table
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.RequestTimeoutMs <= 0 {
		cfg.RequestTimeoutMs = 60_000
	}
	if cfg.Models == nil {
		cfg.Models = map[string]ModelEntryConfig{}
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]LLMProviderConfig{}
	}
}
