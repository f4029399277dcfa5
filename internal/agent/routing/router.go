// Package routing resolves a turn's abstract capability Tier to a concrete
// model and reasoning effort (ModelRouter, C3), and scans a turn's tool
// activity for signals that warrant a mid-turn upgrade to the coding tier
// (TierUpgradePolicy, C4).
package routing

import (
	"strings"

	"github.com/ravensworth/turnloop/pkg/models"
)

// ModelEntry is one row of the static model capability table used to decide
// whether a resolved model takes a reasoning-effort parameter or a
// temperature, and what its input budget is.
type ModelEntry struct {
	Provider            string
	ReasoningRequired   bool
	SupportsTemperature bool
	MaxInputTokens      int
}

// Config configures a ModelRouter. Field names mirror the recognized
// configuration keys in spec section 6.
type Config struct {
	BalancedModel     string
	BalancedReasoning string
	SmartModel        string
	SmartReasoning    string
	CodingModel       string
	CodingReasoning   string
	DeepModel         string
	DeepReasoning     string

	Temperature        float64
	DynamicTierEnabled bool

	// ModelTable maps a model name (or provider-prefixed name, e.g.
	// "openai/gpt-5.1") to its capability entry.
	ModelTable map[string]ModelEntry
}

// DefaultConfig returns the router defaults named in spec section 6.
func DefaultConfig() Config {
	return Config{
		Temperature:        0.7,
		DynamicTierEnabled: true,
		ModelTable:         map[string]ModelEntry{},
	}
}

// ModelRouter resolves a turn's Tier to {model, reasoningEffort} and enforces
// the tier-force lock (C3).
type ModelRouter struct {
	cfg Config
}

// NewModelRouter creates a ModelRouter from cfg.
func NewModelRouter(cfg Config) *ModelRouter {
	if cfg.ModelTable == nil {
		cfg.ModelTable = map[string]ModelEntry{}
	}
	return &ModelRouter{cfg: cfg}
}

// ResolveTier applies the spec's priority order:
// (1) user TierPreference.force=true; (2) active skill's declared tier;
// (3) user TierPreference without force; (4) fallback balanced.
// Tier-force disables both the skill override and, by virtue of being
// checked first, takes precedence over anything TierUpgradePolicy later does.
func (r *ModelRouter) ResolveTier(pref models.TierPreference, skillTier models.Tier) models.Tier {
	if pref.Force && pref.Tier != "" {
		return pref.Tier
	}
	if skillTier != "" {
		return skillTier
	}
	if pref.Tier != "" {
		return pref.Tier
	}
	return models.TierBalanced
}

// ResolveModel returns the configured model and reasoning effort for tier.
func (r *ModelRouter) ResolveModel(tier models.Tier) (model string, reasoningEffort string) {
	switch tier {
	case models.TierSmart:
		return r.cfg.SmartModel, r.cfg.SmartReasoning
	case models.TierCoding:
		return r.cfg.CodingModel, r.cfg.CodingReasoning
	case models.TierDeep:
		return r.cfg.DeepModel, r.cfg.DeepReasoning
	default:
		return r.cfg.BalancedModel, r.cfg.BalancedReasoning
	}
}

// LookupModelEntry resolves a model name to its capability entry. Resolution
// tries, in order: an exact table match, the name with its provider prefix
// stripped (openai/gpt-5.1 -> gpt-5.1), the longest table key that is a
// prefix of the name, then a permissive default (temperature supported, no
// forced reasoning, no declared input cap).
func (r *ModelRouter) LookupModelEntry(name string) ModelEntry {
	if entry, ok := r.cfg.ModelTable[name]; ok {
		return entry
	}
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		if entry, ok := r.cfg.ModelTable[name[idx+1:]]; ok {
			return entry
		}
	}
	var best ModelEntry
	bestLen := -1
	for key, entry := range r.cfg.ModelTable {
		if strings.HasPrefix(name, key) && len(key) > bestLen {
			best = entry
			bestLen = len(key)
		}
	}
	if bestLen >= 0 {
		return best
	}
	return ModelEntry{SupportsTemperature: true}
}
