package routing

import (
	"testing"

	"github.com/ravensworth/turnloop/pkg/models"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BalancedModel, cfg.BalancedReasoning = "claude-3-5-haiku", ""
	cfg.SmartModel, cfg.SmartReasoning = "claude-sonnet-4", ""
	cfg.CodingModel, cfg.CodingReasoning = "claude-opus-4", "medium"
	cfg.DeepModel, cfg.DeepReasoning = "o3", "high"
	cfg.ModelTable = map[string]ModelEntry{
		"o3":             {Provider: "openai", ReasoningRequired: true, SupportsTemperature: false, MaxInputTokens: 200_000},
		"claude-opus-4":  {Provider: "anthropic", SupportsTemperature: true, MaxInputTokens: 200_000},
	}
	return cfg
}

func TestModelRouter_ResolveTier_ForcePrecedesEverything(t *testing.T) {
	r := NewModelRouter(testConfig())
	tier := r.ResolveTier(models.TierPreference{Tier: models.TierSmart, Force: true}, models.TierCoding)
	if tier != models.TierSmart {
		t.Fatalf("tier = %s, want smart", tier)
	}
}

func TestModelRouter_ResolveTier_SkillBeatsUnforcedPreference(t *testing.T) {
	r := NewModelRouter(testConfig())
	tier := r.ResolveTier(models.TierPreference{Tier: models.TierSmart}, models.TierDeep)
	if tier != models.TierDeep {
		t.Fatalf("tier = %s, want deep", tier)
	}
}

func TestModelRouter_ResolveTier_FallsBackToBalanced(t *testing.T) {
	r := NewModelRouter(testConfig())
	tier := r.ResolveTier(models.TierPreference{}, "")
	if tier != models.TierBalanced {
		t.Fatalf("tier = %s, want balanced", tier)
	}
}

func TestModelRouter_ResolveModel(t *testing.T) {
	r := NewModelRouter(testConfig())
	model, reasoning := r.ResolveModel(models.TierCoding)
	if model != "claude-opus-4" || reasoning != "medium" {
		t.Fatalf("got (%q, %q)", model, reasoning)
	}
}

func TestModelRouter_LookupModelEntry_ExactMatch(t *testing.T) {
	r := NewModelRouter(testConfig())
	entry := r.LookupModelEntry("o3")
	if !entry.ReasoningRequired || entry.SupportsTemperature {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestModelRouter_LookupModelEntry_StripsProviderPrefix(t *testing.T) {
	r := NewModelRouter(testConfig())
	entry := r.LookupModelEntry("openai/o3")
	if entry.Provider != "openai" || !entry.ReasoningRequired {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestModelRouter_LookupModelEntry_Default(t *testing.T) {
	r := NewModelRouter(testConfig())
	entry := r.LookupModelEntry("unknown-model")
	if !entry.SupportsTemperature {
		t.Fatalf("expected default entry to support temperature, got %+v", entry)
	}
}

func TestTierUpgradePolicy_CodeFileWrite(t *testing.T) {
	p := TierUpgradePolicy{}
	calls := []models.ToolCall{{Name: "filesystem.write_file", Arguments: map[string]any{"path": "app.py", "content": "print('x')"}}}
	tier, upgraded := p.Evaluate(calls, nil, models.TierBalanced, false)
	if !upgraded || tier != models.TierCoding {
		t.Fatalf("got (%s, %v), want (coding, true)", tier, upgraded)
	}
}

func TestTierUpgradePolicy_ShellToolchain(t *testing.T) {
	p := TierUpgradePolicy{}
	calls := []models.ToolCall{{Name: "shell", Arguments: map[string]any{"command": "pytest tests/"}}}
	tier, upgraded := p.Evaluate(calls, nil, models.TierBalanced, false)
	if !upgraded || tier != models.TierCoding {
		t.Fatalf("got (%s, %v), want (coding, true)", tier, upgraded)
	}
}

func TestTierUpgradePolicy_StackTraceInResult(t *testing.T) {
	p := TierUpgradePolicy{}
	outcomes := []models.ToolExecutionOutcome{{ResultText: "Traceback (most recent call last):\n  File ..."}}
	tier, upgraded := p.Evaluate(nil, outcomes, models.TierBalanced, false)
	if !upgraded || tier != models.TierCoding {
		t.Fatalf("got (%s, %v), want (coding, true)", tier, upgraded)
	}
}

func TestTierUpgradePolicy_NeverDowngrades(t *testing.T) {
	p := TierUpgradePolicy{}
	tier, upgraded := p.Evaluate(nil, nil, models.TierDeep, false)
	if upgraded || tier != models.TierDeep {
		t.Fatalf("got (%s, %v), want (deep, false)", tier, upgraded)
	}
}

func TestTierUpgradePolicy_ForceDisablesUpgrade(t *testing.T) {
	p := TierUpgradePolicy{}
	calls := []models.ToolCall{{Name: "filesystem.write_file", Arguments: map[string]any{"path": "app.py"}}}
	tier, upgraded := p.Evaluate(calls, nil, models.TierBalanced, true)
	if upgraded || tier != models.TierBalanced {
		t.Fatalf("got (%s, %v), want (balanced, false)", tier, upgraded)
	}
}

func TestTierUpgradePolicy_NonCodePathIgnored(t *testing.T) {
	p := TierUpgradePolicy{}
	calls := []models.ToolCall{{Name: "filesystem.write_file", Arguments: map[string]any{"path": "notes.txt"}}}
	tier, upgraded := p.Evaluate(calls, nil, models.TierBalanced, false)
	if upgraded || tier != models.TierBalanced {
		t.Fatalf("got (%s, %v), want (balanced, false)", tier, upgraded)
	}
}
