package pipeline

import (
	"context"

	"github.com/ravensworth/turnloop/internal/agent"
	"github.com/ravensworth/turnloop/internal/agent/routing"
	"github.com/ravensworth/turnloop/internal/compaction"
	"github.com/ravensworth/turnloop/internal/outbound"
	"github.com/ravensworth/turnloop/internal/sanitize"
	"github.com/ravensworth/turnloop/internal/session"
	"github.com/ravensworth/turnloop/pkg/models"
)

// persistedLenAttr is the turn.Attributes key ContextBuildStage seeds with
// len(turn.Messages) before ToolLoop starts appending to the projection, so
// MemoryPersistStage knows which tail of turn.Messages this turn actually
// added and needs to persist via SessionStore.Append.
const persistedLenAttr = "pipeline.persisted_len"

// SanitizeStage is Sanitize(10): C10 InputSanitizer applied to the turn's
// newest user message.
type SanitizeStage struct {
	Policy sanitize.Policy
}

// NewSanitizeStage builds a SanitizeStage with sanitize.DefaultPolicy.
func NewSanitizeStage() *SanitizeStage {
	return &SanitizeStage{Policy: sanitize.DefaultPolicy()}
}

func (s *SanitizeStage) Name() string { return "Sanitize" }

func (s *SanitizeStage) ShouldProcess(ctx context.Context, turn *models.TurnContext) bool {
	return sanitize.LastUserMessage(turn.Messages) != nil
}

func (s *SanitizeStage) Process(ctx context.Context, turn *models.TurnContext) error {
	msg := sanitize.LastUserMessage(turn.Messages)
	if msg == nil {
		return nil
	}
	sanitize.Sanitize(msg, s.Policy)
	return nil
}

// CompactStage is Compact(18): evaluates C5's estimatedTokens/threshold
// trigger (spec §4.3) against turn.Messages and, when triggered, performs
// the one other sanctioned destructive edit (besides InputSanitizer's) by
// collapsing the dropped prefix in both the projection and the canonical
// SessionStore record (invariant I3).
//
// Compact(18) runs before DynamicTier(25) resolves turn.SelectedModel, so
// Router (when set) is used only to get a preliminary tier/model guess for
// threshold's modelMaxInputTokens term; DynamicTierStage still performs the
// authoritative resolution, tier-upgrade bookkeeping included. When Router
// is nil, threshold falls back to ConfiguredCap alone.
type CompactStage struct {
	Store                session.Store
	Router               *routing.ModelRouter
	Summarizer           compaction.Summarizer
	ConfiguredCap        int
	CharsPerToken        float64
	SystemOverheadTokens int
	KeepLast             int
	MaxContextTokens     int
	MinMessagesToTrim    int
}

// NewCompactStage builds a CompactStage against store, using compaction's
// documented spec §4.3 defaults. Callers wiring a config.CompactionConfig
// should set ConfiguredCap/CharsPerToken/SystemOverheadTokens/KeepLast from
// it directly instead of relying on these fallbacks.
func NewCompactStage(store session.Store, maxContextTokens int) *CompactStage {
	return &CompactStage{
		Store:                store,
		ConfiguredCap:        compaction.DefaultConfiguredCap,
		CharsPerToken:        compaction.DefaultCharsPerToken,
		SystemOverheadTokens: compaction.DefaultSystemOverheadTokens,
		KeepLast:             compaction.DefaultKeepLast,
		MaxContextTokens:     maxContextTokens,
		MinMessagesToTrim:    compaction.DefaultMinMessagesForSplit,
	}
}

func (s *CompactStage) Name() string { return "Compact" }

func (s *CompactStage) ShouldProcess(ctx context.Context, turn *models.TurnContext) bool {
	return len(turn.Messages) >= s.MinMessagesToTrim
}

// preliminaryMaxInputTokens resolves the best guess at the turn's model
// context window available before DynamicTierStage runs.
func (s *CompactStage) preliminaryMaxInputTokens(turn *models.TurnContext) int {
	if s.Router == nil {
		return 0
	}
	tier := turn.ModelTier
	if tier == "" {
		var skillTier models.Tier
		if v, ok := turn.Attributes[SkillTierAttr]; ok {
			if t, ok := v.(models.Tier); ok {
				skillTier = t
			}
		}
		tier = s.Router.ResolveTier(turn.TierPreference, skillTier)
	}
	model, _ := s.Router.ResolveModel(tier)
	if model == "" {
		return 0
	}
	return s.Router.LookupModelEntry(model).MaxInputTokens
}

func (s *CompactStage) Process(ctx context.Context, turn *models.TurnContext) error {
	cmsgs := toCompactionMessages(turn.Messages)

	estimated := compaction.EstimatedTokens(cmsgs, s.CharsPerToken, s.SystemOverheadTokens)
	threshold := compaction.Threshold(s.preliminaryMaxInputTokens(turn), s.ConfiguredCap)
	if estimated <= threshold {
		return nil
	}

	keepLast := s.KeepLast
	if keepLast <= 0 {
		keepLast = compaction.DefaultKeepLast
	}
	if keepLast >= len(cmsgs) {
		return nil
	}
	prefixLen := len(cmsgs) - keepLast

	summaryText, usedFallback := s.summarizePrefix(ctx, cmsgs[:prefixLen])

	summary := models.Message{
		Role:    models.RoleSystem,
		Content: summaryText,
		Metadata: map[string]any{
			"compacted.summary":      true,
			"compacted.droppedCount": prefixLen,
			"compacted.fallback":     usedFallback,
		},
	}

	if s.Store != nil && turn.Session != nil {
		if err := s.Store.ReplacePrefix(ctx, turn.Session.ConversationKey, prefixLen, summary); err != nil {
			return err
		}
	}

	rest := make([]models.Message, len(turn.Messages)-prefixLen)
	copy(rest, turn.Messages[prefixLen:])
	turn.Messages = append([]models.Message{summary}, rest...)
	return nil
}

// summarizePrefix produces the replacement text for the dropped prefix.
// Summarizer (an LLM call at the balanced tier per spec §4.3) is the
// primary path; a plain-text transcript dump is the fallback used when no
// Summarizer is configured or the summarization call itself fails.
func (s *CompactStage) summarizePrefix(ctx context.Context, prefix []*compaction.Message) (text string, usedFallback bool) {
	if s.Summarizer != nil {
		cfg := compaction.DefaultSummarizationConfig()
		cfg.CharsPerToken = s.CharsPerToken
		cfg.ContextWindow = s.MaxContextTokens
		if summary, err := compaction.SummarizeWithFallback(ctx, prefix, s.Summarizer, cfg); err == nil {
			return summary, false
		}
	}
	return compaction.FormatMessagesForSummary(prefix), true
}

func toCompactionMessages(messages []models.Message) []*compaction.Message {
	out := make([]*compaction.Message, len(messages))
	for i, m := range messages {
		out[i] = &compaction.Message{
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp.Unix(),
			ID:        m.ID,
			Metadata:  m.Metadata,
		}
	}
	return out
}

// ContextBuildStage is ContextBuild(20): seeds the attribute ToolLoop and
// MemoryPersistStage depend on and, when configured, prepends a system
// message to the working projection.
type ContextBuildStage struct {
	SystemPrompt string
}

func (s *ContextBuildStage) Name() string { return "ContextBuild" }

func (s *ContextBuildStage) ShouldProcess(ctx context.Context, turn *models.TurnContext) bool { return true }

func (s *ContextBuildStage) Process(ctx context.Context, turn *models.TurnContext) error {
	if turn.Attributes == nil {
		turn.Attributes = map[string]any{}
	}
	turn.Attributes[persistedLenAttr] = len(turn.Messages)

	if s.SystemPrompt == "" {
		return nil
	}
	for _, m := range turn.Messages {
		if m.Role == models.RoleSystem {
			return nil
		}
	}
	turn.Messages = append([]models.Message{{Role: models.RoleSystem, Content: s.SystemPrompt}}, turn.Messages...)
	return nil
}

// DynamicTierStage is DynamicTier(25): resolves the turn's initial Tier and
// concrete model before ToolLoop's first iteration (C3's priority chain,
// spec §4.4). SkillTier, when set, names the attribute ToolLoop's caller (a
// skill/command dispatcher, out of scope here) may have stashed on
// turn.Attributes to express a declared per-skill tier.
const SkillTierAttr = "pipeline.skill_tier"

type DynamicTierStage struct {
	Router *routing.ModelRouter
}

func (s *DynamicTierStage) Name() string { return "DynamicTier" }

func (s *DynamicTierStage) ShouldProcess(ctx context.Context, turn *models.TurnContext) bool { return true }

func (s *DynamicTierStage) Process(ctx context.Context, turn *models.TurnContext) error {
	var skillTier models.Tier
	if v, ok := turn.Attributes[SkillTierAttr]; ok {
		if tier, ok := v.(models.Tier); ok {
			skillTier = tier
		}
	}

	fromTier := turn.ModelTier
	resolved := s.Router.ResolveTier(turn.TierPreference, skillTier)
	turn.ModelTier = resolved

	model, _ := s.Router.ResolveModel(resolved)
	turn.SelectedModel = model

	if fromTier != resolved {
		if turn.Diagnostics == nil {
			turn.Diagnostics = models.NewTurnDiagnostics()
		}
		turn.Diagnostics.RecordTier(models.TierDecision{
			Iteration: turn.Iteration,
			FromTier:  fromTier,
			ToTier:    resolved,
			Reason:    "initial resolution",
			Forced:    turn.TierPreference.Force,
		})
	}
	return nil
}

// ToolLoopStage is ToolLoop(30): the single stage that may itself iterate
// (C7 internalizes the LLM<->tool repetition the rest of the pipeline never
// sees). NewLoop builds the *agent.ToolLoop bound to whichever llm.Provider
// DynamicTierStage resolved for this turn: a turn never calls more than one
// provider (spec §4.4), but different turns can land on different tiers
// backed by different providers, so the loop is built fresh per turn rather
// than held fixed on the stage.
type ToolLoopStage struct {
	NewLoop func(turn *models.TurnContext) (*agent.ToolLoop, error)
}

func (s *ToolLoopStage) Name() string { return toolLoopStageName }

func (s *ToolLoopStage) ShouldProcess(ctx context.Context, turn *models.TurnContext) bool { return true }

func (s *ToolLoopStage) Process(ctx context.Context, turn *models.TurnContext) error {
	loop, err := s.NewLoop(turn)
	if err != nil {
		return err
	}
	return loop.Run(ctx, turn)
}

// MemoryPersistStage is MemoryPersist(50): appends the messages this turn
// actually added (the new user message plus whatever ToolLoop produced) to
// the canonical SessionStore record. It is deliberately distinct from
// RagIndexStage: writing canonical history back to C11's store is in
// scope even though retrieval-backend indexing is not (spec §1 Non-goals).
type MemoryPersistStage struct {
	Store session.Store
}

func (s *MemoryPersistStage) Name() string { return "MemoryPersist" }

func (s *MemoryPersistStage) ShouldProcess(ctx context.Context, turn *models.TurnContext) bool {
	return s.Store != nil && turn.Session != nil
}

func (s *MemoryPersistStage) Process(ctx context.Context, turn *models.TurnContext) error {
	base, _ := turn.Attributes[persistedLenAttr].(int)
	if base < 0 || base > len(turn.Messages) {
		base = 0
	}
	delta := turn.Messages[base:]
	if len(delta) == 0 {
		return nil
	}
	return s.Store.Append(ctx, turn.Session.ConversationKey, delta)
}

// RagIndexStage is RagIndex(55): a no-op placeholder. Retrieval-augmented
// indexing needs a vector/document store backend, which spec §1 excludes;
// the stage stays in the fixed order so a future backend slots in at the
// position spec §4.1 names without reshuffling the rest of the pipeline.
type RagIndexStage struct{}

func (s *RagIndexStage) Name() string { return "RagIndex" }

func (s *RagIndexStage) ShouldProcess(ctx context.Context, turn *models.TurnContext) bool { return false }

func (s *RagIndexStage) Process(ctx context.Context, turn *models.TurnContext) error { return nil }

// Sender is Route's delivery port onto C9 OutboundSender.
type Sender interface {
	Send(ctx context.Context, turn *models.TurnContext, text string) (*outbound.DeliveryResult, error)
}

// RouteStage is Route(60): delivers the turn's final answer, or reports a
// StageFailed from anywhere upstream, through Sender. It is the one stage
// that always runs, StageFailed or FinalAnswerReady gating notwithstanding.
type RouteStage struct {
	Sender  Sender
	Channel string
}

func (s *RouteStage) Name() string { return routeStageName }

func (s *RouteStage) ShouldProcess(ctx context.Context, turn *models.TurnContext) bool { return true }

func (s *RouteStage) Process(ctx context.Context, turn *models.TurnContext) error {
	text := ""
	switch {
	case turn.StageError != nil:
		text = "Something went wrong processing that turn: " + turn.StageError.Error()
	case turn.LLMResponse != nil:
		text = turn.LLMResponse.Content
	}

	result, err := s.Sender.Send(ctx, turn, text)
	if err != nil {
		return err
	}
	_ = outbound.FormatDeliverySummary(s.Channel, result)
	return nil
}
