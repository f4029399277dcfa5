package main

import (
	"context"
	"fmt"

	"github.com/ravensworth/turnloop/internal/agent/routing"
	"github.com/ravensworth/turnloop/internal/compaction"
	"github.com/ravensworth/turnloop/internal/llm"
	"github.com/ravensworth/turnloop/pkg/models"
)

// providerSummarizer adapts an llm.Provider into compaction.Summarizer,
// calling the router's "balanced" tier model with low reasoning effort per
// spec §4.3. It is the production implementation CompactStage's Summarizer
// field is wired to; tests use fakes instead.
type providerSummarizer struct {
	router    *routing.ModelRouter
	providers map[string]llm.Provider
}

func newProviderSummarizer(router *routing.ModelRouter, providers map[string]llm.Provider) *providerSummarizer {
	return &providerSummarizer{router: router, providers: providers}
}

func (s *providerSummarizer) GenerateSummary(ctx context.Context, messages []*compaction.Message, config *compaction.SummarizationConfig) (string, error) {
	model, _ := s.router.ResolveModel(models.TierBalanced)
	if model == "" {
		return "", fmt.Errorf("compaction: no model resolved for tier %q", models.TierBalanced)
	}
	entry := s.router.LookupModelEntry(model)
	provider, ok := s.providers[entry.Provider]
	if !ok {
		return "", fmt.Errorf("compaction: no provider configured for %q", entry.Provider)
	}

	system := "Summarize the following conversation history concisely, preserving decisions, facts, and open threads a continuation would need. Do not invent details that are not present."
	if config != nil && config.CustomInstructions != "" {
		system = system + "\n\n" + config.CustomInstructions
	}

	resp, err := provider.Chat(ctx, &llm.ChatRequest{
		Model:    model,
		System:   system,
		Messages: []models.Message{{Role: models.RoleUser, Content: compaction.FormatMessagesForSummary(messages)}},
		MaxTokens: func() int {
			if config != nil && config.ReserveTokens > 0 {
				return config.ReserveTokens
			}
			return 2000
		}(),
	})
	if err != nil {
		return "", fmt.Errorf("compaction summarize: %w", err)
	}
	return resp.Content, nil
}
