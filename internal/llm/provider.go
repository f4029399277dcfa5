// Package llm defines the provider-agnostic LLM port (spec §6) and the
// shared request/response shapes every concrete adapter converts to and
// from. Concrete adapters live in sibling packages (anthropic, openai,
// bedrock, google, ollama) so each SDK's dependency stays isolated behind
// the Provider interface.
package llm

import (
	"context"
	"time"

	"github.com/ravensworth/turnloop/pkg/models"
)

// Provider is the LLM provider port consumed by the ToolLoop (C7). A turn
// never calls more than one Provider: ModelRouter (C3) resolves which one
// before the loop starts.
type Provider interface {
	// Name identifies the provider for routing/diagnostics (e.g. "anthropic").
	Name() string

	// Chat performs one non-streaming completion call.
	Chat(ctx context.Context, req *ChatRequest) (*models.LLMResponse, error)

	// ChatStream performs a streaming completion call. Providers that
	// cannot stream (none currently) may implement it by buffering Chat's
	// result into a single terminal chunk.
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan *ChatChunk, error)

	// IsAvailable reports whether the provider is currently configured and
	// reachable (credentials present, no open circuit). Checked by
	// ModelRouter before a tier resolves to one of this provider's models.
	IsAvailable(ctx context.Context) bool

	// SupportedModels lists the models this provider can serve.
	SupportedModels() []ModelInfo
}

// ChatRequest is the provider-agnostic shape of one LLM call, built by
// RequestViewBuilder (C2) from a TurnContext's working message view.
type ChatRequest struct {
	Model                string
	System               string
	Messages             []models.Message
	Tools                []ToolSpec
	MaxTokens            int
	EnableThinking       bool
	ThinkingBudgetTokens int
}

// ToolSpec is the provider-agnostic tool definition offered to the model.
// Concrete adapters convert it to the vendor's native tool-schema shape
// (Anthropic's ToolUnionParam, OpenAI's FunctionDefinition, etc).
type ToolSpec struct {
	Name        string
	Description string
	Schema      []byte // raw JSON Schema
}

// ChatChunk is one piece of a streaming response.
type ChatChunk struct {
	Text         string
	ToolCall     *models.ToolCall
	Done         bool
	Err          error
	InputTokens  int
	OutputTokens int
}

// ModelInfo describes one model a Provider can serve.
type ModelInfo struct {
	ID             string
	ContextWindow  int
	SupportsVision bool
}

// RetryPolicy runs op with linear backoff while isRetryable(err) holds,
// grounded on providers/base.go's BaseProvider.Retry.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}
}

func (r RetryPolicy) Do(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	maxRetries := r.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	delay := r.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if isRetryable == nil || !isRetryable(err) {
			return err
		}
		if attempt >= maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay * time.Duration(attempt)):
		}
	}
	return lastErr
}
