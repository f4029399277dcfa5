// Package ollama adapts a local Ollama server to the llm.Provider port via
// plain net/http, grounded on internal/agent/providers/ollama.go nearly
// verbatim: Ollama has no official Go SDK, so the teacher talks to its
// /api/chat endpoint directly, and so do we.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ravensworth/turnloop/internal/llm"
	"github.com/ravensworth/turnloop/pkg/models"
)

type Config struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

type Provider struct {
	client       *http.Client
	baseURL      string
	defaultModel string
}

var _ llm.Provider = (*Provider)(nil)

func New(cfg Config) *Provider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Provider{
		client:       &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
	}
}

func (p *Provider) Name() string { return "ollama" }

func (p *Provider) SupportedModels() []llm.ModelInfo {
	if p.defaultModel == "" {
		return nil
	}
	return []llm.ModelInfo{{ID: p.defaultModel}}
}

func (p *Provider) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusBadRequest
}

func (p *Provider) Chat(ctx context.Context, req *llm.ChatRequest) (*models.LLMResponse, error) {
	ch, err := p.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	out := &models.LLMResponse{}
	for chunk := range ch {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if chunk.Text != "" {
			out.Content += chunk.Text
		}
		if chunk.ToolCall != nil {
			out.ToolCalls = append(out.ToolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			out.Usage = models.Usage{PromptTokens: chunk.InputTokens, CompletionTokens: chunk.OutputTokens, TotalTokens: chunk.InputTokens + chunk.OutputTokens}
		}
	}
	return out, nil
}

func (p *Provider) ChatStream(ctx context.Context, req *llm.ChatRequest) (<-chan *llm.ChatChunk, error) {
	if req == nil {
		return nil, errors.New("ollama: request is nil")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, errors.New("ollama: model is required")
	}

	payload := chatRequest{Model: model, Stream: true, Messages: buildMessages(req)}
	if len(req.Tools) > 0 {
		payload.Tools = convertTools(req.Tools)
	}
	if req.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("ollama: status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	out := make(chan *llm.ChatChunk)
	go streamResponse(ctx, resp.Body, out)
	return out, nil
}

func streamResponse(ctx context.Context, body io.ReadCloser, out chan<- *llm.ChatChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64<<10)
	scanner.Buffer(buf, 1<<20)

	emitted := map[string]struct{}{}
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- &llm.ChatChunk{Err: ctx.Err(), Done: true}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp chatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			out <- &llm.ChatChunk{Err: fmt.Errorf("ollama: decode response: %w", err), Done: true}
			return
		}
		if resp.Error != "" {
			out <- &llm.ChatChunk{Err: errors.New(resp.Error), Done: true}
			return
		}
		if resp.Message != nil {
			if resp.Message.Content != "" {
				out <- &llm.ChatChunk{Text: resp.Message.Content}
			}
			for _, tc := range resp.Message.ToolCalls {
				callID := strings.TrimSpace(tc.ID)
				if callID == "" {
					callID = toolCallKey(tc)
					if callID == "" {
						callID = uuid.NewString()
					}
				}
				if _, ok := emitted[callID]; ok {
					continue
				}
				emitted[callID] = struct{}{}
				var args map[string]any
				_ = json.Unmarshal(tc.Function.Arguments, &args)
				out <- &llm.ChatChunk{ToolCall: &models.ToolCall{
					ID:        callID,
					Name:      strings.TrimSpace(tc.Function.Name),
					Arguments: args,
					Input:     tc.Function.Arguments,
				}}
			}
		}
		if resp.Done {
			out <- &llm.ChatChunk{Done: true, InputTokens: resp.PromptEvalCount, OutputTokens: resp.EvalCount}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		out <- &llm.ChatChunk{Err: err, Done: true}
	}
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Tools    []toolSpec     `json:"tools,omitempty"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
}

type chatResponse struct {
	Message         *chatMessage `json:"message"`
	Done            bool         `json:"done"`
	Error           string       `json:"error"`
	EvalCount       int          `json:"eval_count"`
	PromptEvalCount int          `json:"prompt_eval_count"`
}

type toolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type toolSpec struct {
	Type     string `json:"type"`
	Function struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Parameters  any    `json:"parameters,omitempty"`
	} `json:"function"`
}

func convertTools(tools []llm.ToolSpec) []toolSpec {
	out := make([]toolSpec, len(tools))
	for i, t := range tools {
		out[i].Type = "function"
		out[i].Function.Name = t.Name
		out[i].Function.Description = t.Description
		if len(t.Schema) > 0 {
			var params any
			_ = json.Unmarshal(t.Schema, &params)
			out[i].Function.Parameters = params
		}
	}
	return out
}

func buildMessages(req *llm.ChatRequest) []chatMessage {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	for _, msg := range req.Messages {
		role := string(msg.Role)
		if role == "" {
			role = "user"
		}
		switch msg.Role {
		case models.RoleAssistant:
			m := chatMessage{Role: role, Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				m.ToolCalls = make([]toolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					args := tc.Input
					if len(args) == 0 {
						args = json.RawMessage(`{}`)
					}
					m.ToolCalls[i] = toolCall{ID: tc.ID, Type: "function", Function: toolFunction{Name: tc.Name, Arguments: args}}
				}
			}
			messages = append(messages, m)
		case models.RoleTool:
			messages = append(messages, chatMessage{Role: role, Content: msg.Content, ToolName: msg.ToolName})
		default:
			messages = append(messages, chatMessage{Role: role, Content: msg.Content})
		}
	}
	return messages
}

func toolCallKey(tc toolCall) string {
	if strings.TrimSpace(tc.ID) != "" {
		return strings.TrimSpace(tc.ID)
	}
	name := strings.TrimSpace(tc.Function.Name)
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if name == "" && args == "" {
		return ""
	}
	return name + ":" + args
}
