// Package models defines the canonical data types shared by every pipeline
// stage: the append-only message log, tool calls, sessions, and the
// per-turn working state the pipeline threads through its stages.
package models

import (
	"encoding/json"
	"time"
)

// ChannelType identifies the messaging platform a session belongs to.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
	ChannelAPI      ChannelType = "api"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one entry in a session's canonical, append-only log. It is
// never destructively mutated except by Compactor, which may replace a
// contiguous prefix with a single synthetic summary Message.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"` // may be empty for pure tool-call messages
	Timestamp time.Time `json:"timestamp"`

	// ToolCalls is populated when Role == RoleAssistant and the model
	// requested tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID/ToolName link a RoleTool message back to the ToolCall it
	// answers. ToolCallID must equal the ID of some ToolCall on a preceding
	// assistant Message in the same session (invariant I1).
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`

	// Metadata is an open mapping. Recognized keys: "sanitized.original",
	// "sanitized.threats", "sanitized.policy", "compacted.summary".
	Metadata map[string]any `json:"metadata,omitempty"`

	// ProviderFields preserves opaque vendor-specific fields (reasoning
	// traces, native tool-call indices) that must survive persistence and
	// round-trip through RequestViewBuilder without being interpreted.
	ProviderFields map[string]any `json:"provider_fields,omitempty"`
}

// Attachment describes an image/file artifact carried by a Message or
// surfaced by a ToolExecutionOutcome.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	Data     []byte `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall is one LLM-issued request to execute a named tool.
type ToolCall struct {
	ID           string         `json:"id"` // vendor-assigned
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments,omitempty"`     // parsed
	RawArguments string         `json:"raw_arguments,omitempty"` // source string
	Extensions   map[string]any `json:"extensions,omitempty"`    // opaque vendor fields

	// Input is the raw JSON form of the arguments, kept for callers (tool
	// registry dispatch, schema validation) that want json.RawMessage
	// rather than a parsed map.
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the outcome of executing a ToolCall, in the shape the LLM
// provider port expects on the wire. ToolExecutionOutcome is the richer
// internal record; ToolResult is its minimal provider-facing projection.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Session is the durable, per-conversation record identified by
// ConversationKey. Messages is the raw, append-only log.
//
// Invariants (spec §3):
//   - I1: every RoleTool Message's ToolCallID equals the ID of some
//     preceding assistant ToolCall in the same session.
//   - I2: message order is append-only except during compaction.
//   - I3: compaction replaces a contiguous prefix with at most one
//     synthetic system Message carrying Metadata["compacted.summary"] = true.
type Session struct {
	ID              string         `json:"id"`
	ConversationKey string         `json:"conversation_key"`
	Channel         ChannelType    `json:"channel"`
	ChannelID       string         `json:"channel_id"`
	Messages        []Message      `json:"messages"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
