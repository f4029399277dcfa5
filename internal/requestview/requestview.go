// Package requestview builds the provider-facing view of a turn's message
// history (RequestViewBuilder, C2). It never mutates the raw history: every
// transformation — id remap, name sanitize, incompatibility masking,
// emergency truncation — is applied to a copy and recorded as diagnostics.
package requestview

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ravensworth/turnloop/pkg/models"
)

// invalidIDChars matches any character outside [A-Za-z0-9_-].
var invalidIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

const maxToolCallIDLength = 40

// Diagnostics records what RequestViewBuilder changed while building a view,
// for test assertions and user-facing error explanations.
type Diagnostics struct {
	RemappedIDs    int
	SanitizedNames int
	FlattenedCount int
	FlattenReason  string
	TruncatedCount int
	EmergencyTrunc bool
}

// Result is the output of Build: the provider-ready message slice plus
// diagnostics describing what was changed.
type Result struct {
	Messages    []models.Message
	Diagnostics Diagnostics
}

// ProviderCapabilities describes what the target provider accepts, driving
// the incompatibility-masking transform.
type ProviderCapabilities struct {
	// SupportsToolMessages is false for providers that cannot represent a
	// structured assistant tool-call / tool-result pair (e.g. a plain
	// completion-style provider). When false, such pairs are flattened to
	// plain assistant text.
	SupportsToolMessages bool

	// MaxInputTokens bounds the emergency per-message truncation budget.
	MaxInputTokens int
}

// Builder transforms raw session history into a provider-ready request view.
type Builder struct {
	CharsPerToken float64
}

// NewBuilder returns a Builder with the spec default charsPerToken (3.5).
func NewBuilder() *Builder {
	return &Builder{CharsPerToken: 3.5}
}

// Build projects rawMessages into the request view for nextProvider. prevProviderKey
// and nextProviderKey identify the provider the history was last built for and
// the provider it is being built for now; the id-remap/name-sanitize/masking
// transforms only run when they differ (or prevProviderKey is empty, i.e.
// first use).
func (b *Builder) Build(rawMessages []models.Message, prevProviderKey, nextProviderKey string, caps ProviderCapabilities) Result {
	out := make([]models.Message, len(rawMessages))
	copy(out, rawMessages)

	var diag Diagnostics
	if prevProviderKey == nextProviderKey && prevProviderKey != "" {
		return Result{Messages: out, Diagnostics: diag}
	}

	remap := buildIDRemap(out)
	if len(remap) > 0 {
		diag.RemappedIDs = len(remap)
		applyIDRemap(out, remap)
	}

	diag.SanitizedNames = sanitizeNames(out)

	if !caps.SupportsToolMessages {
		out, diag.FlattenedCount = flattenToolPairs(out)
		if diag.FlattenedCount > 0 {
			diag.FlattenReason = "provider_switch"
		}
	}

	return Result{Messages: out, Diagnostics: diag}
}

// buildIDRemap computes a fresh id for every ToolCall id that is too long or
// contains characters outside [A-Za-z0-9_-].
func buildIDRemap(messages []models.Message) map[string]string {
	remap := map[string]string{}
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if needsRemap(tc.ID) {
				if _, ok := remap[tc.ID]; !ok {
					remap[tc.ID] = freshToolCallID()
				}
			}
		}
	}
	return remap
}

func needsRemap(id string) bool {
	return len(id) > maxToolCallIDLength || invalidIDChars.MatchString(id)
}

func freshToolCallID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "call_" + base36From(raw)
}

// base36From deterministically derives a 24-character base36 string from a
// hex UUID string, truncating/padding as needed.
func base36From(hex string) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	var b strings.Builder
	for i := 0; i < len(hex) && b.Len() < 24; i++ {
		c := hex[i]
		var v int
		switch {
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c >= 'a' && c <= 'f':
			v = int(c-'a') + 10
		default:
			v = 0
		}
		b.WriteByte(alphabet[v%36])
	}
	for b.Len() < 24 {
		b.WriteByte('0')
	}
	return b.String()
}

// applyIDRemap rewrites every ToolCall.ID and paired ToolCallID consistently
// so every remapped id stays linked across the assistant/tool message pair.
func applyIDRemap(messages []models.Message, remap map[string]string) {
	for i := range messages {
		msg := &messages[i]
		for j := range msg.ToolCalls {
			if fresh, ok := remap[msg.ToolCalls[j].ID]; ok {
				msg.ToolCalls[j].ID = fresh
			}
		}
		if fresh, ok := remap[msg.ToolCallID]; ok {
			msg.ToolCallID = fresh
		}
	}
}

// sanitizeNames replaces invalid characters in tool-call/tool-result names
// with "_", mapping an empty result to "unknown". Returns the count changed.
func sanitizeNames(messages []models.Message) int {
	changed := 0
	for i := range messages {
		msg := &messages[i]
		for j := range msg.ToolCalls {
			sanitized := sanitizeName(msg.ToolCalls[j].Name)
			if sanitized != msg.ToolCalls[j].Name {
				msg.ToolCalls[j].Name = sanitized
				changed++
			}
		}
		if msg.ToolName != "" {
			sanitized := sanitizeName(msg.ToolName)
			if sanitized != msg.ToolName {
				msg.ToolName = sanitized
				changed++
			}
		}
	}
	return changed
}

func sanitizeName(name string) string {
	sanitized := invalidIDChars.ReplaceAllString(name, "_")
	if sanitized == "" {
		return "unknown"
	}
	return sanitized
}

// SanitizeName exports the same function-name sanitization rule Build
// applies to tool-call/tool-result names (spec §4.6 step 2), for callers
// outside request-view construction that need to sanitize a name before
// dispatch (e.g. ToolLoop before resolving a tool by name).
func SanitizeName(name string) string {
	return sanitizeName(name)
}

// flattenToolPairs collapses an assistant message carrying tool calls and the
// paired tool-result messages that immediately follow it into a single plain
// assistant text message, for providers that cannot represent structured
// tool messages.
func flattenToolPairs(messages []models.Message) ([]models.Message, int) {
	resultsByID := map[string]models.Message{}
	for _, msg := range messages {
		if msg.Role == models.RoleTool && msg.ToolCallID != "" {
			resultsByID[msg.ToolCallID] = msg
		}
	}

	out := make([]models.Message, 0, len(messages))
	flattened := 0
	consumed := map[string]struct{}{}

	for _, msg := range messages {
		if msg.Role == models.RoleTool {
			if _, done := consumed[msg.ToolCallID]; done {
				continue
			}
		}
		if msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0 {
			var b strings.Builder
			if msg.Content != "" {
				b.WriteString(msg.Content)
				b.WriteString("\n")
			}
			for _, tc := range msg.ToolCalls {
				result, ok := resultsByID[tc.ID]
				resultText := ""
				if ok {
					resultText = truncateForFlatten(result.Content)
					consumed[tc.ID] = struct{}{}
				}
				fmt.Fprintf(&b, "Called %s(%s) → %s\n", tc.Name, formatArgs(tc.Arguments), resultText)
				flattened++
			}
			out = append(out, models.Message{
				ID:        msg.ID,
				Role:      models.RoleAssistant,
				Content:   strings.TrimRight(b.String(), "\n"),
				Timestamp: msg.Timestamp,
			})
			continue
		}
		out = append(out, msg)
	}
	return out, flattened
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, 0, len(args))
	for k, v := range args {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ", ")
}

func truncateForFlatten(content string) string {
	const limit = 200
	if len(content) <= limit {
		return content
	}
	return content[:limit] + "...[truncated]"
}

// ApplyEmergencyTruncation truncates each message exceeding the per-message
// budget derived from maxInputTokens. It is applied only inside the view,
// after the provider has rejected the request with a context-length error;
// the raw history is never touched here.
func ApplyEmergencyTruncation(messages []models.Message, maxInputTokens int, charsPerToken float64) ([]models.Message, int) {
	if charsPerToken <= 0 {
		charsPerToken = 3.5
	}
	budget := int(float64(maxInputTokens) * charsPerToken * 0.25)
	if budget < 10_000 {
		budget = 10_000
	}

	out := make([]models.Message, len(messages))
	copy(out, messages)
	truncatedCount := 0
	for i := range out {
		if len(out[i].Content) <= budget {
			continue
		}
		total := len(out[i].Content)
		cut := budget
		suffix := fmt.Sprintf("[EMERGENCY TRUNCATED: %d chars total ...]", total)
		if cut > total {
			cut = total
		}
		out[i].Content = out[i].Content[:cut] + suffix
		truncatedCount++
	}
	return out, truncatedCount
}
