// Package sanitize implements C10 InputSanitizer: the pipeline's
// Sanitize(10) stage. It inspects the newest user message for prompt
// injection, control-token smuggling, and oversized payloads, and performs
// the one other sanctioned destructive edit to raw content besides
// Compactor's prefix replacement (spec §4.2).
package sanitize

import (
	"regexp"

	"github.com/ravensworth/turnloop/pkg/models"
)

// Threat identifies why a message was flagged.
type Threat string

const (
	ThreatPromptInjection Threat = "prompt_injection"
	ThreatControlTokens   Threat = "control_tokens"
	ThreatOversized       Threat = "oversized_payload"
)

// injectionMarkers tags content that tries to override prior instructions or
// exfiltrate the system prompt. Tagged in the style of the teacher's
// regex-classified content tags (routing.HeuristicClassifier).
var injectionMarkers = regexp.MustCompile(`(?i)\b(ignore (all|any|the) (previous|prior|above) instructions?|disregard (all|any|the) (previous|prior|above)|you are now|new system prompt|reveal your (system prompt|instructions)|print your (system prompt|instructions)|act as (if you|though)|jailbreak|do anything now|DAN mode)\b`)

// controlTokenRunes matches ASCII control characters other than tab/newline
// that have no legitimate place in a chat message.
var controlTokenRunes = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)

// Policy configures the InputSanitizer's thresholds (spec §4.2/§6).
type Policy struct {
	// MaxContentLength caps raw message content; content beyond this is
	// truncated and flagged ThreatOversized. Default: 200_000.
	MaxContentLength int
}

// DefaultPolicy returns the spec's recognized defaults.
func DefaultPolicy() Policy {
	return Policy{MaxContentLength: 200_000}
}

// Result records what Sanitize found and changed.
type Result struct {
	Threats   []Threat
	Sanitized bool
}

// Sanitize inspects msg in place. When a threat is found, Content is
// replaced with the sanitized form and the original, the detected threats,
// and the policy applied are recorded in Metadata under "sanitized" — the
// one audited exception to "never mutate raw content" (spec §4.2).
func Sanitize(msg *models.Message, policy Policy) Result {
	if msg.Role != models.RoleUser {
		return Result{}
	}

	original := msg.Content
	content := original
	var threats []Threat

	if injectionMarkers.MatchString(content) {
		threats = append(threats, ThreatPromptInjection)
		content = injectionMarkers.ReplaceAllString(content, "[REDACTED]")
	}

	if controlTokenRunes.MatchString(content) {
		threats = append(threats, ThreatControlTokens)
		content = controlTokenRunes.ReplaceAllString(content, "")
	}

	if max := policy.MaxContentLength; max > 0 && len(content) > max {
		threats = append(threats, ThreatOversized)
		content = content[:max]
	}

	if len(threats) == 0 {
		return Result{}
	}

	msg.Content = content
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	msg.Metadata["sanitized"] = map[string]any{
		"original": original,
		"threats":  threatStrings(threats),
		"policy":   "sanitize.DefaultPolicy",
	}
	return Result{Threats: threats, Sanitized: true}
}

func threatStrings(threats []Threat) []string {
	out := make([]string, len(threats))
	for i, t := range threats {
		out[i] = string(t)
	}
	return out
}

// LastUserMessage returns a pointer to the last RoleUser message in
// messages, or nil if there is none. Mirrors the teacher's
// routing.lastUserContent helper, generalized to return the message itself
// since Sanitize needs to mutate it.
func LastUserMessage(messages []models.Message) *models.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return &messages[i]
		}
	}
	return nil
}
