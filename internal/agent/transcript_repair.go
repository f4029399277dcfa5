package agent

import "github.com/ravensworth/turnloop/pkg/models"

// repairTranscript drops RoleTool messages whose ToolCallID does not answer a
// ToolCall on a preceding, not-yet-closed assistant message, preserving
// invariant I1 when history was assembled from a source that may have
// dropped or reordered messages.
func repairTranscript(history []models.Message) []models.Message {
	if len(history) == 0 {
		return history
	}

	pending := make(map[string]struct{})
	repaired := make([]models.Message, 0, len(history))

	for _, msg := range history {
		switch msg.Role {
		case models.RoleAssistant:
			for k := range pending {
				delete(pending, k)
			}
			for _, call := range msg.ToolCalls {
				if call.ID != "" {
					pending[call.ID] = struct{}{}
				}
			}
			repaired = append(repaired, msg)
		case models.RoleTool:
			if msg.ToolCallID == "" {
				continue
			}
			if _, ok := pending[msg.ToolCallID]; !ok {
				continue
			}
			delete(pending, msg.ToolCallID)
			repaired = append(repaired, msg)
		default:
			repaired = append(repaired, msg)
		}
	}

	return repaired
}
