// Package outbound formats the result of C9's RouteStage delivery for the
// three direct channel adapters this repository ships (Telegram, Discord,
// Slack). The teacher's wider gateway/WhatsApp/Matrix delivery surface
// (DeliveryViaGateway, ToJid, RoomID/ConversationID, JSON envelope builders)
// has no adapter here to produce it — see DESIGN.md for the dropped channel
// SDKs — so only the fields the three real adapters actually populate
// survive.
package outbound

import "fmt"

// DeliveryResult contains the result of a message delivery. Exactly one of
// ChatID (Telegram) or ChannelID (Discord, Slack) is set, matching which
// adapter produced it.
type DeliveryResult struct {
	MessageID string
	ChatID    string
	ChannelID string
}

// FormatDeliverySummary formats a delivery summary with the channel and result.
// Returns a string like "Sent via {channel}. Message ID: {id}" with optional context.
func FormatDeliverySummary(channel string, result *DeliveryResult) string {
	if result == nil {
		return fmt.Sprintf("Sent via %s. Message ID: unknown", channel)
	}

	messageID := result.MessageID
	if messageID == "" {
		messageID = "unknown"
	}

	base := fmt.Sprintf("Sent via %s. Message ID: %s", channel, messageID)

	if result.ChatID != "" {
		return fmt.Sprintf("%s (chat %s)", base, result.ChatID)
	}
	if result.ChannelID != "" {
		return fmt.Sprintf("%s (channel %s)", base, result.ChannelID)
	}
	return base
}
