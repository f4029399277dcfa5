package outbound

import (
	"testing"
)

func TestFormatDeliverySummary(t *testing.T) {
	tests := []struct {
		name     string
		channel  string
		result   *DeliveryResult
		expected string
	}{
		{
			name:     "nil result",
			channel:  "slack",
			result:   nil,
			expected: "Sent via slack. Message ID: unknown",
		},
		{
			name:    "basic result with message ID",
			channel: "telegram",
			result: &DeliveryResult{
				MessageID: "msg-123",
			},
			expected: "Sent via telegram. Message ID: msg-123",
		},
		{
			name:    "result with empty message ID",
			channel: "discord",
			result: &DeliveryResult{
				MessageID: "",
			},
			expected: "Sent via discord. Message ID: unknown",
		},
		{
			name:    "result with chat ID context",
			channel: "telegram",
			result: &DeliveryResult{
				MessageID: "msg-456",
				ChatID:    "chat-789",
			},
			expected: "Sent via telegram. Message ID: msg-456 (chat chat-789)",
		},
		{
			name:    "result with channel ID context",
			channel: "slack",
			result: &DeliveryResult{
				MessageID: "msg-101",
				ChannelID: "C1234567",
			},
			expected: "Sent via slack. Message ID: msg-101 (channel C1234567)",
		},
		{
			name:    "priority: chat ID over channel ID",
			channel: "multi",
			result: &DeliveryResult{
				MessageID: "msg-500",
				ChatID:    "chat-first",
				ChannelID: "channel-second",
			},
			expected: "Sent via multi. Message ID: msg-500 (chat chat-first)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatDeliverySummary(tt.channel, tt.result)
			if got != tt.expected {
				t.Errorf("FormatDeliverySummary() = %q, want %q", got, tt.expected)
			}
		})
	}
}
