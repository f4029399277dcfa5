package slack

import (
	"context"
	"errors"
	"testing"

	"github.com/slack-go/slack/slackevents"

	"github.com/ravensworth/turnloop/pkg/models"
)

func TestNewRequiresBothTokens(t *testing.T) {
	cases := []Config{
		{},
		{BotToken: "xoxb-fake"},
		{AppToken: "xapp-fake"},
	}
	for _, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Errorf("New(%+v) expected error, got nil", cfg)
		}
	}
}

func TestNewBuildsAdapter(t *testing.T) {
	a, err := New(Config{BotToken: "xoxb-fake", AppToken: "xapp-fake"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.client == nil || a.socket == nil {
		t.Fatalf("expected client and socket to be constructed")
	}
}

func TestHandleEventsAPIIgnoresNonCallbackEvents(t *testing.T) {
	a, err := New(Config{BotToken: "xoxb-fake", AppToken: "xapp-fake"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	called := false
	a.runner = func(ctx context.Context, session *models.Session, text string) error {
		called = true
		return nil
	}

	a.handleEventsAPI(context.Background(), slackevents.EventsAPIEvent{Type: "url_verification"})
	if called {
		t.Fatalf("runner should not be called for a non-callback event")
	}
}

func TestHandleEventsAPIBuildsSessionFromMessageEvent(t *testing.T) {
	a, err := New(Config{BotToken: "xoxb-fake", AppToken: "xapp-fake"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var gotSession *models.Session
	var gotText string
	a.runner = func(ctx context.Context, session *models.Session, text string) error {
		gotSession = session
		gotText = text
		return errors.New("forced failure: exercises the error-reporting path")
	}

	event := slackevents.EventsAPIEvent{
		Type: slackevents.CallbackEvent,
		InnerEvent: slackevents.EventsAPIInnerEvent{
			Data: &slackevents.MessageEvent{
				Channel: "C123",
				Text:    "hello team",
			},
		},
	}
	a.handleEventsAPI(context.Background(), event)

	if gotText != "hello team" {
		t.Errorf("text = %q, want %q", gotText, "hello team")
	}
	if gotSession == nil {
		t.Fatalf("expected session to be built")
	}
	if gotSession.ChannelID != "C123" {
		t.Errorf("ChannelID = %q, want C123", gotSession.ChannelID)
	}
	if gotSession.ConversationKey != "slack:C123" {
		t.Errorf("ConversationKey = %q, want slack:C123", gotSession.ConversationKey)
	}
	if gotSession.Channel != models.ChannelSlack {
		t.Errorf("Channel = %q, want %q", gotSession.Channel, models.ChannelSlack)
	}
}

func TestHandleEventsAPIIgnoresBotMessages(t *testing.T) {
	a, err := New(Config{BotToken: "xoxb-fake", AppToken: "xapp-fake"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	called := false
	a.runner = func(ctx context.Context, session *models.Session, text string) error {
		called = true
		return nil
	}

	event := slackevents.EventsAPIEvent{
		Type: slackevents.CallbackEvent,
		InnerEvent: slackevents.EventsAPIInnerEvent{
			Data: &slackevents.MessageEvent{
				Channel: "C123",
				Text:    "ignored",
				BotID:   "B999",
			},
		},
	}
	a.handleEventsAPI(context.Background(), event)

	if called {
		t.Fatalf("runner should not be called for a bot-authored message")
	}
}
