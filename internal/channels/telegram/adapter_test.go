package telegram

import (
	"context"
	"errors"
	"testing"

	tgmodels "github.com/go-telegram/bot/models"

	"github.com/ravensworth/turnloop/pkg/models"
)

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestNewBuildsAdapter(t *testing.T) {
	a, err := New(Config{Token: "123456:fake-token"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.bot == nil {
		t.Fatalf("expected bot client to be constructed")
	}
}

func TestOnUpdateIgnoresNonTextUpdates(t *testing.T) {
	a, err := New(Config{Token: "123456:fake-token"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	called := false
	a.runner = func(ctx context.Context, session *models.Session, text string) error {
		called = true
		return nil
	}

	a.onUpdate(context.Background(), nil, &tgmodels.Update{})
	if called {
		t.Fatalf("runner should not be called for an update with no message")
	}
}

func TestOnUpdateBuildsSessionFromChatID(t *testing.T) {
	a, err := New(Config{Token: "123456:fake-token"})
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

	update := &tgmodels.Update{
		Message: &tgmodels.Message{
			Text: "hello",
			Chat: tgmodels.Chat{ID: 42},
		},
	}
	a.onUpdate(context.Background(), nil, update)

	if gotText != "hello" {
		t.Errorf("text = %q, want hello", gotText)
	}
	if gotSession == nil {
		t.Fatalf("expected session to be built")
	}
	if gotSession.ChannelID != "42" {
		t.Errorf("ChannelID = %q, want 42", gotSession.ChannelID)
	}
	if gotSession.ConversationKey != "telegram:42" {
		t.Errorf("ConversationKey = %q, want telegram:42", gotSession.ConversationKey)
	}
	if gotSession.Channel != models.ChannelTelegram {
		t.Errorf("Channel = %q, want %q", gotSession.Channel, models.ChannelTelegram)
	}
}
