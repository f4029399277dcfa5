// Package telegram adapts Telegram's Bot API to the inbound channel port
// (spec §6), grounded on the teacher's internal/channels/telegram adapter:
// long-polling bot construction and message delivery follow the same shape,
// trimmed of the teacher's webhook mode, reconnection supervisor, and
// streaming-response machinery (full channel-transport richness is out of
// scope here; only enough to receive a message and deliver one reply back).
package telegram

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/ravensworth/turnloop/internal/outbound"
	"github.com/ravensworth/turnloop/pkg/models"
)

// Runner builds and runs one pipeline turn for an inbound text message.
type Runner func(ctx context.Context, session *models.Session, text string) error

// Config holds the Telegram adapter's connection parameters.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string
}

// Adapter is the inbound/outbound Telegram channel: bot.New plus a single
// default handler that turns every text update into one Runner call, and a
// Send method (pipeline.Sender) the Route stage delivers replies through.
type Adapter struct {
	cfg    Config
	bot    *bot.Bot
	runner Runner
}

// New validates cfg and constructs the underlying bot client.
func New(cfg Config) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	a := &Adapter{cfg: cfg}
	b, err := bot.New(cfg.Token, bot.WithDefaultHandler(a.onUpdate))
	if err != nil {
		return nil, fmt.Errorf("telegram: creating bot: %w", err)
	}
	a.bot = b
	return a, nil
}

// Run starts long-polling and blocks until ctx is cancelled. runner is
// invoked once per inbound text message.
func (a *Adapter) Run(ctx context.Context, runner Runner) error {
	a.runner = runner
	a.bot.Start(ctx)
	return ctx.Err()
}

// Send implements pipeline.Sender: delivers text back to the chat recorded
// in turn.Session.ChannelID.
func (a *Adapter) Send(ctx context.Context, turn *models.TurnContext, text string) (*outbound.DeliveryResult, error) {
	chatID, err := strconv.ParseInt(turn.Session.ChannelID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: invalid chat id %q: %w", turn.Session.ChannelID, err)
	}
	msg, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
	if err != nil {
		return nil, fmt.Errorf("telegram: sending message: %w", err)
	}
	return &outbound.DeliveryResult{MessageID: strconv.Itoa(msg.ID), ChatID: turn.Session.ChannelID}, nil
}

func (a *Adapter) onUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil || update.Message.Text == "" || a.runner == nil {
		return
	}
	chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
	session := &models.Session{
		ConversationKey: "telegram:" + chatID,
		Channel:         models.ChannelTelegram,
		ChannelID:       chatID,
	}
	if err := a.runner(ctx, session, update.Message.Text); err != nil {
		_, _ = a.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: update.Message.Chat.ID,
			Text:   fmt.Sprintf("error processing message: %v", err),
		})
	}
}
