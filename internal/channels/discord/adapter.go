// Package discord adapts discordgo to the inbound channel port (spec §6),
// grounded on the teacher's internal/channels/discord adapter: session
// construction and message-create handling follow the same shape, trimmed
// of the teacher's slash-command registration, voice, and sharding support
// (full channel-transport richness is out of scope here).
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/ravensworth/turnloop/internal/outbound"
	"github.com/ravensworth/turnloop/pkg/models"
)

// Runner builds and runs one pipeline turn for an inbound text message.
type Runner func(ctx context.Context, session *models.Session, text string) error

// Config holds the Discord adapter's connection parameters.
type Config struct {
	// Token is the bot token (without the "Bot " prefix).
	Token string
}

// Adapter is the inbound/outbound Discord channel.
type Adapter struct {
	session *discordgo.Session
	runner  Runner
}

// New validates cfg and constructs the underlying session.
func New(cfg Config) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: creating session: %w", err)
	}
	a := &Adapter{session: session}
	session.AddHandler(a.onMessageCreate)
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	return a, nil
}

// Run opens the gateway connection and blocks until ctx is cancelled. runner
// is invoked once per inbound text message.
func (a *Adapter) Run(ctx context.Context, runner Runner) error {
	a.runner = runner
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("discord: opening session: %w", err)
	}
	defer a.session.Close()
	<-ctx.Done()
	return ctx.Err()
}

// Send implements pipeline.Sender: delivers text back to the channel
// recorded in turn.Session.ChannelID.
func (a *Adapter) Send(ctx context.Context, turn *models.TurnContext, text string) (*outbound.DeliveryResult, error) {
	msg, err := a.session.ChannelMessageSend(turn.Session.ChannelID, text)
	if err != nil {
		return nil, fmt.Errorf("discord: sending message: %w", err)
	}
	return &outbound.DeliveryResult{MessageID: msg.ID, ChannelID: turn.Session.ChannelID}, nil
}

func (a *Adapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Content == "" || a.runner == nil {
		return
	}
	session := &models.Session{
		ConversationKey: "discord:" + m.ChannelID,
		Channel:         models.ChannelDiscord,
		ChannelID:       m.ChannelID,
	}
	if err := a.runner(context.Background(), session, m.Content); err != nil {
		_, _ = s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("error processing message: %v", err))
	}
}
