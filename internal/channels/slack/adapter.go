// Package slack adapts slack-go's Socket Mode client to the inbound channel
// port (spec §6), grounded on the teacher's internal/channels/slack adapter:
// socketmode.Client construction and the EventsAPI message dispatch follow
// the same shape, trimmed of the teacher's slash-command/interactive-event
// handling and mention-detection bookkeeping (full channel-transport
// richness is out of scope here).
package slack

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/ravensworth/turnloop/internal/outbound"
	"github.com/ravensworth/turnloop/pkg/models"
)

// Runner builds and runs one pipeline turn for an inbound text message.
type Runner func(ctx context.Context, session *models.Session, text string) error

// Config holds the Slack adapter's connection parameters.
type Config struct {
	BotToken string // xoxb- token for Web API calls
	AppToken string // xapp- token for Socket Mode
}

// Adapter is the inbound/outbound Slack channel.
type Adapter struct {
	client *slack.Client
	socket *socketmode.Client
	runner Runner
}

// New validates cfg and constructs the underlying Socket Mode client.
func New(cfg Config) (*Adapter, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: bot_token and app_token are required")
	}
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &Adapter{
		client: client,
		socket: socketmode.New(client),
	}, nil
}

// Run starts the Socket Mode connection and blocks until ctx is cancelled
// or the connection ends. runner is invoked once per inbound text message.
func (a *Adapter) Run(ctx context.Context, runner Runner) error {
	a.runner = runner

	go a.dispatch(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- a.socket.Run() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Send implements pipeline.Sender: delivers text back to the channel
// recorded in turn.Session.ChannelID.
func (a *Adapter) Send(ctx context.Context, turn *models.TurnContext, text string) (*outbound.DeliveryResult, error) {
	_, ts, err := a.client.PostMessage(turn.Session.ChannelID, slack.MsgOptionText(text, false))
	if err != nil {
		return nil, fmt.Errorf("slack: posting message: %w", err)
	}
	return &outbound.DeliveryResult{MessageID: ts, ChannelID: turn.Session.ChannelID}, nil
}

func (a *Adapter) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-a.socket.Events:
			if !ok {
				return
			}
			if event.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			eventsAPIEvent, ok := event.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if event.Request != nil {
				a.socket.Ack(*event.Request)
			}
			a.handleEventsAPI(ctx, eventsAPIEvent)
		}
	}
}

func (a *Adapter) handleEventsAPI(ctx context.Context, eventsAPIEvent slackevents.EventsAPIEvent) {
	if eventsAPIEvent.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || ev.BotID != "" || ev.Text == "" || a.runner == nil {
		return
	}
	if ev.SubType != "" && ev.SubType != "file_share" {
		return
	}

	session := &models.Session{
		ConversationKey: "slack:" + ev.Channel,
		Channel:         models.ChannelSlack,
		ChannelID:       ev.Channel,
	}
	if err := a.runner(ctx, session, ev.Text); err != nil {
		_, _, _ = a.client.PostMessage(ev.Channel, slack.MsgOptionText(fmt.Sprintf("error processing message: %v", err), false))
	}
}
