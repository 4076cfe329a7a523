package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"
)

// Slack posts notices to one channel. With an app-level token it also
// listens in Socket Mode for commands in that channel.
type Slack struct {
	channel  string
	appToken string
	client   *slack.Client
	socket   *socketmode.Client
	handler  CommandHandler
	cancel   context.CancelFunc
	logger   *zap.Logger
}

// NewSlack creates a Slack notifier. botToken is the xoxb token, appToken
// the optional xapp token for Socket Mode.
func NewSlack(botToken, appToken, channel string, logger *zap.Logger, opts ...slack.Option) *Slack {
	if appToken != "" {
		opts = append(opts, slack.OptionAppLevelToken(appToken))
	}
	return &Slack{
		channel:  channel,
		appToken: appToken,
		client:   slack.New(botToken, opts...),
		logger:   logger,
	}
}

func (s *Slack) Platform() string { return "slack" }

func (s *Slack) OnCommand(h CommandHandler) { s.handler = h }

// Connect verifies the bot token and starts Socket Mode when configured.
func (s *Slack) Connect(ctx context.Context) error {
	if _, err := s.client.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	if s.appToken == "" || s.handler == nil {
		return nil
	}

	s.socket = socketmode.New(s.client, socketmode.OptionLog(zap.NewStdLog(s.logger)))
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.handleEvents(runCtx)
	go func() {
		if err := s.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			s.logger.Error("slack socket mode error", zap.Error(err))
		}
	}()
	s.logger.Info("slack listening for commands", zap.String("channel", s.channel))
	return nil
}

func (s *Slack) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.socket.Events:
			if !ok {
				return
			}
			s.processEvent(ctx, evt)
		}
	}
}

func (s *Slack) processEvent(ctx context.Context, evt socketmode.Event) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}
	eventsAPI, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	s.socket.Ack(*evt.Request)

	if eventsAPI.Type != slackevents.CallbackEvent {
		return
	}
	msg, ok := eventsAPI.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || msg.BotID != "" || msg.Channel != s.channel {
		return
	}
	line := commandLine(msg.Text)
	if line == "" {
		return
	}
	reply := s.handler(ctx, line)
	if reply == "" {
		return
	}
	threadTS := msg.ThreadTimeStamp
	if threadTS == "" {
		threadTS = msg.TimeStamp
	}
	if _, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(reply, false), slack.MsgOptionTS(threadTS)); err != nil {
		s.logger.Warn("slack reply failed", zap.Error(err))
	}
}

// Notify posts n to the channel.
func (s *Slack) Notify(ctx context.Context, n *Notice) error {
	text := fmt.Sprintf("*%s* %s\n%s", n.Title(), n.Creator, n.Content)
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

// Close stops Socket Mode.
func (s *Slack) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
