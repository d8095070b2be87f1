// Package slackbot is the Slack side of the bridge: a Socket Mode bot that
// serves the create and list commands, the issue card actions, and feeds
// thread replies to the relay.
package slackbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/steveyegge/linearbridge/internal/linear"
	"github.com/steveyegge/linearbridge/internal/listing"
	"github.com/steveyegge/linearbridge/internal/mapping"
	"github.com/steveyegge/linearbridge/internal/relay"
	"github.com/steveyegge/linearbridge/internal/types"
)

// Tracker is the issue tracker surface used by commands and actions.
type Tracker interface {
	CreateIssue(ctx context.Context, teamID, title, description string) (*types.IssueRef, error)
	UpdateIssue(ctx context.Context, id string, upd linear.IssueUpdate) (*types.IssueRef, error)
	IssueByID(ctx context.Context, id string) (*types.IssueRef, error)
	TeamMembers(ctx context.Context, teamID string) ([]types.TrackerUser, error)
	CompletedState(ctx context.Context, teamID string) (*types.WorkflowState, error)
}

// ThreadRelay forwards thread replies to the tracker.
type ThreadRelay interface {
	HandleThreadReply(ctx context.Context, m relay.ThreadReply) (relay.Result, error)
}

// People resolves chat users. *users.Resolver implements it.
type People interface {
	ByHandleToken(ctx context.Context, token string) (string, error)
	TrackerUserForChatID(ctx context.Context, chatUserID string) (*types.TrackerUser, error)
	DisplayName(ctx context.Context, chatUserID string) string
}

// Lister builds issue listings. *listing.Engine implements it.
type Lister interface {
	List(ctx context.Context, q listing.Query) (*listing.Listing, error)
}

// BotConfig holds configuration for the Slack bot.
type BotConfig struct {
	TeamID        string // Linear team for the create command; empty disables it
	CreateCommand string // default "/issue"
	ListCommand   string // default "/issues"
	BotUserID     string // looked up with auth.test when empty
	AutoJoin      bool   // join every public channel at startup and on creation
	Debug         bool

	Tracker Tracker
	Relay   ThreadRelay
	People  People
	Lister  Lister
	Store   mapping.Store
	Logger  *slog.Logger
}

// Bot is the Socket Mode bot.
type Bot struct {
	client     SlackAPI
	socketMode *socketmode.Client

	tracker Tracker
	relay   ThreadRelay
	people  People
	lister  Lister
	store   mapping.Store

	teamID        string
	createCommand string
	listCommand   string
	autoJoin      bool
	logger        *slog.Logger

	// Bot identity for filtering out own messages in thread replies
	botUserID string

	conn     connection
	inflight sync.WaitGroup
}

// NewBot creates a bot on top of a bot-token client that carries the
// app-level token (slack.OptionAppLevelToken).
func NewBot(client *slack.Client, cfg BotConfig) (*Bot, error) {
	if client == nil {
		return nil, fmt.Errorf("slack client is required")
	}
	if cfg.Tracker == nil || cfg.Relay == nil || cfg.People == nil || cfg.Lister == nil || cfg.Store == nil {
		return nil, fmt.Errorf("slackbot: tracker, relay, people, lister and store are required")
	}
	b := newBot(client, cfg)
	b.socketMode = socketmode.New(client, socketmode.OptionDebug(cfg.Debug))
	return b, nil
}

// newBot wires everything except the Socket Mode connection. Tests use it
// with a mock SlackAPI and call the handlers directly.
func newBot(api SlackAPI, cfg BotConfig) *Bot {
	b := &Bot{
		client:        api,
		tracker:       cfg.Tracker,
		relay:         cfg.Relay,
		people:        cfg.People,
		lister:        cfg.Lister,
		store:         cfg.Store,
		teamID:        cfg.TeamID,
		createCommand: cfg.CreateCommand,
		listCommand:   cfg.ListCommand,
		autoJoin:      cfg.AutoJoin,
		botUserID:     cfg.BotUserID,
		logger:        cfg.Logger,
	}
	if b.createCommand == "" {
		b.createCommand = "/issue"
	}
	if b.listCommand == "" {
		b.listCommand = "/issues"
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Run connects to Slack and dispatches events until ctx is cancelled. Each
// event is handled on its own goroutine; Run waits for them before returning.
func (b *Bot) Run(ctx context.Context) error {
	if b.botUserID == "" {
		authResp, err := b.client.AuthTestContext(ctx)
		if err != nil {
			return fmt.Errorf("slack auth test failed: %w", err)
		}
		b.botUserID = authResp.UserID
	}
	b.logger.Info("slackbot: authenticated", "bot_user", b.botUserID)

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		b.dispatchEvents(loopCtx, b.socketMode.Events)
	}()

	if b.autoJoin {
		if err := b.JoinAllChannels(ctx); err != nil {
			b.logger.Warn("slackbot: failed to join channels", "err", err)
		}
	}

	err := b.socketMode.RunContext(ctx)
	b.SetConnected(false)
	// No handler may be spawned once the wait below starts.
	stopLoop()
	<-loopDone
	b.inflight.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// dispatchEvents handles events until ctx is done or events is closed.
func (b *Bot) dispatchEvents(ctx context.Context, events <-chan socketmode.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			b.handleEvent(ctx, evt)
		}
	}
}

// spawn runs fn on its own goroutine with a context that outlives ctx's
// cancellation, so shutdown lets in-flight work finish.
func (b *Bot) spawn(ctx context.Context, fn func(context.Context)) {
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		fn(context.WithoutCancel(ctx))
	}()
}

func (b *Bot) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		b.logger.Debug("slackbot: connecting to Slack")

	case socketmode.EventTypeConnected:
		b.SetConnected(true)

	case socketmode.EventTypeConnectionError:
		b.SetConnected(false)
		b.logger.Warn("slackbot: connection error", "data", evt.Data)

	case socketmode.EventTypeDisconnect:
		b.SetConnected(false)

	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		b.ack(evt)
		b.spawn(ctx, func(ctx context.Context) { b.handleEventsAPI(ctx, eventsAPIEvent) })

	case socketmode.EventTypeSlashCommand:
		cmd, ok := evt.Data.(slack.SlashCommand)
		if !ok {
			return
		}
		b.ack(evt)
		b.spawn(ctx, func(ctx context.Context) { b.handleSlashCommand(ctx, cmd) })

	case socketmode.EventTypeInteractive:
		callback, ok := evt.Data.(slack.InteractionCallback)
		if !ok {
			return
		}
		b.ack(evt)
		b.spawn(ctx, func(ctx context.Context) { b.handleInteraction(ctx, callback) })
	}
}

func (b *Bot) ack(evt socketmode.Event) {
	if evt.Request != nil {
		b.socketMode.Ack(*evt.Request)
	}
}

func (b *Bot) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		b.handleMessage(ctx, ev)
	case *slackevents.ChannelCreatedEvent:
		if b.autoJoin {
			b.joinChannel(ctx, ev.Channel.ID, ev.Channel.Name)
		}
	}
}

// handleMessage hands every channel message to the relay, which decides
// whether it is a forwardable thread reply.
func (b *Bot) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	res, err := b.relay.HandleThreadReply(ctx, relay.ThreadReply{
		ChannelID: ev.Channel,
		UserID:    ev.User,
		BotID:     ev.BotID,
		SubType:   ev.SubType,
		Text:      ev.Text,
		TS:        ev.TimeStamp,
		ThreadTS:  ev.ThreadTimeStamp,
	})
	if err != nil {
		b.logger.Warn("slackbot: thread reply not forwarded",
			"channel", ev.Channel, "thread_ts", ev.ThreadTimeStamp, "result", res.String(), "err", err)
		return
	}
	if res == relay.Forwarded {
		b.logger.Debug("slackbot: thread reply forwarded", "channel", ev.Channel, "thread_ts", ev.ThreadTimeStamp)
	}
}

// JoinAllChannels joins every public channel the bot is not yet a member of,
// so thread replies there reach it.
func (b *Bot) JoinAllChannels(ctx context.Context) error {
	cursor := ""
	joined := 0
	for {
		channels, nextCursor, err := b.client.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			Types:           []string{"public_channel"},
			ExcludeArchived: true,
			Limit:           200,
			Cursor:          cursor,
		})
		if err != nil {
			return fmt.Errorf("list channels: %w", err)
		}
		for _, ch := range channels {
			if ch.IsMember {
				continue
			}
			if b.joinChannel(ctx, ch.ID, ch.Name) {
				joined++
			}
		}
		if nextCursor == "" {
			break
		}
		cursor = nextCursor
	}
	b.logger.Info("slackbot: joined channels", "count", joined)
	return nil
}

func (b *Bot) joinChannel(ctx context.Context, channelID, name string) bool {
	if _, _, _, err := b.client.JoinConversationContext(ctx, channelID); err != nil {
		b.logger.Warn("slackbot: failed to join channel", "channel", channelID, "name", name, "err", err)
		return false
	}
	return true
}

// postEphemeral sends a message only the requester can see.
func (b *Bot) postEphemeral(ctx context.Context, channelID, userID, text string) {
	_, err := b.client.PostEphemeralContext(ctx, channelID, userID, slack.MsgOptionText(text, false))
	if err != nil {
		b.logger.Warn("slackbot: failed to post ephemeral", "channel", channelID, "user", userID, "err", err)
	}
}

// userFacingError turns an error into a short line for an ephemeral reply.
func userFacingError(action string, err error) string {
	switch {
	case errors.Is(err, types.ErrConfigMissing):
		return fmt.Sprintf(":warning: Can't %s: the bridge is missing configuration (%v).", action, err)
	case types.IsNotFound(err):
		return fmt.Sprintf(":mag: Can't %s: not found.", action)
	}
	msg := err.Error()
	if i := strings.Index(msg, "\n"); i >= 0 {
		msg = msg[:i]
	}
	return fmt.Sprintf(":x: Failed to %s: %s", action, msg)
}
