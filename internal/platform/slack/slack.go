// Package slack adapts a Slack workspace to the platform interface. Events arrive over
// Socket Mode; history is read with conversations.history.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"chatsearch/internal/chat"
	"chatsearch/internal/platform"
)

const historyPageLimit = 200

var ErrMessageNotFound = platform.ErrMessageNotFound

// api is the subset of *slack.Client the adapter uses.
type api interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
}

type Adapter struct {
	client   api
	socket   *socketmode.Client
	pageSize int

	teamID    chat.ID
	botUserID string

	readyHandlers   []platform.ReadyHandler
	messageHandlers []platform.MessageHandler

	// conversations.history returns the newest messages first, so a channel's
	// pending history is fetched once and served to the crawler in ascending pages.
	mu      sync.Mutex
	backlog map[chat.ID][]chat.Message

	users sync.Map // user id -> display name

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Slack adapter. appToken enables Socket Mode for live events.
func New(botToken, appToken string, pageSize int) *Adapter {
	client := slack.New(
		botToken,
		slack.OptionAppLevelToken(appToken),
	)
	a := newAdapter(client, pageSize)
	a.socket = socketmode.New(client)
	return a
}

func newAdapter(client api, pageSize int) *Adapter {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Adapter{
		client:   client,
		pageSize: pageSize,
		backlog:  make(map[chat.ID][]chat.Message),
	}
}

func (a *Adapter) Name() string {
	return "slack"
}

func (a *Adapter) SubscribeReady(h platform.ReadyHandler) {
	a.readyHandlers = append(a.readyHandlers, h)
}

func (a *Adapter) SubscribeMessageCreate(h platform.MessageHandler) {
	a.messageHandlers = append(a.messageHandlers, h)
}

// Open authenticates and starts the Socket Mode connection. Ready handlers run on
// every (re)connect.
func (a *Adapter) Open(ctx context.Context) error {
	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	a.teamID, err = decodeID(auth.TeamID)
	if err != nil {
		return fmt.Errorf("slack team id: %w", err)
	}
	a.botUserID = auth.UserID
	slog.Info("Connected to Slack", "team", auth.Team, "bot_user_id", a.botUserID)

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("Slack socket mode stopped", "error", err)
		}
	}()
	go func() {
		defer a.wg.Done()
		a.handleEvents(runCtx)
	}()
	return nil
}

func (a *Adapter) Close() error {
	if a.cancel != nil {
		a.cancel()
		a.wg.Wait()
	}
	return nil
}

func (a *Adapter) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				for _, h := range a.readyHandlers {
					go h(ctx, platform.ReadyEvent{Guilds: []chat.ID{a.teamID}})
				}
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					slog.Debug("Ignored socket mode event", "type", evt.Type)
					continue
				}
				a.socket.Ack(*evt.Request)

				if eventsAPIEvent.Type != slackevents.CallbackEvent {
					continue
				}
				if ev, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
					go a.handleMessageEvent(ctx, ev)
				}
			}
		}
	}
}

func (a *Adapter) handleMessageEvent(ctx context.Context, ev *slackevents.MessageEvent) {
	msg, ok := a.convert(ctx, ev.Channel, slack.Msg{
		Timestamp: ev.TimeStamp,
		User:      ev.User,
		Text:      ev.Text,
		SubType:   ev.SubType,
		BotID:     ev.BotID,
		Username:  ev.Username,
	})
	if !ok {
		return
	}
	for _, h := range a.messageHandlers {
		h(ctx, msg)
	}
}

// FetchChannels lists public channels the bot is a member of; history of other
// channels is not readable.
func (a *Adapter) FetchChannels(ctx context.Context, guildID chat.ID) ([]chat.Channel, error) {
	var out []chat.Channel
	cursor := ""
	for {
		channels, next, err := a.client.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			Cursor:          cursor,
			ExcludeArchived: true,
			Limit:           historyPageLimit,
			Types:           []string{"public_channel"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list conversations: %w", err)
		}
		for _, c := range channels {
			if !c.IsMember {
				continue
			}
			id, err := decodeID(c.ID)
			if err != nil {
				slog.Warn("Skipping channel with unexpected id", "channel", c.ID, "error", err)
				continue
			}
			out = append(out, chat.Channel{ID: id, GuildID: guildID, Name: c.Name, Kind: chat.ChannelText})
		}
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

func (a *Adapter) FetchMessages(ctx context.Context, channel chat.Channel, after chat.ID) ([]chat.Message, error) {
	a.mu.Lock()
	pending := dropThrough(a.backlog[channel.ID], after)
	a.mu.Unlock()

	if len(pending) == 0 {
		fetched, err := a.history(ctx, channel.ID, after)
		if err != nil {
			return nil, err
		}
		pending = fetched
	}

	a.mu.Lock()
	if len(pending) == 0 {
		delete(a.backlog, channel.ID)
	} else {
		a.backlog[channel.ID] = pending
	}
	a.mu.Unlock()

	page := pending[:min(a.pageSize, len(pending))]
	return append([]chat.Message(nil), page...), nil
}

// history reads every message after the given ts, oldest first.
func (a *Adapter) history(ctx context.Context, channelID, after chat.ID) ([]chat.Message, error) {
	params := &slack.GetConversationHistoryParameters{
		ChannelID: encodeID(channelID),
		Limit:     historyPageLimit,
	}
	if after > 0 {
		params.Oldest = encodeTS(after)
	}

	var out []chat.Message
	for {
		resp, err := a.client.GetConversationHistoryContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("failed to get channel messages: %w", err)
		}
		for _, m := range resp.Messages {
			if msg, ok := a.convert(ctx, params.ChannelID, m.Msg); ok && msg.Ref.MessageID > after {
				out = append(out, msg)
			}
		}
		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			break
		}
		params.Cursor = resp.ResponseMetaData.NextCursor
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Ref.MessageID < out[j].Ref.MessageID
	})
	return out, nil
}

func (a *Adapter) FetchMessage(ctx context.Context, channelID, messageID chat.ID) (chat.Message, error) {
	ts := encodeTS(messageID)
	resp, err := a.client.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: encodeID(channelID),
		Oldest:    ts,
		Latest:    ts,
		Inclusive: true,
		Limit:     1,
	})
	if err != nil {
		return chat.Message{}, fmt.Errorf("failed to get message: %w", err)
	}
	for _, m := range resp.Messages {
		if m.Timestamp != ts {
			continue
		}
		if msg, ok := a.convert(ctx, encodeID(channelID), m.Msg); ok {
			return msg, nil
		}
	}
	return chat.Message{}, ErrMessageNotFound
}

func (a *Adapter) Link(ref chat.MessageRef) string {
	return fmt.Sprintf("https://slack.com/archives/%s/p%s",
		encodeID(ref.ChannelID), strings.Replace(encodeTS(ref.MessageID), ".", "", 1))
}

// convert maps a Slack message onto a chat.Message. Bot messages and channel
// housekeeping subtypes (joins, topic changes) are dropped.
func (a *Adapter) convert(ctx context.Context, channel string, m slack.Msg) (chat.Message, bool) {
	switch m.SubType {
	case "", "thread_broadcast", "file_share":
	default:
		return chat.Message{}, false
	}
	if m.BotID != "" || (a.botUserID != "" && m.User == a.botUserID) {
		return chat.Message{}, false
	}

	channelID, err := decodeID(channel)
	if err != nil {
		slog.Warn("Skipping message with unexpected channel id", "channel", channel, "error", err)
		return chat.Message{}, false
	}
	messageID, err := decodeTS(m.Timestamp)
	if err != nil {
		slog.Warn("Skipping message with unexpected timestamp", "ts", m.Timestamp, "error", err)
		return chat.Message{}, false
	}

	return chat.Message{
		Ref:    chat.MessageRef{GuildID: a.teamID, ChannelID: channelID, MessageID: messageID},
		Text:   cleanMessageText(m.Text),
		Author: a.displayName(ctx, m.User, m.Username),
	}, true
}

// displayName resolves a user id, caching the answer. Falls back to the id.
func (a *Adapter) displayName(ctx context.Context, userID, fallback string) string {
	if userID == "" {
		return fallback
	}
	if name, ok := a.users.Load(userID); ok {
		return name.(string)
	}

	user, err := a.client.GetUserInfoContext(ctx, userID)
	if err != nil {
		slog.Warn("Failed to get user info", "error", err, "user_id", userID)
		return userID
	}

	name := userID
	switch {
	case user.Profile.DisplayName != "":
		name = user.Profile.DisplayName
	case user.Profile.RealName != "":
		name = user.Profile.RealName
	case user.Name != "":
		name = user.Name
	}
	a.users.Store(userID, name)
	return name
}

// cleanMessageText removes user mentions and channel references
func cleanMessageText(text string) string {
	for _, prefix := range []string{"<@", "<#"} {
		for strings.Contains(text, prefix) {
			start := strings.Index(text, prefix)
			end := strings.Index(text[start:], ">")
			if end == -1 {
				break
			}
			text = text[:start] + text[start+end+1:]
		}
	}
	return strings.TrimSpace(text)
}

func dropThrough(messages []chat.Message, after chat.ID) []chat.Message {
	i := sort.Search(len(messages), func(i int) bool {
		return messages[i].Ref.MessageID > after
	})
	return messages[i:]
}
