// Package discord adapts a Discord bot session to the platform interface.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"

	"chatsearch/internal/chat"
	"chatsearch/internal/platform"
)

// maxPageSize is the most messages Discord returns per history request.
const maxPageSize = 100

type Adapter struct {
	session  *discordgo.Session
	pageSize int

	mu  sync.RWMutex
	ctx context.Context

	readyHandlers   []platform.ReadyHandler
	messageHandlers []platform.MessageHandler

	searcher Searcher
}

func New(token string, pageSize int) (*Adapter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuilds | discordgo.IntentGuildMessages | discordgo.IntentMessageContent

	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	a := &Adapter{session: session, pageSize: pageSize, ctx: context.Background()}
	session.AddHandler(a.onReady)
	session.AddHandler(a.onMessageCreate)
	session.AddHandler(a.onInteractionCreate)
	return a, nil
}

func (a *Adapter) Name() string {
	return "discord"
}

func (a *Adapter) SubscribeReady(h platform.ReadyHandler) {
	a.readyHandlers = append(a.readyHandlers, h)
}

func (a *Adapter) SubscribeMessageCreate(h platform.MessageHandler) {
	a.messageHandlers = append(a.messageHandlers, h)
}

// Open connects to the gateway. Event handlers receive ctx.
func (a *Adapter) Open(ctx context.Context) error {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("opening discord gateway: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	return a.session.Close()
}

func (a *Adapter) eventContext() context.Context {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ctx
}

func (a *Adapter) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	guilds := make([]chat.ID, 0, len(r.Guilds))
	for _, g := range r.Guilds {
		id, err := chat.ParseID(g.ID)
		if err != nil {
			slog.Warn("Skipping guild with unexpected id", "guild_id", g.ID, "error", err)
			continue
		}
		guilds = append(guilds, id)
	}
	slog.Info("Discord ready", "user", r.User.Username, "guilds", len(guilds))
	if a.searcher != nil {
		a.registerSearchCommand(r.User.ID)
	}

	ctx := a.eventContext()
	for _, h := range a.readyHandlers {
		h(ctx, platform.ReadyEvent{Guilds: guilds})
	}
}

func (a *Adapter) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	msg, err := convert(m.Message, 0)
	if err != nil {
		slog.Warn("Skipping message", "message_id", m.ID, "error", err)
		return
	}
	ctx := a.eventContext()
	for _, h := range a.messageHandlers {
		h(ctx, msg)
	}
}

// FetchChannels returns the guild's channels plus its active threads.
func (a *Adapter) FetchChannels(ctx context.Context, guildID chat.ID) ([]chat.Channel, error) {
	channels, err := a.session.GuildChannels(guildID.String(), discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list guild channels: %w", err)
	}
	threads, err := a.session.GuildThreadsActive(guildID.String(), discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list active threads: %w", err)
	}
	channels = append(channels, threads.Threads...)

	out := make([]chat.Channel, 0, len(channels))
	for _, c := range channels {
		id, err := chat.ParseID(c.ID)
		if err != nil {
			slog.Warn("Skipping channel with unexpected id", "channel_id", c.ID, "error", err)
			continue
		}
		out = append(out, chat.Channel{ID: id, GuildID: guildID, Name: c.Name, Kind: kind(c.Type)})
	}
	return out, nil
}

func (a *Adapter) FetchMessages(ctx context.Context, channel chat.Channel, after chat.ID) ([]chat.Message, error) {
	messages, err := a.session.ChannelMessages(channel.ID.String(), a.pageSize, "", after.String(), "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to get channel messages: %w", err)
	}

	out := make([]chat.Message, 0, len(messages))
	for _, m := range messages {
		msg, err := convert(m, channel.GuildID)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (a *Adapter) FetchMessage(ctx context.Context, channelID, messageID chat.ID) (chat.Message, error) {
	m, err := a.session.ChannelMessage(channelID.String(), messageID.String(), discordgo.WithContext(ctx))
	if err != nil {
		return chat.Message{}, fmt.Errorf("failed to get message: %w", notFound(err))
	}
	return convert(m, 0)
}

// notFound marks 404 responses with platform.ErrMessageNotFound.
func notFound(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", platform.ErrMessageNotFound, err)
	}
	return err
}

func (a *Adapter) Link(ref chat.MessageRef) string {
	return Link(ref)
}

// Link builds the discord.com deep link for a message.
func Link(ref chat.MessageRef) string {
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", ref.GuildID, ref.ChannelID, ref.MessageID)
}

func kind(t discordgo.ChannelType) chat.ChannelKind {
	switch t {
	case discordgo.ChannelTypeGuildText:
		return chat.ChannelText
	case discordgo.ChannelTypeGuildPublicThread:
		return chat.ChannelPublicThread
	default:
		return chat.ChannelOther
	}
}

// convert maps a discordgo message. REST history responses omit the guild id, so
// the caller's guild is used when the message has none.
func convert(m *discordgo.Message, guildID chat.ID) (chat.Message, error) {
	ref := chat.MessageRef{GuildID: guildID}
	var err error
	if m.GuildID != "" {
		if ref.GuildID, err = chat.ParseID(m.GuildID); err != nil {
			return chat.Message{}, fmt.Errorf("guild id: %w", err)
		}
	}
	if ref.ChannelID, err = chat.ParseID(m.ChannelID); err != nil {
		return chat.Message{}, fmt.Errorf("channel id: %w", err)
	}
	if ref.MessageID, err = chat.ParseID(m.ID); err != nil {
		return chat.Message{}, fmt.Errorf("message id: %w", err)
	}

	author := ""
	if m.Author != nil {
		author = m.Author.Username
	}
	return chat.Message{Ref: ref, Text: m.Content, Author: author}, nil
}
