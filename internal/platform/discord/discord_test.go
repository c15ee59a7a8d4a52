package discord

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsearch/internal/chat"
	"chatsearch/internal/platform"
	"chatsearch/internal/search"
)

func TestLink(t *testing.T) {
	ref := chat.MessageRef{GuildID: 81384788765712384, ChannelID: 381870553235193857, MessageID: 1103040349116076102}
	assert.Equal(t,
		"https://discord.com/channels/81384788765712384/381870553235193857/1103040349116076102",
		Link(ref))
}

func TestKind(t *testing.T) {
	assert.Equal(t, chat.ChannelText, kind(discordgo.ChannelTypeGuildText))
	assert.Equal(t, chat.ChannelPublicThread, kind(discordgo.ChannelTypeGuildPublicThread))
	assert.Equal(t, chat.ChannelOther, kind(discordgo.ChannelTypeGuildVoice))
	assert.Equal(t, chat.ChannelOther, kind(discordgo.ChannelTypeGuildPrivateThread))
}

func TestConvert(t *testing.T) {
	msg, err := convert(&discordgo.Message{
		ID:        "1103040349116076102",
		ChannelID: "381870553235193857",
		Content:   "hello",
		Author:    &discordgo.User{Username: "wumpus"},
	}, 81384788765712384)
	require.NoError(t, err)
	assert.Equal(t, chat.ID(81384788765712384), msg.Ref.GuildID)
	assert.Equal(t, chat.ID(1103040349116076102), msg.Ref.MessageID)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, "wumpus", msg.Author)

	msg, err = convert(&discordgo.Message{ID: "3", ChannelID: "2", GuildID: "1"}, 99)
	require.NoError(t, err)
	assert.Equal(t, chat.ID(1), msg.Ref.GuildID)
	assert.Empty(t, msg.Author)

	_, err = convert(&discordgo.Message{ID: "12abc", ChannelID: "2"}, 1)
	assert.ErrorIs(t, err, chat.ErrMalformedID)
}

func TestNotFound(t *testing.T) {
	missing := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}
	assert.ErrorIs(t, notFound(missing), platform.ErrMessageNotFound)
	assert.ErrorIs(t, notFound(missing), missing)

	forbidden := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}
	assert.NotErrorIs(t, notFound(forbidden), platform.ErrMessageNotFound)

	timeout := errors.New("i/o timeout")
	assert.Same(t, timeout, notFound(timeout))
}

func TestResultEmbeds(t *testing.T) {
	results := []search.Result{
		{Score: 1.5, GuildID: 1, ChannelID: 2, MessageID: 3, Author: "wumpus", Text: "best"},
		{Score: 0.5, GuildID: 1, ChannelID: 2, MessageID: 4, Author: "nelly", Text: "second"},
		{Score: 0.2, GuildID: 1, ChannelID: 2, MessageID: 5, Author: "clyde", Text: "too weak"},
	}

	embeds := resultEmbeds(results)
	require.Len(t, embeds, 2)
	// Best match last.
	assert.Equal(t, &discordgo.MessageEmbed{
		Type:        discordgo.EmbedTypeLink,
		URL:         "https://discord.com/channels/1/2/4",
		Title:       "nelly",
		Description: "second",
	}, embeds[0])
	assert.Equal(t, "https://discord.com/channels/1/2/3", embeds[1].URL)
	assert.Equal(t, "best", embeds[1].Description)
}

func TestResultEmbeds_TruncatesLongText(t *testing.T) {
	long := strings.Repeat("é", maxEmbedDescription+10)
	embeds := resultEmbeds([]search.Result{{Score: 1, Text: long, Author: "a"}})
	require.Len(t, embeds, 1)
	assert.Len(t, []rune(embeds[0].Description), maxEmbedDescription)
	assert.True(t, strings.HasSuffix(embeds[0].Description, "…"))
}

type stubSearcher struct {
	results []search.Result
	err     error
	query   string
	opts    search.Options
}

func (s *stubSearcher) Search(ctx context.Context, text string, opts search.Options) ([]search.Result, error) {
	s.query, s.opts = text, opts
	return s.results, s.err
}

func TestAnswer(t *testing.T) {
	ctx := context.Background()

	searcher := &stubSearcher{results: []search.Result{{Score: 1, GuildID: 1, ChannelID: 2, MessageID: 3, Author: "wumpus", Text: "hi"}}}
	a := &Adapter{searcher: searcher}
	content, embeds := a.answer(ctx, "greetings")
	assert.Empty(t, content)
	assert.Len(t, embeds, 1)
	assert.Equal(t, "greetings", searcher.query)
	assert.Equal(t, commandLimit, searcher.opts.Limit)
	assert.True(t, searcher.opts.Dense)
	assert.True(t, searcher.opts.Sparse)

	a.searcher = &stubSearcher{results: []search.Result{{Score: 0.1}}}
	content, embeds = a.answer(ctx, "nothing")
	assert.Equal(t, "No matching messages.", content)
	assert.Empty(t, embeds)

	a.searcher = &stubSearcher{err: errors.New("qdrant unavailable")}
	content, embeds = a.answer(ctx, "boom")
	assert.Equal(t, "Search failed, try again later.", content)
	assert.NotNil(t, embeds)
	assert.Empty(t, embeds)
}
