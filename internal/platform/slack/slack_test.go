package slack

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsearch/internal/chat"
)

// Mock Slack API serving history newest-first in pages of two
type mockAPI struct {
	history     []slack.Message // newest first
	historyErr  error
	historyHits int
	userLookups int
}

func (m *mockAPI) AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error) {
	return &slack.AuthTestResponse{TeamID: "T0001", UserID: "UBOT"}, nil
}

func (m *mockAPI) GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error) {
	member := slack.Channel{IsMember: true}
	member.ID, member.Name = "C024BE91L", "general"
	outsider := slack.Channel{}
	outsider.ID, outsider.Name = "C0OTHER", "random"
	return []slack.Channel{member, outsider}, "", nil
}

func (m *mockAPI) GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
	m.historyHits++
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	var matching []slack.Message
	for _, msg := range m.history {
		if params.Oldest == "" || msg.Timestamp > params.Oldest || (params.Inclusive && msg.Timestamp == params.Oldest) {
			if params.Latest == "" || msg.Timestamp <= params.Latest {
				matching = append(matching, msg)
			}
		}
	}

	start := 0
	if params.Cursor != "" {
		fmt.Sscanf(params.Cursor, "%d", &start)
	}
	end := min(start+2, len(matching))
	resp := &slack.GetConversationHistoryResponse{Messages: matching[start:end]}
	if end < len(matching) {
		resp.HasMore = true
		resp.ResponseMetaData.NextCursor = fmt.Sprintf("%d", end)
	}
	return resp, nil
}

func (m *mockAPI) GetUserInfoContext(ctx context.Context, user string) (*slack.User, error) {
	m.userLookups++
	if user == "UGHOST" {
		return nil, errors.New("user_not_found")
	}
	u := &slack.User{Name: "jdoe"}
	u.Profile.DisplayName = "Jane"
	return u, nil
}

func slackMsg(ts, user, text, subtype string) slack.Message {
	var m slack.Message
	m.Timestamp, m.User, m.Text, m.SubType = ts, user, text, subtype
	return m
}

func TestIDCodec_RoundTrip(t *testing.T) {
	for _, s := range []string{"C024BE91L", "T0001", "U095Z0GRZGS", "ZZZZZZZZZZZZ"} {
		id, err := decodeID(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, encodeID(id))
	}

	for _, bad := range []string{"", "c024be91l", "0ABC", "C-1", "ABCDEFGHIJKLM"} {
		_, err := decodeID(bad)
		assert.ErrorIs(t, err, chat.ErrMalformedID, bad)
	}
}

func TestTSCodec(t *testing.T) {
	id, err := decodeTS("1355517523.000005")
	require.NoError(t, err)
	assert.Equal(t, chat.ID(1355517523000005), id)
	assert.Equal(t, "1355517523.000005", encodeTS(id))

	earlier, err := decodeTS("1355517522.999999")
	require.NoError(t, err)
	assert.Less(t, earlier, id)

	for _, bad := range []string{"", "1355517523", "1355517523.5", "abc.000001"} {
		_, err := decodeTS(bad)
		assert.ErrorIs(t, err, chat.ErrMalformedID, bad)
	}
}

func TestLink(t *testing.T) {
	a := newAdapter(&mockAPI{}, 10)
	channel, _ := decodeID("C024BE91L")
	ts, _ := decodeTS("1355517523.000005")

	assert.Equal(t, "https://slack.com/archives/C024BE91L/p1355517523000005",
		a.Link(chat.MessageRef{ChannelID: channel, MessageID: ts}))
}

func TestCleanMessageText(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "normal text", input: "This is normal text", expected: "This is normal text"},
		{name: "user mention only", input: "<@U095Z0GRZGS>", expected: ""},
		{name: "text with user mention", input: "Hello <@U095Z0GRZGS> how are you?", expected: "Hello  how are you?"},
		{name: "channel mention", input: "Check out <#C06DTMSH03E|general> channel", expected: "Check out  channel"},
		{name: "mixed", input: "Hey <@U095Z0GRZGS> check <#C06DTMSH03E|general> for updates", expected: "Hey  check  for updates"},
		{name: "unterminated", input: "see <@U0", expected: "see <@U0"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, cleanMessageText(tc.input))
		})
	}
}

func TestFetchChannels_OnlyMemberChannels(t *testing.T) {
	a := newAdapter(&mockAPI{}, 10)
	channels, err := a.FetchChannels(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "general", channels[0].Name)
	assert.Equal(t, "C024BE91L", encodeID(channels[0].ID))
	assert.Equal(t, chat.ChannelText, channels[0].Kind)
}

func TestFetchMessages_ServesAscendingPages(t *testing.T) {
	api := &mockAPI{history: []slack.Message{
		slackMsg("1700000005.000000", "U1", "five", ""),
		slackMsg("1700000004.000000", "U1", "joined", "channel_join"),
		slackMsg("1700000003.000000", "U1", "three", ""),
		slackMsg("1700000002.000000", "U1", "two", ""),
		slackMsg("1700000001.000000", "U1", "one", ""),
	}}
	a := newAdapter(api, 2)
	channelID, _ := decodeID("C024BE91L")
	channel := chat.Channel{ID: channelID}
	ctx := context.Background()

	var seen []string
	var after chat.ID
	for {
		page, err := a.FetchMessages(ctx, channel, after)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, msg := range page {
			seen = append(seen, msg.Text)
			after = msg.Ref.MessageID
		}
	}

	assert.Equal(t, []string{"one", "two", "three", "five"}, seen)
	// One full history walk (three API pages) plus one refresh when the backlog ran dry.
	assert.Equal(t, 4, api.historyHits)
	assert.Equal(t, 1, api.userLookups)
}

func TestFetchMessage(t *testing.T) {
	api := &mockAPI{history: []slack.Message{
		slackMsg("1700000002.000000", "UGHOST", "two", ""),
		slackMsg("1700000001.000000", "U1", "one", ""),
	}}
	a := newAdapter(api, 2)
	channelID, _ := decodeID("C024BE91L")
	ts, _ := decodeTS("1700000002.000000")

	msg, err := a.FetchMessage(context.Background(), channelID, ts)
	require.NoError(t, err)
	assert.Equal(t, "two", msg.Text)
	assert.Equal(t, "UGHOST", msg.Author)

	missing, _ := decodeTS("1700000009.000000")
	_, err = a.FetchMessage(context.Background(), channelID, missing)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestFetchMessages_Error(t *testing.T) {
	a := newAdapter(&mockAPI{historyErr: errors.New("ratelimited")}, 2)
	_, err := a.FetchMessages(context.Background(), chat.Channel{ID: 1}, 0)
	assert.ErrorContains(t, err, "ratelimited")
}
