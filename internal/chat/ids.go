package chat

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedID  = errors.New("malformed id")
	ErrMalformedKey = errors.New("malformed ledger key")
)

// ID is a platform identifier (guild, channel or message). Discord snowflakes and the
// Slack encodings in the slack adapter both fit in 64 unsigned bits. IDs are ordered:
// within a channel a larger message ID is a later message.
type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// MarshalText encodes the ID as a decimal string so JSON clients never see a float.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID parses a decimal ID. Anything other than a plain base-10 unsigned integer
// is rejected.
func ParseID(s string) (ID, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrMalformedID)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedID, s)
	}
	return ID(v), nil
}

// MessageRef identifies a message. ChannelID and MessageID together are unique;
// GuildID is provenance only.
type MessageRef struct {
	GuildID   ID `json:"guildId"`
	ChannelID ID `json:"channelId"`
	MessageID ID `json:"messageId"`
}

// Key returns the ledger key for the message.
func (r MessageRef) Key() string {
	return Key(r.ChannelID, r.MessageID)
}

func (r MessageRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.GuildID, r.ChannelID, r.MessageID)
}

// Key composes "<channelId>:<messageId>".
func Key(channelID, messageID ID) string {
	return channelID.String() + ":" + messageID.String()
}

// ParseKey splits a key produced by Key. Malformed input is an error; no partial
// result is returned.
func ParseKey(key string) (channelID, messageID ID, err error) {
	parts := strings.Split(key, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	channelID, err = ParseID(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q: %v", ErrMalformedKey, key, err)
	}
	messageID, err = ParseID(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q: %v", ErrMalformedKey, key, err)
	}
	return channelID, messageID, nil
}
