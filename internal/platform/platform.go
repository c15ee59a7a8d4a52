// Package platform defines the chat platform capabilities the ingestion pipeline and
// the search surfaces depend on. Adapters live in subpackages.
package platform

import (
	"context"
	"errors"
	"fmt"

	"chatsearch/internal/chat"
)

// ReadyEvent is delivered once the platform connection is usable.
type ReadyEvent struct {
	Guilds []chat.ID
}

type ReadyHandler func(ctx context.Context, event ReadyEvent)

type MessageHandler func(ctx context.Context, msg chat.Message)

// Platform is a connected chat platform. Subscriptions must be registered before Open.
// Handlers may be invoked concurrently from adapter goroutines.
type Platform interface {
	Name() string

	SubscribeReady(h ReadyHandler)
	SubscribeMessageCreate(h MessageHandler)

	// FetchChannels lists the channels of a guild.
	FetchChannels(ctx context.Context, guildID chat.ID) ([]chat.Channel, error)
	// FetchMessages returns one page of messages with ids strictly greater than after.
	// Page order is unspecified; callers sort. An empty page means caught up.
	FetchMessages(ctx context.Context, channel chat.Channel, after chat.ID) ([]chat.Message, error)
	FetchMessage(ctx context.Context, channelID, messageID chat.ID) (chat.Message, error)

	// Link returns a URL that opens the message in the platform's client.
	Link(ref chat.MessageRef) string

	Open(ctx context.Context) error
	Close() error
}

// ErrMessageNotFound reports that the platform no longer has a message, typically
// because it was deleted.
var ErrMessageNotFound = errors.New("message not found")

// FetchError wraps a failed platform request.
type FetchError struct {
	Platform string
	Op       string
	ID       chat.ID
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", e.Platform, e.Op, e.ID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
