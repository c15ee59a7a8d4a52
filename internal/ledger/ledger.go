package ledger

import (
	"context"
	"errors"
	"fmt"

	"chatsearch/internal/chat"
)

// Sublevel names match the key spaces of the original on-disk layout.
const (
	indexedSublevel = "indexedIds"
	cursorSublevel  = "latestMessagesForChannel"
	failedSublevel  = "failedMessages"
)

// Ledger records which messages have been embedded and upserted, and how far backfill
// got in each channel. It is the single source of truth for both questions; the vector
// store holds content only.
type Ledger struct {
	indexed *Sublevel
	cursors *Sublevel
	failed  *Sublevel
}

func New(store *Store) *Ledger {
	return &Ledger{
		indexed: store.Sublevel(indexedSublevel),
		cursors: store.Sublevel(cursorSublevel),
		failed:  store.Sublevel(failedSublevel),
	}
}

// HasIndexed reports whether the message was marked indexed.
func (l *Ledger) HasIndexed(ctx context.Context, channelID, messageID chat.ID) (bool, error) {
	return l.indexed.Has(ctx, chat.Key(channelID, messageID))
}

// MarkIndexed records the message as indexed. Call only after the vector store upsert
// succeeded. Safe to repeat.
func (l *Ledger) MarkIndexed(ctx context.Context, ref chat.MessageRef) error {
	return l.indexed.Put(ctx, ref.Key(), ref.GuildID.String())
}

// IndexedGuild returns the guild recorded when the message was marked indexed.
func (l *Ledger) IndexedGuild(ctx context.Context, channelID, messageID chat.ID) (chat.ID, bool, error) {
	var raw string
	ok, err := l.indexed.Get(ctx, chat.Key(channelID, messageID), &raw)
	if err != nil || !ok {
		return 0, false, err
	}
	guildID, err := chat.ParseID(raw)
	if err != nil {
		return 0, false, &IOError{Op: "indexed guild", Key: chat.Key(channelID, messageID), Err: err}
	}
	return guildID, true, nil
}

// Cursor returns the last message backfill advanced past. ok is false when the channel
// was never backfilled.
func (l *Ledger) Cursor(ctx context.Context, channelID chat.ID) (messageID chat.ID, ok bool, err error) {
	var raw string
	ok, err = l.cursors.Get(ctx, channelID.String(), &raw)
	if err != nil || !ok {
		return 0, false, err
	}
	messageID, err = chat.ParseID(raw)
	if err != nil {
		return 0, false, &IOError{Op: "cursor", Key: channelID.String(), Err: err}
	}
	return messageID, true, nil
}

// AdvanceCursor overwrites the channel's cursor. Callers guarantee monotonicity.
func (l *Ledger) AdvanceCursor(ctx context.Context, channelID, messageID chat.ID) error {
	return l.cursors.Put(ctx, channelID.String(), messageID.String())
}

// ResetCursor forgets the channel's cursor so the next backfill starts from the
// beginning of history. Already-indexed messages are still skipped.
func (l *Ledger) ResetCursor(ctx context.Context, channelID chat.ID) error {
	return l.cursors.Delete(ctx, channelID.String())
}

// Failure is a message whose embed or upsert failed and that awaits a retry.
type Failure struct {
	Ref      chat.MessageRef
	Attempts int
}

type failureValue struct {
	GuildID  chat.ID `json:"guildId"`
	Attempts int     `json:"attempts"`
}

// RecordFailure notes a failed indexing attempt and returns the attempt count so far.
func (l *Ledger) RecordFailure(ctx context.Context, ref chat.MessageRef) (int, error) {
	var v failureValue
	if _, err := l.failed.Get(ctx, ref.Key(), &v); err != nil {
		return 0, err
	}
	v.Attempts++
	if ref.GuildID != 0 {
		v.GuildID = ref.GuildID
	}
	if err := l.failed.Put(ctx, ref.Key(), v); err != nil {
		return 0, err
	}
	return v.Attempts, nil
}

func (l *Ledger) ClearFailure(ctx context.Context, channelID, messageID chat.ID) error {
	return l.failed.Delete(ctx, chat.Key(channelID, messageID))
}

var errEnough = errors.New("enough")

// Failures returns up to limit pending failures in key order. limit <= 0 returns all.
func (l *Ledger) Failures(ctx context.Context, limit int) ([]Failure, error) {
	var out []Failure
	err := l.failed.Keys(ctx, func(key string) error {
		channelID, messageID, err := chat.ParseKey(key)
		if err != nil {
			return &IOError{Op: "failures", Key: key, Err: err}
		}
		var v failureValue
		if _, err := l.failed.Get(ctx, key, &v); err != nil {
			return err
		}
		out = append(out, Failure{
			Ref:      chat.MessageRef{GuildID: v.GuildID, ChannelID: channelID, MessageID: messageID},
			Attempts: v.Attempts,
		})
		if limit > 0 && len(out) >= limit {
			return errEnough
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEnough) {
		return nil, err
	}
	return out, nil
}

type Stats struct {
	Indexed          int
	Failed           int
	IndexedByChannel map[chat.ID]int
	Cursors          map[chat.ID]chat.ID
}

func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		IndexedByChannel: make(map[chat.ID]int),
		Cursors:          make(map[chat.ID]chat.ID),
	}

	err := l.indexed.Keys(ctx, func(key string) error {
		channelID, _, err := chat.ParseKey(key)
		if err != nil {
			return &IOError{Op: "stats", Key: key, Err: err}
		}
		stats.Indexed++
		stats.IndexedByChannel[channelID]++
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = l.cursors.Keys(ctx, func(key string) error {
		channelID, err := chat.ParseID(key)
		if err != nil {
			return &IOError{Op: "stats", Key: key, Err: err}
		}
		messageID, ok, err := l.Cursor(ctx, channelID)
		if err != nil {
			return err
		}
		if ok {
			stats.Cursors[channelID] = messageID
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collecting cursors: %w", err)
	}

	err = l.failed.Keys(ctx, func(string) error {
		stats.Failed++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
