package ingest

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"chatsearch/internal/chat"
	"chatsearch/internal/metrics"
)

// LiveHandler indexes newly created messages. Cursors only move once the lifecycle is
// Live, so live traffic never pushes a cursor past history the crawler has not seen.
//
// Events for one channel may be handled concurrently. A cursor is committed only up to
// the highest finished message below the lowest one still being indexed.
type LiveHandler struct {
	indexer   Indexer
	cursors   *Cursors
	lifecycle *Lifecycle

	mu      sync.Mutex
	pending map[chat.ID]map[chat.ID]bool // channel -> message -> finished
}

func NewLiveHandler(ix Indexer, cursors *Cursors, lifecycle *Lifecycle) *LiveHandler {
	return &LiveHandler{
		indexer:   ix,
		cursors:   cursors,
		lifecycle: lifecycle,
		pending:   make(map[chat.ID]map[chat.ID]bool),
	}
}

// Handle indexes msg. A returned error is a ledger failure.
func (h *LiveHandler) Handle(ctx context.Context, msg chat.Message) error {
	ref := msg.Ref
	if ref.GuildID == 0 {
		slog.Warn("Ignoring message without guild", "channel_id", ref.ChannelID.String(), "message_id", ref.MessageID.String())
		return nil
	}

	h.begin(ref)
	outcome, err := h.indexer.IndexMessage(ctx, msg)
	if err != nil || ctx.Err() != nil {
		// Left pending: nothing after it in this channel may be committed.
		return err
	}
	metrics.MessagesIndexed.WithLabelValues("live", outcome.String()).Inc()

	target, ok := h.finish(ref)
	if !ok || !h.lifecycle.IsLive() {
		return nil
	}
	if _, err := h.cursors.Advance(ctx, ref.ChannelID, target); err != nil {
		return err
	}
	return nil
}

func (h *LiveHandler) begin(ref chat.MessageRef) {
	h.mu.Lock()
	defer h.mu.Unlock()
	channel := h.pending[ref.ChannelID]
	if channel == nil {
		channel = make(map[chat.ID]bool)
		h.pending[ref.ChannelID] = channel
	}
	channel[ref.MessageID] = false
}

// finish marks ref done and releases the finished prefix of the channel's pending
// messages, returning the highest released id.
func (h *LiveHandler) finish(ref chat.MessageRef) (chat.ID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	channel := h.pending[ref.ChannelID]
	if _, ok := channel[ref.MessageID]; !ok {
		// A duplicate delivery already released it.
		return 0, false
	}
	channel[ref.MessageID] = true

	ids := make([]chat.ID, 0, len(channel))
	for id := range channel {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var target chat.ID
	released := false
	for _, id := range ids {
		if !channel[id] {
			break
		}
		delete(channel, id)
		target, released = id, true
	}
	if len(channel) == 0 {
		delete(h.pending, ref.ChannelID)
	}
	return target, released
}
