// Package indexer embeds chat messages and writes them to the vector store, recording
// each success in the ledger.
package indexer

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"chatsearch/internal/chat"
	"chatsearch/internal/embedding"
	"chatsearch/internal/vectorstore"
)

// Outcome describes what IndexMessage did with a message.
type Outcome int

const (
	Failed Outcome = iota
	Indexed
	AlreadyIndexed
	SkippedEmpty
)

func (o Outcome) String() string {
	switch o {
	case Indexed:
		return "indexed"
	case AlreadyIndexed:
		return "already_indexed"
	case SkippedEmpty:
		return "skipped_empty"
	default:
		return "failed"
	}
}

// Ledger is the part of the ledger the indexer needs.
type Ledger interface {
	HasIndexed(ctx context.Context, channelID, messageID chat.ID) (bool, error)
	MarkIndexed(ctx context.Context, ref chat.MessageRef) error
}

type Indexer struct {
	ledger   Ledger
	embedder embedding.Client
	store    vectorstore.Store
	options  embedding.Options

	// inflight coalesces concurrent calls for the same message so the
	// check-then-mark sequence runs once per key.
	inflight singleflight.Group
}

func New(ledger Ledger, embedder embedding.Client, store vectorstore.Store, options embedding.Options) *Indexer {
	return &Indexer{
		ledger:   ledger,
		embedder: embedder,
		store:    store,
		options:  options,
	}
}

// IndexMessage embeds and upserts msg unless the ledger already has it, then marks it
// indexed. The ledger is written only after the upsert succeeded.
//
// Embedding and vector store failures are logged and reported as Failed with a nil
// error, leaving the message eligible for a later pass. A non-nil error is always a
// ledger failure and must be treated as fatal.
//
// Messages with no text are skipped and not marked, so a rescan after a cursor reset
// looks at them again.
func (ix *Indexer) IndexMessage(ctx context.Context, msg chat.Message) (Outcome, error) {
	v, err, _ := ix.inflight.Do(msg.Ref.Key(), func() (any, error) {
		return ix.index(ctx, msg)
	})
	if err != nil {
		return Failed, err
	}
	return v.(Outcome), nil
}

func (ix *Indexer) index(ctx context.Context, msg chat.Message) (Outcome, error) {
	ref := msg.Ref
	done, err := ix.ledger.HasIndexed(ctx, ref.ChannelID, ref.MessageID)
	if err != nil {
		return Failed, err
	}
	if done {
		return AlreadyIndexed, nil
	}

	if strings.TrimSpace(msg.Text) == "" {
		slog.Debug("Skipping message without text", "message", ref.String())
		return SkippedEmpty, nil
	}

	vectors, err := ix.embedder.Embed(ctx, msg.Text, ix.options)
	if err != nil {
		slog.Error("Failed to embed message", "message", ref.String(), "error", err)
		return Failed, nil
	}

	if err := ix.store.Upsert(ctx, vectorstore.NewDocument(msg, vectors)); err != nil {
		slog.Error("Failed to upsert message", "message", ref.String(), "error", err)
		return Failed, nil
	}

	if err := ix.ledger.MarkIndexed(ctx, ref); err != nil {
		return Failed, err
	}
	slog.Debug("Indexed message", "message", ref.String(), "author", msg.Author)
	return Indexed, nil
}
