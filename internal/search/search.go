// Package search answers free-text queries against the hybrid index.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatsearch/internal/chat"
	"chatsearch/internal/embedding"
	"chatsearch/internal/metrics"
	"chatsearch/internal/vectorstore"
)

var (
	ErrEmptyQuery = errors.New("search query is empty")
	ErrNoBranches = errors.New("at least one of dense or bm25 must be enabled")
)

type Options struct {
	Dense  bool
	Sparse bool
	Filter string
	Offset int
	Limit  int
}

func DefaultOptions() Options {
	return Options{Dense: true, Sparse: true, Limit: vectorstore.DefaultLimit}
}

type Result struct {
	Score     float64 `json:"score"`
	ChannelID chat.ID `json:"channelId"`
	MessageID chat.ID `json:"messageId"`
	GuildID   chat.ID `json:"guildId"`
	Author    string  `json:"author"`
	Text      string  `json:"text"`
}

func (r Result) Ref() chat.MessageRef {
	return chat.MessageRef{GuildID: r.GuildID, ChannelID: r.ChannelID, MessageID: r.MessageID}
}

// GuildLookup resolves the guild recorded for an indexed message.
type GuildLookup interface {
	IndexedGuild(ctx context.Context, channelID, messageID chat.ID) (chat.ID, bool, error)
}

type Service struct {
	embedder embedding.Client
	store    vectorstore.Store
	guilds   GuildLookup
	timeout  time.Duration
}

// NewService creates a search service. guilds may be nil; timeout <= 0 disables the
// per-query deadline.
func NewService(embedder embedding.Client, store vectorstore.Store, guilds GuildLookup, timeout time.Duration) *Service {
	return &Service{
		embedder: embedder,
		store:    store,
		guilds:   guilds,
		timeout:  timeout,
	}
}

// Search embeds text and returns the gateway's fused ranking unchanged.
func (s *Service) Search(ctx context.Context, text string, opts Options) ([]Result, error) {
	start := time.Now()
	results, err := s.search(ctx, text, opts)

	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	metrics.SearchesProcessed.WithLabelValues(status).Inc()
	metrics.SearchDuration.Observe(time.Since(start).Seconds())
	return results, err
}

func (s *Service) search(ctx context.Context, text string, opts Options) ([]Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyQuery
	}
	if !opts.Dense && !opts.Sparse {
		return nil, ErrNoBranches
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	vectors, err := s.embedder.Embed(ctx, text, embedding.Options{Dense: opts.Dense, BM25: opts.Sparse})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	hits, err := s.store.Query(ctx, vectors, vectorstore.QueryOptions{
		UseDense:   opts.Dense,
		UseSparse:  opts.Sparse,
		TextFilter: opts.Filter,
		Offset:     opts.Offset,
		Limit:      opts.Limit,
	})
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		ref := hit.Payload.Ref
		if ref.GuildID == 0 && s.guilds != nil {
			guildID, ok, err := s.guilds.IndexedGuild(ctx, ref.ChannelID, ref.MessageID)
			if err != nil {
				return nil, fmt.Errorf("resolving guild for %s: %w", ref.Key(), err)
			}
			if ok {
				ref.GuildID = guildID
			}
		}
		results = append(results, Result{
			Score:     hit.Score,
			ChannelID: ref.ChannelID,
			MessageID: ref.MessageID,
			GuildID:   ref.GuildID,
			Author:    hit.Payload.Author,
			Text:      hit.Payload.Text,
		})
	}

	slog.Debug("Search completed", "results", len(results), "dense", opts.Dense, "bm25", opts.Sparse)
	return results, nil
}
