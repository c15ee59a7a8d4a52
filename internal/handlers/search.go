package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"chatsearch/internal/chat"
	"chatsearch/internal/logging"
	"chatsearch/internal/search"
)

const maxQueryBytes = 64 << 10

// maxConcurrentFetches bounds the platform requests one search makes at a time.
const maxConcurrentFetches = 10

// Searcher runs a hybrid query.
type Searcher interface {
	Search(ctx context.Context, text string, opts search.Options) ([]search.Result, error)
}

// MessageSource refreshes indexed messages from the platform and builds deep links.
type MessageSource interface {
	FetchMessage(ctx context.Context, channelID, messageID chat.ID) (chat.Message, error)
	Link(ref chat.MessageRef) string
}

type SearchHandler struct {
	searcher     Searcher
	source       MessageSource
	fetchTimeout time.Duration
}

type SearchHit struct {
	Score     float64 `json:"score"`
	ChannelID chat.ID `json:"channelId"`
	MessageID chat.ID `json:"messageId"`
	GuildID   chat.ID `json:"guildId"`
	Content   string  `json:"content"`
	Author    string  `json:"author,omitempty"`
	Link      string  `json:"link,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewSearchHandler creates the /search handler. source may be nil, in which case hits
// carry the indexed text and no link.
func NewSearchHandler(searcher Searcher, source MessageSource, fetchTimeout time.Duration) *SearchHandler {
	return &SearchHandler{
		searcher:     searcher,
		source:       source,
		fetchTimeout: fetchTimeout,
	}
}

func (h *SearchHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	logger := logging.LoggerFromContext(r.Context())

	opts, err := parseOptions(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxQueryBytes))
	if err != nil {
		logger.Error("Error reading search body", "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "could not read request body"})
		return
	}

	results, err := h.searcher.Search(r.Context(), string(body), opts)
	if err != nil {
		if errors.Is(err, search.ErrEmptyQuery) || errors.Is(err, search.ErrNoBranches) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		logger.Error("Error processing search", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	hits := make([]SearchHit, len(results))
	var g errgroup.Group
	g.SetLimit(maxConcurrentFetches)
	for i, res := range results {
		g.Go(func() error {
			hits[i] = h.hydrate(r.Context(), logger, res)
			return nil
		})
	}
	_ = g.Wait()

	writeJSON(w, http.StatusOK, hits)
}

// hydrate replaces the indexed text with the live message when the platform has it.
func (h *SearchHandler) hydrate(ctx context.Context, logger *slog.Logger, res search.Result) SearchHit {
	hit := SearchHit{
		Score:     res.Score,
		ChannelID: res.ChannelID,
		MessageID: res.MessageID,
		GuildID:   res.GuildID,
		Content:   res.Text,
		Author:    res.Author,
	}
	if h.source == nil {
		return hit
	}

	hit.Link = h.source.Link(res.Ref())

	fetchCtx := ctx
	if h.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, h.fetchTimeout)
		defer cancel()
	}
	msg, err := h.source.FetchMessage(fetchCtx, res.ChannelID, res.MessageID)
	if err != nil {
		logger.Debug("Falling back to indexed text", "key", res.Ref().Key(), "error", err)
		return hit
	}
	hit.Content = msg.Text
	if msg.Author != "" {
		hit.Author = msg.Author
	}
	return hit
}

func parseOptions(r *http.Request) (search.Options, error) {
	opts := search.DefaultOptions()
	q := r.URL.Query()

	var err error
	if opts.Dense, err = boolParam(q.Get("dense"), opts.Dense); err != nil {
		return opts, fmt.Errorf("invalid dense: %w", err)
	}
	if opts.Sparse, err = boolParam(q.Get("bm25"), opts.Sparse); err != nil {
		return opts, fmt.Errorf("invalid bm25: %w", err)
	}
	if opts.Offset, err = intParam(q.Get("offset"), opts.Offset); err != nil {
		return opts, fmt.Errorf("invalid offset: %w", err)
	}
	if opts.Limit, err = intParam(q.Get("limit"), opts.Limit); err != nil {
		return opts, fmt.Errorf("invalid limit: %w", err)
	}
	if opts.Limit == 0 {
		return opts, errors.New("invalid limit: must be positive")
	}
	opts.Filter = q.Get("filter")
	return opts, nil
}

func boolParam(raw string, def bool) (bool, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseBool(raw)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}
