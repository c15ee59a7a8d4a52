package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"golang.org/x/time/rate"

	"chatsearch/internal/chat"
	"chatsearch/internal/indexer"
	"chatsearch/internal/metrics"
	"chatsearch/internal/platform"
)

// Indexer is implemented by *indexer.Indexer.
type Indexer interface {
	IndexMessage(ctx context.Context, msg chat.Message) (indexer.Outcome, error)
}

// Report summarizes one crawl.
type Report struct {
	Guilds         int
	Channels       int
	FailedChannels int
	Pages          int
	Outcomes       map[indexer.Outcome]int
}

func newReport() *Report {
	return &Report{Outcomes: make(map[indexer.Outcome]int)}
}

// Crawler replays channel history in ascending order from each channel's cursor.
type Crawler struct {
	platform platform.Platform
	indexer  Indexer
	cursors  *Cursors
	limiter  *rate.Limiter
}

// NewCrawler creates a crawler. A nil limiter leaves platform fetches unpaced.
func NewCrawler(p platform.Platform, ix Indexer, cursors *Cursors, limiter *rate.Limiter) *Crawler {
	return &Crawler{
		platform: p,
		indexer:  ix,
		cursors:  cursors,
		limiter:  limiter,
	}
}

// Run backfills every text channel and public thread of the given guilds, one channel at
// a time. Fetch failures are logged and skip the affected guild or channel; any other
// error is a ledger failure and aborts the crawl.
func (c *Crawler) Run(ctx context.Context, guilds []chat.ID) (*Report, error) {
	report := newReport()
	for _, guildID := range guilds {
		report.Guilds++
		slog.Info("Backfilling guild", "platform", c.platform.Name(), "guild_id", guildID.String())

		channels, err := c.fetchChannels(ctx, guildID)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			slog.Warn("Failed to list guild channels", "guild_id", guildID.String(), "error", err)
			continue
		}

		for _, channel := range channels {
			if !channel.Kind.Indexable() {
				continue
			}
			report.Channels++
			err := c.BackfillChannel(ctx, channel, report)
			var fetchErr *platform.FetchError
			switch {
			case err == nil:
				metrics.BackfillChannels.WithLabelValues(metrics.StatusSuccess).Inc()
			case errors.As(err, &fetchErr) && ctx.Err() == nil:
				report.FailedChannels++
				metrics.BackfillChannels.WithLabelValues(metrics.StatusError).Inc()
				slog.Warn("Error backfilling channel",
					"channel_id", channel.ID.String(),
					"channel", channel.Name,
					"error", err)
			default:
				return report, err
			}
		}
	}

	slog.Info("Backfill complete",
		"guilds", report.Guilds,
		"channels", report.Channels,
		"failed_channels", report.FailedChannels,
		"pages", report.Pages)
	return report, nil
}

// BackfillChannel indexes every message after the channel's cursor, committing the
// cursor once per page. A *platform.FetchError leaves the cursor at the last committed
// page.
func (c *Crawler) BackfillChannel(ctx context.Context, channel chat.Channel, report *Report) error {
	if report == nil {
		report = newReport()
	}
	cursor, err := c.cursors.Load(ctx, channel.ID)
	if err != nil {
		return err
	}
	slog.Debug("Backfilling channel",
		"channel_id", channel.ID.String(),
		"channel", channel.Name,
		"cursor", cursor.String())

	for {
		page, err := c.fetchPage(ctx, channel, cursor)
		if err != nil {
			metrics.BackfillPages.WithLabelValues(metrics.StatusError).Inc()
			return err
		}
		metrics.BackfillPages.WithLabelValues(metrics.StatusSuccess).Inc()

		page = pendingAfter(page, cursor)
		if len(page) == 0 {
			return nil
		}
		report.Pages++

		for _, msg := range page {
			msg.Ref.GuildID = channel.GuildID
			outcome, err := c.indexer.IndexMessage(ctx, msg)
			if err != nil {
				return err
			}
			// A shutdown mid-page fails the remaining embeds; don't commit past them.
			if err := ctx.Err(); err != nil {
				return err
			}
			report.Outcomes[outcome]++
			metrics.MessagesIndexed.WithLabelValues("backfill", outcome.String()).Inc()
			cursor = msg.Ref.MessageID
		}

		if _, err := c.cursors.Advance(ctx, channel.ID, cursor); err != nil {
			return err
		}
		slog.Debug("Backfilled page", "channel_id", channel.ID.String(), "messages", len(page), "cursor", cursor.String())
	}
}

// pendingAfter sorts a page ascending and drops anything at or before cursor.
func pendingAfter(page []chat.Message, cursor chat.ID) []chat.Message {
	sort.Slice(page, func(i, j int) bool {
		return page[i].Ref.MessageID < page[j].Ref.MessageID
	})
	i := sort.Search(len(page), func(i int) bool {
		return page[i].Ref.MessageID > cursor
	})
	return page[i:]
}

func (c *Crawler) fetchChannels(ctx context.Context, guildID chat.ID) ([]chat.Channel, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	channels, err := c.platform.FetchChannels(ctx, guildID)
	if err != nil {
		return nil, c.fetchError("fetch channels", guildID, err)
	}
	return channels, nil
}

func (c *Crawler) fetchPage(ctx context.Context, channel chat.Channel, after chat.ID) ([]chat.Message, error) {
	if err := c.wait(ctx); err != nil {
		return nil, c.fetchError("fetch messages", channel.ID, err)
	}
	page, err := c.platform.FetchMessages(ctx, channel, after)
	if err != nil {
		return nil, c.fetchError("fetch messages", channel.ID, err)
	}
	return page, nil
}

func (c *Crawler) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Crawler) fetchError(op string, id chat.ID, err error) error {
	var fetchErr *platform.FetchError
	if errors.As(err, &fetchErr) {
		return err
	}
	return &platform.FetchError{Platform: c.platform.Name(), Op: op, ID: id, Err: err}
}
