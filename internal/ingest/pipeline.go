package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"chatsearch/internal/chat"
	"chatsearch/internal/platform"
)

// Pipeline connects a platform's events to the crawler and the live handler.
type Pipeline struct {
	platform  platform.Platform
	crawler   *Crawler
	live      *LiveHandler
	lifecycle *Lifecycle

	crawling atomic.Bool
	onFatal  func(error)
}

// NewPipeline wires the components. onFatal is called with the first ledger failure;
// the caller is expected to shut down.
func NewPipeline(p platform.Platform, crawler *Crawler, live *LiveHandler, lifecycle *Lifecycle, onFatal func(error)) *Pipeline {
	return &Pipeline{
		platform:  p,
		crawler:   crawler,
		live:      live,
		lifecycle: lifecycle,
		onFatal:   onFatal,
	}
}

// Subscribe registers the event handlers. Call before opening the platform.
//
// Every ready event starts a crawl over the announced guilds; a reconnect therefore
// catches up whatever was missed while disconnected. The lifecycle is Backfilling for
// the duration of each crawl.
func (p *Pipeline) Subscribe() {
	p.platform.SubscribeReady(func(ctx context.Context, event platform.ReadyEvent) {
		if !p.crawling.CompareAndSwap(false, true) {
			slog.Info("Backfill already running, ignoring ready event")
			return
		}
		go func() {
			defer p.crawling.Store(false)
			if _, err := p.crawl(ctx, event.Guilds); err != nil && ctx.Err() == nil {
				p.fatal(fmt.Errorf("backfill: %w", err))
			}
		}()
	})

	p.platform.SubscribeMessageCreate(func(ctx context.Context, msg chat.Message) {
		if err := p.live.Handle(ctx, msg); err != nil && ctx.Err() == nil {
			p.fatal(fmt.Errorf("live ingestion: %w", err))
		}
	})
}

// Backfill waits for the platform to become ready, crawls once and returns. It is
// used by one-shot runs; the platform must not be open yet.
func (p *Pipeline) Backfill(ctx context.Context) (*Report, error) {
	ready := make(chan platform.ReadyEvent, 1)
	p.platform.SubscribeReady(func(_ context.Context, event platform.ReadyEvent) {
		select {
		case ready <- event:
		default:
		}
	})
	if err := p.platform.Open(ctx); err != nil {
		return nil, fmt.Errorf("opening %s: %w", p.platform.Name(), err)
	}
	defer p.platform.Close()

	select {
	case event := <-ready:
		return p.crawl(ctx, event.Guilds)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipeline) crawl(ctx context.Context, guilds []chat.ID) (*Report, error) {
	p.lifecycle.Rewind()
	report, err := p.crawler.Run(ctx, guilds)
	if err != nil {
		return report, err
	}
	p.lifecycle.MarkLive()
	slog.Info("Ingestion is live", "platform", p.platform.Name())
	return report, nil
}

func (p *Pipeline) fatal(err error) {
	if p.onFatal != nil {
		p.onFatal(err)
		return
	}
	slog.Error("Fatal ingestion error", "error", err)
}
