// Package jobs runs background maintenance alongside ingestion.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chatsearch/internal/chat"
	"chatsearch/internal/indexer"
	"chatsearch/internal/ledger"
	"chatsearch/internal/metrics"
	"chatsearch/internal/platform"
)

// FailureLedger is the part of the ledger that tracks messages awaiting a retry.
type FailureLedger interface {
	RecordFailure(ctx context.Context, ref chat.MessageRef) (int, error)
	ClearFailure(ctx context.Context, channelID, messageID chat.ID) error
	Failures(ctx context.Context, limit int) ([]ledger.Failure, error)
}

type Indexer interface {
	IndexMessage(ctx context.Context, msg chat.Message) (indexer.Outcome, error)
}

type MessageFetcher interface {
	FetchMessage(ctx context.Context, channelID, messageID chat.ID) (chat.Message, error)
}

// RecordingIndexer remembers messages whose indexing failed so RetryProcessor can pick
// them up after the crawler's cursor has moved past them.
type RecordingIndexer struct {
	inner  Indexer
	ledger FailureLedger
}

func NewRecordingIndexer(inner Indexer, ledger FailureLedger) *RecordingIndexer {
	return &RecordingIndexer{inner: inner, ledger: ledger}
}

func (r *RecordingIndexer) IndexMessage(ctx context.Context, msg chat.Message) (indexer.Outcome, error) {
	outcome, err := r.inner.IndexMessage(ctx, msg)
	if err != nil || outcome != indexer.Failed || ctx.Err() != nil {
		return outcome, err
	}
	if _, err := r.ledger.RecordFailure(ctx, msg.Ref); err != nil {
		return outcome, err
	}
	return outcome, nil
}

type RetryOptions struct {
	BatchSize   int
	Interval    time.Duration
	MaxAttempts int
}

func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		BatchSize:   10,
		Interval:    60 * time.Second,
		MaxAttempts: 5,
	}
}

// RetryProcessor periodically re-fetches and re-indexes failed messages.
type RetryProcessor struct {
	ledger  FailureLedger
	fetcher MessageFetcher
	indexer Indexer
	opts    RetryOptions
}

// NewRetryProcessor creates a processor. ix must be the plain indexer, not a
// RecordingIndexer, so retries do not double count attempts.
func NewRetryProcessor(ledger FailureLedger, fetcher MessageFetcher, ix Indexer, opts RetryOptions) *RetryProcessor {
	def := DefaultRetryOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	return &RetryProcessor{ledger: ledger, fetcher: fetcher, indexer: ix, opts: opts}
}

// Start processes a batch every interval until ctx ends. It returns the first ledger
// error, which callers treat as fatal.
func (p *RetryProcessor) Start(ctx context.Context) error {
	slog.Info("Starting retry processor",
		slog.Int("batch_size", p.opts.BatchSize),
		slog.Duration("interval", p.opts.Interval))

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Retry processor stopped")
			return nil
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// BatchResult counts what happened to each retried message.
type BatchResult struct {
	Recovered int
	Vanished  int
	Failed    int
	Abandoned int
}

func (p *RetryProcessor) ProcessBatch(ctx context.Context) (BatchResult, error) {
	var result BatchResult
	start := time.Now()

	pending, err := p.ledger.Failures(ctx, 0)
	if err != nil {
		return result, err
	}
	metrics.RetryBacklog.Set(float64(len(pending)))
	if len(pending) == 0 {
		slog.Debug("No failed messages to retry")
		return result, nil
	}
	if len(pending) > p.opts.BatchSize {
		pending = pending[:p.opts.BatchSize]
	}

	for _, f := range pending {
		status, err := p.retry(ctx, f)
		if err != nil {
			return result, err
		}
		switch status {
		case statusRecovered:
			result.Recovered++
			metrics.RetriesProcessed.WithLabelValues("recovered").Inc()
			continue
		case statusVanished:
			result.Vanished++
			metrics.RetriesProcessed.WithLabelValues("vanished").Inc()
			continue
		}
		abandoned, err := p.bump(ctx, f.Ref)
		if err != nil {
			return result, err
		}
		if abandoned {
			result.Abandoned++
			metrics.RetriesProcessed.WithLabelValues("abandoned").Inc()
		} else {
			result.Failed++
			metrics.RetriesProcessed.WithLabelValues("failed").Inc()
		}
	}

	slog.Info("Completed retry batch",
		slog.Int("recovered", result.Recovered),
		slog.Int("vanished", result.Vanished),
		slog.Int("failed", result.Failed),
		slog.Int("abandoned", result.Abandoned),
		slog.Duration("duration", time.Since(start)))
	return result, nil
}

type retryStatus int

const (
	statusFailed retryStatus = iota
	statusRecovered
	statusVanished
)

// retry re-fetches and re-indexes one message. Entries are cleared once the message is
// indexed or the platform reports it gone; transient fetch errors count as a failure.
func (p *RetryProcessor) retry(ctx context.Context, f ledger.Failure) (retryStatus, error) {
	msg, err := p.fetcher.FetchMessage(ctx, f.Ref.ChannelID, f.Ref.MessageID)
	if errors.Is(err, platform.ErrMessageNotFound) {
		slog.Info("Failed message no longer exists", "key", f.Ref.Key())
		return statusVanished, p.ledger.ClearFailure(ctx, f.Ref.ChannelID, f.Ref.MessageID)
	}
	if err != nil {
		slog.Warn("Retry fetch failed", "key", f.Ref.Key(), "error", err)
		return statusFailed, nil
	}
	if msg.Ref.GuildID == 0 {
		msg.Ref.GuildID = f.Ref.GuildID
	}

	outcome, err := p.indexer.IndexMessage(ctx, msg)
	if err != nil {
		return statusFailed, err
	}
	if outcome == indexer.Failed {
		return statusFailed, nil
	}
	return statusRecovered, p.ledger.ClearFailure(ctx, f.Ref.ChannelID, f.Ref.MessageID)
}

func (p *RetryProcessor) bump(ctx context.Context, ref chat.MessageRef) (bool, error) {
	attempts, err := p.ledger.RecordFailure(ctx, ref)
	if err != nil {
		return false, err
	}
	if attempts < p.opts.MaxAttempts {
		return false, nil
	}
	slog.Warn("Giving up on message", "key", ref.Key(), "attempts", attempts)
	return true, p.ledger.ClearFailure(ctx, ref.ChannelID, ref.MessageID)
}
