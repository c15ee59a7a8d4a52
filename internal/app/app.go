// Package app builds the runtime components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"chatsearch/internal/config"
	"chatsearch/internal/embedding"
	"chatsearch/internal/indexer"
	"chatsearch/internal/ingest"
	"chatsearch/internal/jobs"
	"chatsearch/internal/ledger"
	"chatsearch/internal/platform"
	"chatsearch/internal/platform/discord"
	"chatsearch/internal/platform/slack"
	"chatsearch/internal/search"
	"chatsearch/internal/vectorstore"
)

// Components shared by every command.
type App struct {
	Config   *config.Config
	Ledger   *ledger.Ledger
	Embedder embedding.Client
	Store    vectorstore.Store
	Search   *search.Service

	ledgerStore *ledger.Store
}

// Ingestion is the platform-facing half, built only by commands that ingest.
type Ingestion struct {
	Platform  platform.Platform
	Lifecycle *ingest.Lifecycle
	Cursors   *ingest.Cursors
	Pipeline  *ingest.Pipeline
	Retry     *jobs.RetryProcessor
}

// New opens the ledger and the vector store, retrying until maxWait elapses.
func New(ctx context.Context, cfg *config.Config, maxWait time.Duration) (*App, error) {
	a := &App{Config: cfg}

	err := retry(ctx, "ledger", maxWait, func() error {
		store, err := OpenLedger(ctx, cfg)
		if err != nil {
			return err
		}
		a.ledgerStore = store
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.Ledger = ledger.New(a.ledgerStore)

	a.Embedder, err = NewEmbedder(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	err = retry(ctx, "vector store", maxWait, func() error {
		store, err := NewVectorStore(cfg)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := store.EnsureCollection(ctx); err != nil {
			store.Close()
			return err
		}
		a.Store = store
		return nil
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Search = search.NewService(a.Embedder, a.Store, a.Ledger, cfg.SearchTimeout)
	return a, nil
}

// Ingestion builds the platform adapter and the pipeline around it. onFatal receives
// ledger failures from event handlers.
func (a *App) Ingestion(onFatal func(error)) (*Ingestion, error) {
	if err := a.Config.ValidatePlatform(); err != nil {
		return nil, err
	}
	p, err := NewPlatform(a.Config)
	if err != nil {
		return nil, err
	}
	if d, ok := p.(*discord.Adapter); ok && a.Config.DiscordCommand {
		d.EnableSearchCommand(a.Search)
	}

	var limiter *rate.Limiter
	if a.Config.BackfillRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(a.Config.BackfillRate), 1)
	}

	ix := indexer.New(a.Ledger, a.Embedder, a.Store, embedding.DefaultOptions())
	recording := jobs.NewRecordingIndexer(ix, a.Ledger)
	cursors := ingest.NewCursors(a.Ledger)
	lifecycle := ingest.NewLifecycle()
	crawler := ingest.NewCrawler(p, recording, cursors, limiter)
	live := ingest.NewLiveHandler(recording, cursors, lifecycle)

	return &Ingestion{
		Platform:  p,
		Lifecycle: lifecycle,
		Cursors:   cursors,
		Pipeline:  ingest.NewPipeline(p, crawler, live, lifecycle, onFatal),
		Retry: jobs.NewRetryProcessor(a.Ledger, p, ix, jobs.RetryOptions{
			BatchSize:   a.Config.RetryBatchSize,
			Interval:    a.Config.RetryInterval,
			MaxAttempts: a.Config.RetryMaxAttempts,
		}),
	}, nil
}

// Open connects the platform, retrying transient failures.
func (in *Ingestion) Open(ctx context.Context, maxWait time.Duration) error {
	return retry(ctx, in.Platform.Name(), maxWait, func() error {
		return in.Platform.Open(ctx)
	})
}

func (a *App) Close() error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.ledgerStore != nil {
		errs = append(errs, a.ledgerStore.Close())
	}
	return errors.Join(errs...)
}

func OpenLedger(ctx context.Context, cfg *config.Config) (*ledger.Store, error) {
	switch cfg.LedgerBackend {
	case "postgres":
		return ledger.OpenPostgres(ctx, cfg.DatabaseURL)
	case "sqlite", "":
		return ledger.OpenSQLite(ctx, cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

func NewEmbedder(cfg *config.Config) (embedding.Client, error) {
	switch cfg.EmbeddingProvider {
	case "http", "":
		return embedding.NewHTTPClient(cfg.EmbeddingURL, cfg.EmbeddingAvgDL, cfg.EmbeddingTimeout), nil
	case "openai":
		return embedding.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.DenseSize, cfg.EmbeddingTimeout), nil
	case "ollama":
		return embedding.NewOllamaClient(cfg.OllamaURL, cfg.EmbeddingModel, cfg.EmbeddingTimeout)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}

func NewVectorStore(cfg *config.Config) (vectorstore.Store, error) {
	switch cfg.VectorStore {
	case "qdrant", "":
		return vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			APIKey:     cfg.QdrantAPIKey,
			UseTLS:     cfg.QdrantTLS,
			Collection: cfg.Collection,
			DenseSize:  uint64(cfg.DenseSize),
			Fusion:     cfg.QdrantFusion,
		})
	case "pgvector":
		return vectorstore.NewPGVectorStore(cfg.DatabaseURL, cfg.DenseSize)
	case "memory":
		return vectorstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown vector store %q", cfg.VectorStore)
	}
}

// NewPlatform creates an unconnected adapter. It can build links and fetch single
// messages without Open.
func NewPlatform(cfg *config.Config) (platform.Platform, error) {
	switch cfg.Platform {
	case "discord":
		return discord.New(cfg.DiscordToken, cfg.BackfillPageSize)
	case "slack":
		return slack.New(cfg.SlackBotToken, cfg.SlackAppToken, cfg.BackfillPageSize), nil
	default:
		return nil, fmt.Errorf("unknown platform %q", cfg.Platform)
	}
}

// retry runs op with exponential backoff until it succeeds, returns a permanent error,
// maxWait elapses or ctx ends.
func retry(ctx context.Context, what string, maxWait time.Duration, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = maxWait

	notify := func(err error, next time.Duration) {
		slog.Error("Failed to connect, retrying", "component", what, "error", err, "retry_in", next)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("connecting %s: %w", what, err)
	}
	slog.Info("Connected", "component", what)
	return nil
}
