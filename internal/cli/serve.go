package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"chatsearch/internal/app"
	"chatsearch/internal/handlers"
	"chatsearch/internal/middleware"
)

var errFatal = errors.New("fatal ingestion error")

// Bounds each per-hit content refresh from the platform.
const refreshTimeout = 5 * time.Second

var serveNoIngest bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Ingest messages and serve the search API",
	Long: `Connects to the chat platform, backfills every text channel and public thread
from its stored cursor, indexes new messages as they arrive and serves
POST /search, /health, /ready and /metrics.

A ledger failure stops the process with a non-zero exit status.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoIngest, "no-ingest", false, "serve queries only, without connecting to the chat platform")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	slog.Info("Starting chatsearch", slog.String("version", version), slog.String("environment", cfg.Environment))

	ctx, cancel := context.WithCancelCause(cmd.Context())
	defer cancel(nil)

	a, err := app.New(ctx, cfg, connectTimeout)
	if err != nil {
		return err
	}
	defer a.Close()

	var (
		source    handlers.MessageSource
		readiness handlers.Readiness
	)
	if !serveNoIngest {
		fatal := func(err error) {
			slog.Error("Stopping after fatal error", "error", err)
			cancel(fmt.Errorf("%w: %w", errFatal, err))
		}
		in, err := a.Ingestion(fatal)
		if err != nil {
			return err
		}
		in.Pipeline.Subscribe()
		if err := in.Open(ctx, connectTimeout); err != nil {
			return err
		}
		defer in.Platform.Close()

		go func() {
			if err := in.Retry.Start(ctx); err != nil {
				fatal(fmt.Errorf("retry processor: %w", err))
			}
		}()
		source = in.Platform
		readiness = in.Lifecycle
	}

	limiter := middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.Cleanup(ctx, time.Minute, 10*time.Minute)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(a, source, readiness, limiter),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.SearchTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Server starting", slog.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		cancel(err)
	}

	slog.Info("Server shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	slog.Info("Server exited gracefully")
	return nil
}

func newRouter(a *app.App, source handlers.MessageSource, readiness handlers.Readiness, limiter *middleware.IPRateLimiter) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware)
	router.Use(middleware.MetricsMiddleware)

	searchHandler := handlers.NewSearchHandler(a.Search, source, refreshTimeout)
	router.Handle("/search", limiter.Middleware(http.HandlerFunc(searchHandler.HandleSearch))).Methods(http.MethodPost)

	router.HandleFunc("/health", handlers.HandleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", handlers.ReadyHandler(readiness)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return router
}
