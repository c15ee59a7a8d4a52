package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsearch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsearch_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsearch_http_requests_in_flight",
			Help: "HTTP requests currently being served",
		},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsearch_http_response_size_bytes",
			Help:    "Size of HTTP response bodies",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"endpoint"},
	)

	// Ingestion metrics
	MessagesIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsearch_messages_indexed_total",
			Help: "Messages passed to the indexer, by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	BackfillPages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsearch_backfill_pages_total",
			Help: "Backfill pages fetched, by status",
		},
		[]string{"status"},
	)

	BackfillChannels = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsearch_backfill_channels_total",
			Help: "Channels visited by backfill, by status",
		},
		[]string{"status"},
	)

	IngestPhase = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsearch_ingest_phase",
			Help: "Ingestion lifecycle phase (0 backfilling, 1 live)",
		},
	)

	RetryBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsearch_retry_backlog",
			Help: "Messages waiting for an indexing retry",
		},
	)

	RetriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsearch_retries_processed_total",
			Help: "Indexing retries, by result",
		},
		[]string{"result"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsearch_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"provider", "status"},
	)

	EmbeddingRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsearch_embedding_request_duration_seconds",
			Help:    "Duration of embedding requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// Vector store metrics
	VectorStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsearch_vectorstore_operations_total",
			Help: "Total number of vector store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	VectorStoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsearch_vectorstore_operation_duration_seconds",
			Help:    "Duration of vector store operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// Search metrics
	SearchesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsearch_searches_processed_total",
			Help: "Total number of searches processed",
		},
		[]string{"status"},
	)

	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsearch_search_duration_seconds",
			Help:    "Duration of search processing in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Ledger metrics
	LedgerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsearch_ledger_errors_total",
			Help: "Total number of failed ledger operations",
		},
		[]string{"operation"},
	)

	LedgerOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsearch_ledger_operation_duration_seconds",
			Help:    "Duration of ledger operations in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

// Outcome labels shared by the indexer and ingestion paths.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)
