// Package embedding turns text into dense and sparse (BM25) vectors.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatsearch/internal/metrics"
)

var (
	ErrNothingRequested = errors.New("embedding: neither dense nor bm25 requested")
	ErrUnsupported      = errors.New("embedding: provider cannot produce the requested vectors")
)

// Sparse is a term-index/weight vector. Indices and Values have equal length.
type Sparse struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// Embeddings holds the vectors computed for one text. At least one is set on success.
type Embeddings struct {
	Dense  []float32 `json:"dense,omitempty"`
	Sparse *Sparse   `json:"bm25,omitempty"`
}

func (e Embeddings) HasDense() bool {
	return len(e.Dense) > 0
}

func (e Embeddings) HasSparse() bool {
	return e.Sparse != nil && len(e.Sparse.Indices) > 0
}

// Empty reports whether no usable vector is present.
func (e Embeddings) Empty() bool {
	return !e.HasDense() && !e.HasSparse()
}

// Options selects which vectors to compute.
type Options struct {
	Dense bool
	BM25  bool
}

// DefaultOptions requests both vectors.
func DefaultOptions() Options {
	return Options{Dense: true, BM25: true}
}

// Client computes embeddings. Implementations do not retry; a failed call returns a
// *ServiceError or a transport error.
type Client interface {
	Embed(ctx context.Context, text string, opts Options) (Embeddings, error)
}

// ServiceError is returned when the embedding backend answers with a non-success status
// or a response that cannot be used.
type ServiceError struct {
	Provider string
	Status   int
	Body     string
	Err      error
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("%s embedding service error: status %d", e.Provider, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func record(provider string, start time.Time, err error) {
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	metrics.EmbeddingRequests.WithLabelValues(provider, status).Inc()
	metrics.EmbeddingRequestDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}
