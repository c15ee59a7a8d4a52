// Package vectorstore upserts indexed messages into a vector database and runs fused
// hybrid (dense + bm25) queries against it.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chatsearch/internal/chat"
	"chatsearch/internal/embedding"
	"chatsearch/internal/metrics"
)

const (
	DenseVectorName  = "dense"
	SparseVectorName = "bm25"
	TextField        = "message.text"

	// MinWindow is the smallest per-branch candidate window.
	MinWindow    = 20
	DefaultLimit = 10
)

// documentNamespace seeds the UUIDv5 document ids. Changing it orphans every
// document already stored.
var documentNamespace = uuid.MustParse("a3b5f1c2-7d4e-5f60-8a9b-0c1d2e3f4a5b")

var ErrNoQueryVectors = errors.New("no usable query vector for the requested branches")

// DocumentID derives the stable document id for a message, so upserting the same
// message twice overwrites rather than duplicates.
func DocumentID(channelID, messageID chat.ID) string {
	return uuid.NewSHA1(documentNamespace, []byte(chat.Key(channelID, messageID))).String()
}

// Payload is the metadata stored with every document.
type Payload struct {
	Ref    chat.MessageRef
	Text   string
	Author string
}

// Document is one indexed message.
type Document struct {
	ID      string
	Vectors embedding.Embeddings
	Payload Payload
}

// NewDocument builds the document for msg.
func NewDocument(msg chat.Message, vectors embedding.Embeddings) Document {
	return Document{
		ID:      DocumentID(msg.Ref.ChannelID, msg.Ref.MessageID),
		Vectors: vectors,
		Payload: Payload{Ref: msg.Ref, Text: msg.Text, Author: msg.Author},
	}
}

type QueryOptions struct {
	UseDense   bool
	UseSparse  bool
	TextFilter string
	Offset     int
	Limit      int
}

func (o QueryOptions) limit() int {
	if o.Limit <= 0 {
		return DefaultLimit
	}
	return o.Limit
}

func (o QueryOptions) offset() int {
	if o.Offset < 0 {
		return 0
	}
	return o.Offset
}

// Window is the per-branch candidate cap, large enough that the requested page can be
// served from the fused list.
func (o QueryOptions) Window() int {
	return max(MinWindow, o.offset()+o.limit())
}

// Hit is one ranked query result.
type Hit struct {
	DocumentID string
	Score      float64
	Payload    Payload
}

// Store is a vector database backend.
type Store interface {
	// EnsureCollection creates the collection and its indexes when absent.
	EnsureCollection(ctx context.Context) error
	// Upsert writes one document. Either it fully commits or a *WriteError is returned.
	Upsert(ctx context.Context, doc Document) error
	// Query runs the requested branches, fuses them and returns one page of hits in
	// fused order, or a *QueryError.
	Query(ctx context.Context, vectors embedding.Embeddings, opts QueryOptions) ([]Hit, error)
	Close() error
}

type WriteError struct {
	Backend    string
	DocumentID string
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: writing document %s: %v", e.Backend, e.DocumentID, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

type QueryError struct {
	Backend string
	Err     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: query failed: %v", e.Backend, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// branches reports which query branches can run for the given vectors.
func branches(vectors embedding.Embeddings, opts QueryOptions) (dense, sparse bool, err error) {
	dense = opts.UseDense && vectors.HasDense()
	sparse = opts.UseSparse && vectors.HasSparse()
	if !dense && !sparse {
		return false, false, ErrNoQueryVectors
	}
	return dense, sparse, nil
}

func observe(backend, operation string, start time.Time, err error) {
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	metrics.VectorStoreOperations.WithLabelValues(backend, operation, status).Inc()
	metrics.VectorStoreOperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}
