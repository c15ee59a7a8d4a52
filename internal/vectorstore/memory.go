package vectorstore

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"chatsearch/internal/embedding"
)

const memoryBackend = "memory"

// MemoryStore is an exact brute-force store held in process memory. Dense similarity is
// cosine, sparse similarity is the dot product, and the text filter requires every
// filter token to appear in the message text.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

func (s *MemoryStore) EnsureCollection(context.Context) error {
	return nil
}

func (s *MemoryStore) Upsert(ctx context.Context, doc Document) error {
	start := time.Now()
	err := s.upsert(ctx, doc)
	observe(memoryBackend, "upsert", start, err)
	return err
}

func (s *MemoryStore) upsert(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return &WriteError{Backend: memoryBackend, DocumentID: doc.ID, Err: err}
	}
	if doc.Vectors.Empty() {
		return &WriteError{Backend: memoryBackend, DocumentID: doc.ID, Err: embedding.ErrNothingRequested}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
	return nil
}

// Len returns the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func (s *MemoryStore) Query(ctx context.Context, vectors embedding.Embeddings, opts QueryOptions) ([]Hit, error) {
	start := time.Now()
	hits, err := s.query(ctx, vectors, opts)
	observe(memoryBackend, "query", start, err)
	return hits, err
}

func (s *MemoryStore) query(ctx context.Context, vectors embedding.Embeddings, opts QueryOptions) ([]Hit, error) {
	useDense, useSparse, err := branches(vectors, opts)
	if err != nil {
		return nil, &QueryError{Backend: memoryBackend, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &QueryError{Backend: memoryBackend, Err: err}
	}

	filter := tokenize(opts.TextFilter)
	window := opts.Window()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var rankings [][]Hit
	if useDense {
		rankings = append(rankings, s.rank(window, filter, func(d Document) (float64, bool) {
			if !d.Vectors.HasDense() {
				return 0, false
			}
			return cosine(vectors.Dense, d.Vectors.Dense), true
		}))
	}
	if useSparse {
		rankings = append(rankings, s.rank(window, filter, func(d Document) (float64, bool) {
			if !d.Vectors.HasSparse() {
				return 0, false
			}
			score := dot(vectors.Sparse, d.Vectors.Sparse)
			return score, score > 0
		}))
	}

	return Fuse(rankings, opts.offset(), opts.limit()), nil
}

func (s *MemoryStore) rank(window int, filter []string, score func(Document) (float64, bool)) []Hit {
	var hits []Hit
	for id, doc := range s.docs {
		if !matchesAll(doc.Payload.Text, filter) {
			continue
		}
		sc, ok := score(doc)
		if !ok {
			continue
		}
		hits = append(hits, Hit{DocumentID: id, Score: sc, Payload: doc.Payload})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocumentID < hits[j].DocumentID
	})
	if len(hits) > window {
		hits = hits[:window]
	}
	return hits
}

func (s *MemoryStore) Close() error {
	return nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r > 127)
	})
}

func matchesAll(text string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	tokens := make(map[string]struct{})
	for _, t := range tokenize(text) {
		tokens[t] = struct{}{}
	}
	for _, f := range filter {
		if _, ok := tokens[f]; !ok {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

func dot(a, b *embedding.Sparse) float64 {
	weights := make(map[uint32]float32, len(b.Indices))
	for i, idx := range b.Indices {
		weights[idx] = b.Values[i]
	}
	var sum float64
	for i, idx := range a.Indices {
		sum += float64(a.Values[i]) * float64(weights[idx])
	}
	return sum
}
