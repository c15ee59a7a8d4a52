package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"chatsearch/internal/embedding"
)

const qdrantBackend = "qdrant"

// Fusion modes for QdrantStore.
const (
	// FusionClient fetches both branches in one batch and fuses them with Fuse.
	FusionClient = "client"
	// FusionServer lets Qdrant fuse prefetch branches with its built-in RRF, whose
	// scores use a rank constant and so differ from Fuse.
	FusionServer = "server"
)

type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	DenseSize  uint64
	Fusion     string
}

type QdrantStore struct {
	client *qdrant.Client
	cfg    QdrantConfig
}

func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Collection == "" {
		cfg.Collection = "messages"
	}
	if cfg.Fusion == "" {
		cfg.Fusion = FusionClient
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}
	return &QdrantStore{client: client, cfg: cfg}, nil
}

func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", s.cfg.Collection, err)
	}
	if exists {
		return nil
	}

	slog.Info("Creating qdrant collection", "collection", s.cfg.Collection, "dense_size", s.cfg.DenseSize)
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			DenseVectorName: {
				Size:     s.cfg.DenseSize,
				Distance: qdrant.Distance_Cosine,
				OnDisk:   qdrant.PtrOf(true),
			},
		}),
		SparseVectorsConfig: qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			SparseVectorName: {},
		}),
		HnswConfig: &qdrant.HnswConfigDiff{OnDisk: qdrant.PtrOf(true)},
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.cfg.Collection, err)
	}

	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.cfg.Collection,
		FieldName:      TextField,
		FieldType:      qdrant.FieldType_FieldTypeText.Enum(),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("creating text index on %s: %w", TextField, err)
	}
	return nil
}

func (s *QdrantStore) Upsert(ctx context.Context, doc Document) error {
	start := time.Now()
	err := s.upsert(ctx, doc)
	observe(qdrantBackend, "upsert", start, err)
	return err
}

func (s *QdrantStore) upsert(ctx context.Context, doc Document) error {
	vectors := make(map[string]*qdrant.Vector)
	if doc.Vectors.HasDense() {
		vectors[DenseVectorName] = qdrant.NewVectorDense(doc.Vectors.Dense)
	}
	if doc.Vectors.HasSparse() {
		vectors[SparseVectorName] = qdrant.NewVectorSparse(doc.Vectors.Sparse.Indices, doc.Vectors.Sparse.Values)
	}
	if len(vectors) == 0 {
		return &WriteError{Backend: qdrantBackend, DocumentID: doc.ID, Err: embedding.ErrNothingRequested}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(doc.ID),
			Vectors: qdrant.NewVectorsMap(vectors),
			Payload: qdrant.NewValueMap(payloadMap(doc.Payload)),
		}},
	})
	if err != nil {
		return &WriteError{Backend: qdrantBackend, DocumentID: doc.ID, Err: err}
	}
	return nil
}

func (s *QdrantStore) Query(ctx context.Context, vectors embedding.Embeddings, opts QueryOptions) ([]Hit, error) {
	start := time.Now()
	var hits []Hit
	var err error
	if s.cfg.Fusion == FusionServer {
		hits, err = s.queryServerFusion(ctx, vectors, opts)
	} else {
		hits, err = s.queryClientFusion(ctx, vectors, opts)
	}
	observe(qdrantBackend, "query", start, err)
	if err != nil {
		return nil, &QueryError{Backend: qdrantBackend, Err: err}
	}
	return hits, nil
}

func (s *QdrantStore) queryClientFusion(ctx context.Context, vectors embedding.Embeddings, opts QueryOptions) ([]Hit, error) {
	batch, err := s.clientQueries(vectors, opts)
	if err != nil {
		return nil, err
	}

	results, err := s.client.QueryBatch(ctx, &qdrant.QueryBatchPoints{
		CollectionName: s.cfg.Collection,
		QueryPoints:    batch,
	})
	if err != nil {
		return nil, err
	}

	rankings := make([][]Hit, 0, len(results))
	for _, result := range results {
		hits, err := toHits(result.GetResult())
		if err != nil {
			return nil, err
		}
		rankings = append(rankings, hits)
	}
	return Fuse(rankings, opts.offset(), opts.limit()), nil
}

// clientQueries turns each branch into a standalone query for QueryBatch.
func (s *QdrantStore) clientQueries(vectors embedding.Embeddings, opts QueryOptions) ([]*qdrant.QueryPoints, error) {
	prefetch, err := s.branchQueries(vectors, opts)
	if err != nil {
		return nil, err
	}
	batch := make([]*qdrant.QueryPoints, 0, len(prefetch))
	for _, p := range prefetch {
		batch = append(batch, &qdrant.QueryPoints{
			CollectionName: s.cfg.Collection,
			Query:          p.Query,
			Using:          p.Using,
			Filter:         p.Filter,
			Limit:          p.Limit,
			WithPayload:    qdrant.NewWithPayload(true),
		})
	}
	return batch, nil
}

func (s *QdrantStore) queryServerFusion(ctx context.Context, vectors embedding.Embeddings, opts QueryOptions) ([]Hit, error) {
	query, err := s.serverQuery(vectors, opts)
	if err != nil {
		return nil, err
	}
	points, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return toHits(points)
}

func (s *QdrantStore) serverQuery(vectors embedding.Embeddings, opts QueryOptions) (*qdrant.QueryPoints, error) {
	prefetch, err := s.branchQueries(vectors, opts)
	if err != nil {
		return nil, err
	}
	return &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Prefetch:       prefetch,
		Query:          qdrant.NewQueryFusion(qdrant.Fusion_RRF),
		Offset:         qdrant.PtrOf(uint64(opts.offset())),
		Limit:          qdrant.PtrOf(uint64(opts.limit())),
		WithPayload:    qdrant.NewWithPayload(true),
	}, nil
}

// branchQueries builds the sparse and dense branches, each capped to the window and
// carrying the text filter.
func (s *QdrantStore) branchQueries(vectors embedding.Embeddings, opts QueryOptions) ([]*qdrant.PrefetchQuery, error) {
	useDense, useSparse, err := branches(vectors, opts)
	if err != nil {
		return nil, err
	}

	var filter *qdrant.Filter
	if opts.TextFilter != "" {
		filter = &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatchText(TextField, opts.TextFilter)},
		}
	}
	limit := qdrant.PtrOf(uint64(opts.Window()))

	var out []*qdrant.PrefetchQuery
	if useSparse {
		out = append(out, &qdrant.PrefetchQuery{
			Query:  qdrant.NewQuerySparse(vectors.Sparse.Indices, vectors.Sparse.Values),
			Using:  qdrant.PtrOf(SparseVectorName),
			Filter: filter,
			Limit:  limit,
		})
	}
	if useDense {
		out = append(out, &qdrant.PrefetchQuery{
			Query:  qdrant.NewQueryDense(vectors.Dense),
			Using:  qdrant.PtrOf(DenseVectorName),
			Filter: filter,
			Limit:  limit,
		})
	}
	return out, nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func payloadMap(p Payload) map[string]any {
	return map[string]any{
		"message": map[string]any{"id": p.Ref.MessageID.String(), "text": p.Text},
		"channel": map[string]any{"id": p.Ref.ChannelID.String()},
		"guild":   map[string]any{"id": p.Ref.GuildID.String()},
		"author":  map[string]any{"username": p.Author},
	}
}

func toHits(points []*qdrant.ScoredPoint) ([]Hit, error) {
	hits := make([]Hit, 0, len(points))
	for _, point := range points {
		payload, err := parsePayload(point.GetPayload())
		if err != nil {
			return nil, fmt.Errorf("point %s: %w", point.GetId().GetUuid(), err)
		}
		hits = append(hits, Hit{
			DocumentID: point.GetId().GetUuid(),
			Score:      float64(point.GetScore()),
			Payload:    payload,
		})
	}
	return hits, nil
}

func parsePayload(values map[string]*qdrant.Value) (Payload, error) {
	field := func(object, name string) string {
		return values[object].GetStructValue().GetFields()[name].GetStringValue()
	}

	ref, err := parseRef(field("guild", "id"), field("channel", "id"), field("message", "id"))
	if err != nil {
		return Payload{}, err
	}
	p := Payload{Ref: ref}
	p.Text = field("message", "text")
	p.Author = field("author", "username")
	return p, nil
}
