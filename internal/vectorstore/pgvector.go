package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"chatsearch/internal/chat"
	"chatsearch/internal/embedding"
)

const pgvectorBackend = "pgvector"

// sparseDimensions is the sparsevec dimension used for bm25 vectors; pgvector caps
// sparse vectors at one billion dimensions.
const sparseDimensions = 1_000_000_000

type PGVectorStore struct {
	db        *sql.DB
	denseSize int
}

// NewPGVectorStore opens databaseURL. The URL is used as given; callers apply any
// environment-specific adjustments first.
func NewPGVectorStore(databaseURL string, denseSize int) (*PGVectorStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &PGVectorStore{db: db, denseSize: denseSize}, nil
}

func (s *PGVectorStore) EnsureCollection(ctx context.Context) error {
	slog.Info("Initializing pgvector schema", "dense_size", s.denseSize)

	statements := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS messages (
				id UUID PRIMARY KEY,
				guild_id TEXT NOT NULL,
				channel_id TEXT NOT NULL,
				message_id TEXT NOT NULL,
				author TEXT NOT NULL,
				text TEXT NOT NULL,
				dense vector(%d),
				bm25 sparsevec,
				updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
			)`, s.denseSize),
		"CREATE INDEX IF NOT EXISTS idx_messages_dense ON messages USING hnsw (dense vector_cosine_ops)",
		"CREATE INDEX IF NOT EXISTS idx_messages_text ON messages USING gin (to_tsvector('simple', text))",
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

func (s *PGVectorStore) Upsert(ctx context.Context, doc Document) error {
	start := time.Now()
	err := s.upsert(ctx, doc)
	observe(pgvectorBackend, "upsert", start, err)
	return err
}

func (s *PGVectorStore) upsert(ctx context.Context, doc Document) error {
	if doc.Vectors.Empty() {
		return &WriteError{Backend: pgvectorBackend, DocumentID: doc.ID, Err: embedding.ErrNothingRequested}
	}

	var dense, sparse any
	if doc.Vectors.HasDense() {
		dense = pgvector.NewVector(doc.Vectors.Dense)
	}
	if doc.Vectors.HasSparse() {
		v, err := sparseVector(doc.Vectors.Sparse)
		if err != nil {
			return &WriteError{Backend: pgvectorBackend, DocumentID: doc.ID, Err: err}
		}
		sparse = v
	}

	query := `
		INSERT INTO messages (id, guild_id, channel_id, message_id, author, text, dense, bm25)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			guild_id = EXCLUDED.guild_id,
			author = EXCLUDED.author,
			text = EXCLUDED.text,
			dense = EXCLUDED.dense,
			bm25 = EXCLUDED.bm25,
			updated_at = NOW()
	`
	ref := doc.Payload.Ref
	_, err := s.db.ExecContext(ctx, query,
		doc.ID,
		ref.GuildID.String(),
		ref.ChannelID.String(),
		ref.MessageID.String(),
		doc.Payload.Author,
		doc.Payload.Text,
		dense,
		sparse,
	)
	if err != nil {
		return &WriteError{Backend: pgvectorBackend, DocumentID: doc.ID, Err: err}
	}
	return nil
}

func (s *PGVectorStore) Query(ctx context.Context, vectors embedding.Embeddings, opts QueryOptions) ([]Hit, error) {
	start := time.Now()
	hits, err := s.query(ctx, vectors, opts)
	observe(pgvectorBackend, "query", start, err)
	if err != nil {
		return nil, &QueryError{Backend: pgvectorBackend, Err: err}
	}
	return hits, nil
}

func (s *PGVectorStore) query(ctx context.Context, vectors embedding.Embeddings, opts QueryOptions) ([]Hit, error) {
	useDense, useSparse, err := branches(vectors, opts)
	if err != nil {
		return nil, err
	}

	var rankings [][]Hit
	if useSparse {
		v, err := sparseVector(vectors.Sparse)
		if err != nil {
			return nil, err
		}
		// <#> is the negative inner product.
		hits, err := s.rank(ctx, "bm25", "-(bm25 <#> $1)", "bm25 <#> $1", v, opts)
		if err != nil {
			return nil, fmt.Errorf("bm25 branch: %w", err)
		}
		rankings = append(rankings, hits)
	}
	if useDense {
		hits, err := s.rank(ctx, "dense", "1 - (dense <=> $1)", "dense <=> $1", pgvector.NewVector(vectors.Dense), opts)
		if err != nil {
			return nil, fmt.Errorf("dense branch: %w", err)
		}
		rankings = append(rankings, hits)
	}
	return Fuse(rankings, opts.offset(), opts.limit()), nil
}

func (s *PGVectorStore) rank(ctx context.Context, column, scoreExpr, orderExpr string, vector any, opts QueryOptions) ([]Hit, error) {
	query, args := rankQuery(column, scoreExpr, orderExpr, vector, opts)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var hit Hit
		var guildID, channelID, messageID string
		if err := rows.Scan(&hit.DocumentID, &guildID, &channelID, &messageID,
			&hit.Payload.Author, &hit.Payload.Text, &hit.Score); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if hit.Payload.Ref, err = parseRef(guildID, channelID, messageID); err != nil {
			return nil, fmt.Errorf("document %s: %w", hit.DocumentID, err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// rankQuery builds one branch's ranking: rows with the branch vector, optionally
// matching the text filter, best first and capped to the window.
func rankQuery(column, scoreExpr, orderExpr string, vector any, opts QueryOptions) (string, []any) {
	args := []any{vector, opts.Window()}
	where := column + " IS NOT NULL"
	if opts.TextFilter != "" {
		args = append(args, opts.TextFilter)
		where += " AND to_tsvector('simple', text) @@ plainto_tsquery('simple', $3)"
	}
	query := fmt.Sprintf(`
		SELECT id, guild_id, channel_id, message_id, author, text, %s AS score
		FROM messages
		WHERE %s
		ORDER BY %s, id
		LIMIT $2
	`, scoreExpr, where, orderExpr)
	return query, args
}

func (s *PGVectorStore) Close() error {
	return s.db.Close()
}

func sparseVector(v *embedding.Sparse) (pgvector.SparseVector, error) {
	elements := make(map[int32]float32, len(v.Indices))
	for i, idx := range v.Indices {
		if idx >= sparseDimensions {
			return pgvector.SparseVector{}, fmt.Errorf("bm25 index %d out of range", idx)
		}
		elements[int32(idx)] = v.Values[i]
	}
	return pgvector.NewSparseVectorFromMap(elements, sparseDimensions), nil
}

// parseRef parses stored ids. An empty guild id is allowed: guild is provenance only and
// the search service fills it from the ledger.
func parseRef(guildID, channelID, messageID string) (chat.MessageRef, error) {
	var ref chat.MessageRef
	var err error
	if ref.ChannelID, err = chat.ParseID(channelID); err != nil {
		return ref, err
	}
	if ref.MessageID, err = chat.ParseID(messageID); err != nil {
		return ref, err
	}
	if guildID != "" {
		if ref.GuildID, err = chat.ParseID(guildID); err != nil {
			return ref, err
		}
	}
	return ref, nil
}
