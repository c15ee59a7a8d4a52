package vectorstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsearch/internal/chat"
	"chatsearch/internal/embedding"
)

func message(channel, id chat.ID, text string) chat.Message {
	return chat.Message{
		Ref:    chat.MessageRef{GuildID: 1, ChannelID: channel, MessageID: id},
		Text:   text,
		Author: "alice",
	}
}

func vec(dense []float32, indices []uint32, values []float32) embedding.Embeddings {
	e := embedding.Embeddings{Dense: dense}
	if len(indices) > 0 {
		e.Sparse = &embedding.Sparse{Indices: indices, Values: values}
	}
	return e
}

func TestDocumentID_DeterministicAndDistinct(t *testing.T) {
	assert.Equal(t, DocumentID(7, 1), DocumentID(7, 1))
	assert.NotEqual(t, DocumentID(7, 1), DocumentID(7, 2))
	assert.NotEqual(t, DocumentID(7, 1), DocumentID(1, 7))
	assert.Len(t, DocumentID(7, 1), 36)
}

func TestMemoryStore_UpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	msg := message(7, 1, "hello")
	require.NoError(t, store.Upsert(ctx, NewDocument(msg, vec([]float32{1, 0}, nil, nil))))
	msg.Text = "hello again"
	require.NoError(t, store.Upsert(ctx, NewDocument(msg, vec([]float32{1, 0}, nil, nil))))

	assert.Equal(t, 1, store.Len())
	hits, err := store.Query(ctx, vec([]float32{1, 0}, nil, nil), QueryOptions{UseDense: true})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "hello again", hits[0].Payload.Text)
	assert.Equal(t, chat.ID(7), hits[0].Payload.Ref.ChannelID)
}

func TestMemoryStore_UpsertRejectsEmptyVectors(t *testing.T) {
	err := NewMemoryStore().Upsert(context.Background(), NewDocument(message(7, 1, "x"), embedding.Embeddings{}))
	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, DocumentID(7, 1), writeErr.DocumentID)
}

func TestMemoryStore_HybridQuery(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	// Dense favours 1 then 2; bm25 only matches 2.
	require.NoError(t, store.Upsert(ctx, NewDocument(message(7, 1, "deploy failed"), vec([]float32{1, 0}, []uint32{1}, []float32{0.2}))))
	require.NoError(t, store.Upsert(ctx, NewDocument(message(7, 2, "rollback done"), vec([]float32{0.8, 0.6}, []uint32{2}, []float32{1}))))
	require.NoError(t, store.Upsert(ctx, NewDocument(message(7, 3, "lunch?"), vec([]float32{0, 1}, []uint32{9}, []float32{1}))))

	query := vec([]float32{1, 0}, []uint32{2}, []float32{1})

	hits, err := store.Query(ctx, query, QueryOptions{UseDense: true, UseSparse: true})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	// 2: dense rank 2 + sparse rank 1 = 1.5; 1: dense rank 1 = 1; 3: dense rank 3.
	assert.Equal(t, chat.ID(2), hits[0].Payload.Ref.MessageID)
	assert.Equal(t, chat.ID(1), hits[1].Payload.Ref.MessageID)
	assert.Equal(t, chat.ID(3), hits[2].Payload.Ref.MessageID)

	hits, err = store.Query(ctx, query, QueryOptions{UseSparse: true})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, chat.ID(2), hits[0].Payload.Ref.MessageID)
}

func TestMemoryStore_TextFilter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Upsert(ctx, NewDocument(message(7, 1, "Deploy failed on prod"), vec([]float32{1, 0}, nil, nil))))
	require.NoError(t, store.Upsert(ctx, NewDocument(message(7, 2, "deploy ok"), vec([]float32{1, 0}, nil, nil))))

	hits, err := store.Query(ctx, vec([]float32{1, 0}, nil, nil), QueryOptions{UseDense: true, TextFilter: "deploy PROD"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, chat.ID(1), hits[0].Payload.Ref.MessageID)
}

func TestMemoryStore_OffsetAndLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 1; i <= 30; i++ {
		require.NoError(t, store.Upsert(ctx, NewDocument(message(7, chat.ID(i), "m"), vec([]float32{1, float32(i) / 10}, nil, nil))))
	}

	first, err := store.Query(ctx, vec([]float32{1, 0}, nil, nil), QueryOptions{UseDense: true, Limit: 10})
	require.NoError(t, err)
	second, err := store.Query(ctx, vec([]float32{1, 0}, nil, nil), QueryOptions{UseDense: true, Offset: 10, Limit: 10})
	require.NoError(t, err)
	third, err := store.Query(ctx, vec([]float32{1, 0}, nil, nil), QueryOptions{UseDense: true, Offset: 25, Limit: 10})
	require.NoError(t, err)

	assert.Len(t, first, 10)
	assert.Len(t, second, 10)
	assert.Len(t, third, 5)
	assert.Equal(t, chat.ID(1), first[0].Payload.Ref.MessageID)
	assert.Equal(t, chat.ID(11), second[0].Payload.Ref.MessageID)
	assert.Equal(t, chat.ID(26), third[0].Payload.Ref.MessageID)
}

func TestMemoryStore_NoUsableBranch(t *testing.T) {
	_, err := NewMemoryStore().Query(context.Background(), vec([]float32{1}, nil, nil), QueryOptions{UseSparse: true})
	var queryErr *QueryError
	require.True(t, errors.As(err, &queryErr))
	assert.ErrorIs(t, err, ErrNoQueryVectors)
}
