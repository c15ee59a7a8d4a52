package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsearch/internal/chat"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	store, err := OpenSQLite(context.Background(), dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLedger_MarkIndexedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := New(openTestStore(t, t.TempDir()))
	ref := chat.MessageRef{GuildID: 10, ChannelID: 7, MessageID: 1}

	ok, err := l.HasIndexed(ctx, 7, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.MarkIndexed(ctx, ref))
	require.NoError(t, l.MarkIndexed(ctx, ref))

	ok, err = l.HasIndexed(ctx, 7, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	guildID, ok, err := l.IndexedGuild(ctx, 7, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, chat.ID(10), guildID)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)
}

func TestLedger_CursorLifecycle(t *testing.T) {
	ctx := context.Background()
	l := New(openTestStore(t, t.TempDir()))

	_, ok, err := l.Cursor(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok, "never backfilled channel has no cursor")

	require.NoError(t, l.AdvanceCursor(ctx, 7, 5))
	require.NoError(t, l.AdvanceCursor(ctx, 7, 9))

	cursor, ok, err := l.Cursor(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, chat.ID(9), cursor)

	require.NoError(t, l.ResetCursor(ctx, 7))
	_, ok, err = l.Cursor(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedger_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := OpenSQLite(ctx, dir)
	require.NoError(t, err)
	l := New(store)
	require.NoError(t, l.MarkIndexed(ctx, chat.MessageRef{GuildID: 1, ChannelID: 2, MessageID: 3}))
	require.NoError(t, l.AdvanceCursor(ctx, 2, 3))
	require.NoError(t, store.Close())

	reopened := New(openTestStore(t, dir))
	ok, err := reopened.HasIndexed(ctx, 2, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	cursor, ok, err := reopened.Cursor(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, chat.ID(3), cursor)
}

func TestLedger_SublevelsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, t.TempDir())
	l := New(store)

	// A cursor for channel 7 must not look like an indexed message and vice versa.
	require.NoError(t, l.AdvanceCursor(ctx, 7, 1))
	ok, err := l.HasIndexed(ctx, 7, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Sublevel("other").Put(ctx, "7", "99"))
	cursor, _, err := l.Cursor(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, chat.ID(1), cursor)
}

func TestLedger_Stats(t *testing.T) {
	ctx := context.Background()
	l := New(openTestStore(t, t.TempDir()))

	for _, ref := range []chat.MessageRef{
		{GuildID: 1, ChannelID: 7, MessageID: 1},
		{GuildID: 1, ChannelID: 7, MessageID: 3},
		{GuildID: 1, ChannelID: 8, MessageID: 2},
	} {
		require.NoError(t, l.MarkIndexed(ctx, ref))
	}
	require.NoError(t, l.AdvanceCursor(ctx, 7, 3))

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Indexed)
	assert.Equal(t, map[chat.ID]int{7: 2, 8: 1}, stats.IndexedByChannel)
	assert.Equal(t, map[chat.ID]chat.ID{7: 3}, stats.Cursors)
}

func TestLedger_CorruptKeyFailsFast(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, t.TempDir())
	l := New(store)

	require.NoError(t, store.Sublevel(indexedSublevel).Put(ctx, "not-a-key", "1"))

	_, err := l.Stats(ctx)
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.ErrorIs(t, err, chat.ErrMalformedKey)
}

func TestLedger_ClosedStoreReturnsIOError(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, t.TempDir())
	require.NoError(t, err)
	l := New(store)
	require.NoError(t, store.Close())

	_, err = l.HasIndexed(ctx, 1, 2)
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "1:2", ioErr.Key)
}

func TestAdjustDatabaseURL(t *testing.T) {
	t.Setenv("RAILWAY_ENVIRONMENT", "")
	assert.Equal(t, "postgres://localhost/chatsearch", AdjustDatabaseURL("postgres://localhost/chatsearch"))
	assert.Equal(t,
		"postgres://u:p@db.railway.app/x?sslmode=disable",
		AdjustDatabaseURL("postgres://u:p@db.railway.app/x?sslmode=require"))
}

func TestLedger_Failures(t *testing.T) {
	ctx := context.Background()
	l := New(openTestStore(t, t.TempDir()))
	a := chat.MessageRef{GuildID: 1, ChannelID: 7, MessageID: 3}
	b := chat.MessageRef{GuildID: 1, ChannelID: 7, MessageID: 4}

	attempts, err := l.RecordFailure(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	attempts, err = l.RecordFailure(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	_, err = l.RecordFailure(ctx, b)
	require.NoError(t, err)

	failures, err := l.Failures(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []Failure{{Ref: a, Attempts: 2}, {Ref: b, Attempts: 1}}, failures)

	failures, err = l.Failures(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, failures, 1)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Failed)
	assert.Zero(t, stats.Indexed)

	require.NoError(t, l.ClearFailure(ctx, 7, 3))
	failures, err = l.Failures(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []Failure{{Ref: b, Attempts: 1}}, failures)
}
