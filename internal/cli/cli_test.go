package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsearch/internal/chat"
	"chatsearch/internal/indexer"
	"chatsearch/internal/ingest"
	"chatsearch/internal/ledger"
	"chatsearch/internal/search"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	return buf.String(), err
}

// isolate points the ledger at a fresh directory and keeps any .env out of the way.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DATA_DIR", dir)
	t.Setenv("LEDGER_BACKEND", "sqlite")
	t.Setenv("LOG_LEVEL", "ERROR")
	return dir
}

func TestVersionCmd_Executes(t *testing.T) {
	originalVersion := version
	version = "test-version-1.0.0"
	defer func() { version = originalVersion }()

	out, err := run(t, "version")
	assert.NoError(t, err)
	assert.Contains(t, out, "chatsearch version test-version-1.0.0")
}

func TestSearchCmd_RequiresQuery(t *testing.T) {
	_, err := run(t, "search")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg(s)")
}

func TestSearchCmd_HasLimitFlag(t *testing.T) {
	flag := searchCmd.Flags().Lookup("limit")
	require.NotNil(t, flag, "limit flag should exist")
	assert.Equal(t, "n", flag.Shorthand)
	assert.Equal(t, "10", flag.DefValue)
}

func TestCursorCommands(t *testing.T) {
	dir := isolate(t)
	ctx := context.Background()

	store, err := ledger.OpenSQLite(ctx, dir)
	require.NoError(t, err)
	require.NoError(t, ledger.New(store).AdvanceCursor(ctx, 42, 1001))
	require.NoError(t, ledger.New(store).MarkIndexed(ctx, chat.MessageRef{GuildID: 1, ChannelID: 42, MessageID: 1001}))
	require.NoError(t, store.Close())

	out, err := run(t, "cursor", "get", "42")
	require.NoError(t, err)
	assert.Equal(t, "1001\n", out)

	out, err = run(t, "ledger", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "indexed messages: 1")
	assert.Contains(t, out, "cursor 1001")

	out, err = run(t, "cursor", "reset", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "reset")

	out, err = run(t, "cursor", "get", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "has no cursor")
}

func TestCursorGet_MalformedChannel(t *testing.T) {
	isolate(t)

	_, err := run(t, "cursor", "get", "general")
	assert.ErrorIs(t, err, chat.ErrMalformedID)
}

func TestPrintReport(t *testing.T) {
	buf := new(bytes.Buffer)
	printReport(buf, &ingest.Report{
		Guilds:         1,
		Channels:       3,
		FailedChannels: 1,
		Pages:          7,
		Outcomes:       map[indexer.Outcome]int{indexer.Indexed: 12, indexer.SkippedEmpty: 2},
	})

	out := buf.String()
	assert.Contains(t, out, "Channels: 3 (1 failed)")
	assert.Contains(t, out, "Pages:    7")
	assert.Contains(t, out, "indexed")
	assert.Contains(t, out, "12")
}

type keyLinker struct{}

func (keyLinker) Link(ref chat.MessageRef) string { return "link/" + ref.Key() }

func TestOutputSearchTable(t *testing.T) {
	buf := new(bytes.Buffer)
	outputSearchTable(buf, nil, nil)
	assert.Contains(t, buf.String(), "No results found.")

	buf.Reset()
	outputSearchTable(buf, []search.Result{
		{Score: 0.75, ChannelID: 5, MessageID: 6, Author: "ann", Text: "the build is green"},
	}, keyLinker{})
	out := buf.String()
	assert.Contains(t, out, "[1]")
	assert.Contains(t, out, "ann")
	assert.Contains(t, out, "the build is green")
	assert.Contains(t, out, "link/5:6")
}

func TestOutputSearchJSON(t *testing.T) {
	buf := new(bytes.Buffer)
	err := outputSearchJSON(buf, []search.Result{
		{Score: 0.5, GuildID: 1, ChannelID: 2, MessageID: 3, Text: "hi"},
	}, keyLinker{})
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "3", decoded[0]["messageId"])
	assert.Equal(t, "link/2:3", decoded[0]["link"])
}
