package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"chatsearch/internal/app"
	"chatsearch/internal/chat"
	"chatsearch/internal/ledger"
)

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect or reset backfill cursors",
}

var cursorGetCmd = &cobra.Command{
	Use:   "get <channel-id>",
	Short: "Print the last backfilled message id of a channel",
	Args:  cobra.ExactArgs(1),
	RunE:  runCursorGet,
}

var cursorResetCmd = &cobra.Command{
	Use:   "reset <channel-id>",
	Short: "Forget a channel's cursor so the next backfill rescans it",
	Long: `Deletes the channel's cursor. The next backfill walks the whole channel again;
messages already indexed are skipped without re-embedding.`,
	Args: cobra.ExactArgs(1),
	RunE: runCursorReset,
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Ledger maintenance commands",
}

var ledgerStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print indexed message counts and cursors per channel",
	Args:  cobra.NoArgs,
	RunE:  runLedgerStats,
}

func init() {
	cursorCmd.AddCommand(cursorGetCmd, cursorResetCmd)
	ledgerCmd.AddCommand(ledgerStatsCmd)
	rootCmd.AddCommand(cursorCmd, ledgerCmd)
}

func openLedger(cmd *cobra.Command) (*ledger.Ledger, func() error, error) {
	cfg, err := setup()
	if err != nil {
		return nil, nil, err
	}
	store, err := app.OpenLedger(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	return ledger.New(store), store.Close, nil
}

func runCursorGet(cmd *cobra.Command, args []string) error {
	channelID, err := chat.ParseID(args[0])
	if err != nil {
		return err
	}
	l, closeFn, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	messageID, ok, err := l.Cursor(cmd.Context(), channelID)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(cmd.OutOrStdout(), "channel %s has no cursor\n", channelID)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), messageID.String())
	return nil
}

func runCursorReset(cmd *cobra.Command, args []string) error {
	channelID, err := chat.ParseID(args[0])
	if err != nil {
		return err
	}
	l, closeFn, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := l.ResetCursor(cmd.Context(), channelID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cursor for channel %s reset\n", channelID)
	return nil
}

func runLedgerStats(cmd *cobra.Command, _ []string) error {
	l, closeFn, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	stats, err := l.Stats(cmd.Context())
	if err != nil {
		return err
	}

	channels := make(map[chat.ID]struct{})
	for id := range stats.IndexedByChannel {
		channels[id] = struct{}{}
	}
	for id := range stats.Cursors {
		channels[id] = struct{}{}
	}
	ids := make([]chat.ID, 0, len(channels))
	for id := range channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "indexed messages: %d\n", stats.Indexed)
	fmt.Fprintf(w, "awaiting retry:   %d\n", stats.Failed)
	for _, id := range ids {
		cursor := "-"
		if c, ok := stats.Cursors[id]; ok {
			cursor = c.String()
		}
		fmt.Fprintf(w, "  channel %-20s indexed %-8d cursor %s\n", id, stats.IndexedByChannel[id], cursor)
	}
	return nil
}
