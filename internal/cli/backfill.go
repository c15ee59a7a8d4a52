package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"chatsearch/internal/app"
	"chatsearch/internal/indexer"
	"chatsearch/internal/ingest"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Crawl channel history once and exit",
	Long: `Connects to the chat platform, backfills every text channel and public thread
from its stored cursor up to the newest message, and exits. Already indexed
messages are skipped, so repeated runs only process what is new.`,
	Args: cobra.NoArgs,
	RunE: runBackfill,
}

func init() {
	rootCmd.AddCommand(backfillCmd)
}

func runBackfill(cmd *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	a, err := app.New(cmd.Context(), cfg, connectTimeout)
	if err != nil {
		return err
	}
	defer a.Close()

	in, err := a.Ingestion(nil)
	if err != nil {
		return err
	}

	report, err := in.Pipeline.Backfill(cmd.Context())
	if report != nil {
		printReport(cmd.OutOrStdout(), report)
	}
	if err != nil {
		return fmt.Errorf("backfill failed: %w", err)
	}
	return nil
}

func printReport(w io.Writer, r *ingest.Report) {
	fmt.Fprintf(w, "Guilds:   %d\n", r.Guilds)
	fmt.Fprintf(w, "Channels: %d (%d failed)\n", r.Channels, r.FailedChannels)
	fmt.Fprintf(w, "Pages:    %d\n", r.Pages)
	for _, outcome := range []indexer.Outcome{indexer.Indexed, indexer.AlreadyIndexed, indexer.SkippedEmpty, indexer.Failed} {
		fmt.Fprintf(w, "  %-16s %d\n", outcome.String(), r.Outcomes[outcome])
	}
}
