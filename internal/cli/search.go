package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"chatsearch/internal/app"
	"chatsearch/internal/mcpserver"
	"chatsearch/internal/search"
	"chatsearch/internal/vectorstore"
)

// Interactive queries give up on unreachable backends quickly.
const searchConnectTimeout = 15 * time.Second

var (
	searchDense  bool
	searchBM25   bool
	searchFilter string
	searchOffset int
	searchLimit  int
	searchJSON   bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search indexed messages",
	Long: `Performs hybrid search across indexed messages.
Combines keyword (BM25) and semantic (dense vector) rankings with reciprocal
rank fusion.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().BoolVar(&searchDense, "dense", true, "use the semantic branch")
	searchCmd.Flags().BoolVar(&searchBM25, "bm25", true, "use the keyword branch")
	searchCmd.Flags().StringVar(&searchFilter, "filter", "", "only match messages containing all of these words")
	searchCmd.Flags().IntVar(&searchOffset, "offset", 0, "number of results to skip")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", vectorstore.DefaultLimit, "maximum number of results")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	if searchOffset < 0 || searchLimit <= 0 {
		return fmt.Errorf("offset must be >= 0 and limit > 0")
	}

	cfg, err := setup()
	if err != nil {
		return err
	}

	a, err := app.New(cmd.Context(), cfg, searchConnectTimeout)
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.Search.Search(cmd.Context(), strings.Join(args, " "), search.Options{
		Dense:  searchDense,
		Sparse: searchBM25,
		Filter: searchFilter,
		Offset: searchOffset,
		Limit:  searchLimit,
	})
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	linker := newLinker(a)
	if searchJSON {
		return outputSearchJSON(cmd.OutOrStdout(), results, linker)
	}
	outputSearchTable(cmd.OutOrStdout(), results, linker)
	return nil
}

// newLinker returns the configured platform for deep links, or nil when it cannot be
// built.
func newLinker(a *app.App) mcpserver.Linker {
	p, err := app.NewPlatform(a.Config)
	if err != nil {
		slog.Debug("No deep links", "error", err)
		return nil
	}
	return p
}

func link(linker mcpserver.Linker, res search.Result) string {
	if linker == nil {
		return ""
	}
	return linker.Link(res.Ref())
}

type jsonResult struct {
	search.Result
	Link string `json:"link,omitempty"`
}

func outputSearchJSON(w io.Writer, results []search.Result, linker mcpserver.Linker) error {
	out := make([]jsonResult, len(results))
	for i, res := range results {
		out[i] = jsonResult{Result: res, Link: link(linker, res)}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func outputSearchTable(w io.Writer, results []search.Result, linker mcpserver.Linker) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}

	boldGreen := color.New(color.FgGreen, color.Bold).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()

	for i, res := range results {
		author := res.Author
		if author == "" {
			author = "unknown"
		}
		fmt.Fprintf(w, "[%d] %s %s\n", i+1, boldGreen(author), faint(fmt.Sprintf("(%.4f)", res.Score)))
		fmt.Fprintf(w, "    %s\n", res.Text)
		if l := link(linker, res); l != "" {
			fmt.Fprintf(w, "    %s\n", cyan(l))
		} else {
			fmt.Fprintf(w, "    %s\n", cyan(res.Ref().String()))
		}
		fmt.Fprintln(w)
	}
}
