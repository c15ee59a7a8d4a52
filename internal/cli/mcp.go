package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"chatsearch/internal/app"
	"chatsearch/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the search tool over MCP stdio",
	Long: `Starts a Model Context Protocol server on stdin/stdout exposing a single
"search" tool. Logs are written to stderr.

Example client configuration:
  {
    "mcpServers": {
      "chatsearch": {
        "command": "/path/to/chatsearch",
        "args": ["mcp"]
      }
    }
  }`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	a, err := app.New(cmd.Context(), cfg, connectTimeout)
	if err != nil {
		return err
	}
	defer a.Close()

	slog.Info("MCP server starting on stdio")
	return mcpserver.New(a.Search, newLinker(a), version).Run(cmd.Context())
}
