// Package cli implements the chatsearch command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"chatsearch/internal/config"
	"chatsearch/internal/logging"
)

// Set by -ldflags at build time.
var version = "dev"

// How long startup keeps retrying unreachable dependencies.
var connectTimeout = 5 * time.Minute

var rootCmd = &cobra.Command{
	Use:   "chatsearch",
	Short: "Hybrid search over chat history",
	Long: `chatsearch ingests chat messages from Discord or Slack into a hybrid
dense + BM25 vector index and answers natural-language queries against it.

Configuration comes from the environment (and .env), optionally overlaid by the
YAML file named in CONFIG_FILE.`,
	SilenceUsage: true,
}

// Execute runs the command line. ctx is cancelled on shutdown signals.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// setup loads and validates configuration and installs the logger. Logs always go to
// stderr; stdout is reserved for command output and the MCP protocol.
func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logging.SetupLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	return cfg, nil
}
