package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/linearbridge/internal/config"
)

var (
	configFile string
	debugFlag  bool
	logJSON    bool

	// logLevel is shared by every handler so config reloads take effect
	// without rebuilding loggers.
	logLevel = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:   "lbridge",
	Short: "lbridge - bidirectional Slack ↔ Linear sync",
	Long: `lbridge keeps Slack threads and Linear issues in sync.

Thread replies become Linear comments, Linear state, assignee and comment
changes are posted back into the issue's thread, and slash commands create
and list issues from Slack.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.Initialize(configFile); err != nil {
			return err
		}
		cfg := config.Load()
		slog.SetDefault(newLogger(cmd.ErrOrStderr(), logJSON || cfg.Log.JSON))
		applyLogLevel(cfg.Log.Level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./lbridge.yaml, then ~/.config/lbridge/lbridge.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log in JSON instead of text")
}

func newLogger(w io.Writer, asJSON bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// applyLogLevel sets the shared level. --debug always wins.
func applyLogLevel(level string) {
	if debugFlag {
		logLevel.Set(slog.LevelDebug)
		return
	}
	logLevel.Set(parseLevel(level))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
