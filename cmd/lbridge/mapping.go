package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/linearbridge/internal/config"
	"github.com/steveyegge/linearbridge/internal/linear"
	"github.com/steveyegge/linearbridge/internal/mapping"
	"github.com/steveyegge/linearbridge/internal/types"
	"github.com/steveyegge/linearbridge/internal/ui"
)

const watchDebounce = 500 * time.Millisecond

var mappingCmd = &cobra.Command{
	Use:   "mapping",
	Short: "Inspect and edit issue → thread mappings",
}

var mappingGetCmd = &cobra.Command{
	Use:   "get <identifier>",
	Short: "Show the thread an issue is anchored to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := normalizeIdentifier(args[0])
		if err != nil {
			return err
		}
		return withStore(cmd.Context(), func(store mapping.Store) error {
			anchor, ok := store.Get(cmd.Context(), id)
			fmt.Fprint(cmd.OutOrStdout(), styler().Anchor(id, anchor, ok))
			return nil
		})
	},
}

var mappingSetCmd = &cobra.Command{
	Use:   "set <identifier> <channel> <thread-ts>",
	Short: "Anchor an issue to a thread",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := normalizeIdentifier(args[0])
		if err != nil {
			return err
		}
		anchor := types.ThreadAnchor{ChannelID: args[1], ThreadTS: args[2]}
		return withStore(cmd.Context(), func(store mapping.Store) error {
			if err := store.Set(cmd.Context(), id, anchor); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), styler().Anchor(id, anchor, true))
			return nil
		})
	},
}

var mappingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every stored mapping",
	RunE: func(cmd *cobra.Command, _ []string) error {
		asYAML, _ := cmd.Flags().GetBool("yaml")
		return withStore(cmd.Context(), func(store mapping.Store) error {
			table, err := store.Entries(cmd.Context())
			if err != nil {
				return err
			}
			return printTable(cmd.OutOrStdout(), table, asYAML)
		})
	},
}

var mappingWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Redraw the mapping table whenever the mapping file changes",
	Long: `Watches the file backend's mapping file and redraws the table on every
write. Only the file backend is supported.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load()
		if cfg.Mapping.Backend != "" && cfg.Mapping.Backend != mapping.BackendFile {
			return fmt.Errorf("mapping watch needs the file backend, not %q", cfg.Mapping.Backend)
		}
		if cfg.Mapping.Path == "" {
			return fmt.Errorf("mapping.path: %w", types.ErrConfigMissing)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return watchMappings(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg.Mapping.Path)
	},
}

func init() {
	mappingListCmd.Flags().Bool("yaml", false, "print the table as YAML")
	mappingCmd.AddCommand(mappingGetCmd, mappingSetCmd, mappingListCmd, mappingWatchCmd)
	rootCmd.AddCommand(mappingCmd)
}

func styler() ui.Styler {
	return ui.NewStyler(ui.ShouldUseColor())
}

// normalizeIdentifier upper-cases raw and checks it is a TEAM-N identifier.
func normalizeIdentifier(raw string) (string, error) {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	id, ok := linear.ExtractIdentifier(upper)
	if !ok || id != upper {
		return "", fmt.Errorf("%w: %q is not an issue identifier like ENG-123", types.ErrParse, raw)
	}
	team, number, err := linear.SplitIdentifier(id)
	if err != nil {
		return "", err
	}
	return linear.JoinIdentifier(team, number), nil
}

func withStore(ctx context.Context, fn func(mapping.Store) error) error {
	cfg := config.Load()
	if cfg.Mapping.Backend == mapping.BackendMemory {
		return fmt.Errorf("the memory backend is not shared with a running bridge")
	}
	store, err := mapping.Open(ctx, mapping.Options{
		Backend: cfg.Mapping.Backend,
		Path:    cfg.Mapping.Path,
		DSN:     cfg.Mapping.DSN,
	})
	if err != nil {
		return fmt.Errorf("open mapping store: %w", err)
	}
	if c, ok := store.(interface{ Close() error }); ok {
		defer func() { _ = c.Close() }()
	}
	return fn(store)
}

func printTable(w io.Writer, table mapping.Table, asYAML bool) error {
	if asYAML {
		if len(table) == 0 {
			_, err := fmt.Fprintln(w, "{}")
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(table); err != nil {
			return err
		}
		return enc.Close()
	}
	_, err := fmt.Fprint(w, styler().MappingTable(table))
	return err
}

func watchMappings(ctx context.Context, out, errOut io.Writer, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// The file is replaced by rename on save, so watch its directory.
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	store := mapping.NewFileStore(path, nil)
	redraw := func() {
		table, err := store.Entries(ctx)
		if err != nil {
			fmt.Fprintf(errOut, "Error reading mappings: %v\n", err)
			return
		}
		if ui.IsTerminal(os.Stdout) {
			fmt.Fprint(out, "\033[2J\033[H")
		}
		_ = printTable(out, table, false)
		fmt.Fprintf(errOut, "\nWatching %s for changes... (Press Ctrl+C to exit)\n", path)
	}
	redraw()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	base := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(errOut, "\nStopped watching.\n")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, redraw)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(errOut, "Watcher error: %v\n", strings.TrimSpace(err.Error()))
		}
	}
}
