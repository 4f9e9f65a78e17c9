// Command openmem is the CLI for the per-project memory engine: a daemon
// that ingests host-runtime events, plus query and maintenance verbs over
// the project's .memory directory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clopca/open-mem/internal/config"
	"github.com/clopca/open-mem/internal/engine"
)

var (
	memoryDir  string
	jsonOutput bool
)

func main() {
	root := &cobra.Command{
		Use:           "openmem",
		Short:         "Persistent memory engine for coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&memoryDir, "dir", "", "memory directory (default ./.memory)")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON output")

	root.AddCommand(
		newServeCmd(),
		newHookCmd(),
		newSearchCmd(),
		newContextCmd(),
		newStatsCmd(),
		newCleanCmd(),
		newRebuildCmd(),
		newExportCmd(),
		newImportCmd(),
		newConfigCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func resolveDir() string {
	if memoryDir != "" {
		return memoryDir
	}
	cwd, err := os.Getwd()
	if err != nil {
		return config.MemoryDirName
	}
	return filepath.Join(cwd, config.MemoryDirName)
}

// openEngine loads config and opens the engine for one command invocation.
// The returned cleanup closes both.
func openEngine(ctx context.Context) (*engine.Engine, func(), error) {
	loader, err := config.Load(resolveDir())
	if err != nil {
		return nil, nil, err
	}
	e, err := engine.Open(ctx, loader)
	if err != nil {
		loader.Close()
		return nil, nil, err
	}
	cleanup := func() {
		if cerr := e.Close(); cerr != nil {
			slog.Warn("engine close failed", "error", cerr)
		}
		loader.Close()
	}
	return e, cleanup, nil
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
