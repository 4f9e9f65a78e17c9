package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/clopca/open-mem/internal/config"
	"github.com/clopca/open-mem/internal/types"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the memory daemon for this project",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			e, cleanup, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := e.ServeAsDaemon(ctx); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "openmem daemon running; ctrl-c to stop")
			<-ctx.Done()
			return nil
		},
	}
}

func newHookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Ingest one normalized event from stdin (host adapter entry point)",
		Long: `Reads a single JSON event from stdin and feeds it to the engine.
If a daemon is serving this project the event's work is handed off to it;
otherwise this process runs the queue itself.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			var ev types.Event
			if err := json.NewDecoder(os.Stdin).Decode(&ev); err != nil {
				return fmt.Errorf("failed to parse event: %w", err)
			}

			e, cleanup, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			e.WatchDaemon(ctx)
			return e.HandleEvent(ctx, &ev)
		},
	}
	return cmd
}

func newSearchCmd() *cobra.Command {
	var (
		limit     int
		typeName  string
		sessionID string
		state     string
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Hybrid search over observations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			e, cleanup, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			query := ""
			if len(args) > 0 {
				query = args[0]
			}
			filter := types.ObservationFilter{SessionID: sessionID, State: types.ObservationState(state)}
			if typeName != "" {
				t := types.ObservationType(typeName)
				filter.Type = &t
			}

			results, err := e.Search(ctx, query, filter, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(results)
			}
			for _, r := range results {
				fmt.Printf("%.3f  [%s] %s  (%s)\n", r.Rank, r.Observation.Type, r.Observation.Title, r.Observation.ID)
				if r.Snippet != "" {
					fmt.Printf("       %s\n", r.Snippet)
				}
				fmt.Printf("       matched: %v\n", r.Explain.MatchedBy)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	cmd.Flags().StringVar(&typeName, "type", "", "filter by observation type")
	cmd.Flags().StringVar(&sessionID, "session", "", "filter by session id")
	cmd.Flags().StringVar(&state, "state", "", "lineage state filter (current|superseded|tombstoned|all)")
	return cmd
}

func newContextCmd() *cobra.Command {
	var focus string
	cmd := &cobra.Command{
		Use:   "context <session-id>",
		Short: "Assemble the prompt-ready context pack for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			e, cleanup, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			pack, err := e.AssembleContext(ctx, args[0], focus)
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(pack)
			}
			fmt.Print(pack.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&focus, "focus", "", "query seeding the expansion set")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store and queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			e, cleanup, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := e.Stats(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(stats)
			}
			fmt.Printf("observations: %d (current %d, superseded %d, tombstoned %d)\n",
				stats.Observations, stats.Current, stats.Superseded, stats.Tombstoned)
			fmt.Printf("sessions: %d  summaries: %d  entities: %d  embeddings: %d\n",
				stats.Sessions, stats.Summaries, stats.Entities, stats.Embeddings)
			fmt.Printf("jobs: pending %d, processing %d, completed %d, failed %d\n",
				stats.Jobs.Pending, stats.Jobs.Processing, stats.Jobs.Completed, stats.Jobs.Failed)
			if stats.Jobs.LastError != "" {
				fmt.Printf("last error: %s\n", stats.Jobs.LastError)
			}
			fmt.Printf("db size: %.1f MB\n", float64(stats.DBSizeBytes)/(1024*1024))
			return nil
		},
	}
}

func newCleanCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Purge tombstones past retention and vacuum the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			e, cleanup, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := e.Clean(ctx, dryRun)
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(result)
			}
			verb := "purged"
			if dryRun {
				verb = "would purge"
			}
			fmt.Printf("%s %d tombstoned observations; store is %.1f MB\n",
				verb, result.TombstonePurged, float64(result.DBSizeBytes)/(1024*1024))
			if result.OverSizeLimit {
				fmt.Println("warning: store exceeds the configured size limit")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without modifying the store")
	return cmd
}

func newRebuildCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Regenerate the FTS index and backfill missing embeddings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			e, cleanup, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := e.Rebuild(ctx, dryRun)
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(result)
			}
			if dryRun {
				fmt.Printf("would rebuild fts; %d observations need embeddings\n", result.EmbeddingsWanted)
			} else {
				fmt.Printf("fts rebuilt; embedded %d/%d observations\n",
					result.EmbeddingsBuilt, result.EmbeddingsWanted)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without modifying the store")
	return cmd
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Export the store as JSONL (stdout by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			e, cleanup, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			out := os.Stdout
			if len(args) == 1 {
				f, err := os.Create(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return e.Export(ctx, out)
		},
	}
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Import a JSONL export (stdin by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			e, cleanup, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			in := os.Stdin
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			start := time.Now()
			n, err := e.Import(ctx, in)
			if err != nil {
				return err
			}
			fmt.Printf("imported %d records in %s\n", n, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every key with its value, source, and lock state",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := config.Load(resolveDir())
			if err != nil {
				return err
			}
			defer loader.Close()

			keys := loader.Keys()
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(keys)
			}
			for _, k := range keys {
				locked := ""
				if k.Locked {
					locked = " (locked)"
				}
				live := ""
				if k.LiveApply {
					live = " [live]"
				}
				fmt.Printf("%-30s %-10v source=%s%s%s\n", k.Key, k.Value, k.Source, locked, live)
			}
			return nil
		},
	})
	return cmd
}
