package engine

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/clopca/open-mem/internal/storage"
	"github.com/clopca/open-mem/internal/types"
)

// CleanResult reports what clean did (or would do).
type CleanResult struct {
	DryRun          bool  `json:"dry_run"`
	TombstonePurged int   `json:"tombstones_purged"`
	DBSizeBytes     int64 `json:"db_size_bytes"`
	OverSizeLimit   bool  `json:"over_size_limit"`
}

// Clean removes tombstones older than the retention window and vacuums the
// file. Dry-run reports counts without touching rows.
func (e *Engine) Clean(ctx context.Context, dryRun bool) (*CleanResult, error) {
	cfg := e.cfg.Current()
	cutoff := time.Now().UTC().AddDate(0, 0, -cfg.RetentionDays)

	result := &CleanResult{DryRun: dryRun}

	if dryRun {
		old, err := e.store.ListObservations(ctx, types.ObservationFilter{State: types.StateTombstoned})
		if err != nil {
			return nil, err
		}
		for _, obs := range old {
			if obs.DeletedAt != nil && obs.DeletedAt.Before(cutoff) {
				result.TombstonePurged++
			}
		}
	} else {
		n, err := e.store.PurgeTombstones(ctx, cutoff)
		if err != nil {
			return nil, err
		}
		result.TombstonePurged = n
		if err := e.store.Vacuum(ctx); err != nil {
			return nil, err
		}
	}

	stats, err := e.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	result.DBSizeBytes = stats.DBSizeBytes
	if cfg.MaxDatabaseSizeMb > 0 && stats.DBSizeBytes > int64(cfg.MaxDatabaseSizeMb)*1024*1024 {
		result.OverSizeLimit = true
		slog.Warn("store exceeds configured size limit",
			"size_bytes", stats.DBSizeBytes, "limit_mb", cfg.MaxDatabaseSizeMb)
	}
	return result, nil
}

// RebuildResult reports what rebuild did (or would do).
type RebuildResult struct {
	DryRun           bool `json:"dry_run"`
	FTSRebuilt       bool `json:"fts_rebuilt"`
	EmbeddingsWanted int  `json:"embeddings_wanted"`
	EmbeddingsBuilt  int  `json:"embeddings_built"`
}

// Rebuild regenerates the FTS index and backfills missing embeddings.
func (e *Engine) Rebuild(ctx context.Context, dryRun bool) (*RebuildResult, error) {
	result := &RebuildResult{DryRun: dryRun}

	missing, err := e.store.ObservationsMissingEmbedding(ctx, 10000)
	if err != nil {
		return nil, err
	}
	result.EmbeddingsWanted = len(missing)

	if dryRun {
		return result, nil
	}

	if err := e.store.RebuildFTS(ctx); err != nil {
		return nil, err
	}
	result.FTSRebuilt = true

	if e.embedder == nil {
		return result, nil
	}
	for _, obs := range missing {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		vec, err := e.embedder.Embed(ctx, obs.EmbeddingText())
		if err != nil {
			slog.Warn("rebuild embedding failed", "observation_id", obs.ID, "error", err)
			continue
		}
		if err := e.store.SetEmbedding(ctx, obs.ID, vec, e.embedder.Model()); err != nil {
			return result, err
		}
		result.EmbeddingsBuilt++
	}
	return result, nil
}

// Export streams the store as JSONL.
func (e *Engine) Export(ctx context.Context, w io.Writer) error {
	return e.store.ExportJSONL(ctx, w)
}

// Import loads a JSONL export.
func (e *Engine) Import(ctx context.Context, r io.Reader) (int, error) {
	return e.store.ImportJSONL(ctx, r)
}

// Stats reports operational counters.
func (e *Engine) Stats(ctx context.Context) (*storage.Stats, error) {
	return e.store.Stats(ctx)
}
